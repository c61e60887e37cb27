package liquidation

import (
	"testing"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScanner(t *testing.T, ex Exchange) (*Scanner, *RiskLevelIndex) {
	t.Helper()
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	idx := NewRiskLevelIndex()
	return NewScanner(ex, idx, pool, nil), idx
}

func TestScannerClassifiesUsers(t *testing.T) {
	h := newHarness(t)
	// 100 USDC 开 400 USDC 多仓 (约 8 个)
	h.trader("alice", 100*usdc, 400*usdc)
	h.trader("carol", 1_000*usdc, 400*usdc)
	h.trader("bob", 100*usdc, 0)

	tests := []struct {
		price int64
		want  RiskLevel
	}{
		{500_000_000_000, RiskLevelSafe},
		{410_000_000_000, RiskLevelWarning},
		{405_000_000_000, RiskLevelDanger},
		{402_000_000_000, RiskLevelCritical},
		{400_000_000_000, RiskLevelLiquidate},
	}
	s, idx := newScanner(t, h.ch)
	for _, tt := range tests {
		h.movePrice(tt.price)
		res, err := s.Scan(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Scanned, "空仓用户不扫描")
		assert.Zero(t, res.Failed)

		data, err := s.Check(h.ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, tt.want, data.Level, "price=%d ratio=%v", tt.price, data.RiskRatio)
		assert.Equal(t, []uint64{0}, data.Markets)

		if tt.want == RiskLevelSafe {
			assert.Equal(t, 2, res.Levels[RiskLevelSafe])
			assert.Zero(t, idx.TotalCount())
			continue
		}
		assert.Equal(t, 1, res.Levels[RiskLevelSafe], "carol 保证金充足")
		assert.Equal(t, 1, res.Levels[tt.want])
		if tt.want == RiskLevelLiquidate {
			require.Len(t, res.Liquidatable, 1)
			assert.Equal(t, "alice", res.Liquidatable[0].Authority)
			assert.Zero(t, idx.TotalCount())
		} else {
			assert.Empty(t, res.Liquidatable)
			got, ok := idx.GetUser("alice")
			require.True(t, ok)
			assert.Equal(t, tt.want, got.Level)
			assert.Equal(t, []string{"alice"}, idx.GetUsersByMarket(0))
		}
	}
}

func TestScannerCountsFailures(t *testing.T) {
	h := newHarness(t)
	h.trader("alice", 100*usdc, 400*usdc)
	h.trader("broken", 100*usdc, 400*usdc)
	h.movePrice(410_000_000_000)

	s, idx := newScanner(t, &brokenExchange{ClearingHouse: h.ch, broken: "broken"})
	res, err := s.Scan(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, idx.TotalCount())
}

func TestSortByRisk(t *testing.T) {
	users := []UserRiskData{
		{Authority: "b", RiskRatio: 1.2},
		{Authority: "c", RiskRatio: 1.5},
		{Authority: "a", RiskRatio: 1.2},
	}
	sortByRisk(users)
	assert.Equal(t, "c", users[0].Authority)
	assert.Equal(t, "a", users[1].Authority)
	assert.Equal(t, "b", users[2].Authority)
}
