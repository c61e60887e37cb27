package futures

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vamm.com/pkg/oracle"
)

func TestFundingKeeperRunOnce(t *testing.T) {
	h := newHarness(t)
	h.oracle.Set("ETH/USD", testMark, 0)
	_, err := h.ch.InitializeMarket(h.ctx, testAdmin, InitializeMarketParams{
		MarketIndex:       1,
		BaseAssetReserve:  testReserve,
		QuoteAssetReserve: testReserve,
		PegMultiplier:     testPeg,
		FundingPeriod:     3600,
		OracleSource:      oracle.SourceFixed,
		OracleAsset:       "ETH/USD",
	})
	require.NoError(t, err)

	k := NewFundingKeeper(h.ch, time.Hour, nil)

	// 周期未到
	recs, err := k.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	h.clock.Advance(7_200)
	h.oracle.Set(testAsset, 490_000_000_000, 0)
	h.oracle.Set("ETH/USD", 510_000_000_000, 0)
	recs, err = k.RunOnce(h.ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(0), recs[0].MarketIndex)
	assert.Equal(t, uint64(1), recs[1].MarketIndex)
	assert.Positive(t, recs[0].FundingRate, "标记高于预言机")
	assert.Negative(t, recs[1].FundingRate, "标记低于预言机")

	// 同一周期内不会重复更新
	recs, err = k.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, int64(2), h.historyLen(KindFundingRate))
}

func TestFundingKeeperSkipsBrokenMarket(t *testing.T) {
	h := newHarness(t)
	h.oracle.Set("ETH/USD", testMark, 0)
	_, err := h.ch.InitializeMarket(h.ctx, testAdmin, InitializeMarketParams{
		MarketIndex:       1,
		BaseAssetReserve:  testReserve,
		QuoteAssetReserve: testReserve,
		PegMultiplier:     testPeg,
		FundingPeriod:     3600,
		OracleSource:      oracle.SourceFixed,
		OracleAsset:       "ETH/USD",
	})
	require.NoError(t, err)
	// 市场 0 预言机失效，不影响市场 1
	h.oracle.SetData(testAsset, oracle.PriceData{})
	h.oracle.Set("ETH/USD", 510_000_000_000, 0)

	h.clock.Advance(7_200)
	k := NewFundingKeeper(h.ch, time.Hour, nil)
	recs, err := k.RunOnce(h.ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].MarketIndex)
}

func TestFundingKeeperLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	k := NewFundingKeeper(h.ch, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, k.Start(ctx))
	assert.True(t, errors.Is(k.Start(ctx), ErrKeeperRunning))

	time.Sleep(20 * time.Millisecond)
	k.Stop()
	k.Stop()
}
