package liquidation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"vamm.com/pkg/futures"
	"vamm.com/pkg/oracle"
	"vamm.com/pkg/vamm"
)

const (
	testAdmin   = "admin"
	testAsset   = "SOL/USD"
	testReserve = int64(10_000_000_000_000)
	usdc        = int64(1_000_000)
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	ch     *futures.ClearingHouse
	oracle *oracle.Fixed
}

// newHarness 50 USDC 的单市场清算所
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		oracle: oracle.NewFixed().Set(testAsset, 500_000_000_000, 0),
	}
	registry := oracle.NewRegistry().Register(oracle.SourceFixed, h.oracle)
	h.ch = futures.NewClearingHouse(futures.NewMemoryStore(), registry, futures.WithVault(futures.NewMemoryVault()))

	_, err := h.ch.Initialize(h.ctx, testAdmin, true)
	require.NoError(t, err)
	_, err = h.ch.InitializeMarket(h.ctx, testAdmin, futures.InitializeMarketParams{
		MarketIndex:       0,
		BaseAssetReserve:  testReserve,
		QuoteAssetReserve: testReserve,
		PegMultiplier:     50_000,
		FundingPeriod:     3600,
		OracleSource:      oracle.SourceFixed,
		OracleAsset:       testAsset,
	})
	require.NoError(t, err)
	return h
}

// trader 充值后开多，quote 为 0 时只充值
func (h *harness) trader(authority string, deposit, quote int64) {
	h.t.Helper()
	_, err := h.ch.InitializeUser(h.ctx, authority, "")
	require.NoError(h.t, err)
	_, err = h.ch.DepositCollateral(h.ctx, authority, deposit)
	require.NoError(h.t, err)
	if quote == 0 {
		return
	}
	_, err = h.ch.OpenPosition(h.ctx, futures.OpenPositionParams{
		Authority:        authority,
		MarketIndex:      0,
		Direction:        vamm.DirectionLong,
		QuoteAssetAmount: quote,
	})
	require.NoError(h.t, err)
}

// movePrice 预言机和 AMM 一起移动
func (h *harness) movePrice(price int64) {
	h.t.Helper()
	h.oracle.Set(testAsset, price, 0)
	_, err := h.ch.MoveAMMToPrice(h.ctx, testAdmin, 0, price)
	require.NoError(h.t, err)
}

func newEngine(t *testing.T, ex Exchange) *Engine {
	t.Helper()
	e, err := NewEngine(ex, DefaultConfig("keeper"), nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// brokenExchange 指定用户查询失败
type brokenExchange struct {
	*futures.ClearingHouse
	broken string
}

func (b *brokenExchange) LiquidationStatus(ctx context.Context, authority string) (futures.LiquidationStatus, error) {
	if authority == b.broken {
		return futures.LiquidationStatus{}, context.DeadlineExceeded
	}
	return b.ClearingHouse.LiquidationStatus(ctx, authority)
}
