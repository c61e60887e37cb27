package liquidation

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineRequiresLiquidator(t *testing.T) {
	_, err := NewEngine(nil, Config{}, nil)
	assert.Error(t, err)
}

func TestEngineRunOnceLiquidates(t *testing.T) {
	h := newHarness(t)
	h.trader("alice", 100*usdc, 400*usdc)
	h.trader("carol", 1_000*usdc, 400*usdc)
	e := newEngine(t, h.ch)

	results, err := e.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	h.movePrice(400_000_000_000)
	results, err = e.RunOnce(h.ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	require.True(t, res.Success())
	assert.Equal(t, "alice", res.Authority)
	assert.True(t, res.Record.Partial)
	assert.Equal(t, "keeper", res.Record.Liquidator)
	assert.Positive(t, res.Record.FeeToLiquidator)

	// 部分强平后回到预警区
	results, err = e.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
	got, ok := e.Index().GetUser("alice")
	require.True(t, ok)
	assert.Equal(t, RiskLevelWarning, got.Level)

	stats := e.Stats()
	assert.Equal(t, int64(1), stats.Executed)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, 1, stats.WarningUsers)
}

func TestEngineOnPriceChange(t *testing.T) {
	h := newHarness(t)
	h.trader("alice", 100*usdc, 400*usdc)
	e := newEngine(t, h.ch)

	h.movePrice(402_000_000_000)
	results, err := e.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
	require.Len(t, e.Index().GetByLevel(RiskLevelCritical), 1)

	// 其它市场变价不影响
	assert.Empty(t, e.OnPriceChange(h.ctx, 7))

	h.movePrice(400_000_000_000)
	results = e.OnPriceChange(h.ctx, 0)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success())
	assert.Zero(t, e.Index().TotalCount())
}

func TestEngineCheckLevelMovesUsers(t *testing.T) {
	h := newHarness(t)
	h.trader("alice", 100*usdc, 400*usdc)
	e := newEngine(t, h.ch)

	h.movePrice(410_000_000_000)
	_, err := e.RunOnce(h.ctx)
	require.NoError(t, err)
	require.Len(t, e.Index().GetByLevel(RiskLevelWarning), 1)

	// 价格回升，复查后移出索引
	h.movePrice(500_000_000_000)
	assert.Empty(t, e.CheckLevel(h.ctx, RiskLevelWarning))
	assert.Zero(t, e.Index().TotalCount())
	assert.Empty(t, e.CheckLevel(h.ctx, RiskLevelDanger))
}

func TestEngineSkipsAlreadyHealthyUser(t *testing.T) {
	h := newHarness(t)
	h.trader("alice", 100*usdc, 400*usdc)
	e := newEngine(t, h.ch)

	res := e.liquidate(h.ctx, LiquidationTask{Authority: "alice"})
	assert.NoError(t, res.Err)
	assert.False(t, res.Success())

	res = e.liquidate(h.ctx, LiquidationTask{Authority: "nobody"})
	assert.Error(t, res.Err)
	assert.Equal(t, int64(1), e.Stats().Failed)
}

func TestEngineLifecycle(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig("keeper")
	cfg.ScanInterval = 5 * time.Millisecond
	cfg.CriticalInterval = 5 * time.Millisecond
	e, err := NewEngine(h.ch, cfg, nil)
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	assert.True(t, errors.Is(e.Start(ctx), ErrEngineRunning))

	time.Sleep(20 * time.Millisecond)
	e.Stop()
	e.Stop()

	// 停止后可以重新启动
	require.NoError(t, e.Start(ctx))
	e.Stop()
}

func TestEngineObserverReceivesAtRiskUsers(t *testing.T) {
	h := newHarness(t)
	h.trader("alice", 100*usdc, 400*usdc)
	h.trader("carol", 1_000*usdc, 400*usdc)
	e := newEngine(t, h.ch)

	var seen [][]UserRiskData
	e.SetObserver(func(_ context.Context, users []UserRiskData) {
		seen = append(seen, users)
	})

	_, err := e.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, seen)

	h.movePrice(405_000_000_000)
	_, err = e.RunOnce(h.ctx)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	require.Len(t, seen[0], 1)
	assert.Equal(t, "alice", seen[0][0].Authority)
	assert.Equal(t, RiskLevelDanger, seen[0][0].Level)

	e.CheckLevel(h.ctx, RiskLevelDanger)
	require.Len(t, seen, 2)
	assert.Equal(t, RiskLevelDanger, seen[1][0].Level)
}
