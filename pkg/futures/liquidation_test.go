package futures

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vamm.com/pkg/oracle"
	"vamm.com/pkg/vamm"
)

// 100 USDC 保证金开 400 USDC 多仓 (约 8 个)
func newLeveragedHarness(t *testing.T) *harness {
	h := newHarness(t)
	h.newUser("alice", 100*usdc)
	h.openLong("alice", 400*usdc)
	return h
}

func TestLiquidateHealthyUser(t *testing.T) {
	h := newLeveragedHarness(t)

	_, err := h.ch.Liquidate(h.ctx, "keeper", "alice")
	assert.True(t, errors.Is(err, ErrSufficientCollateral))
	assert.Zero(t, h.historyLen(KindLiquidation))

	_, err = h.ch.Liquidate(h.ctx, "keeper", "nobody")
	assert.True(t, errors.Is(err, ErrUserNotFound))
}

func TestPartialLiquidation(t *testing.T) {
	h := newLeveragedHarness(t)
	baseBefore := h.position("alice").BaseAssetAmount

	// 跌到 40: 权益约 19.6，低于部分强平线 20，高于维持线 16
	h.movePrice(400_000_000_000)
	status, err := h.ch.LiquidationStatus(h.ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, LiquidationPartial, status.Type)

	rec, err := h.ch.Liquidate(h.ctx, "keeper", "alice")
	require.NoError(t, err)
	assert.True(t, rec.Partial)
	assert.Equal(t, "keeper", rec.Liquidator)
	assert.Equal(t, status.TotalCollateral, rec.TotalCollateral)
	assert.InDelta(t, 80*usdc, rec.BaseAssetValueClosed, float64(usdc), "平掉 25%")

	// 罚金 2.5% 权益，清算人和保险基金各一半
	assert.Equal(t, rec.TotalCollateral*25/1000, rec.LiquidationFee)
	assert.Equal(t, rec.LiquidationFee/2, rec.FeeToLiquidator)
	assert.Equal(t, rec.LiquidationFee-rec.FeeToLiquidator, rec.FeeToInsuranceFund)

	st := h.state()
	assert.Equal(t, rec.FeeToInsuranceFund, st.InsuranceVaultBalance)
	assert.Equal(t, 100*usdc-rec.LiquidationFee, st.CollateralVaultBalance)

	base := h.position("alice").BaseAssetAmount
	assert.Greater(t, base, int64(0))
	assert.InDelta(t, baseBefore*3/4, base, float64(baseBefore/50))

	// 强平成交记入成交历史
	trades := h.history(KindTrade)
	last := trades[len(trades)-1].(*TradeRecord)
	assert.True(t, last.Liquidation)

	var paid bool
	for _, tr := range h.vault.Transfers() {
		if tr.To == AccountUser && tr.Authority == "keeper" {
			assert.Equal(t, rec.FeeToLiquidator, tr.Amount)
			paid = true
		}
	}
	assert.True(t, paid, "清算人收到罚金")
}

func TestFullLiquidation(t *testing.T) {
	h := newLeveragedHarness(t)

	// 跌到 37.5: 亏损吃光保证金
	h.movePrice(375_000_000_000)
	status, err := h.ch.LiquidationStatus(h.ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, LiquidationFull, status.Type)

	rec, err := h.ch.Liquidate(h.ctx, "keeper", "alice")
	require.NoError(t, err)
	assert.False(t, rec.Partial)
	assert.InDelta(t, status.BaseAssetValue, rec.BaseAssetValueClosed, 1_000)

	p := h.position("alice")
	assert.Zero(t, p.BaseAssetAmount)
	assert.Zero(t, p.QuoteAssetAmount)

	u := h.user("alice")
	assert.Zero(t, u.Collateral)
	assert.Zero(t, u.OpenPositions)

	m := h.market()
	assert.Zero(t, m.BaseAssetAmount)
	assert.Zero(t, m.OpenInterest)

	assert.Equal(t, int64(1), h.historyLen(KindLiquidation))
	trades := h.history(KindTrade)
	require.Len(t, trades, 2)
	assert.True(t, trades[1].(*TradeRecord).Liquidation)

	// 已经没有仓位
	_, err = h.ch.Liquidate(h.ctx, "keeper", "alice")
	assert.True(t, errors.Is(err, ErrSufficientCollateral))
}

// =============================================================================
// 浅市场: 平仓滑点超过 2%
// =============================================================================

const (
	// 60 USDC
	thinStartPrice = int64(600_000_000_000)
	// 0.1 USDC
	thinPriceStep = int64(1_000_000_000)
)

// 1000 USDC 保证金在浅市场开 2000 USDC 多仓 (约 28.6 个，标记价格推到约 98)
func newThinWhaleHarness(t *testing.T) *harness {
	h := newThinHarness(t)
	h.newUser("whale", 1000*usdc)
	// 预言机数据点不足，开仓不受偏离护栏限制
	h.oracle.SetData(testAsset, oracle.PriceData{Price: testMark})
	h.openLong("whale", 2000*usdc)
	return h
}

func lastTrade(t *testing.T, h *harness) *TradeRecord {
	trades := h.history(KindTrade)
	require.NotEmpty(t, trades)
	return trades[len(trades)-1].(*TradeRecord)
}

func TestFullLiquidationClampsSlippage(t *testing.T) {
	h := newThinWhaleHarness(t)
	baseBefore := h.position("whale").BaseAssetAmount

	status := h.stepDownUntil("whale", thinStartPrice, thinPriceStep, LiquidationFull)
	require.Greater(t, status.AdjustedTotalCollateral, usdc, "不是 dust")
	ms := status.MarketStatuses[0]
	require.True(t, ms.OracleStatus.IsValid)
	require.NotNil(t, ms.ClosePositionSlippage)
	// 全部平仓滑点远超护栏
	pct, err := vamm.SlippagePct(*ms.ClosePositionSlippage, ms.MarkPriceBefore)
	require.NoError(t, err)
	require.Less(t, pct, -MaxMarkTwapDivergence)

	rec, err := h.ch.Liquidate(h.ctx, "keeper", "whale")
	require.NoError(t, err)
	assert.False(t, rec.Partial)
	assert.Greater(t, rec.BaseAssetValueClosed, int64(0))
	assert.Less(t, rec.BaseAssetValueClosed, status.BaseAssetValue/2, "只平掉滑点允许的部分")

	base := h.position("whale").BaseAssetAmount
	assert.Greater(t, base, int64(0))
	assert.Less(t, base, baseBefore)

	last := lastTrade(t, h)
	assert.True(t, last.Liquidation)
	assert.Less(t, last.MarkPriceAfter, last.MarkPriceBefore)
	spread, err := oracle.SpreadPct(last.MarkPriceAfter, last.OraclePrice)
	require.NoError(t, err)
	assert.Greater(t, spread, -MaxMarkTwapDivergence, "成交后仍在偏离护栏内")
	assert.Equal(t, int64(1), h.historyLen(KindLiquidation))
}

func TestPartialLiquidationClampsSlippage(t *testing.T) {
	h := newThinWhaleHarness(t)

	status := h.stepDownUntil("whale", thinStartPrice, thinPriceStep, LiquidationPartial)
	ms := status.MarketStatuses[0]
	require.NotNil(t, ms.ClosePositionSlippage)
	// 按 25% 缩放后仍超过 2%
	pct, err := vamm.SlippagePct(*ms.ClosePositionSlippage/4, ms.MarkPriceBefore)
	require.NoError(t, err)
	require.Less(t, pct, -MaxLiquidationSlippage)

	rec, err := h.ch.Liquidate(h.ctx, "keeper", "whale")
	require.NoError(t, err)
	assert.True(t, rec.Partial)
	assert.Greater(t, rec.BaseAssetValueClosed, int64(0))
	assert.Less(t, rec.BaseAssetValueClosed, status.BaseAssetValue/4)

	last := lastTrade(t, h)
	assert.True(t, last.Liquidation)
	assert.Greater(t, last.MarkPriceAfter, last.MarkPriceBefore*9/10)
}

// =============================================================================
// 跳过的市场
// =============================================================================

func TestLiquidationSkipsDivergentPosition(t *testing.T) {
	h := newLeveragedHarness(t)
	h.movePrice(375_000_000_000)
	// 标记价格已经比预言机低约 12.8%，平多仓只会继续拉大偏离
	h.oracle.Set(testAsset, 430_000_000_000, 0)

	status, err := h.ch.LiquidationStatus(h.ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, LiquidationFull, status.Type)
	require.True(t, status.MarketStatuses[0].OracleStatus.IsValid)
	baseBefore := h.position("alice").BaseAssetAmount

	_, err = h.ch.Liquidate(h.ctx, "keeper", "alice")
	assert.True(t, errors.Is(err, ErrNoPositionsLiquidatable))
	assert.Equal(t, baseBefore, h.position("alice").BaseAssetAmount)
	assert.Zero(t, h.historyLen(KindLiquidation))

	// 预言机回到标记价格后可以强平
	h.oracle.Set(testAsset, 375_000_000_000, 0)
	rec, err := h.ch.Liquidate(h.ctx, "keeper", "alice")
	require.NoError(t, err)
	assert.False(t, rec.Partial)
	assert.Zero(t, h.position("alice").BaseAssetAmount)
}

func TestLiquidationSkipsMarkTwapDivergence(t *testing.T) {
	h := newLeveragedHarness(t)
	h.movePrice(375_000_000_000)
	// 预言机无效，标记价格比 TWAP (约 50) 低 25%
	h.oracle.SetData(testAsset, oracle.PriceData{Price: 375_000_000_000})

	status, err := h.ch.LiquidationStatus(h.ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, LiquidationFull, status.Type)
	require.False(t, status.MarketStatuses[0].OracleStatus.IsValid)

	_, err = h.ch.Liquidate(h.ctx, "keeper", "alice")
	assert.True(t, errors.Is(err, ErrNoPositionsLiquidatable))
	assert.NotZero(t, h.position("alice").BaseAssetAmount)
	assert.Zero(t, h.historyLen(KindLiquidation))
}

func TestPartialLiquidationWithoutOracle(t *testing.T) {
	h := newLeveragedHarness(t)
	h.movePrice(398_000_000_000)
	// 过一个资金费周期再成交一笔，标记 TWAP 追上当前价格
	h.clock.Advance(3601)
	h.newUser("bob", 10*usdc)
	h.openLong("bob", usdc)
	h.oracle.SetData(testAsset, oracle.PriceData{Price: 398_000_000_000})

	status, err := h.ch.LiquidationStatus(h.ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, LiquidationPartial, status.Type)
	ms := status.MarketStatuses[0]
	require.False(t, ms.OracleStatus.IsValid)
	require.Nil(t, ms.ClosePositionSlippage)

	rec, err := h.ch.Liquidate(h.ctx, "keeper", "alice")
	require.NoError(t, err)
	assert.True(t, rec.Partial)
	assert.InDelta(t, status.BaseAssetValue/4, rec.BaseAssetValueClosed, float64(usdc), "深度足够，平掉 25%")
	assert.Equal(t, rec.TotalCollateral*25/1000, rec.LiquidationFee)
	assert.Equal(t, int64(398_000_000_000), lastTrade(t, h).OraclePrice)
}

// =============================================================================
// 罚金结算
// =============================================================================

func TestLiquidationFeeCappedByVaults(t *testing.T) {
	h := newLeveragedHarness(t)
	h.movePrice(400_000_000_000)
	// 抵押金库只剩 0.1 USDC，保险金库为空
	h.setVaultBalances(100_000, 0)

	rec, err := h.ch.Liquidate(h.ctx, "keeper", "alice")
	require.NoError(t, err)
	assert.True(t, rec.Partial)
	assert.Equal(t, int64(100_000), rec.LiquidationFee)
	assert.Equal(t, int64(50_000), rec.FeeToLiquidator)
	assert.Equal(t, int64(50_000), rec.FeeToInsuranceFund)

	st := h.state()
	assert.Zero(t, st.CollateralVaultBalance)
	assert.Equal(t, int64(50_000), st.InsuranceVaultBalance)
}

func TestSettleLiquidationFee(t *testing.T) {
	cases := []struct {
		name                    string
		fee, collateral, insure int64
		shareDenominator        int64
		paid, toLiq, toIns      int64
		wantCollateral          int64
		wantInsurance           int64
	}{
		{"collateral covers", 1000, 10_000, 0, 2, 1000, 500, 500, 9000, 500},
		{"insurance tops up", 1000, 300, 10_000, 2, 1000, 500, 500, 0, 9800},
		{"both vaults short", 1000, 300, 200, 2, 500, 250, 250, 0, 250},
		{"liquidator takes all", 1000, 10_000, 0, 1, 1000, 1000, 0, 9000, 0},
		{"zero fee", 0, 10_000, 0, 2, 0, 0, 0, 10_000, 0},
	}
	h := newHarness(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := len(h.vault.Transfers())
			var paid, toLiq, toIns int64
			err := h.ch.run(h.ctx, "settle_liquidation_fee", scope{state: true}, func(tx *txn) error {
				st, err := tx.stateForUpdate()
				if err != nil {
					return err
				}
				st.CollateralVaultBalance = tc.collateral
				st.InsuranceVaultBalance = tc.insure
				paid, toLiq, toIns, err = tx.settleLiquidationFee("keeper", tc.fee, tc.shareDenominator)
				return err
			})
			require.NoError(t, err)
			assert.Equal(t, tc.paid, paid)
			assert.Equal(t, tc.toLiq, toLiq)
			assert.Equal(t, tc.toIns, toIns)

			st := h.state()
			assert.Equal(t, tc.wantCollateral, st.CollateralVaultBalance)
			assert.Equal(t, tc.wantInsurance, st.InsuranceVaultBalance)

			var received int64
			for _, tr := range h.vault.Transfers()[n:] {
				if tr.To == AccountUser && tr.Authority == "keeper" {
					received += tr.Amount
				}
			}
			assert.Equal(t, tc.toLiq, received)
		})
	}
}

func TestClampSlippagePct(t *testing.T) {
	assert.Equal(t, MaxLiquidationSlippage, clampSlippagePct(MaxLiquidationSlippage*10))
	assert.Equal(t, -MaxLiquidationSlippage, clampSlippagePct(-MaxLiquidationSlippage*10))
	assert.Equal(t, int64(12345), clampSlippagePct(12345))
	assert.Equal(t, int64(-12345), clampSlippagePct(-12345))
}

func TestCloseSlippageWithoutOracleEstimate(t *testing.T) {
	cached := int64(-42)
	got, err := closeSlippage(MarketStatus{ClosePositionSlippage: &cached}, 1)
	require.NoError(t, err)
	assert.Equal(t, cached, got)

	// 10 个卖出 400 USDC，均价 40，标记价格 50
	ms := MarketStatus{BaseAssetValue: 400 * usdc, MarkPriceBefore: testMark}
	got, err = closeSlippage(ms, 10_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(-100_000_000_000), got)
}
