package futures

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vamm.com/pkg/fee"
	"vamm.com/pkg/oracle"
	"vamm.com/pkg/vamm"
)

func TestMoveAMMToPrice(t *testing.T) {
	h := newHarness(t)

	_, err := h.ch.MoveAMMToPrice(h.ctx, "mallory", testMarket, 400_000_000_000)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	rec, err := h.ch.MoveAMMToPrice(h.ctx, testAdmin, testMarket, 400_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, CurveMovePrice, rec.Action)
	assert.Equal(t, int64(1), h.historyLen(KindCurve))

	mark, err := h.market().AMM.MarkPrice()
	require.NoError(t, err)
	assert.InEpsilon(t, 400_000_000_000, mark, 1e-6)
	assert.Equal(t, testReserve, h.market().AMM.SqrtK, "k 不变")

	require.NoError(t, h.ch.DisableAdminControlsPrices(h.ctx, testAdmin))
	_, err = h.ch.MoveAMMToPrice(h.ctx, testAdmin, testMarket, testMark)
	assert.True(t, errors.Is(err, ErrAdminControlsPricesDisabled))
	_, err = h.ch.MoveAMMPrice(h.ctx, testAdmin, testMarket, testReserve, testReserve)
	assert.True(t, errors.Is(err, ErrAdminControlsPricesDisabled))
	assert.Equal(t, int64(1), h.historyLen(KindCurve))
}

func TestUpdateK(t *testing.T) {
	h := newHarness(t)

	rec, err := h.ch.UpdateK(h.ctx, testAdmin, testMarket, 2*testReserve)
	require.NoError(t, err)
	assert.Equal(t, CurveUpdateK, rec.Action)

	m := h.market()
	assert.Equal(t, 2*testReserve, m.AMM.SqrtK)
	mark, err := m.AMM.MarkPrice()
	require.NoError(t, err)
	assert.InEpsilon(t, testMark, mark, 1e-6)

	_, err = h.ch.UpdateK(h.ctx, testAdmin, testMarket, 0)
	assert.True(t, errors.Is(err, vamm.ErrInvalidUpdateK))
}

func TestWithdrawFees(t *testing.T) {
	h := newHarness(t)
	h.newUser("alice", 10_000*usdc)
	h.openLong("alice", 1_000*usdc)

	// 手续费池 1 USDC，最多提一半
	require.Equal(t, usdc, h.market().AMM.TotalFee)
	err := h.ch.WithdrawFees(h.ctx, testAdmin, testMarket, usdc/2+1)
	assert.True(t, errors.Is(err, ErrAdminWithdrawTooLarge))

	err = h.ch.WithdrawFees(h.ctx, "mallory", testMarket, usdc/2)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	require.NoError(t, h.ch.WithdrawFees(h.ctx, testAdmin, testMarket, usdc/2))
	m := h.market()
	assert.Equal(t, usdc/2, m.AMM.TotalFeeWithdrawn)
	assert.Equal(t, usdc/2, m.AMM.TotalFeeMinusDistributions)
	assert.Equal(t, 10_000*usdc-usdc/2, h.state().CollateralVaultBalance)

	err = h.ch.WithdrawFees(h.ctx, testAdmin, testMarket, 1)
	assert.True(t, errors.Is(err, ErrAdminWithdrawTooLarge), "已经提满")

	transfers := h.vault.Transfers()
	last := transfers[len(transfers)-1]
	assert.Equal(t, AccountCollateral, last.From)
	assert.Equal(t, AccountAdmin, last.To)
	assert.Equal(t, usdc/2, last.Amount)
}

func TestWithdrawFromInsuranceVault(t *testing.T) {
	h := newLeveragedHarness(t)
	h.movePrice(400_000_000_000)
	rec, err := h.ch.Liquidate(h.ctx, "keeper", "alice")
	require.NoError(t, err)
	insurance := rec.FeeToInsuranceFund
	require.Positive(t, insurance)

	err = h.ch.WithdrawFromInsuranceVault(h.ctx, testAdmin, insurance+1)
	assert.True(t, errors.Is(err, ErrAdminWithdrawTooLarge))

	half := insurance / 2
	tfmdBefore := h.market().AMM.TotalFeeMinusDistributions
	vaultBefore := h.state().CollateralVaultBalance
	require.NoError(t, h.ch.WithdrawFromInsuranceVaultToMarket(h.ctx, testAdmin, testMarket, half))
	assert.Equal(t, tfmdBefore+half, h.market().AMM.TotalFeeMinusDistributions)
	assert.Equal(t, vaultBefore+half, h.state().CollateralVaultBalance)

	require.NoError(t, h.ch.WithdrawFromInsuranceVault(h.ctx, testAdmin, insurance-half))
	assert.Zero(t, h.state().InsuranceVaultBalance)
}

func TestAdminSetters(t *testing.T) {
	h := newHarness(t)

	err := h.ch.UpdateMarginRatio(h.ctx, testAdmin, testMarket, 500, 625, 2000)
	assert.True(t, errors.Is(err, ErrInvalidMarginRatio))
	require.NoError(t, h.ch.UpdateMarginRatio(h.ctx, testAdmin, testMarket, 1000, 500, 300))
	m := h.market()
	assert.Equal(t, int64(1000), m.MarginRatioInitial)
	assert.Equal(t, int64(300), m.MarginRatioMaintenance)

	require.NoError(t, h.ch.UpdateFundingPeriod(h.ctx, testAdmin, testMarket, 7200))
	assert.Equal(t, int64(7200), h.market().AMM.FundingPeriod)

	require.NoError(t, h.ch.UpdateMarketMinimumTradeSize(h.ctx, testAdmin, testMarket, 20_000, 30_000))
	assert.Equal(t, int64(30_000), h.market().AMM.MinimumBaseAssetTradeSize)

	err = h.ch.UpdateMarketOracle(h.ctx, testAdmin, testMarket, oracle.SourceFixed, "SOL/USDT")
	assert.True(t, errors.Is(err, oracle.ErrPriceNotFound), "新预言机必须可读")
	h.oracle.Set("SOL/USDT", testMark, 0)
	require.NoError(t, h.ch.UpdateMarketOracle(h.ctx, testAdmin, testMarket, oracle.SourceFixed, "SOL/USDT"))
	assert.Equal(t, "SOL/USDT", h.market().AMM.OracleAsset)

	s := fee.DefaultStructure()
	s.FeeNumerator = 5
	require.NoError(t, h.ch.UpdateFeeStructure(h.ctx, testAdmin, s))
	assert.Equal(t, int64(5), h.state().FeeStructure.FeeNumerator)

	lp := DefaultLiquidationParams()
	lp.PartialPenaltyDenominator = 0
	err = h.ch.UpdateLiquidationParams(h.ctx, testAdmin, lp)
	assert.True(t, errors.Is(err, ErrInvalidParameter))

	require.NoError(t, h.ch.UpdateAdmin(h.ctx, testAdmin, "new-admin"))
	err = h.ch.UpdateExchangePaused(h.ctx, testAdmin, true)
	assert.True(t, errors.Is(err, ErrUnauthorized), "旧管理员失效")
	require.NoError(t, h.ch.UpdateExchangePaused(h.ctx, "new-admin", true))
	assert.True(t, h.state().ExchangePaused)
}
