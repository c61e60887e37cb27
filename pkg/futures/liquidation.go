// 文件: pkg/futures/liquidation.go
// 强平执行
//
// 【流程】
//   1. 结算资金费，计算强平状态，NONE 直接拒绝
//   2. 按保证金要求从大到小逐个市场平仓 (FULL) 或减仓 (PARTIAL)
//   3. 跳过: 价值为 0 / 预言机无效且标记价格偏离 TWAP 过大 / 平仓会让偏离继续扩大
//   4. 滑点超过 2% 时只平掉滑点允许的金额
//   5. 累计罚金，PARTIAL 在剩余权益覆盖剩余要求后停止
//   6. 罚金按比例分给清算人和保险金库
//
// 权益低于 1 个 quote 单位的账户按 FULL 处理 (dust)。

package futures

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/vamm"
)

const (
	// MaxLiquidationSlippage 单个市场平仓允许的最大滑点 (2%)
	MaxLiquidationSlippage = fixedpoint.MarkPricePrecision / 50
	// MaxMarkTwapDivergence 预言机无效时，标记价格偏离 TWAP 超过 10% 不强平
	MaxMarkTwapDivergence = fixedpoint.MarkPricePrecision / 10
)

// liquidationPass 一次强平的累计量
type liquidationPass struct {
	status            LiquidationStatus
	marginRequirement int64
	valueClosed       int64
	fee               int64
}

// Liquidate 强平 authority 的仓位，清算人拿到一部分罚金
func (ch *ClearingHouse) Liquidate(ctx context.Context, liquidator, authority string) (*LiquidationRecord, error) {
	if liquidator == "" {
		return nil, errors.Wrap(ErrInvalidParameter, "empty liquidator")
	}
	var rec *LiquidationRecord
	err := ch.run(ctx, "liquidate", scope{users: []string{authority}, state: true}, func(tx *txn) error {
		st, err := tx.loadState()
		if err != nil {
			return err
		}
		if err := requireNotPaused(st); err != nil {
			return err
		}
		if _, err := tx.user(authority); err != nil {
			return err
		}
		if _, err := ch.settleFundingPayment(tx, authority); err != nil {
			return err
		}
		rec, err = ch.liquidate(tx, st, liquidator, authority)
		return err
	})
	if err != nil {
		return nil, err
	}
	ch.logger.Info("user liquidated",
		zap.String("authority", authority),
		zap.String("liquidator", liquidator),
		zap.Bool("partial", rec.Partial),
		zap.Int64("value_closed", rec.BaseAssetValueClosed),
		zap.Int64("fee", rec.LiquidationFee))
	return rec, nil
}

func (ch *ClearingHouse) liquidate(tx *txn, st *State, liquidator, authority string) (*LiquidationRecord, error) {
	status, err := ch.liquidationStatus(tx, authority, st)
	if err != nil {
		return nil, err
	}
	if status.Type == LiquidationNone {
		return nil, errors.Wrapf(ErrSufficientCollateral,
			"total collateral %d adjusted %d requirement %d",
			status.TotalCollateral, status.AdjustedTotalCollateral, status.MarginRequirement)
	}
	u, err := tx.user(authority)
	if err != nil {
		return nil, err
	}
	collateralBefore := u.Collateral

	isDust := status.AdjustedTotalCollateral < fixedpoint.QuotePrecision
	full := status.Type == LiquidationFull || isDust

	pass := &liquidationPass{status: status, marginRequirement: status.MarginRequirement}
	if full {
		err = ch.liquidateFull(tx, st, authority, pass, isDust)
	} else {
		err = ch.liquidatePartial(tx, st, authority, pass)
	}
	if err != nil {
		return nil, err
	}
	if pass.valueClosed == 0 {
		return nil, errors.Wrapf(ErrNoPositionsLiquidatable, "user %s", authority)
	}

	// ===== 罚金分配 =====
	u, err = tx.userForUpdate(authority)
	if err != nil {
		return nil, err
	}
	fee := fixedpoint.Min64(pass.fee, u.Collateral)
	shareDenominator := st.Liquidation.PartialLiquidatorShareDenominator
	if full {
		shareDenominator = st.Liquidation.FullLiquidatorShareDenominator
	}
	fee, toLiquidator, toInsurance, err := tx.settleLiquidationFee(liquidator, fee, shareDenominator)
	if err != nil {
		return nil, err
	}
	var c fixedpoint.Calc
	u.Collateral = c.Sub(u.Collateral, fee)
	if err := c.Err(); err != nil {
		return nil, err
	}

	rec := &LiquidationRecord{
		Authority:            authority,
		Liquidator:           liquidator,
		Partial:              !full,
		BaseAssetValue:       status.BaseAssetValue,
		BaseAssetValueClosed: pass.valueClosed,
		LiquidationFee:       fee,
		FeeToLiquidator:      toLiquidator,
		FeeToInsuranceFund:   toInsurance,
		TotalCollateral:      status.TotalCollateral,
		Collateral:           collateralBefore,
		UnrealizedPnl:        status.UnrealizedPnl,
		MarginRatio:          status.MarginRatio,
	}
	tx.record(rec)
	return rec, nil
}

// skipMarket 预言机无效时标记价格偏离 TWAP 过大，不在这个市场强平
func (ch *ClearingHouse) skipMarket(m *Market, ms MarketStatus) (bool, error) {
	if ms.BaseAssetValue == 0 {
		return true, nil
	}
	if ms.OracleStatus.IsValid {
		return false, nil
	}
	divergence, err := m.AMM.MarkTwapSpreadPct(ms.MarkPriceBefore)
	if err != nil {
		return false, err
	}
	var c fixedpoint.Calc
	if c.Abs(divergence) >= MaxMarkTwapDivergence {
		ch.logger.Warn("skip liquidation: mark twap divergence",
			zap.Uint64("market", ms.MarketIndex), zap.Int64("divergence", divergence))
		return true, nil
	}
	return false, c.Err()
}

// closeSlippage 全部平仓的价格滑点，预言机估值时已经算过的直接复用
func closeSlippage(ms MarketStatus, base int64) (int64, error) {
	if ms.ClosePositionSlippage != nil {
		return *ms.ClosePositionSlippage, nil
	}
	return vamm.CalculateSlippage(ms.BaseAssetValue, base, ms.MarkPriceBefore)
}

// clampSlippagePct 超过 MaxLiquidationSlippage 的部分不会成交，按上限计
func clampSlippagePct(pct int64) int64 {
	switch {
	case pct > MaxLiquidationSlippage:
		return MaxLiquidationSlippage
	case pct < -MaxLiquidationSlippage:
		return -MaxLiquidationSlippage
	}
	return pct
}

// worsensDivergence 平仓后预言机偏离超过护栏，并且比平仓前更大
func worsensDivergence(st *State, ms MarketStatus, slippagePct int64) (bool, error) {
	if !ms.OracleStatus.IsValid {
		return false, nil
	}
	var c fixedpoint.Calc
	before := ms.OracleStatus.MarkSpreadPct
	after := c.Add(before, slippagePct)
	if err := c.Err(); err != nil {
		return false, err
	}
	tooDivergent, err := oracleTooDivergent(st, after)
	if err != nil || !tooDivergent {
		return false, err
	}
	return c.Abs(before) < c.Abs(after), c.Err()
}

func (ch *ClearingHouse) liquidateFull(tx *txn, st *State, authority string, pass *liquidationPass, isDust bool) error {
	var c fixedpoint.Calc
	maxFee := c.MulDiv(pass.status.TotalCollateral, st.Liquidation.FullPenaltyNumerator, st.Liquidation.FullPenaltyDenominator)
	if err := c.Err(); err != nil {
		return err
	}

	for _, ms := range pass.status.MarketStatuses {
		m, err := tx.market(ms.MarketIndex)
		if err != nil {
			return err
		}
		skip, err := ch.skipMarket(m, ms)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		pu, err := tx.positionUpdate(authority, ms.MarketIndex, st)
		if err != nil {
			return err
		}
		base := pu.position.BaseAssetAmount

		slippage, err := closeSlippage(ms, base)
		if err != nil {
			return err
		}
		slippagePct, err := vamm.SlippagePct(slippage, ms.MarkPriceBefore)
		if err != nil {
			return err
		}
		worse, err := worsensDivergence(st, ms, clampSlippagePct(slippagePct))
		if err != nil {
			return err
		}
		if worse {
			ch.logger.Warn("skip liquidation: oracle divergence", zap.Uint64("market", ms.MarketIndex))
			continue
		}

		closeDir := pu.position.Direction().Opposite()
		var quote, baseClosed int64
		if c.Abs(slippagePct) > MaxLiquidationSlippage {
			// 只平掉滑点允许的部分
			quote = c.MulDiv(ms.BaseAssetValue, MaxLiquidationSlippage, c.Abs(slippagePct))
			if err := c.Err(); err != nil {
				return err
			}
			if baseClosed, err = pu.reduce(closeDir, quote, ms.MarkPriceBefore); err != nil {
				return err
			}
		} else {
			if quote, baseClosed, err = pu.close(); err != nil {
				return err
			}
		}

		if err := ch.recordLiquidationTrade(tx, authority, pu.market, ms, closeDir, baseClosed, quote); err != nil {
			return err
		}
		pass.valueClosed = c.Add(pass.valueClosed, quote)
		pass.marginRequirement = c.Sub(pass.marginRequirement, c.MulDiv(ms.MaintenanceMarginRequirement, quote, ms.BaseAssetValue))
		pass.fee = c.Add(pass.fee, c.MulDiv(maxFee, quote, pass.status.BaseAssetValue))
		remaining := c.Sub(pass.status.AdjustedTotalCollateral, pass.fee)
		if err := c.Err(); err != nil {
			return err
		}
		if !isDust && pass.marginRequirement < remaining {
			break
		}
	}
	return nil
}

func (ch *ClearingHouse) liquidatePartial(tx *txn, st *State, authority string, pass *liquidationPass) error {
	var c fixedpoint.Calc
	lp := st.Liquidation
	maxFee := c.MulDiv(pass.status.TotalCollateral, lp.PartialPenaltyNumerator, lp.PartialPenaltyDenominator)
	maxValueClosed := c.MulDiv(pass.status.BaseAssetValue, lp.PartialClosePercentageNumerator, lp.PartialClosePercentageDenominator)
	if err := c.Err(); err != nil {
		return err
	}

	for _, ms := range pass.status.MarketStatuses {
		m, err := tx.market(ms.MarketIndex)
		if err != nil {
			return err
		}
		skip, err := ch.skipMarket(m, ms)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		pu, err := tx.positionUpdate(authority, ms.MarketIndex, st)
		if err != nil {
			return err
		}
		base := pu.position.BaseAssetAmount

		quote := c.MulDiv(ms.BaseAssetValue, lp.PartialClosePercentageNumerator, lp.PartialClosePercentageDenominator)
		if err := c.Err(); err != nil {
			return err
		}

		// 按全部平仓的滑点乘以减仓比例估算
		fullSlippage, err := closeSlippage(ms, base)
		if err != nil {
			return err
		}
		slippage := c.MulDiv(fullSlippage, lp.PartialClosePercentageNumerator, lp.PartialClosePercentageDenominator)
		if err := c.Err(); err != nil {
			return err
		}
		slippagePct, err := vamm.SlippagePct(slippage, ms.MarkPriceBefore)
		if err != nil {
			return err
		}
		worse, err := worsensDivergence(st, ms, clampSlippagePct(slippagePct))
		if err != nil {
			return err
		}
		if worse {
			ch.logger.Warn("skip partial liquidation: oracle divergence", zap.Uint64("market", ms.MarketIndex))
			continue
		}
		if c.Abs(slippagePct) > MaxLiquidationSlippage {
			quote = c.MulDiv(quote, MaxLiquidationSlippage, c.Abs(slippagePct))
		}
		if err := c.Err(); err != nil {
			return err
		}

		reduceDir := pu.position.Direction().Opposite()
		baseClosed, err := pu.reduce(reduceDir, quote, ms.MarkPriceBefore)
		if err != nil {
			return err
		}
		if err := ch.recordLiquidationTrade(tx, authority, pu.market, ms, reduceDir, baseClosed, quote); err != nil {
			return err
		}

		pass.valueClosed = c.Add(pass.valueClosed, quote)
		pass.marginRequirement = c.Sub(pass.marginRequirement, c.MulDiv(ms.PartialMarginRequirement, quote, ms.BaseAssetValue))
		pass.fee = c.Add(pass.fee, c.MulDiv(maxFee, quote, maxValueClosed))
		remaining := c.Sub(pass.status.AdjustedTotalCollateral, pass.fee)
		if err := c.Err(); err != nil {
			return err
		}
		if pass.marginRequirement < remaining {
			break
		}
	}
	return nil
}

func (ch *ClearingHouse) recordLiquidationTrade(tx *txn, authority string, m *Market, ms MarketStatus, dir vamm.Direction, baseDelta, quote int64) error {
	markAfter, err := m.AMM.MarkPrice()
	if err != nil {
		return err
	}
	var c fixedpoint.Calc
	tx.record(&TradeRecord{
		Authority:        authority,
		MarketIndex:      ms.MarketIndex,
		Direction:        dir,
		BaseAssetAmount:  c.Abs(baseDelta),
		QuoteAssetAmount: quote,
		MarkPriceBefore:  ms.MarkPriceBefore,
		MarkPriceAfter:   markAfter,
		OraclePrice:      ms.OracleStatus.PriceData.Price,
		Liquidation:      true,
	})
	return c.Err()
}
