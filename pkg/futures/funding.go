// 文件: pkg/futures/funding.go
// 资金费率: 定期更新累计费率，持仓懒结算
//
// 【核心公式】
//   spread       = mark_twap - oracle_twap, 截断到 ±oracle_twap/33 (约 3%)
//   funding_rate = spread * FundingPaymentPrecision / (24h / max(1h, period))
//   payment      = -(cumulative_diff * base) / (MarkPricePrecision * FundingPaymentPrecision)
//
// 多头付 = 费率 > 0
// 空头付 = 费率 < 0
//
// 【更新时机】
// 对齐到 period 整点。上次更新距离整点超过 1/3 个周期时跳过下一个整点，
// 避免连续两次更新挨得太近。

package futures

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/oracle"
)

// nextFundingUpdateWait 距离上次更新还要等待的秒数
func nextFundingUpdateWait(lastTs, period int64) int64 {
	if period <= 1 {
		return period
	}
	lastDelay := lastTs % period
	if lastDelay < 0 {
		lastDelay += period
	}
	if lastDelay > period/3 {
		return 2*period - lastDelay
	}
	return period - lastDelay
}

// fundingPaymentInQuote 按费率变化和 base 数量计算资金费 (正数为收入)
func fundingPaymentInQuote(c *fixedpoint.Calc, rateDelta, baseAssetAmount int64) int64 {
	return c.Neg(c.MulDiv(rateDelta, baseAssetAmount, fixedpoint.QuoteToBaseAmtFundingPrecision))
}

// =============================================================================
// 费率拆分
// =============================================================================

// fundingRateLongShort 按手续费池的承受能力拆分多空费率
//
// 净持仓方向收钱时全额执行，收益计入手续费池。
// 需要池子垫付时，每期最多用掉池子超出下限部分的 2/3，
// 超出部分按比例压低收钱一方的费率。
func (m *Market) fundingRateLongShort(rate int64) (int64, int64, error) {
	var c fixedpoint.Calc
	amm := &m.AMM

	uncappedPnl := c.Neg(fundingPaymentInQuote(&c, rate, m.BaseAssetAmount))
	if err := c.Err(); err != nil {
		return 0, 0, err
	}
	if uncappedPnl >= 0 {
		amm.TotalFeeMinusDistributions = c.Add(amm.TotalFeeMinusDistributions, uncappedPnl)
		amm.NetRevenueSinceLastFunding = c.Add(amm.NetRevenueSinceLastFunding, uncappedPnl)
		return rate, rate, c.Err()
	}

	cappedRate, cappedPnl, err := m.cappedFundingRate(uncappedPnl, rate)
	if err != nil {
		return 0, 0, err
	}

	newTfmd := c.Add(amm.TotalFeeMinusDistributions, cappedPnl)
	if err := c.Err(); err != nil {
		return 0, 0, err
	}
	if cappedPnl != 0 {
		lowerBound, err := amm.TotalFeeLowerBound()
		if err != nil {
			return 0, 0, err
		}
		if newTfmd < lowerBound {
			return 0, 0, errors.Wrapf(ErrInvalidFundingProfitability,
				"market %d fee pool %d < %d", m.MarketIndex, newTfmd, lowerBound)
		}
	}
	amm.TotalFeeMinusDistributions = newTfmd
	amm.NetRevenueSinceLastFunding = c.Add(amm.NetRevenueSinceLastFunding, cappedPnl)

	long, short := rate, rate
	if rate < 0 {
		long = cappedRate
	}
	if rate > 0 {
		short = cappedRate
	}
	return long, short, c.Err()
}

func (m *Market) cappedFundingRate(uncappedPnl, rate int64) (int64, int64, error) {
	var c fixedpoint.Calc
	amm := &m.AMM

	lowerBound, err := amm.TotalFeeLowerBound()
	if err != nil {
		return 0, 0, err
	}
	var pnlLimit int64
	if amm.TotalFeeMinusDistributions > lowerBound {
		pnlLimit = c.Neg(c.MulDiv(c.Sub(amm.TotalFeeMinusDistributions, lowerBound), 2, 3))
	}
	cappedPnl := fixedpoint.Max64(uncappedPnl, pnlLimit)

	cappedRate := rate
	if uncappedPnl < pnlLimit {
		// 付钱一方已经付出的部分也算进可分配额度
		var fromUsers int64
		if rate > 0 {
			fromUsers = fundingPaymentInQuote(&c, rate, m.BaseAssetAmountLong)
		} else {
			fromUsers = fundingPaymentInQuote(&c, rate, m.BaseAssetAmountShort)
		}
		limit := c.Sub(pnlLimit, c.Abs(fromUsers))
		if rate < 0 {
			cappedRate = c.MulDiv(limit, fixedpoint.QuoteToBaseAmtFundingPrecision, m.BaseAssetAmountLong)
		} else {
			cappedRate = c.MulDiv(limit, fixedpoint.QuoteToBaseAmtFundingPrecision, m.BaseAssetAmountShort)
		}
	}
	return cappedRate, cappedPnl, c.Err()
}

// =============================================================================
// 更新费率
// =============================================================================

// updateFundingRate 条件满足时更新市场累计费率，返回 nil 表示本次跳过
//
// precomputedMark 为交易前的标记价格，0 表示重新计算
func (ch *ClearingHouse) updateFundingRate(tx *txn, marketIndex uint64, st *State, data oracle.PriceData, precomputedMark int64) (*FundingRateRecord, error) {
	if st.FundingPaused {
		return nil, nil
	}
	m, err := tx.market(marketIndex)
	if err != nil {
		return nil, err
	}
	mark := precomputedMark
	if mark == 0 {
		if mark, err = m.AMM.MarkPrice(); err != nil {
			return nil, err
		}
	}
	status, err := oracle.GetStatus(data, mark, m.AMM.LastOraclePriceTwap, st.OracleGuardRails)
	if err != nil {
		return nil, err
	}
	if status.BlockOperation() {
		return nil, nil
	}
	if tx.now-m.AMM.LastFundingRateTs < nextFundingUpdateWait(m.AMM.LastFundingRateTs, m.AMM.FundingPeriod) {
		return nil, nil
	}

	if m, err = tx.marketForUpdate(marketIndex); err != nil {
		return nil, err
	}
	amm := &m.AMM
	oracleTwap, err := amm.UpdateOracleTwap(tx.now, data, mark)
	if err != nil {
		return nil, err
	}
	markTwap, err := amm.UpdateMarkTwap(tx.now, 0)
	if err != nil {
		return nil, err
	}

	var c fixedpoint.Calc
	periodAdjustment := c.Div(fixedpoint.TwentyFourHour, fixedpoint.Max64(fixedpoint.OneHour, amm.FundingPeriod))
	maxSpread := c.Div(oracleTwap, 33)
	spread := fixedpoint.Clamp(c.Sub(markTwap, oracleTwap), c.Neg(maxSpread), maxSpread)
	rate := c.MulDiv(spread, fixedpoint.FundingPaymentPrecision, periodAdjustment)
	if err := c.Err(); err != nil {
		return nil, err
	}

	long, short, err := m.fundingRateLongShort(rate)
	if err != nil {
		return nil, err
	}
	amm.CumulativeFundingRateLong = c.Add(amm.CumulativeFundingRateLong, long)
	amm.CumulativeFundingRateShort = c.Add(amm.CumulativeFundingRateShort, short)
	if err := c.Err(); err != nil {
		return nil, err
	}
	amm.LastFundingRate = rate
	amm.LastFundingRateTs = tx.now
	amm.NetRevenueSinceLastFunding = 0

	rec := &FundingRateRecord{
		MarketIndex:                marketIndex,
		FundingRate:                rate,
		FundingRateLong:            long,
		FundingRateShort:           short,
		CumulativeFundingRateLong:  amm.CumulativeFundingRateLong,
		CumulativeFundingRateShort: amm.CumulativeFundingRateShort,
		OraclePriceTwap:            oracleTwap,
		MarkPriceTwap:              markTwap,
	}
	tx.record(rec)
	return rec, nil
}

// UpdateFundingRate 任何人都可以触发，条件不满足时返回 nil
func (ch *ClearingHouse) UpdateFundingRate(ctx context.Context, marketIndex uint64) (*FundingRateRecord, error) {
	var rec *FundingRateRecord
	err := ch.run(ctx, "update_funding_rate", scope{markets: []uint64{marketIndex}}, func(tx *txn) error {
		st, err := tx.loadState()
		if err != nil {
			return err
		}
		if err := requireNotPaused(st); err != nil {
			return err
		}
		m, err := tx.market(marketIndex)
		if err != nil {
			return err
		}
		data, err := ch.oraclePrice(ctx, m)
		if err != nil {
			return err
		}
		rec, err = ch.updateFundingRate(tx, marketIndex, st, data, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec != nil {
		ch.logger.Info("funding rate updated",
			zap.Uint64("market", marketIndex),
			zap.Int64("rate", rec.FundingRate),
			zap.Int64("cumulative_long", rec.CumulativeFundingRateLong),
			zap.Int64("cumulative_short", rec.CumulativeFundingRateShort))
	}
	return rec, nil
}

// =============================================================================
// 结算
// =============================================================================

// settleFundingPayment 结算用户全部持仓的资金费，返回净收入
func (ch *ClearingHouse) settleFundingPayment(tx *txn, authority string) (int64, error) {
	positions, err := tx.openPositions(authority)
	if err != nil {
		return 0, err
	}

	var c fixedpoint.Calc
	var total int64
	settled := false
	for _, p := range positions {
		m, err := tx.market(p.MarketIndex)
		if err != nil {
			return 0, err
		}
		cumulative := m.AMM.CumulativeFundingRateLong
		if p.BaseAssetAmount < 0 {
			cumulative = m.AMM.CumulativeFundingRateShort
		}
		if cumulative == p.LastCumulativeFundingRate {
			continue
		}

		payment := fundingPaymentInQuote(&c, c.Sub(cumulative, p.LastCumulativeFundingRate), p.BaseAssetAmount)
		if err := c.Err(); err != nil {
			return 0, err
		}
		tx.record(&FundingPaymentRecord{
			Authority:                 authority,
			MarketIndex:               p.MarketIndex,
			FundingPayment:            payment,
			BaseAssetAmount:           p.BaseAssetAmount,
			UserLastCumulativeFunding: p.LastCumulativeFundingRate,
			UserLastFundingRateTs:     p.LastFundingRateTs,
			AmmCumulativeFundingLong:  m.AMM.CumulativeFundingRateLong,
			AmmCumulativeFundingShort: m.AMM.CumulativeFundingRateShort,
		})
		total = c.Add(total, payment)

		pu, err := tx.positionForUpdate(authority, p.MarketIndex)
		if err != nil {
			return 0, err
		}
		pu.LastCumulativeFundingRate = cumulative
		pu.LastFundingRateTs = m.AMM.LastFundingRateTs
		settled = true
	}
	if err := c.Err(); err != nil {
		return 0, err
	}
	if !settled {
		return 0, nil
	}

	u, err := tx.userForUpdate(authority)
	if err != nil {
		return 0, err
	}
	if u.Collateral, err = updatedCollateral(u.Collateral, total); err != nil {
		return 0, err
	}
	return total, nil
}

// SettleFundingPayment 主动结算资金费
func (ch *ClearingHouse) SettleFundingPayment(ctx context.Context, authority string) (int64, error) {
	var payment int64
	err := ch.run(ctx, "settle_funding_payment", scope{users: []string{authority}}, func(tx *txn) error {
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
		payment, err = ch.settleFundingPayment(tx, authority)
		return err
	})
	return payment, err
}
