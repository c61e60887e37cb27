// 文件: pkg/futures/trade.go
// 市价开平仓
//
// 【OpenPosition 流程】
//   1. 结算资金费
//   2. 记录交易前标记价格、预言机偏离，预言机有效时更新预言机 TWAP
//   3. 按 quote 金额更新仓位 (加仓 / 减仓 / 反手)
//   4. 风险增加的交易检查初始保证金
//   5. 扣手续费，推荐人返佣
//   6. 交易把偏离推出护栏时拒绝
//   7. 写成交记录，检查限价
//   8. 顺带尝试更新资金费率

package futures

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vamm.com/pkg/fee"
	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/oracle"
	"vamm.com/pkg/vamm"
)

// OpenPositionParams 市价单参数
type OpenPositionParams struct {
	Authority        string
	MarketIndex      uint64
	Direction        vamm.Direction
	QuoteAssetAmount int64
	// LimitPrice 0 表示不限价
	LimitPrice int64
	// DiscountTokenBalance 折扣代币余额，决定手续费档位
	DiscountTokenBalance int64
}

// ClosePositionParams 市价平仓参数
type ClosePositionParams struct {
	Authority            string
	MarketIndex          uint64
	DiscountTokenBalance int64
}

// tradeSnapshot 交易前的价格快照
type tradeSnapshot struct {
	markBefore  int64
	oracleData  oracle.PriceData
	oracleValid bool
	spreadPct   int64
}

// snapshotBeforeTrade 读取预言机并记录交易前偏离，预言机有效时更新预言机 TWAP
func (ch *ClearingHouse) snapshotBeforeTrade(tx *txn, m *Market, st *State) (tradeSnapshot, error) {
	var snap tradeSnapshot
	var err error
	if snap.markBefore, err = m.AMM.MarkPrice(); err != nil {
		return snap, err
	}
	if snap.oracleData, err = ch.oraclePrice(tx.ctx, m); err != nil {
		return snap, err
	}
	status, err := oracle.GetStatus(snap.oracleData, snap.markBefore, m.AMM.LastOraclePriceTwap, st.OracleGuardRails)
	if err != nil {
		return snap, err
	}
	snap.oracleValid = status.IsValid
	snap.spreadPct = status.MarkSpreadPct
	if snap.oracleValid {
		if _, err := m.AMM.UpdateOracleTwap(tx.now, snap.oracleData, snap.markBefore); err != nil {
			return snap, err
		}
	}
	return snap, nil
}

// checkOracleSpreadAfterTrade 交易前在护栏内、交易后超出护栏时拒绝
func checkOracleSpreadAfterTrade(st *State, snap tradeSnapshot, markAfter int64) error {
	if !snap.oracleValid || snap.oracleData.Price <= 0 {
		return nil
	}
	spreadAfter, err := oracle.SpreadPct(markAfter, snap.oracleData.Price)
	if err != nil {
		return err
	}
	before, err := oracleTooDivergent(st, snap.spreadPct)
	if err != nil {
		return err
	}
	after, err := oracleTooDivergent(st, spreadAfter)
	if err != nil {
		return err
	}
	if after && !before {
		return errors.Wrapf(ErrOracleMarkSpreadLimit, "spread %d -> %d", snap.spreadPct, spreadAfter)
	}
	return nil
}

// chargeTradeFee 市价成交手续费: 进入市场手续费池，用户扣费，推荐人返佣
func (tx *txn) chargeTradeFee(pu *positionUpdate, fees fee.TradeFees) error {
	var c fixedpoint.Calc
	amm := &pu.market.AMM
	amm.TotalFee = c.Add(amm.TotalFee, fees.FeeToMarket)
	amm.TotalFeeMinusDistributions = c.Add(amm.TotalFeeMinusDistributions, fees.FeeToMarket)
	amm.NetRevenueSinceLastFunding = c.Add(amm.NetRevenueSinceLastFunding, fees.FeeToMarket)

	u := pu.user
	u.Collateral = fixedpoint.SaturatingSub(u.Collateral, fees.UserFee)
	u.TotalFeePaid = c.Add(u.TotalFeePaid, fees.UserFee)
	u.TotalTokenDiscount = c.Add(u.TotalTokenDiscount, fees.TokenDiscount)
	u.TotalRefereeDiscount = c.Add(u.TotalRefereeDiscount, fees.RefereeDiscount)
	if err := c.Err(); err != nil {
		return err
	}
	return tx.creditReferrer(u.Referrer, fees.ReferrerReward)
}

// creditReferrer 推荐人返佣记入保证金和累计返佣
func (tx *txn) creditReferrer(referrer string, reward int64) error {
	if referrer == "" || reward == 0 {
		return nil
	}
	r, err := tx.userForUpdate(referrer)
	if err != nil {
		return errors.Wrapf(err, "referrer %s", referrer)
	}
	var c fixedpoint.Calc
	r.Collateral = c.Add(r.Collateral, reward)
	r.TotalReferralReward = c.Add(r.TotalReferralReward, reward)
	return c.Err()
}

// limitPriceSatisfied 多头均价不高于限价，空头不低于限价
func limitPriceSatisfied(entryPrice, limitPrice int64, dir vamm.Direction) bool {
	if dir == vamm.DirectionLong {
		return entryPrice <= limitPrice
	}
	return entryPrice >= limitPrice
}

// =============================================================================
// OpenPosition
// =============================================================================

// OpenPosition 按 quote 金额市价成交
func (ch *ClearingHouse) OpenPosition(ctx context.Context, p OpenPositionParams) (*TradeRecord, error) {
	if p.Direction != vamm.DirectionLong && p.Direction != vamm.DirectionShort {
		return nil, errors.Wrapf(ErrInvalidDirection, "direction %d", p.Direction)
	}
	if p.QuoteAssetAmount <= 0 {
		return nil, errors.Wrapf(vamm.ErrTradeSizeTooSmall, "quote asset amount %d", p.QuoteAssetAmount)
	}

	var rec *TradeRecord
	sc := scope{users: []string{p.Authority}, markets: []uint64{p.MarketIndex}}
	err := ch.run(ctx, "open_position", sc, func(tx *txn) error {
		st, err := tx.loadState()
		if err != nil {
			return err
		}
		if err := requireNotPaused(st); err != nil {
			return err
		}
		if _, err := tx.user(p.Authority); err != nil {
			return err
		}
		if _, err := ch.settleFundingPayment(tx, p.Authority); err != nil {
			return err
		}

		pu, err := tx.positionUpdate(p.Authority, p.MarketIndex, st)
		if err != nil {
			return err
		}
		snap, err := ch.snapshotBeforeTrade(tx, pu.market, st)
		if err != nil {
			return err
		}

		res, err := pu.updatePositionWithQuoteAssetAmount(p.Direction, p.QuoteAssetAmount, snap.markBefore)
		if err != nil {
			return err
		}
		markAfter, err := pu.market.AMM.MarkPrice()
		if err != nil {
			return err
		}

		if res.riskIncreasing {
			ok, err := tx.meetsMarginRequirement(p.Authority, MarginInitial)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(ErrInsufficientCollateral, "user %s initial margin", p.Authority)
			}
		}

		tier := fee.DetermineTier(p.DiscountTokenBalance, st.FeeStructure.DiscountTokenTiers)
		fees, err := fee.CalculateFeeForTrade(res.quoteAssetAmount, st.FeeStructure, tier, pu.user.Referrer != "")
		if err != nil {
			return err
		}
		if err := tx.chargeTradeFee(pu, fees); err != nil {
			return err
		}

		if err := checkOracleSpreadAfterTrade(st, snap, markAfter); err != nil {
			return err
		}

		rec = &TradeRecord{
			Authority:        p.Authority,
			MarketIndex:      p.MarketIndex,
			Direction:        p.Direction,
			BaseAssetAmount:  res.baseAssetAmount,
			QuoteAssetAmount: res.quoteAssetAmount,
			MarkPriceBefore:  snap.markBefore,
			MarkPriceAfter:   markAfter,
			OraclePrice:      snap.oracleData.Price,
			Fee:              fees.UserFee,
			TokenDiscount:    fees.TokenDiscount,
			ReferrerReward:   fees.ReferrerReward,
			RefereeDiscount:  fees.RefereeDiscount,
		}
		tx.record(rec)

		if p.LimitPrice != 0 && res.baseAssetAmount != 0 {
			entry, err := vamm.EntryPrice(res.quoteAssetAmount, res.baseAssetAmount)
			if err != nil {
				return err
			}
			if !limitPriceSatisfied(entry, p.LimitPrice, p.Direction) {
				return errors.Wrapf(ErrSlippageOutsideLimit, "entry %d limit %d", entry, p.LimitPrice)
			}
		}

		_, err = ch.updateFundingRate(tx, p.MarketIndex, st, snap.oracleData, snap.markBefore)
		return err
	})
	if err != nil {
		return nil, err
	}
	ch.logger.Info("position opened",
		zap.String("authority", p.Authority),
		zap.Uint64("market", p.MarketIndex),
		zap.Stringer("direction", p.Direction),
		zap.Int64("base", rec.BaseAssetAmount),
		zap.Int64("quote", rec.QuoteAssetAmount),
		zap.Int64("fee", rec.Fee))
	return rec, nil
}

// =============================================================================
// ClosePosition
// =============================================================================

// ClosePosition 全部平仓
func (ch *ClearingHouse) ClosePosition(ctx context.Context, p ClosePositionParams) (*TradeRecord, error) {
	var rec *TradeRecord
	sc := scope{users: []string{p.Authority}, markets: []uint64{p.MarketIndex}}
	err := ch.run(ctx, "close_position", sc, func(tx *txn) error {
		st, err := tx.loadState()
		if err != nil {
			return err
		}
		if err := requireNotPaused(st); err != nil {
			return err
		}
		if _, err := tx.user(p.Authority); err != nil {
			return err
		}
		if _, err := ch.settleFundingPayment(tx, p.Authority); err != nil {
			return err
		}

		pu, err := tx.positionUpdate(p.Authority, p.MarketIndex, st)
		if err != nil {
			return err
		}
		if pu.position.BaseAssetAmount == 0 {
			return errors.Wrapf(ErrNoPositionToClose, "user %s market %d", p.Authority, p.MarketIndex)
		}
		dir := pu.position.Direction().Opposite()

		snap, err := ch.snapshotBeforeTrade(tx, pu.market, st)
		if err != nil {
			return err
		}
		quote, base, err := pu.close()
		if err != nil {
			return err
		}
		markAfter, err := pu.market.AMM.MarkPrice()
		if err != nil {
			return err
		}

		tier := fee.DetermineTier(p.DiscountTokenBalance, st.FeeStructure.DiscountTokenTiers)
		fees, err := fee.CalculateFeeForTrade(quote, st.FeeStructure, tier, pu.user.Referrer != "")
		if err != nil {
			return err
		}
		if err := tx.chargeTradeFee(pu, fees); err != nil {
			return err
		}
		if err := checkOracleSpreadAfterTrade(st, snap, markAfter); err != nil {
			return err
		}

		var c fixedpoint.Calc
		rec = &TradeRecord{
			Authority:        p.Authority,
			MarketIndex:      p.MarketIndex,
			Direction:        dir,
			BaseAssetAmount:  c.Abs(base),
			QuoteAssetAmount: quote,
			MarkPriceBefore:  snap.markBefore,
			MarkPriceAfter:   markAfter,
			OraclePrice:      snap.oracleData.Price,
			Fee:              fees.UserFee,
			TokenDiscount:    fees.TokenDiscount,
			ReferrerReward:   fees.ReferrerReward,
			RefereeDiscount:  fees.RefereeDiscount,
		}
		if err := c.Err(); err != nil {
			return err
		}
		tx.record(rec)

		_, err = ch.updateFundingRate(tx, p.MarketIndex, st, snap.oracleData, snap.markBefore)
		return err
	})
	if err != nil {
		return nil, err
	}
	ch.logger.Info("position closed",
		zap.String("authority", p.Authority),
		zap.Uint64("market", p.MarketIndex),
		zap.Int64("base", rec.BaseAssetAmount),
		zap.Int64("quote", rec.QuoteAssetAmount))
	return rec, nil
}
