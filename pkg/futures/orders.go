// 文件: pkg/futures/orders.go
// 挂单: 下单 / 撤单 / 撮合
//
// 【撮合】
// 任何人 (filler) 都可以调用 FillOrder，对手方永远是 vAMM。
// - 限价单按 AMM 能推到限价的数量成交，可以分多次
// - 触发单在标记价格满足触发条件后成交
// - post-only 限价单不付手续费，成交价优于限价的部分 (surplus) 作为手续费
// - filler 拿一笔奖励，记入其保证金

package futures

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vamm.com/pkg/fee"
	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/order"
	"vamm.com/pkg/vamm"
)

// PlaceOrder 挂单
func (ch *ClearingHouse) PlaceOrder(ctx context.Context, authority string, p order.Params, discountTokenBalance int64) (*order.Order, error) {
	var placed *order.Order
	sc := scope{users: []string{authority}, markets: []uint64{p.MarketIndex}}
	err := ch.run(ctx, "place_order", sc, func(tx *txn) error {
		st, err := tx.loadState()
		if err != nil {
			return err
		}
		if err := requireNotPaused(st); err != nil {
			return err
		}
		u, err := tx.userForUpdate(authority)
		if err != nil {
			return err
		}
		if st.MaxOpenOrders > 0 && u.OpenOrders >= st.MaxOpenOrders {
			return errors.Wrapf(ErrMaxNumberOfOrders, "user %s has %d open orders", authority, u.OpenOrders)
		}
		m, err := tx.market(p.MarketIndex)
		if err != nil {
			return err
		}
		if err := p.Validate(m.AMM.MinimumBaseAssetTradeSize); err != nil {
			return err
		}
		if p.PostOnly {
			mark, err := m.AMM.MarkPrice()
			if err != nil {
				return err
			}
			if order.WouldCross(p.Direction, p.Price, mark) {
				return errors.Wrapf(order.ErrPostOnlyWouldCross, "price %d mark %d", p.Price, mark)
			}
		}

		tier := fee.DetermineTier(discountTokenBalance, st.FeeStructure.DiscountTokenTiers)
		placed = order.NewOrder(ch.ids.NextID(), authority, p, tier, u.Referrer, tx.now)
		if err := tx.putOrder(placed); err != nil {
			return err
		}
		u.OpenOrders++
		tx.record(newOrderRecord(OrderActionPlace, placed))
		return nil
	})
	if err != nil {
		return nil, err
	}
	ch.logger.Info("order placed",
		zap.String("authority", authority),
		zap.Int64("order_id", placed.OrderID),
		zap.Stringer("type", placed.OrderType),
		zap.Stringer("direction", placed.Direction),
		zap.Int64("base", placed.BaseAssetAmount),
		zap.Int64("price", placed.Price))
	return placed, nil
}

// CancelOrder 撤单
func (ch *ClearingHouse) CancelOrder(ctx context.Context, authority string, orderID int64) error {
	err := ch.run(ctx, "cancel_order", scope{users: []string{authority}}, func(tx *txn) error {
		st, err := tx.loadState()
		if err != nil {
			return err
		}
		if err := requireNotPaused(st); err != nil {
			return err
		}
		o, err := tx.order(orderID)
		if err != nil {
			return err
		}
		if o.Authority != authority {
			return errors.Wrapf(order.ErrOrderDoesNotBelongToUser, "order %d", orderID)
		}
		if !o.IsOpen() {
			return errors.Wrapf(order.ErrOrderNotOpen, "order %d status %s", orderID, o.Status)
		}
		if o, err = tx.orderForUpdate(orderID); err != nil {
			return err
		}
		u, err := tx.userForUpdate(authority)
		if err != nil {
			return err
		}
		o.Status = order.StatusCanceled
		u.OpenOrders--
		tx.record(newOrderRecord(OrderActionCancel, o))
		return nil
	})
	if err != nil {
		return err
	}
	ch.logger.Info("order canceled", zap.String("authority", authority), zap.Int64("order_id", orderID))
	return nil
}

// OpenOrders 用户当前挂单，authority 为空时返回全部
func (ch *ClearingHouse) OpenOrders(ctx context.Context, authority string) ([]*order.Order, error) {
	return ch.store.ListOpenOrders(ctx, authority)
}

// =============================================================================
// FillOrder
// =============================================================================

// fillAmount 本次成交数量，触发单条件不满足返回 ErrOrderNotTriggerable
func fillAmount(o *order.Order, amm *vamm.AMM, mark int64, positionBase int64) (int64, error) {
	if o.OrderType != order.TypeLimit && !o.TriggerSatisfied(mark) {
		return 0, errors.Wrapf(order.ErrOrderNotTriggerable, "order %d trigger %d mark %d", o.OrderID, o.TriggerPrice, mark)
	}
	amount, err := order.BaseAssetAmountToFill(o, amm, mark)
	if err != nil {
		return 0, err
	}
	if o.ReduceOnly {
		amount = order.ReduceOnlyAmount(o.Direction, amount, positionBase)
	}
	return amount, nil
}

// applySurplus maker surplus: 纯加仓时计入开仓成本，否则从保证金扣
func applySurplus(pu *positionUpdate, res tradeResult, dir vamm.Direction, surplus int64) error {
	if surplus == 0 {
		return nil
	}
	var c fixedpoint.Calc
	if res.increased {
		if dir == vamm.DirectionLong {
			pu.position.QuoteAssetAmount = c.Add(pu.position.QuoteAssetAmount, surplus)
		} else {
			pu.position.QuoteAssetAmount = fixedpoint.SaturatingSub(pu.position.QuoteAssetAmount, surplus)
		}
		return c.Err()
	}
	pu.user.Collateral = fixedpoint.SaturatingSub(pu.user.Collateral, surplus)
	return nil
}

// FillOrder 撮合一笔挂单，返回成交记录；可成交数量为 0 时返回 nil
func (ch *ClearingHouse) FillOrder(ctx context.Context, filler string, orderID int64) (*OrderRecord, error) {
	if filler == "" {
		return nil, errors.Wrap(ErrInvalidParameter, "empty filler")
	}
	// 订单归属不可变，加锁前读取
	pre, err := ch.store.LoadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	authority := pre.Authority

	var rec *OrderRecord
	sc := scope{users: []string{authority}, credit: []string{filler}, markets: []uint64{pre.MarketIndex}}
	err = ch.run(ctx, "fill_order", sc, func(tx *txn) error {
		st, err := tx.loadState()
		if err != nil {
			return err
		}
		if err := requireNotPaused(st); err != nil {
			return err
		}
		o, err := tx.order(orderID)
		if err != nil {
			return err
		}
		if !o.IsOpen() {
			return errors.Wrapf(order.ErrOrderNotOpen, "order %d status %s", orderID, o.Status)
		}
		fillerIsUser := filler == authority
		if !fillerIsUser {
			if _, err := tx.user(filler); err != nil {
				return errors.Wrapf(err, "filler %s", filler)
			}
		}
		if _, err := ch.settleFundingPayment(tx, authority); err != nil {
			return err
		}

		pu, err := tx.positionUpdate(authority, o.MarketIndex, st)
		if err != nil {
			return err
		}
		snap, err := ch.snapshotBeforeTrade(tx, pu.market, st)
		if err != nil {
			return err
		}

		amount, err := fillAmount(o, &pu.market.AMM, snap.markBefore, pu.position.BaseAssetAmount)
		if err != nil {
			return err
		}
		if amount == 0 {
			return nil
		}

		res, err := pu.updatePositionWithBaseAssetAmount(o.Direction, amount)
		if err != nil {
			return err
		}
		markAfter, err := pu.market.AMM.MarkPrice()
		if err != nil {
			return err
		}

		var surplus int64
		if o.PostOnly {
			if surplus, err = order.QuoteAssetAmountSurplus(o.Direction, res.quoteAssetAmount, amount, o.Price); err != nil {
				return err
			}
		}

		if res.riskIncreasing {
			marginType := MarginInitial
			if o.PostOnly {
				marginType = MarginPartial
			}
			ok, err := tx.meetsMarginRequirement(authority, marginType)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(ErrInsufficientCollateral, "user %s order %d", authority, orderID)
			}
		}

		fees, err := fee.CalculateFeeForOrder(fee.OrderFeeParams{
			QuoteAssetAmount:        res.quoteAssetAmount,
			QuoteAssetAmountSurplus: surplus,
			Structure:               st.FeeStructure,
			FillerReward:            st.FillerReward,
			Tier:                    o.DiscountTier,
			HasReferrer:             o.Referrer != "",
			FillerIsUser:            fillerIsUser,
			OrderTs:                 o.Ts,
			Now:                     tx.now,
		})
		if err != nil {
			return err
		}
		if err := tx.chargeTradeFee(pu, fees.TradeFees); err != nil {
			return err
		}
		if err := applySurplus(pu, res, o.Direction, surplus); err != nil {
			return err
		}
		if fees.FillerReward > 0 {
			fu, err := tx.userForUpdate(filler)
			if err != nil {
				return err
			}
			var c fixedpoint.Calc
			fu.Collateral = c.Add(fu.Collateral, fees.FillerReward)
			if err := c.Err(); err != nil {
				return err
			}
		}

		if err := checkOracleSpreadAfterTrade(st, snap, markAfter); err != nil {
			return err
		}

		if o, err = tx.orderForUpdate(orderID); err != nil {
			return err
		}
		var c fixedpoint.Calc
		o.BaseAssetAmountFilled = c.Add(o.BaseAssetAmountFilled, amount)
		o.QuoteAssetAmountFilled = c.Add(o.QuoteAssetAmountFilled, res.quoteAssetAmount)
		o.Fee = c.Add(o.Fee, fees.UserFee)
		if err := c.Err(); err != nil {
			return err
		}
		if o.IsFullyFilled() {
			o.Status = order.StatusFilled
			pu.user.OpenOrders--
		}

		tx.record(&TradeRecord{
			Authority:        authority,
			MarketIndex:      o.MarketIndex,
			Direction:        o.Direction,
			BaseAssetAmount:  amount,
			QuoteAssetAmount: res.quoteAssetAmount,
			MarkPriceBefore:  snap.markBefore,
			MarkPriceAfter:   markAfter,
			OraclePrice:      snap.oracleData.Price,
			Fee:              fees.UserFee,
			TokenDiscount:    fees.TokenDiscount,
			ReferrerReward:   fees.ReferrerReward,
			RefereeDiscount:  fees.RefereeDiscount,
			FillerReward:     fees.FillerReward,
			QuoteSurplus:     surplus,
		})
		rec = newOrderRecord(OrderActionFill, o)
		rec.Filler = filler
		rec.BaseAssetAmountFilled = amount
		rec.QuoteAssetAmountFilled = res.quoteAssetAmount
		rec.Fee = fees.UserFee
		rec.FillerReward = fees.FillerReward
		rec.QuoteSurplus = surplus
		tx.record(rec)

		_, err = ch.updateFundingRate(tx, o.MarketIndex, st, snap.oracleData, snap.markBefore)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec != nil {
		ch.logger.Info("order filled",
			zap.String("authority", authority),
			zap.String("filler", filler),
			zap.Int64("order_id", orderID),
			zap.Int64("base", rec.BaseAssetAmountFilled),
			zap.Int64("quote", rec.QuoteAssetAmountFilled),
			zap.Int64("filler_reward", rec.FillerReward))
	}
	return rec, nil
}
