// 文件: pkg/order/fill.go
// 订单校验与可成交数量计算
//
// 【可成交数量】
//   限价单: 把 AMM 价格推到限价需要的 base 数量，方向不对则为 0
//   触发市价: 触发条件满足时全部剩余数量
//   触发限价: 触发后按限价单计算
// 剩余数量不足最小成交单位时并入本次成交，避免留下无法成交的尾单

package order

import (
	"github.com/pkg/errors"

	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/vamm"
)

// Validate 下单参数校验
func (p Params) Validate(minimumBaseAssetTradeSize int64) error {
	if p.Direction != vamm.DirectionLong && p.Direction != vamm.DirectionShort {
		return errors.Wrapf(ErrInvalidOrder, "direction %d", p.Direction)
	}
	if p.BaseAssetAmount <= 0 {
		return errors.Wrapf(ErrInvalidOrder, "base asset amount %d", p.BaseAssetAmount)
	}
	if p.BaseAssetAmount < minimumBaseAssetTradeSize {
		return errors.Wrapf(ErrOrderAmountTooSmall, "base asset amount %d < %d", p.BaseAssetAmount, minimumBaseAssetTradeSize)
	}

	switch p.OrderType {
	case TypeLimit:
		if p.Price <= 0 {
			return errors.Wrap(ErrInvalidOrder, "limit order without price")
		}
	case TypeTriggerMarket, TypeTriggerLimit:
		if p.TriggerPrice <= 0 {
			return errors.Wrap(ErrInvalidOrder, "trigger order without trigger price")
		}
		if p.TriggerCondition != TriggerAbove && p.TriggerCondition != TriggerBelow {
			return errors.Wrapf(ErrInvalidOrder, "trigger condition %d", p.TriggerCondition)
		}
		if p.OrderType == TypeTriggerLimit && p.Price <= 0 {
			return errors.Wrap(ErrInvalidOrder, "trigger limit order without price")
		}
	default:
		return errors.Wrapf(ErrInvalidOrder, "order type %d", p.OrderType)
	}

	if p.PostOnly && p.OrderType != TypeLimit {
		return errors.Wrap(ErrInvalidOrder, "post only requires limit order")
	}
	return nil
}

// WouldCross 限价单在当前标记价格下能否立即成交
func WouldCross(direction vamm.Direction, limitPrice, markPrice int64) bool {
	if direction == vamm.DirectionLong {
		return limitPrice > markPrice
	}
	return limitPrice < markPrice
}

// TriggerSatisfied 触发条件是否满足
func (o *Order) TriggerSatisfied(markPrice int64) bool {
	switch o.TriggerCondition {
	case TriggerAbove:
		return markPrice > o.TriggerPrice
	case TriggerBelow:
		return markPrice < o.TriggerPrice
	}
	return false
}

// BaseAssetAmountToFill 本次可成交的 base 数量
func BaseAssetAmountToFill(o *Order, amm *vamm.AMM, markPrice int64) (int64, error) {
	remaining := o.RemainingBaseAssetAmount()
	if remaining <= 0 {
		return 0, nil
	}

	var amount int64
	switch o.OrderType {
	case TypeLimit:
		v, err := limitAmount(o, amm, remaining)
		if err != nil {
			return 0, err
		}
		amount = v
	case TypeTriggerMarket:
		if !o.TriggerSatisfied(markPrice) {
			return 0, nil
		}
		amount = remaining
	case TypeTriggerLimit:
		if !o.TriggerSatisfied(markPrice) {
			return 0, nil
		}
		v, err := limitAmount(o, amm, remaining)
		if err != nil {
			return 0, err
		}
		amount = v
	default:
		return 0, errors.Wrapf(ErrInvalidOrder, "order type %d", o.OrderType)
	}

	if amount < amm.MinimumBaseAssetTradeSize {
		return 0, nil
	}
	if left := remaining - amount; left > 0 && left < amm.MinimumBaseAssetTradeSize {
		amount = remaining
	}
	return amount, nil
}

func limitAmount(o *Order, amm *vamm.AMM, remaining int64) (int64, error) {
	maxAmount, dir, err := amm.MaxBaseAssetAmountToTrade(o.Price)
	if err != nil {
		return 0, err
	}
	if dir != o.Direction {
		return 0, nil
	}
	return fixedpoint.Min64(maxAmount, remaining), nil
}

// ReduceOnlyAmount reduce-only 订单只能减少反方向仓位
func ReduceOnlyAmount(direction vamm.Direction, amount, positionBaseAssetAmount int64) int64 {
	switch {
	case direction == vamm.DirectionLong && positionBaseAssetAmount < 0:
		return fixedpoint.Min64(amount, -positionBaseAssetAmount)
	case direction == vamm.DirectionShort && positionBaseAssetAmount > 0:
		return fixedpoint.Min64(amount, positionBaseAssetAmount)
	}
	return 0
}

// QuoteAssetAmountSurplus maker 限价优于实际成交价的部分，不小于 0
//
// 多头: 按限价应付 - 实际支付
// 空头: 实际收到 - 按限价应收
func QuoteAssetAmountSurplus(direction vamm.Direction, quoteAssetAmountSwapped, baseAssetAmount, limitPrice int64) (int64, error) {
	atLimit, err := vamm.QuoteAssetAmountAtPrice(baseAssetAmount, limitPrice)
	if err != nil {
		return 0, err
	}
	var c fixedpoint.Calc
	var surplus int64
	if direction == vamm.DirectionLong {
		surplus = c.Sub(atLimit, quoteAssetAmountSwapped)
	} else {
		surplus = c.Sub(quoteAssetAmountSwapped, atLimit)
	}
	if err := c.Err(); err != nil {
		return 0, err
	}
	return fixedpoint.Max64(0, surplus), nil
}
