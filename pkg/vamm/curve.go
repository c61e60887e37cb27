// 文件: pkg/vamm/curve.go
// 曲线调整: 终端价格、调 k、重新锚定 (repeg)、管理员移价
//
// 【核心思想】
// 调 k / 调 peg 会改变全市场净仓位的价值。
// 这部分价值变化 (cost) 由市场手续费池承担:
//   cost > 0: 用户整体获利，手续费池付钱
//   cost < 0: 用户整体亏损，手续费池收钱
// 手续费池至少保留 total_fee 的一半，防止被调价掏空

package vamm

import (
	"github.com/pkg/errors"

	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/oracle"
)

const (
	// ShareOfFeesAllocatedToClearingHouse 手续费池永久保留的比例 = 1/2
	ShareOfFeesAllocatedToClearingHouseNumerator   int64 = 1
	ShareOfFeesAllocatedToClearingHouseDenominator int64 = 2

	// 单次调 k 最多降低 2.5% (sqrt_k 比例)
	MaxKDecreaseNumerator   int64 = 975
	MaxKDecreaseDenominator int64 = 1000

	// UpdateKAllowedPriceChange 调 k 前后标记价格允许的绝对变化
	UpdateKAllowedPriceChange = fixedpoint.MarkPricePrecision / 10_000
)

// =============================================================================
// 终端价格
// =============================================================================

// TerminalPrice 把全市场净仓位还给池子后的价格
func (a *AMM) TerminalPrice(netBaseAssetAmount int64) (int64, error) {
	var c fixedpoint.Calc
	amount := c.Abs(netBaseAssetAmount)
	if err := c.Err(); err != nil {
		return 0, err
	}
	newQuote, newBase, err := CalculateSwapOutput(amount, a.BaseAssetReserve, CloseSwapDirection(netBaseAssetAmount), a.SqrtK)
	if err != nil {
		return 0, err
	}
	return CalculatePrice(newQuote, newBase, a.PegMultiplier)
}

// TotalFeeLowerBound 手续费池的下限
func (a *AMM) TotalFeeLowerBound() (int64, error) {
	var c fixedpoint.Calc
	v := c.MulDiv(a.TotalFee, ShareOfFeesAllocatedToClearingHouseNumerator, ShareOfFeesAllocatedToClearingHouseDenominator)
	return v, c.Err()
}

// applyCost 把调整成本记到手续费池，低于下限返回 false
func (a *AMM) applyCost(cost int64) (bool, error) {
	var c fixedpoint.Calc
	if cost > 0 {
		lower, err := a.TotalFeeLowerBound()
		if err != nil {
			return false, err
		}
		next := c.Sub(a.TotalFeeMinusDistributions, cost)
		if err := c.Err(); err != nil {
			return false, err
		}
		if next < lower {
			return false, nil
		}
		a.TotalFeeMinusDistributions = next
		return true, nil
	}
	a.TotalFeeMinusDistributions = c.Add(a.TotalFeeMinusDistributions, c.Abs(cost))
	return true, c.Err()
}

// =============================================================================
// 调 k
// =============================================================================

// AdjustKCost 计算把 sqrt_k 调到 newSqrtK 的成本，返回调整后的 AMM 副本
//
// base 储备按 sqrt_k 比例缩放，quote 储备由不变量反推，价格基本不变
func (a *AMM) AdjustKCost(netBaseAssetAmount, newSqrtK int64) (AMM, int64, error) {
	currentValue, err := a.BaseAssetValue(netBaseAssetAmount)
	if err != nil {
		return AMM{}, 0, err
	}

	adjusted := *a
	var c fixedpoint.Calc
	ratioScalar := c.Wide(fixedpoint.MarkPricePrecision)
	ratio := c.WideDiv(c.WideMul(c.Wide(newSqrtK), ratioScalar), c.Wide(a.SqrtK))

	adjusted.SqrtK = newSqrtK
	adjusted.BaseAssetReserve = c.Narrow(c.WideDiv(c.WideMul(c.Wide(a.BaseAssetReserve), ratio), ratioScalar))
	if c.Ok() && adjusted.BaseAssetReserve == 0 {
		c.Fail(errors.Wrap(ErrInvalidUpdateK, "base reserve scaled to zero"))
	}
	adjusted.QuoteAssetReserve = c.Narrow(c.WideDiv(c.Square(newSqrtK), c.Wide(adjusted.BaseAssetReserve)))
	if err := c.Err(); err != nil {
		return AMM{}, 0, err
	}

	_, cost, err := adjusted.BaseAssetValueAndPnl(netBaseAssetAmount, currentValue)
	if err != nil {
		return AMM{}, 0, err
	}
	return adjusted, cost, nil
}

// ValidateKDecrease 单次调 k 不允许把 sqrt_k 降低超过 2.5%
func ValidateKDecrease(oldSqrtK, newSqrtK int64) error {
	var c fixedpoint.Calc
	lhs := c.Wide(newSqrtK)
	lhs = c.WideMul(lhs, c.Wide(MaxKDecreaseDenominator))
	rhs := c.WideMul(c.Wide(oldSqrtK), c.Wide(MaxKDecreaseNumerator))
	if err := c.Err(); err != nil {
		return err
	}
	if lhs.Lt(rhs) {
		return errors.Wrapf(ErrInvalidUpdateK, "sqrt_k %d -> %d decreases more than 2.5%%", oldSqrtK, newSqrtK)
	}
	return nil
}

// UpdateK 调整流动性深度
//
// 成功时修改 a 并返回成本；任何校验失败 a 保持不变
func (a *AMM) UpdateK(netBaseAssetAmount, newSqrtK int64) (int64, error) {
	if newSqrtK <= 0 {
		return 0, errors.Wrapf(ErrInvalidUpdateK, "sqrt_k %d", newSqrtK)
	}
	if err := ValidateKDecrease(a.SqrtK, newSqrtK); err != nil {
		return 0, err
	}
	priceBefore, err := a.MarkPrice()
	if err != nil {
		return 0, err
	}

	adjusted, cost, err := a.AdjustKCost(netBaseAssetAmount, newSqrtK)
	if err != nil {
		return 0, err
	}
	ok, err := adjusted.applyCost(cost)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Wrapf(ErrInvalidUpdateK, "cost %d exceeds fee pool", cost)
	}

	priceAfter, err := adjusted.MarkPrice()
	if err != nil {
		return 0, err
	}
	var c fixedpoint.Calc
	change := c.Abs(c.Sub(priceBefore, priceAfter))
	if err := c.Err(); err != nil {
		return 0, err
	}
	if change > UpdateKAllowedPriceChange {
		return 0, errors.Wrapf(ErrUpdateKPriceImpactTooLarge, "mark %d -> %d", priceBefore, priceAfter)
	}

	*a = adjusted
	return cost, nil
}

// =============================================================================
// Repeg
// =============================================================================

// AdjustPegCost 计算把 peg 调到 newPeg 的成本，返回调整后的 AMM 副本
func (a *AMM) AdjustPegCost(netBaseAssetAmount, newPeg int64) (AMM, int64, error) {
	currentValue, err := a.BaseAssetValue(netBaseAssetAmount)
	if err != nil {
		return AMM{}, 0, err
	}
	adjusted := *a
	adjusted.PegMultiplier = newPeg
	_, cost, err := adjusted.BaseAssetValueAndPnl(netBaseAssetAmount, currentValue)
	if err != nil {
		return AMM{}, 0, err
	}
	return adjusted, cost, nil
}

// RepegValidity 预言机有效时对 repeg 结果的三项检查
//
// - direction: 终端价格只能往预言机方向移动
// - profitability: 终端价格不能越过预言机置信区间的近端
// - priceImpact: 标记价格不能越过预言机置信区间的远端
func RepegValidity(repegged *AMM, netBaseAssetAmount int64, data oracle.PriceData, terminalBefore int64) (direction, profitability, priceImpact bool, err error) {
	terminalAfter, err := repegged.TerminalPrice(netBaseAssetAmount)
	if err != nil {
		return false, false, false, err
	}
	markAfter, err := repegged.MarkPrice()
	if err != nil {
		return false, false, false, err
	}

	var c fixedpoint.Calc
	bandTop := c.Add(data.Price, data.Confidence)
	bandBottom := c.Sub(data.Price, data.Confidence)
	if err := c.Err(); err != nil {
		return false, false, false, err
	}

	direction, profitability, priceImpact = true, true, true
	switch {
	case data.Price > terminalAfter:
		if terminalAfter < terminalBefore {
			direction = false
		}
		if bandBottom < terminalAfter {
			profitability = false
		}
		if markAfter > bandTop {
			priceImpact = false
		}
	case data.Price < terminalAfter:
		if terminalAfter > terminalBefore {
			direction = false
		}
		if bandTop > terminalAfter {
			profitability = false
		}
		if markAfter < bandBottom {
			priceImpact = false
		}
	}
	return direction, profitability, priceImpact, nil
}

// Repeg 修改 peg 乘数
//
// oracleValid 为 false 时跳过方向/置信区间检查，只做手续费池约束
func (a *AMM) Repeg(netBaseAssetAmount, newPeg int64, data oracle.PriceData, oracleValid bool) (int64, error) {
	if newPeg == a.PegMultiplier {
		return 0, errors.Wrapf(ErrInvalidRepegRedundant, "peg %d", newPeg)
	}
	if newPeg <= 0 {
		return 0, errors.Wrapf(ErrInvalidRepegProfitability, "peg %d", newPeg)
	}

	terminalBefore, err := a.TerminalPrice(netBaseAssetAmount)
	if err != nil {
		return 0, err
	}
	adjusted, cost, err := a.AdjustPegCost(netBaseAssetAmount, newPeg)
	if err != nil {
		return 0, err
	}

	if oracleValid {
		direction, profitability, priceImpact, err := RepegValidity(&adjusted, netBaseAssetAmount, data, terminalBefore)
		if err != nil {
			return 0, err
		}
		if !direction {
			return 0, errors.Wrapf(ErrInvalidRepegDirection, "peg %d -> %d", a.PegMultiplier, newPeg)
		}
		if !profitability {
			return 0, errors.Wrapf(ErrInvalidRepegProfitability, "peg %d -> %d", a.PegMultiplier, newPeg)
		}
		if !priceImpact {
			return 0, errors.Wrapf(ErrInvalidRepegPriceImpact, "peg %d -> %d", a.PegMultiplier, newPeg)
		}
	}

	ok, err := adjusted.applyCost(cost)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Wrapf(ErrInvalidRepegProfitability, "cost %d exceeds fee pool", cost)
	}

	*a = adjusted
	return cost, nil
}

// =============================================================================
// 管理员移价
// =============================================================================

// MovePrice 直接设置储备，重新计算 sqrt_k
func (a *AMM) MovePrice(baseAssetReserve, quoteAssetReserve int64) error {
	if baseAssetReserve <= 0 || quoteAssetReserve <= 0 {
		return errors.Wrapf(ErrInvalidMovePrice, "reserves %d/%d", baseAssetReserve, quoteAssetReserve)
	}
	var c fixedpoint.Calc
	k := c.WideMul(c.Wide(baseAssetReserve), c.Wide(quoteAssetReserve))
	sqrtK := c.Narrow(fixedpoint.Isqrt(k))
	if err := c.Err(); err != nil {
		return err
	}
	a.BaseAssetReserve = baseAssetReserve
	a.QuoteAssetReserve = quoteAssetReserve
	a.SqrtK = sqrtK
	return nil
}

// MoveToPrice 保持 k 不变，把标记价格移到 targetPrice
func (a *AMM) MoveToPrice(targetPrice int64) error {
	if targetPrice <= 0 {
		return errors.Wrapf(ErrInvalidMovePrice, "target price %d", targetPrice)
	}
	var c fixedpoint.Calc
	k := c.Square(a.SqrtK)
	sq := c.WideMul(k, c.Wide(a.PegMultiplier))
	sq = c.WideMul(sq, c.Wide(fixedpoint.PriceToPegPrecisionRatio))
	sq = c.WideDiv(sq, c.Wide(targetPrice))
	newBase := fixedpoint.Isqrt(sq)
	newQuote := c.WideDiv(k, newBase)
	base := c.Narrow(newBase)
	quote := c.Narrow(newQuote)
	if err := c.Err(); err != nil {
		return err
	}
	if base == 0 || quote == 0 {
		return errors.Wrapf(ErrInvalidMovePrice, "target price %d empties reserves", targetPrice)
	}
	a.BaseAssetReserve = base
	a.QuoteAssetReserve = quote
	return nil
}
