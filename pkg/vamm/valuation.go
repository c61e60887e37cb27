// 文件: pkg/vamm/valuation.go
// 仓位估值: AMM 平仓估值 / 预言机估值 / 滑点
//
// 【面试】为什么用"模拟平仓"而不是 size * mark_price 估值?
// 虚拟 AMM 的深度有限，大仓位平仓时价格会被推走。
// 模拟把整个仓位卖回池子得到的 quote 才是真正能拿到的钱。

package vamm

import (
	"vamm.com/pkg/fixedpoint"
)

// BaseAssetValue 把 base 仓位全部还给 AMM 能换回的 quote 金额
func (a *AMM) BaseAssetValue(baseAssetAmount int64) (int64, error) {
	if baseAssetAmount == 0 {
		return 0, nil
	}
	var c fixedpoint.Calc
	amount := c.Abs(baseAssetAmount)
	if err := c.Err(); err != nil {
		return 0, err
	}
	dir := CloseSwapDirection(baseAssetAmount)
	newQuote, _, err := CalculateSwapOutput(amount, a.BaseAssetReserve, dir, a.SqrtK)
	if err != nil {
		return 0, err
	}
	return CalculateQuoteAssetAmountSwapped(a.QuoteAssetReserve, newQuote, dir, a.PegMultiplier)
}

// BaseAssetValueAndPnl AMM 估值与未实现盈亏
func (a *AMM) BaseAssetValueAndPnl(baseAssetAmount, quoteAssetAmount int64) (int64, int64, error) {
	if baseAssetAmount == 0 {
		return 0, 0, nil
	}
	value, err := a.BaseAssetValue(baseAssetAmount)
	if err != nil {
		return 0, 0, err
	}
	pnl, err := CalculatePnl(value, quoteAssetAmount, CloseSwapDirection(baseAssetAmount))
	if err != nil {
		return 0, 0, err
	}
	return value, pnl, nil
}

// CalculatePnl 平仓盈亏
//
// 多头 (SwapAdd): exit - entry
// 空头 (SwapRemove): entry - exit - 1，整数截断永远不偏向空头
func CalculatePnl(exitValue, entryValue int64, closeDir SwapDirection) (int64, error) {
	var c fixedpoint.Calc
	var pnl int64
	if closeDir == SwapAdd {
		pnl = c.Sub(exitValue, entryValue)
	} else {
		// 与 swap 里储备 +1 取整叠加，空头少算 1 个单位
		pnl = c.Sub(c.Sub(entryValue, exitValue), 1)
	}
	return pnl, c.Err()
}

// BaseAssetValueAndPnlWithOraclePrice 预言机价格估值
func BaseAssetValueAndPnlWithOraclePrice(baseAssetAmount, quoteAssetAmount, oraclePrice int64) (int64, int64, error) {
	if baseAssetAmount == 0 {
		return 0, 0, nil
	}
	var c fixedpoint.Calc
	value := c.MulDiv(c.Abs(baseAssetAmount), c.Abs(oraclePrice), fixedpoint.MarkPriceTimesAMMToQuotePrecisionRatio)
	var pnl int64
	if baseAssetAmount > 0 {
		pnl = c.Sub(value, quoteAssetAmount)
	} else {
		pnl = c.Sub(quoteAssetAmount, value)
	}
	return value, pnl, c.Err()
}

// CalculateSlippage 平仓均价相对平仓前标记价格的偏离 (带符号，MarkPricePrecision)
func CalculateSlippage(exitValue, baseAssetAmount, markPriceBefore int64) (int64, error) {
	var c fixedpoint.Calc
	exitPrice := c.MulDiv(exitValue, fixedpoint.MarkPriceTimesAMMToQuotePrecisionRatio, c.Abs(baseAssetAmount))
	slippage := c.Sub(exitPrice, markPriceBefore)
	return slippage, c.Err()
}

// SlippagePct 滑点百分比 (MarkPricePrecision)
func SlippagePct(slippage, markPriceBefore int64) (int64, error) {
	var c fixedpoint.Calc
	pct := c.MulDiv(slippage, fixedpoint.MarkPricePrecision, markPriceBefore)
	return pct, c.Err()
}

// EntryPrice 成交均价 = quote / base
func EntryPrice(quoteAssetAmount, baseAssetAmount int64) (int64, error) {
	var c fixedpoint.Calc
	price := c.MulDiv(quoteAssetAmount, fixedpoint.MarkPriceTimesAMMToQuotePrecisionRatio, c.Abs(baseAssetAmount))
	return price, c.Err()
}

// QuoteAssetAmountAtPrice 按指定价格折算 base 数量对应的 quote
func QuoteAssetAmountAtPrice(baseAssetAmount, price int64) (int64, error) {
	var c fixedpoint.Calc
	v := c.MulDiv(c.Abs(baseAssetAmount), price, fixedpoint.MarkPriceTimesAMMToQuotePrecisionRatio)
	return v, c.Err()
}
