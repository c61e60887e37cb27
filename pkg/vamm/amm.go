// 文件: pkg/vamm/amm.go
// 虚拟 AMM: 恒定乘积储备、价格、成交
//
// 【核心公式】
//   base_reserve * quote_reserve = sqrt_k²
//   mark_price = quote_reserve * peg * PriceToPegPrecisionRatio / base_reserve
//   quote -> 储备单位: quote * AMMTimesPegToQuotePrecisionRatio / peg
//
// 【面试】为什么叫"虚拟"?
// 储备不对应任何真实存入的资产，只用来做价格发现。
// 真正的钱只有用户保证金，盈亏都从保证金里结算。

package vamm

import (
	"github.com/pkg/errors"

	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/oracle"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrTradeSizeTooSmall          = errors.New("trade size too small")
	ErrInvalidRepegRedundant      = errors.New("invalid repeg: redundant peg")
	ErrInvalidRepegDirection      = errors.New("invalid repeg: direction")
	ErrInvalidRepegProfitability  = errors.New("invalid repeg: profitability")
	ErrInvalidRepegPriceImpact    = errors.New("invalid repeg: price impact")
	ErrInvalidUpdateK             = errors.New("invalid k update")
	ErrInvalidMovePrice           = errors.New("invalid move price")
	ErrInvalidReserves            = errors.New("invalid reserves")
	ErrInvalidLimitPrice          = errors.New("invalid limit price")
	ErrUpdateKPriceImpactTooLarge = errors.New("k update price impact too large")
)

// =============================================================================
// 方向
// =============================================================================

// Direction 仓位方向
type Direction int8

const (
	DirectionLong  Direction = 1
	DirectionShort Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	}
	return "UNKNOWN"
}

// Opposite 反方向
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// SwapDirection 储备变化方向 (以输入资产计)
type SwapDirection int8

const (
	SwapAdd    SwapDirection = 1 // 输入资产增加
	SwapRemove SwapDirection = 2 // 输入资产减少
)

// QuoteSwapDirection 按 quote 下单: 做多 = 往池子里加 quote
func QuoteSwapDirection(d Direction) SwapDirection {
	if d == DirectionLong {
		return SwapAdd
	}
	return SwapRemove
}

// BaseSwapDirection 按 base 下单: 做多 = 从池子里拿走 base
func BaseSwapDirection(d Direction) SwapDirection {
	if d == DirectionLong {
		return SwapRemove
	}
	return SwapAdd
}

// CloseSwapDirection 平掉 base 仓位时的储备方向: 多头平仓把 base 还回池子
func CloseSwapDirection(baseAssetAmount int64) SwapDirection {
	if baseAssetAmount > 0 {
		return SwapAdd
	}
	return SwapRemove
}

// =============================================================================
// AMM - 每个市场一份
// =============================================================================

// AMM 虚拟 AMM 状态，作为 Market 的内嵌字段持久化
type AMM struct {
	BaseAssetReserve  int64 `gorm:"column:base_asset_reserve" json:"base_asset_reserve"`
	QuoteAssetReserve int64 `gorm:"column:quote_asset_reserve" json:"quote_asset_reserve"`
	SqrtK             int64 `gorm:"column:sqrt_k" json:"sqrt_k"`
	PegMultiplier     int64 `gorm:"column:peg_multiplier" json:"peg_multiplier"`

	// ===== 资金费率 =====
	CumulativeFundingRateLong  int64 `gorm:"column:cumulative_funding_rate_long" json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort int64 `gorm:"column:cumulative_funding_rate_short" json:"cumulative_funding_rate_short"`
	LastFundingRate            int64 `gorm:"column:last_funding_rate" json:"last_funding_rate"`
	LastFundingRateTs          int64 `gorm:"column:last_funding_rate_ts" json:"last_funding_rate_ts"`
	FundingPeriod              int64 `gorm:"column:funding_period" json:"funding_period"`

	// ===== TWAP =====
	LastOraclePrice       int64 `gorm:"column:last_oracle_price" json:"last_oracle_price"`
	LastOraclePriceTwap   int64 `gorm:"column:last_oracle_price_twap" json:"last_oracle_price_twap"`
	LastOraclePriceTwapTs int64 `gorm:"column:last_oracle_price_twap_ts" json:"last_oracle_price_twap_ts"`
	LastMarkPriceTwap     int64 `gorm:"column:last_mark_price_twap" json:"last_mark_price_twap"`
	LastMarkPriceTwapTs   int64 `gorm:"column:last_mark_price_twap_ts" json:"last_mark_price_twap_ts"`

	// ===== 手续费池 =====
	TotalFee                   int64 `gorm:"column:total_fee" json:"total_fee"`
	TotalFeeMinusDistributions int64 `gorm:"column:total_fee_minus_distributions" json:"total_fee_minus_distributions"`
	TotalFeeWithdrawn          int64 `gorm:"column:total_fee_withdrawn" json:"total_fee_withdrawn"`
	NetRevenueSinceLastFunding int64 `gorm:"column:net_revenue_since_last_funding" json:"net_revenue_since_last_funding"`

	MinimumQuoteAssetTradeSize int64 `gorm:"column:minimum_quote_asset_trade_size" json:"minimum_quote_asset_trade_size"`
	MinimumBaseAssetTradeSize  int64 `gorm:"column:minimum_base_asset_trade_size" json:"minimum_base_asset_trade_size"`

	OracleSource oracle.Source `gorm:"column:oracle_source" json:"oracle_source"`
	OracleAsset  string        `gorm:"column:oracle_asset;type:varchar(32)" json:"oracle_asset"`
}

// =============================================================================
// 价格
// =============================================================================

// CalculatePrice 现货价格 = quote * peg / base (MarkPricePrecision)
func CalculatePrice(quoteAssetReserve, baseAssetReserve, pegMultiplier int64) (int64, error) {
	var c fixedpoint.Calc
	pegQuote := c.Wide(quoteAssetReserve)
	pegQuote = c.WideMul(pegQuote, c.Wide(pegMultiplier))
	pegQuote = c.WideMul(pegQuote, c.Wide(fixedpoint.PriceToPegPrecisionRatio))
	price := c.Narrow(c.WideDiv(pegQuote, c.Wide(baseAssetReserve)))
	return price, c.Err()
}

// MarkPrice 当前标记价格
func (a *AMM) MarkPrice() (int64, error) {
	return CalculatePrice(a.QuoteAssetReserve, a.BaseAssetReserve, a.PegMultiplier)
}

// =============================================================================
// 成交
// =============================================================================

// CalculateSwapOutput 恒定乘积换算
//
// 返回 (新的输出储备, 新的输入储备)
func CalculateSwapOutput(swapAmount, inputReserve int64, dir SwapDirection, sqrtK int64) (int64, int64, error) {
	var c fixedpoint.Calc
	invariant := c.Square(sqrtK)

	var newInput int64
	if dir == SwapAdd {
		newInput = c.Add(inputReserve, swapAmount)
	} else {
		newInput = c.SubUnsigned(inputReserve, swapAmount)
	}
	if c.Ok() && newInput == 0 {
		c.Fail(errors.Wrap(ErrInvalidReserves, "swap drains reserve"))
	}
	newOutput := c.Narrow(c.WideDiv(invariant, c.Wide(newInput)))
	return newOutput, newInput, c.Err()
}

// AssetToReserveAmount quote 金额 -> quote 储备单位
func AssetToReserveAmount(quoteAssetAmount, pegMultiplier int64) (int64, error) {
	var c fixedpoint.Calc
	v := c.MulDiv(quoteAssetAmount, fixedpoint.AMMTimesPegToQuotePrecisionRatio, pegMultiplier)
	return v, c.Err()
}

// ReserveToAssetAmount quote 储备单位 -> quote 金额
func ReserveToAssetAmount(quoteAssetReserveAmount, pegMultiplier int64) (int64, error) {
	var c fixedpoint.Calc
	v := c.MulDiv(quoteAssetReserveAmount, pegMultiplier, fixedpoint.AMMTimesPegToQuotePrecisionRatio)
	return v, c.Err()
}

// CalculateQuoteAssetAmountSwapped 成交前后 quote 储备差折算成 quote 金额
//
// 从池子里拿 quote 时 (SwapRemove) 多算 1 个储备单位，买方永远不会少付
func CalculateQuoteAssetAmountSwapped(quoteReserveBefore, quoteReserveAfter int64, dir SwapDirection, pegMultiplier int64) (int64, error) {
	var c fixedpoint.Calc
	var change int64
	if dir == SwapAdd {
		change = c.SubUnsigned(quoteReserveBefore, quoteReserveAfter)
	} else {
		change = c.SubUnsigned(quoteReserveAfter, quoteReserveBefore)
		change = c.Add(change, 1)
	}
	if err := c.Err(); err != nil {
		return 0, err
	}
	return ReserveToAssetAmount(change, pegMultiplier)
}

// SwapQuoteAsset 按 quote 金额成交，返回带符号的 base 变化量
//
// precomputedMark 为 0 时重新计算标记价格
func (a *AMM) SwapQuoteAsset(quoteAssetAmount int64, dir SwapDirection, now, precomputedMark int64) (int64, error) {
	if _, err := a.UpdateMarkTwap(now, precomputedMark); err != nil {
		return 0, err
	}

	reserveAmount, err := AssetToReserveAmount(quoteAssetAmount, a.PegMultiplier)
	if err != nil {
		return 0, err
	}
	if reserveAmount < a.MinimumQuoteAssetTradeSize {
		return 0, errors.Wrapf(ErrTradeSizeTooSmall, "quote reserve amount %d < %d", reserveAmount, a.MinimumQuoteAssetTradeSize)
	}

	initialBase := a.BaseAssetReserve
	newBase, newQuote, err := CalculateSwapOutput(reserveAmount, a.QuoteAssetReserve, dir, a.SqrtK)
	if err != nil {
		return 0, err
	}
	a.BaseAssetReserve = newBase
	a.QuoteAssetReserve = newQuote

	var c fixedpoint.Calc
	delta := c.Sub(initialBase, newBase)
	return delta, c.Err()
}

// SwapBaseAsset 按 base 数量成交，返回 quote 金额
func (a *AMM) SwapBaseAsset(baseAssetAmount int64, dir SwapDirection, now int64) (int64, error) {
	if _, err := a.UpdateMarkTwap(now, 0); err != nil {
		return 0, err
	}

	initialQuote := a.QuoteAssetReserve
	newQuote, newBase, err := CalculateSwapOutput(baseAssetAmount, a.BaseAssetReserve, dir, a.SqrtK)
	if err != nil {
		return 0, err
	}
	a.BaseAssetReserve = newBase
	a.QuoteAssetReserve = newQuote

	return CalculateQuoteAssetAmountSwapped(initialQuote, newQuote, dir, a.PegMultiplier)
}

// ShouldRoundTrade 下单金额与仓位价值只差不到一个最小成交单位时，按仓位价值成交
func (a *AMM) ShouldRoundTrade(quoteAssetAmount, baseAssetValue int64) (bool, error) {
	var c fixedpoint.Calc
	diff := c.Abs(c.Sub(quoteAssetAmount, baseAssetValue))
	if err := c.Err(); err != nil {
		return false, err
	}
	reserve, err := AssetToReserveAmount(diff, a.PegMultiplier)
	if err != nil {
		return false, err
	}
	return reserve < a.MinimumQuoteAssetTradeSize, nil
}

// MaxBaseAssetAmountToTrade 把价格推到 limitPrice 需要成交的 base 数量及方向
//
// new_base² = k * MarkPricePrecision * peg / limit / PegPrecision
func (a *AMM) MaxBaseAssetAmountToTrade(limitPrice int64) (int64, Direction, error) {
	if limitPrice <= 0 {
		return 0, DirectionLong, errors.Wrapf(ErrInvalidLimitPrice, "limit price %d", limitPrice)
	}
	var c fixedpoint.Calc
	sq := c.Square(a.SqrtK)
	sq = c.WideMul(sq, c.Wide(fixedpoint.MarkPricePrecision))
	sq = c.WideMul(sq, c.Wide(a.PegMultiplier))
	sq = c.WideDiv(sq, c.Wide(limitPrice))
	sq = c.WideDiv(sq, c.Wide(fixedpoint.PegPrecision))
	newBase := c.Narrow(fixedpoint.Isqrt(sq))
	if err := c.Err(); err != nil {
		return 0, DirectionLong, err
	}
	if newBase > a.BaseAssetReserve {
		return newBase - a.BaseAssetReserve, DirectionShort, nil
	}
	return a.BaseAssetReserve - newBase, DirectionLong, nil
}
