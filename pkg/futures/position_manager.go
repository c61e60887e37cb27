// 文件: pkg/futures/position_manager.go
// 仓位变更: 加仓 / 减仓 / 平仓 / 反手
//
// 【两套入口】
// - 按 quote 金额: 市价开平仓 (OpenPosition)
// - 按 base 数量: 订单成交、强平部分减仓
//
// 【盈亏口径】
// 多头平仓: exit - entry
// 空头平仓: entry - exit (空头整数截断额外减 1)
// 亏损超过保证金时保证金截断为 0

package futures

import (
	"github.com/pkg/errors"

	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/vamm"
)

// updatedCollateral 保证金 + 盈亏，不低于 0
func updatedCollateral(collateral, pnl int64) (int64, error) {
	var c fixedpoint.Calc
	if pnl < 0 && c.Abs(pnl) > collateral {
		return 0, c.Err()
	}
	v := c.Add(collateral, pnl)
	return v, c.Err()
}

// positionUpdate 一次仓位变更涉及的实体 (都已在 txn 中标记为待提交)
type positionUpdate struct {
	user         *User
	position     *Position
	market       *Market
	now          int64
	maxPositions int64
}

// positionUpdate 锁定并加载用户、持仓、市场
func (tx *txn) positionUpdate(authority string, marketIndex uint64, st *State) (*positionUpdate, error) {
	u, err := tx.userForUpdate(authority)
	if err != nil {
		return nil, err
	}
	m, err := tx.marketForUpdate(marketIndex)
	if err != nil {
		return nil, err
	}
	p, err := tx.positionForUpdate(authority, marketIndex)
	if err != nil {
		return nil, err
	}
	return &positionUpdate{user: u, position: p, market: m, now: tx.now, maxPositions: st.MaxPositions}, nil
}

// =============================================================================
// 持仓生命周期
// =============================================================================

// open 空仓第一次成交: 从对应方向继承累计资金费率
func (pu *positionUpdate) open(dir vamm.Direction) error {
	if pu.maxPositions > 0 && pu.user.OpenPositions >= pu.maxPositions {
		return errors.Wrapf(ErrMaxNumberOfPositions, "user %s has %d positions", pu.user.Authority, pu.user.OpenPositions)
	}
	amm := &pu.market.AMM
	if dir == vamm.DirectionLong {
		pu.position.LastCumulativeFundingRate = amm.CumulativeFundingRateLong
	} else {
		pu.position.LastCumulativeFundingRate = amm.CumulativeFundingRateShort
	}
	pu.position.LastFundingRateTs = amm.LastFundingRateTs
	pu.market.OpenInterest++
	pu.user.OpenPositions++
	return nil
}

// flatten 仓位归零后清空记账字段
func (pu *positionUpdate) flatten() {
	pu.position.BaseAssetAmount = 0
	pu.position.QuoteAssetAmount = 0
	pu.position.LastCumulativeFundingRate = 0
	pu.position.LastFundingRateTs = 0
	pu.market.OpenInterest--
	pu.user.OpenPositions--
}

func (pu *positionUpdate) settlePnl(pnl int64) error {
	v, err := updatedCollateral(pu.user.Collateral, pnl)
	if err != nil {
		return err
	}
	pu.user.Collateral = v
	return nil
}

// checkQuoteTradeSize 从池子里取走的 quote 不能超过储备
func checkQuoteTradeSize(amm *vamm.AMM, quoteAssetAmount int64, dir vamm.SwapDirection) error {
	if dir != vamm.SwapRemove {
		return nil
	}
	reserve, err := vamm.AssetToReserveAmount(quoteAssetAmount, amm.PegMultiplier)
	if err != nil {
		return err
	}
	if reserve >= amm.QuoteAssetReserve {
		return errors.Wrapf(ErrTradeSizeTooLarge, "quote reserve amount %d >= reserve %d", reserve, amm.QuoteAssetReserve)
	}
	return nil
}

func checkBaseTradeSize(amm *vamm.AMM, baseAssetAmount int64, dir vamm.SwapDirection) error {
	if dir == vamm.SwapRemove && baseAssetAmount >= amm.BaseAssetReserve {
		return errors.Wrapf(ErrTradeSizeTooLarge, "base amount %d >= reserve %d", baseAssetAmount, amm.BaseAssetReserve)
	}
	return nil
}

// =============================================================================
// 按 quote 金额
// =============================================================================

// increase 同方向加仓，返回带符号的 base 变化量
func (pu *positionUpdate) increase(dir vamm.Direction, quoteAssetAmount, precomputedMark int64) (int64, error) {
	if quoteAssetAmount == 0 {
		return 0, nil
	}
	p, m := pu.position, pu.market
	swapDir := vamm.QuoteSwapDirection(dir)
	if err := checkQuoteTradeSize(&m.AMM, quoteAssetAmount, swapDir); err != nil {
		return 0, err
	}
	if p.BaseAssetAmount == 0 {
		if err := pu.open(dir); err != nil {
			return 0, err
		}
	}

	var c fixedpoint.Calc
	p.QuoteAssetAmount = c.Add(p.QuoteAssetAmount, quoteAssetAmount)

	delta, err := m.AMM.SwapQuoteAsset(quoteAssetAmount, swapDir, pu.now, precomputedMark)
	if err != nil {
		return 0, err
	}
	before := p.BaseAssetAmount
	p.BaseAssetAmount = c.Add(before, delta)
	if err := c.Err(); err != nil {
		return 0, err
	}
	return delta, m.updateBaseAssetAmounts(delta, before)
}

// reduce 部分平仓，按平掉的比例减少开仓成本并结算盈亏
func (pu *positionUpdate) reduce(dir vamm.Direction, quoteAssetAmount, precomputedMark int64) (int64, error) {
	p, m := pu.position, pu.market
	swapDir := vamm.QuoteSwapDirection(dir)
	if err := checkQuoteTradeSize(&m.AMM, quoteAssetAmount, swapDir); err != nil {
		return 0, err
	}
	delta, err := m.AMM.SwapQuoteAsset(quoteAssetAmount, swapDir, pu.now, precomputedMark)
	if err != nil {
		return 0, err
	}

	var c fixedpoint.Calc
	before := p.BaseAssetAmount
	p.BaseAssetAmount = c.Add(before, delta)
	if err := c.Err(); err != nil {
		return 0, err
	}
	if err := m.updateBaseAssetAmounts(delta, before); err != nil {
		return 0, err
	}

	change := c.Abs(c.Sub(before, p.BaseAssetAmount))
	closed := c.MulDiv(p.QuoteAssetAmount, change, c.Abs(before))
	p.QuoteAssetAmount = c.Sub(p.QuoteAssetAmount, closed)
	var pnl int64
	if before > 0 {
		pnl = c.Sub(quoteAssetAmount, closed)
	} else {
		pnl = c.Sub(closed, quoteAssetAmount)
	}
	if err := c.Err(); err != nil {
		return 0, err
	}
	if err := pu.settlePnl(pnl); err != nil {
		return 0, err
	}
	if p.BaseAssetAmount == 0 {
		pu.flatten()
	}
	return delta, nil
}

// close 全部平仓，返回 (换回的 quote, 平掉的带符号 base)
func (pu *positionUpdate) close() (int64, int64, error) {
	p, m := pu.position, pu.market
	if p.BaseAssetAmount == 0 {
		return 0, 0, nil
	}
	base := p.BaseAssetAmount
	swapDir := vamm.CloseSwapDirection(base)

	var c fixedpoint.Calc
	amount := c.Abs(base)
	if err := c.Err(); err != nil {
		return 0, 0, err
	}
	if err := checkBaseTradeSize(&m.AMM, amount, swapDir); err != nil {
		return 0, 0, err
	}
	quote, err := m.AMM.SwapBaseAsset(amount, swapDir, pu.now)
	if err != nil {
		return 0, 0, err
	}
	pnl, err := vamm.CalculatePnl(quote, p.QuoteAssetAmount, swapDir)
	if err != nil {
		return 0, 0, err
	}
	if err := pu.settlePnl(pnl); err != nil {
		return 0, 0, err
	}
	if err := m.updateBaseAssetAmounts(c.Neg(base), base); err != nil {
		return 0, 0, err
	}
	pu.flatten()
	return quote, base, c.Err()
}

// tradeResult 一次成交的结果
type tradeResult struct {
	riskIncreasing   bool
	increased        bool // 纯加仓
	baseAssetAmount  int64
	quoteAssetAmount int64
}

// updatePositionWithQuoteAssetAmount 按 quote 金额成交: 加仓 / 减仓 / 平仓反手
func (pu *positionUpdate) updatePositionWithQuoteAssetAmount(dir vamm.Direction, quoteAssetAmount, markPriceBefore int64) (tradeResult, error) {
	p, m := pu.position, pu.market
	res := tradeResult{riskIncreasing: true, quoteAssetAmount: quoteAssetAmount}
	var c fixedpoint.Calc

	if p.BaseAssetAmount == 0 || p.Direction() == dir {
		delta, err := pu.increase(dir, quoteAssetAmount, markPriceBefore)
		if err != nil {
			return res, err
		}
		res.increased = true
		res.baseAssetAmount = c.Abs(delta)
		return res, c.Err()
	}

	value, _, err := m.AMM.BaseAssetValueAndPnl(p.BaseAssetAmount, p.QuoteAssetAmount)
	if err != nil {
		return res, err
	}
	round, err := m.AMM.ShouldRoundTrade(quoteAssetAmount, value)
	if err != nil {
		return res, err
	}
	if round {
		quoteAssetAmount = value
		res.quoteAssetAmount = value
	}

	if value > quoteAssetAmount {
		delta, err := pu.reduce(dir, quoteAssetAmount, markPriceBefore)
		if err != nil {
			return res, err
		}
		res.riskIncreasing = false
		res.baseAssetAmount = c.Abs(delta)
		return res, c.Err()
	}

	// 先全部平掉，剩余金额反向开仓
	afterClose := c.Sub(quoteAssetAmount, value)
	if err := c.Err(); err != nil {
		return res, err
	}
	if afterClose < value {
		res.riskIncreasing = false
	}
	_, closed, err := pu.close()
	if err != nil {
		return res, err
	}
	opened, err := pu.increase(dir, afterClose, markPriceBefore)
	if err != nil {
		return res, err
	}
	res.baseAssetAmount = c.Add(c.Abs(closed), c.Abs(opened))
	return res, c.Err()
}

// =============================================================================
// 按 base 数量
// =============================================================================

// increaseWithBaseAssetAmount 按 base 加仓，返回支付/收到的 quote
func (pu *positionUpdate) increaseWithBaseAssetAmount(dir vamm.Direction, baseAssetAmount int64) (int64, error) {
	if baseAssetAmount == 0 {
		return 0, nil
	}
	p, m := pu.position, pu.market
	swapDir := vamm.BaseSwapDirection(dir)
	if err := checkBaseTradeSize(&m.AMM, baseAssetAmount, swapDir); err != nil {
		return 0, err
	}
	if p.BaseAssetAmount == 0 {
		if err := pu.open(dir); err != nil {
			return 0, err
		}
	}
	quote, err := m.AMM.SwapBaseAsset(baseAssetAmount, swapDir, pu.now)
	if err != nil {
		return 0, err
	}

	var c fixedpoint.Calc
	p.QuoteAssetAmount = c.Add(p.QuoteAssetAmount, quote)
	delta := baseAssetAmount
	if dir == vamm.DirectionShort {
		delta = c.Neg(baseAssetAmount)
	}
	before := p.BaseAssetAmount
	p.BaseAssetAmount = c.Add(before, delta)
	if err := c.Err(); err != nil {
		return 0, err
	}
	return quote, m.updateBaseAssetAmounts(delta, before)
}

// reduceWithBaseAssetAmount 按 base 减仓 (不会穿过 0)
func (pu *positionUpdate) reduceWithBaseAssetAmount(dir vamm.Direction, baseAssetAmount int64) (int64, error) {
	p, m := pu.position, pu.market
	swapDir := vamm.BaseSwapDirection(dir)
	if err := checkBaseTradeSize(&m.AMM, baseAssetAmount, swapDir); err != nil {
		return 0, err
	}
	quote, err := m.AMM.SwapBaseAsset(baseAssetAmount, swapDir, pu.now)
	if err != nil {
		return 0, err
	}

	var c fixedpoint.Calc
	delta := baseAssetAmount
	if dir == vamm.DirectionShort {
		delta = c.Neg(baseAssetAmount)
	}
	before := p.BaseAssetAmount
	p.BaseAssetAmount = c.Add(before, delta)
	if err := c.Err(); err != nil {
		return 0, err
	}
	if err := m.updateBaseAssetAmounts(delta, before); err != nil {
		return 0, err
	}

	closed := c.MulDiv(p.QuoteAssetAmount, baseAssetAmount, c.Abs(before))
	p.QuoteAssetAmount = c.Sub(p.QuoteAssetAmount, closed)
	var pnl int64
	if dir == vamm.DirectionShort {
		// 平多: 卖出收到 quote
		pnl = c.Sub(quote, closed)
	} else {
		pnl = c.Sub(closed, quote)
	}
	if err := c.Err(); err != nil {
		return 0, err
	}
	if err := pu.settlePnl(pnl); err != nil {
		return 0, err
	}
	if p.BaseAssetAmount == 0 {
		pu.flatten()
	}
	return quote, nil
}

// updatePositionWithBaseAssetAmount 按 base 数量成交: 加仓 / 减仓 / 平仓反手
func (pu *positionUpdate) updatePositionWithBaseAssetAmount(dir vamm.Direction, baseAssetAmount int64) (tradeResult, error) {
	p := pu.position
	res := tradeResult{riskIncreasing: true, baseAssetAmount: baseAssetAmount}
	var c fixedpoint.Calc

	if p.BaseAssetAmount == 0 || p.Direction() == dir {
		quote, err := pu.increaseWithBaseAssetAmount(dir, baseAssetAmount)
		if err != nil {
			return res, err
		}
		res.increased = true
		res.quoteAssetAmount = quote
		return res, nil
	}

	existing := c.Abs(p.BaseAssetAmount)
	if err := c.Err(); err != nil {
		return res, err
	}
	if existing > baseAssetAmount {
		quote, err := pu.reduceWithBaseAssetAmount(dir, baseAssetAmount)
		if err != nil {
			return res, err
		}
		res.riskIncreasing = false
		res.quoteAssetAmount = quote
		return res, nil
	}

	afterClose := c.Sub(baseAssetAmount, existing)
	if afterClose < existing {
		res.riskIncreasing = false
	}
	closedQuote, _, err := pu.close()
	if err != nil {
		return res, err
	}
	openedQuote, err := pu.increaseWithBaseAssetAmount(dir, afterClose)
	if err != nil {
		return res, err
	}
	res.quoteAssetAmount = c.Add(closedQuote, openedQuote)
	return res, c.Err()
}
