// 文件: pkg/vamm/twap.go
// 标记价格 / 预言机价格 TWAP
//
// 【核心公式】
//   since_last = max(1, now - last_ts)
//   from_start = max(1, funding_period - since_last)
//   twap = (price * since_last + last_twap * from_start) / (since_last + from_start)

package vamm

import (
	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/oracle"
)

// CalculateTwap 按权重合并新旧观测值
func CalculateTwap(newData, oldData, newWeight, oldWeight int64) (int64, error) {
	var c fixedpoint.Calc
	twap := c.WeightedAverage(newData, newWeight, oldData, oldWeight)
	return twap, c.Err()
}

func (a *AMM) twapWeights(now, lastTs int64) (int64, int64, error) {
	var c fixedpoint.Calc
	sinceLast := fixedpoint.Max64(1, c.Sub(now, lastTs))
	fromStart := fixedpoint.Max64(1, c.Sub(a.FundingPeriod, sinceLast))
	return sinceLast, fromStart, c.Err()
}

// NewMarkTwap 计算新的标记价格 TWAP (不落地)
func (a *AMM) NewMarkTwap(now, precomputedMark int64) (int64, error) {
	sinceLast, fromStart, err := a.twapWeights(now, a.LastMarkPriceTwapTs)
	if err != nil {
		return 0, err
	}
	price := precomputedMark
	if price == 0 {
		if price, err = a.MarkPrice(); err != nil {
			return 0, err
		}
	}
	return CalculateTwap(price, a.LastMarkPriceTwap, sinceLast, fromStart)
}

// UpdateMarkTwap 更新标记价格 TWAP
func (a *AMM) UpdateMarkTwap(now, precomputedMark int64) (int64, error) {
	twap, err := a.NewMarkTwap(now, precomputedMark)
	if err != nil {
		return 0, err
	}
	a.LastMarkPriceTwap = twap
	a.LastMarkPriceTwapTs = now
	return twap, nil
}

// NormaliseOraclePrice 把预言机价格在置信区间内往标记价格方向收敛
func (a *AMM) NormaliseOraclePrice(data oracle.PriceData, precomputedMark int64) (int64, error) {
	mark := precomputedMark
	if mark == 0 {
		var err error
		if mark, err = a.MarkPrice(); err != nil {
			return 0, err
		}
	}
	var c fixedpoint.Calc
	var normalised int64
	if data.Price > mark {
		normalised = fixedpoint.Max64(mark, c.Sub(data.Price, data.Confidence))
	} else {
		normalised = fixedpoint.Min64(mark, c.Add(data.Price, data.Confidence))
	}
	return normalised, c.Err()
}

// UpdateOracleTwap 用收敛后的预言机价格更新预言机 TWAP
func (a *AMM) UpdateOracleTwap(now int64, data oracle.PriceData, precomputedMark int64) (int64, error) {
	price, err := a.NormaliseOraclePrice(data, precomputedMark)
	if err != nil {
		return 0, err
	}
	sinceLast, fromStart, err := a.twapWeights(now, a.LastOraclePriceTwapTs)
	if err != nil {
		return 0, err
	}
	twap, err := CalculateTwap(price, a.LastOraclePriceTwap, sinceLast, fromStart)
	if err != nil {
		return 0, err
	}
	a.LastOraclePrice = data.Price
	a.LastOraclePriceTwap = twap
	a.LastOraclePriceTwapTs = now
	return twap, nil
}

// MarkTwapSpreadPct 标记价格相对标记 TWAP 的偏离 (MarkPricePrecision)
func (a *AMM) MarkTwapSpreadPct(markPrice int64) (int64, error) {
	var c fixedpoint.Calc
	spread := c.Sub(markPrice, a.LastMarkPriceTwap)
	pct := c.MulDiv(spread, fixedpoint.MarkPricePrecision, a.LastMarkPriceTwap)
	return pct, c.Err()
}
