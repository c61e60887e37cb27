// 文件: pkg/oracle/guard.go
// 预言机护栏: 有效性 + 标记价格偏离
//
// 【核心公式】
// - 波动过大: max(price, twap) / max(min(price, twap), 1) > TooVolatileRatio
// - 置信区间过宽: price / max(conf, 1) < ConfidenceIntervalMaxSize
// - 偏离百分比: (mark - oracle) * MarkPricePrecision / oracle
// - 偏离过大: |pct| > num * MarkPricePrecision / den
// - 保证金可用预言机估值: |pct| < 偏离上限 / 3

package oracle

import (
	"vamm.com/pkg/fixedpoint"
)

// =============================================================================
// 护栏参数
// =============================================================================

// PriceDivergenceGuardRails 标记价格与预言机价格的最大偏离
type PriceDivergenceGuardRails struct {
	MarkOracleDivergenceNumerator   int64 `json:"mark_oracle_divergence_numerator"`
	MarkOracleDivergenceDenominator int64 `json:"mark_oracle_divergence_denominator"`
}

// ValidityGuardRails 预言机自身有效性
type ValidityGuardRails struct {
	SlotsBeforeStale          int64 `json:"slots_before_stale"`
	ConfidenceIntervalMaxSize int64 `json:"confidence_interval_max_size"`
	TooVolatileRatio          int64 `json:"too_volatile_ratio"`
}

// GuardRails 全部护栏
type GuardRails struct {
	PriceDivergence    PriceDivergenceGuardRails `json:"price_divergence"`
	Validity           ValidityGuardRails        `json:"validity"`
	UseForLiquidations bool                      `json:"use_for_liquidations"`
}

// DefaultGuardRails 默认护栏: 偏离 10%，1000 秒过期，置信区间不超过 1/4 价格，波动 5 倍
func DefaultGuardRails() GuardRails {
	return GuardRails{
		PriceDivergence: PriceDivergenceGuardRails{
			MarkOracleDivergenceNumerator:   1,
			MarkOracleDivergenceDenominator: 10,
		},
		Validity: ValidityGuardRails{
			SlotsBeforeStale:          1000,
			ConfidenceIntervalMaxSize: 4,
			TooVolatileRatio:          5,
		},
		UseForLiquidations: true,
	}
}

// =============================================================================
// 有效性判断
// =============================================================================

// IsValid 预言机价格是否可信
//
// lastOracleTwap 为市场上一次记录的预言机 TWAP，用于判断瞬时波动
func IsValid(data PriceData, lastOracleTwap int64, rails ValidityGuardRails) (bool, error) {
	var c fixedpoint.Calc

	nonPositive := data.Price <= 0

	hi := fixedpoint.Max64(data.Price, lastOracleTwap)
	lo := fixedpoint.Max64(fixedpoint.Min64(data.Price, lastOracleTwap), 1)
	tooVolatile := c.Div(hi, lo) > rails.TooVolatileRatio

	confDenom := c.Div(data.Price, fixedpoint.Max64(1, data.Confidence))
	confTooLarge := confDenom < rails.ConfidenceIntervalMaxSize

	stale := data.Delay > rails.SlotsBeforeStale

	if err := c.Err(); err != nil {
		return false, err
	}
	return !(stale || !data.HasSufficientNumberOfDataPoints || nonPositive || tooVolatile || confTooLarge), nil
}

// SpreadPct 标记价格相对预言机的偏离百分比 (MarkPricePrecision)
func SpreadPct(markPrice, oraclePrice int64) (int64, error) {
	var c fixedpoint.Calc
	spread := c.Sub(markPrice, oraclePrice)
	pct := c.MulDiv(spread, fixedpoint.MarkPricePrecision, oraclePrice)
	return pct, c.Err()
}

// maxDivergence 护栏允许的最大偏离 (MarkPricePrecision)
func maxDivergence(rails PriceDivergenceGuardRails) (int64, error) {
	var c fixedpoint.Calc
	v := c.MulDiv(rails.MarkOracleDivergenceNumerator, fixedpoint.MarkPricePrecision, rails.MarkOracleDivergenceDenominator)
	return v, c.Err()
}

// IsMarkTooDivergent 偏离是否超过护栏
func IsMarkTooDivergent(spreadPct int64, rails PriceDivergenceGuardRails) (bool, error) {
	limit, err := maxDivergence(rails)
	if err != nil {
		return false, err
	}
	var c fixedpoint.Calc
	abs := c.Abs(spreadPct)
	return abs > limit, c.Err()
}

// UseOraclePriceForMargin 偏离足够小时，保证金计算可以参考预言机估值
func UseOraclePriceForMargin(spreadPct int64, rails PriceDivergenceGuardRails) (bool, error) {
	limit, err := maxDivergence(rails)
	if err != nil {
		return false, err
	}
	var c fixedpoint.Calc
	abs := c.Abs(spreadPct)
	return abs < limit/3, c.Err()
}

// =============================================================================
// Status - 一次判断的完整结果
// =============================================================================

// Status 某市场当前的预言机状态
type Status struct {
	PriceData     PriceData
	MarkSpreadPct int64
	TooDivergent  bool
	IsValid       bool
}

// GetStatus 汇总有效性与偏离
func GetStatus(data PriceData, markPrice, lastOracleTwap int64, rails GuardRails) (Status, error) {
	valid, err := IsValid(data, lastOracleTwap, rails.Validity)
	if err != nil {
		return Status{}, err
	}
	st := Status{PriceData: data, IsValid: valid}
	if data.Price <= 0 {
		return st, nil
	}
	st.MarkSpreadPct, err = SpreadPct(markPrice, data.Price)
	if err != nil {
		return Status{}, err
	}
	st.TooDivergent, err = IsMarkTooDivergent(st.MarkSpreadPct, rails.PriceDivergence)
	if err != nil {
		return Status{}, err
	}
	return st, nil
}

// BlockOperation 预言机无效或偏离过大时，资金费率等操作暂停
func (s Status) BlockOperation() bool {
	return !s.IsValid || s.TooDivergent
}
