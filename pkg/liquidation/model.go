// 文件: pkg/liquidation/model.go
// 强平 keeper 的风险分级模型

package liquidation

import (
	"math"
	"time"

	"vamm.com/pkg/futures"
)

// =============================================================================
// 风险等级定义
// =============================================================================

// RiskLevel 风险等级枚举
//
// keeper 根据用户的风险率，将用户分入不同的等级：
// - 安全区：不需要特别关注
// - 预警区：需要定期检查
// - 危险区：需要更频繁检查
// - 临界区：随时可能被强平，预言机变价时立即复查
// - 强平区：立即执行强平
type RiskLevel int

const (
	// RiskLevelSafe 安全区: 风险率 < 70%
	RiskLevelSafe RiskLevel = iota

	// RiskLevelWarning 预警区: 70% <= 风险率 < 80%
	RiskLevelWarning

	// RiskLevelDanger 危险区: 80% <= 风险率 < 90%
	RiskLevelDanger

	// RiskLevelCritical 临界区: 90% <= 风险率 < 100%
	RiskLevelCritical

	// RiskLevelLiquidate 强平区: 清算所判定可强平
	RiskLevelLiquidate
)

// String 返回风险等级的字符串表示（用于日志打印）
func (l RiskLevel) String() string {
	switch l {
	case RiskLevelSafe:
		return "SAFE"
	case RiskLevelWarning:
		return "WARNING"
	case RiskLevelDanger:
		return "DANGER"
	case RiskLevelCritical:
		return "CRITICAL"
	case RiskLevelLiquidate:
		return "LIQUIDATE"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// 风险阈值常量
// =============================================================================

const (
	ThresholdWarning   = 0.70
	ThresholdDanger    = 0.80
	ThresholdCritical  = 0.90
	ThresholdLiquidate = 1.00
)

// =============================================================================
// 用户风险数据
// =============================================================================

// UserRiskData 存储在各级索引中的用户风险快照
type UserRiskData struct {
	Authority string

	// RiskRatio 部分强平保证金要求 / 调整后总权益
	// >= 1.0 即可部分强平
	RiskRatio float64

	// AdjustedTotalCollateral 调整后总权益 (QuotePrecision)
	AdjustedTotalCollateral int64

	// MarginRequirement 当前适用的保证金要求 (QuotePrecision)
	MarginRequirement int64

	// MarginRatio 总权益 / 仓位价值 (MarginPrecision)
	MarginRatio int64

	// LiquidationType 清算所给出的强平类型
	LiquidationType futures.LiquidationType

	Level RiskLevel

	// UpdatedAt Unix 纳秒
	UpdatedAt int64

	// Markets 用户持仓的市场，预言机变价时据此找到受影响用户
	Markets []uint64
}

// RiskRatio 由强平状态计算风险率
//
// 空仓返回 0；权益不为正但有保证金要求时返回 +Inf
func RiskRatio(status futures.LiquidationStatus) float64 {
	if status.MarginRequirement <= 0 {
		return 0
	}
	if status.AdjustedTotalCollateral <= 0 {
		return math.Inf(1)
	}
	return float64(status.MarginRequirement) / float64(status.AdjustedTotalCollateral)
}

// NewUserRiskData 由清算所的强平状态构造风险快照
func NewUserRiskData(authority string, status futures.LiquidationStatus, at time.Time) UserRiskData {
	markets := make([]uint64, 0, len(status.MarketStatuses))
	for _, ms := range status.MarketStatuses {
		markets = append(markets, ms.MarketIndex)
	}
	ratio := RiskRatio(status)
	level := CalculateRiskLevel(ratio)
	// 以清算所的判定为准，浮点风险率只用于分级
	if status.Type != futures.LiquidationNone {
		level = RiskLevelLiquidate
	} else if level == RiskLevelLiquidate {
		level = RiskLevelCritical
	}
	return UserRiskData{
		Authority:               authority,
		RiskRatio:               ratio,
		AdjustedTotalCollateral: status.AdjustedTotalCollateral,
		MarginRequirement:       status.MarginRequirement,
		MarginRatio:             status.MarginRatio,
		LiquidationType:         status.Type,
		Level:                   level,
		UpdatedAt:               at.UnixNano(),
		Markets:                 markets,
	}
}

// =============================================================================
// 强平执行相关
// =============================================================================

// LiquidationTask 强平任务
type LiquidationTask struct {
	Authority string
	RiskRatio float64
	// TriggerMarket 由预言机变价触发时的市场，扫描触发时为 nil
	TriggerMarket *uint64
	CreatedAt     time.Time
}

// LiquidationResult 强平执行结果
type LiquidationResult struct {
	Authority  string
	Record     *futures.LiquidationRecord
	Err        error
	ExecutedAt time.Time
}

// Success 执行成功
func (r LiquidationResult) Success() bool {
	return r.Err == nil && r.Record != nil
}

// =============================================================================
// 辅助函数
// =============================================================================

// CalculateRiskLevel 根据风险率计算风险等级
func CalculateRiskLevel(riskRatio float64) RiskLevel {
	switch {
	case riskRatio >= ThresholdLiquidate:
		return RiskLevelLiquidate
	case riskRatio >= ThresholdCritical:
		return RiskLevelCritical
	case riskRatio >= ThresholdDanger:
		return RiskLevelDanger
	case riskRatio >= ThresholdWarning:
		return RiskLevelWarning
	default:
		return RiskLevelSafe
	}
}
