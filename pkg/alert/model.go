// 文件: pkg/alert/model.go
// 保证金告警
//
// 强平引擎每次扫描 / 复查后把 Warning 及以上的用户交给 Manager，
// 同一用户同一等级在冷却期内只告警一次，告警经 Sink 发给下游 (NATS / 日志)。

package alert

import (
	"context"
	"time"

	"vamm.com/pkg/liquidation"
)

// DefaultCooldown 同一用户同一等级的告警间隔
const DefaultCooldown = 10 * time.Minute

// MarginAlert 一次保证金告警
type MarginAlert struct {
	Authority               string   `json:"authority"`
	Level                   string   `json:"level"`
	RiskRatio               float64  `json:"risk_ratio"`
	MarginRatio             int64    `json:"margin_ratio"`
	MarginRequirement       int64    `json:"margin_requirement"`
	AdjustedTotalCollateral int64    `json:"adjusted_total_collateral"`
	Markets                 []uint64 `json:"markets"`
	Ts                      int64    `json:"ts"`
}

// NewMarginAlert 由风险快照生成告警
func NewMarginAlert(u liquidation.UserRiskData, at time.Time) MarginAlert {
	return MarginAlert{
		Authority:               u.Authority,
		Level:                   u.Level.String(),
		RiskRatio:               u.RiskRatio,
		MarginRatio:             u.MarginRatio,
		MarginRequirement:       u.MarginRequirement,
		AdjustedTotalCollateral: u.AdjustedTotalCollateral,
		Markets:                 u.Markets,
		Ts:                      at.Unix(),
	}
}

// Deduper 冷却判断，返回 true 表示本次应当告警
type Deduper interface {
	Allow(ctx context.Context, u liquidation.UserRiskData) (bool, error)
}

// Sink 告警下游
type Sink interface {
	Send(ctx context.Context, a MarginAlert) error
}
