package liquidation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vamm.com/pkg/futures"
)

func TestCalculateRiskLevel(t *testing.T) {
	tests := []struct {
		ratio float64
		want  RiskLevel
	}{
		{0, RiskLevelSafe},
		{0.69, RiskLevelSafe},
		{0.70, RiskLevelWarning},
		{0.85, RiskLevelDanger},
		{0.90, RiskLevelCritical},
		{0.999, RiskLevelCritical},
		{1.0, RiskLevelLiquidate},
		{math.Inf(1), RiskLevelLiquidate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CalculateRiskLevel(tt.ratio), "ratio=%v", tt.ratio)
	}
	assert.Equal(t, "CRITICAL", RiskLevelCritical.String())
	assert.Equal(t, "UNKNOWN", RiskLevel(42).String())
}

func TestRiskRatio(t *testing.T) {
	assert.Zero(t, RiskRatio(futures.LiquidationStatus{AdjustedTotalCollateral: 100}))
	assert.True(t, math.IsInf(RiskRatio(futures.LiquidationStatus{MarginRequirement: 10}), 1))
	assert.InDelta(t, 0.8, RiskRatio(futures.LiquidationStatus{
		MarginRequirement:       80,
		AdjustedTotalCollateral: 100,
	}), 1e-9)
}

func TestNewUserRiskData(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	status := futures.LiquidationStatus{
		Type:                    futures.LiquidationNone,
		MarginRequirement:       75,
		AdjustedTotalCollateral: 100,
		MarginRatio:             833,
		MarketStatuses: []futures.MarketStatus{
			{MarketIndex: 2}, {MarketIndex: 0},
		},
	}
	d := NewUserRiskData("alice", status, at)
	assert.Equal(t, RiskLevelWarning, d.Level)
	assert.Equal(t, []uint64{2, 0}, d.Markets)
	assert.Equal(t, at.UnixNano(), d.UpdatedAt)
	assert.Equal(t, int64(833), d.MarginRatio)

	// 清算所判定可强平时以清算所为准
	status.Type = futures.LiquidationPartial
	assert.Equal(t, RiskLevelLiquidate, NewUserRiskData("alice", status, at).Level)

	// 浮点比例到 1 但清算所判定安全时不强平
	status.Type = futures.LiquidationNone
	status.MarginRequirement = 100
	assert.Equal(t, RiskLevelCritical, NewUserRiskData("alice", status, at).Level)
}

func TestLiquidationResultSuccess(t *testing.T) {
	assert.False(t, LiquidationResult{}.Success(), "跳过的强平")
	assert.True(t, LiquidationResult{Record: &futures.LiquidationRecord{}}.Success())
}
