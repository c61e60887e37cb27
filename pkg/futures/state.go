// 文件: pkg/futures/state.go
// 清算所全局状态 (单行)
//
// 管理员、暂停开关、手续费结构、预言机护栏、强平参数、两个金库余额

package futures

import (
	"github.com/pkg/errors"

	"vamm.com/pkg/fee"
	"vamm.com/pkg/oracle"
)

const (
	stateRowID uint8 = 1

	DefaultMaxPositions  = 5
	DefaultMaxOpenOrders = 32
)

// LiquidationParams 强平参数
type LiquidationParams struct {
	PartialClosePercentageNumerator   int64 `gorm:"column:partial_close_pct_numerator" json:"partial_close_pct_numerator"`
	PartialClosePercentageDenominator int64 `gorm:"column:partial_close_pct_denominator" json:"partial_close_pct_denominator"`
	PartialPenaltyNumerator           int64 `gorm:"column:partial_penalty_numerator" json:"partial_penalty_numerator"`
	PartialPenaltyDenominator         int64 `gorm:"column:partial_penalty_denominator" json:"partial_penalty_denominator"`
	FullPenaltyNumerator              int64 `gorm:"column:full_penalty_numerator" json:"full_penalty_numerator"`
	FullPenaltyDenominator            int64 `gorm:"column:full_penalty_denominator" json:"full_penalty_denominator"`
	PartialLiquidatorShareDenominator int64 `gorm:"column:partial_liquidator_share_denominator" json:"partial_liquidator_share_denominator"`
	FullLiquidatorShareDenominator    int64 `gorm:"column:full_liquidator_share_denominator" json:"full_liquidator_share_denominator"`
}

// DefaultLiquidationParams 部分强平每次平 25%，罚金 2.5%；全部强平罚金 100%；清算人各拿一半
func DefaultLiquidationParams() LiquidationParams {
	return LiquidationParams{
		PartialClosePercentageNumerator:   25,
		PartialClosePercentageDenominator: 100,
		PartialPenaltyNumerator:           25,
		PartialPenaltyDenominator:         1000,
		FullPenaltyNumerator:              1,
		FullPenaltyDenominator:            1,
		PartialLiquidatorShareDenominator: 2,
		FullLiquidatorShareDenominator:    2,
	}
}

// Validate 分母非零，比例不超过 100%
func (p LiquidationParams) Validate() error {
	fractions := [][2]int64{
		{p.PartialClosePercentageNumerator, p.PartialClosePercentageDenominator},
		{p.PartialPenaltyNumerator, p.PartialPenaltyDenominator},
		{p.FullPenaltyNumerator, p.FullPenaltyDenominator},
	}
	for _, f := range fractions {
		if f[1] <= 0 || f[0] < 0 || f[0] > f[1] {
			return errors.Wrapf(ErrInvalidParameter, "liquidation fraction %d/%d", f[0], f[1])
		}
	}
	if p.PartialLiquidatorShareDenominator <= 0 || p.FullLiquidatorShareDenominator <= 0 {
		return errors.Wrap(ErrInvalidParameter, "liquidator share denominator")
	}
	return nil
}

// State 全局状态
type State struct {
	ID uint8 `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`

	Admin               string `gorm:"column:admin;type:varchar(64)" json:"admin"`
	ExchangePaused      bool   `gorm:"column:exchange_paused" json:"exchange_paused"`
	FundingPaused       bool   `gorm:"column:funding_paused" json:"funding_paused"`
	AdminControlsPrices bool   `gorm:"column:admin_controls_prices" json:"admin_controls_prices"`

	// ===== 金库 =====
	CollateralVaultBalance int64 `gorm:"column:collateral_vault_balance" json:"collateral_vault_balance"`
	InsuranceVaultBalance  int64 `gorm:"column:insurance_vault_balance" json:"insurance_vault_balance"`

	MaxDeposit      int64  `gorm:"column:max_deposit" json:"max_deposit"` // 0 表示不限
	NumberOfMarkets uint64 `gorm:"column:number_of_markets" json:"number_of_markets"`
	MaxPositions    int64  `gorm:"column:max_positions" json:"max_positions"`
	MaxOpenOrders   int64  `gorm:"column:max_open_orders" json:"max_open_orders"`

	Liquidation LiquidationParams `gorm:"embedded;embeddedPrefix:liq_" json:"liquidation"`

	FeeStructure     fee.Structure             `gorm:"column:fee_structure;type:text;serializer:json" json:"fee_structure"`
	FillerReward     fee.FillerRewardStructure `gorm:"column:filler_reward;type:text;serializer:json" json:"filler_reward"`
	OracleGuardRails oracle.GuardRails         `gorm:"column:oracle_guard_rails;type:text;serializer:json" json:"oracle_guard_rails"`
}

func (State) TableName() string {
	return "vamm_state"
}

func (s *State) Clone() *State {
	c := *s
	return &c
}

// NewState 默认参数的初始状态
func NewState(admin string, adminControlsPrices bool) *State {
	return &State{
		ID:                  stateRowID,
		Admin:               admin,
		AdminControlsPrices: adminControlsPrices,
		MaxPositions:        DefaultMaxPositions,
		MaxOpenOrders:       DefaultMaxOpenOrders,
		Liquidation:         DefaultLiquidationParams(),
		FeeStructure:        fee.DefaultStructure(),
		FillerReward:        fee.DefaultFillerRewardStructure(),
		OracleGuardRails:    oracle.DefaultGuardRails(),
	}
}
