// 文件: pkg/futures/market.go
// 永续市场: 一个 vAMM + 全市场持仓汇总 + 保证金率
//
// 【保证金率】(MarginPrecision，2000 = 20%)
// - initial:     开仓/提现需要满足
// - partial:     低于则部分强平
// - maintenance: 低于则全部强平
// 必须满足 MIN <= maintenance <= partial <= initial <= MAX

package futures

import (
	"github.com/pkg/errors"

	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/vamm"
)

const (
	MinimumMarginRatio = fixedpoint.MarginPrecision / 50 // 2%
	MaximumMarginRatio = fixedpoint.MarginPrecision      // 100%

	DefaultMarginRatioInitial     int64 = 2000
	DefaultMarginRatioPartial     int64 = 625
	DefaultMarginRatioMaintenance int64 = 500

	DefaultMinimumTradeSize int64 = 10_000
)

// Market 永续市场
type Market struct {
	MarketIndex uint64 `gorm:"column:market_index;primaryKey;autoIncrement:false" json:"market_index"`
	Initialized bool   `gorm:"column:initialized" json:"initialized"`

	// ===== 全市场持仓汇总 (AMM 的对手方) =====
	BaseAssetAmountLong  int64 `gorm:"column:base_asset_amount_long" json:"base_asset_amount_long"`
	BaseAssetAmountShort int64 `gorm:"column:base_asset_amount_short" json:"base_asset_amount_short"`
	BaseAssetAmount      int64 `gorm:"column:base_asset_amount" json:"base_asset_amount"` // 带符号净持仓
	OpenInterest         int64 `gorm:"column:open_interest" json:"open_interest"`         // 有持仓的用户数

	MarginRatioInitial     int64 `gorm:"column:margin_ratio_initial" json:"margin_ratio_initial"`
	MarginRatioPartial     int64 `gorm:"column:margin_ratio_partial" json:"margin_ratio_partial"`
	MarginRatioMaintenance int64 `gorm:"column:margin_ratio_maintenance" json:"margin_ratio_maintenance"`

	AMM vamm.AMM `gorm:"embedded;embeddedPrefix:amm_" json:"amm"`
}

func (Market) TableName() string {
	return "vamm_markets"
}

// Clone 深拷贝 (AMM 只有值字段)
func (m *Market) Clone() *Market {
	c := *m
	return &c
}

// ValidateMarginRatios 保证金率顺序校验
func ValidateMarginRatios(initial, partial, maintenance int64) error {
	if initial < MinimumMarginRatio || initial > MaximumMarginRatio {
		return errors.Wrapf(ErrInvalidMarginRatio, "initial %d out of [%d, %d]", initial, MinimumMarginRatio, MaximumMarginRatio)
	}
	if maintenance < MinimumMarginRatio || maintenance > MaximumMarginRatio {
		return errors.Wrapf(ErrInvalidMarginRatio, "maintenance %d out of [%d, %d]", maintenance, MinimumMarginRatio, MaximumMarginRatio)
	}
	if initial < partial {
		return errors.Wrapf(ErrInvalidMarginRatio, "initial %d < partial %d", initial, partial)
	}
	if partial < maintenance {
		return errors.Wrapf(ErrInvalidMarginRatio, "partial %d < maintenance %d", partial, maintenance)
	}
	return nil
}

// updateBaseAssetAmounts 记录一笔仓位变化对市场汇总的影响
//
// positionBefore 为变化前的仓位: 减仓时变化量计入原方向的桶
func (m *Market) updateBaseAssetAmounts(change int64, positionBefore int64) error {
	var c fixedpoint.Calc
	m.BaseAssetAmount = c.Add(m.BaseAssetAmount, change)

	long := positionBefore > 0 || (positionBefore == 0 && change > 0)
	if long {
		m.BaseAssetAmountLong = c.Add(m.BaseAssetAmountLong, change)
	} else {
		m.BaseAssetAmountShort = c.Add(m.BaseAssetAmountShort, change)
	}
	return c.Err()
}
