// 文件: pkg/futures/position.go
// 用户在某个市场上的持仓
//
// 【存储策略】
// - 主键 (authority, market_index)，首次开仓时创建
// - 平仓后清零保留，不删除行
// - 资金费按 LastCumulativeFundingRate 懒结算

package futures

import "vamm.com/pkg/vamm"

// Position 用户持仓
//
// BaseAssetAmount > 0: 多头
// BaseAssetAmount < 0: 空头
// QuoteAssetAmount:    开仓成本 (始终非负)
type Position struct {
	Authority   string `gorm:"column:authority;primaryKey;type:varchar(64)" json:"authority"`
	MarketIndex uint64 `gorm:"column:market_index;primaryKey;autoIncrement:false" json:"market_index"`

	BaseAssetAmount           int64 `gorm:"column:base_asset_amount" json:"base_asset_amount"`
	QuoteAssetAmount          int64 `gorm:"column:quote_asset_amount" json:"quote_asset_amount"`
	LastCumulativeFundingRate int64 `gorm:"column:last_cumulative_funding_rate" json:"last_cumulative_funding_rate"`
	LastFundingRateTs         int64 `gorm:"column:last_funding_rate_ts" json:"last_funding_rate_ts"`
}

func (Position) TableName() string {
	return "vamm_positions"
}

func (p *Position) IsOpen() bool {
	return p.BaseAssetAmount != 0
}

// Direction 当前方向 (空仓视为多头)
func (p *Position) Direction() vamm.Direction {
	if p.BaseAssetAmount < 0 {
		return vamm.DirectionShort
	}
	return vamm.DirectionLong
}

func (p *Position) Clone() *Position {
	c := *p
	return &c
}

type positionKey struct {
	authority   string
	marketIndex uint64
}

func (p *Position) key() positionKey {
	return positionKey{authority: p.Authority, marketIndex: p.MarketIndex}
}
