// 文件: pkg/order/model.go
// 永续合约订单模型: 限价 / 触发市价 / 触发限价
//
// 订单挂在清算所里，由任意撮合者 (filler) 调用成交。
// 成交对手永远是 vAMM，撮合者拿一笔奖励。

package order

import (
	"github.com/pkg/errors"

	"vamm.com/pkg/fee"
	"vamm.com/pkg/vamm"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrOrderNotFound            = errors.New("order not found")
	ErrOrderNotOpen             = errors.New("order not open")
	ErrInvalidOrder             = errors.New("invalid order")
	ErrOrderAmountTooSmall      = errors.New("order amount too small")
	ErrPostOnlyWouldCross       = errors.New("post only order would cross")
	ErrOrderNotTriggerable      = errors.New("order trigger condition not met")
	ErrOrderDoesNotBelongToUser = errors.New("order does not belong to user")
)

// =============================================================================
// 订单状态
// =============================================================================

type Status int8

const (
	StatusInit     Status = iota // 未使用
	StatusOpen                   // 挂单中
	StatusFilled                 // 完全成交
	StatusCanceled               // 已撤销
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusOpen:
		return "OPEN"
	case StatusFilled:
		return "FILLED"
	case StatusCanceled:
		return "CANCELED"
	}
	return "UNKNOWN"
}

// =============================================================================
// 订单类型
// =============================================================================

type Type int8

const (
	TypeLimit         Type = iota + 1 // 限价
	TypeTriggerMarket                 // 触发市价 (止损/止盈)
	TypeTriggerLimit                  // 触发限价
)

func (t Type) String() string {
	switch t {
	case TypeLimit:
		return "LIMIT"
	case TypeTriggerMarket:
		return "TRIGGER_MARKET"
	case TypeTriggerLimit:
		return "TRIGGER_LIMIT"
	}
	return "UNKNOWN"
}

// TriggerCondition 触发条件 (基于标记价格)
type TriggerCondition int8

const (
	TriggerAbove TriggerCondition = iota + 1
	TriggerBelow
)

// =============================================================================
// Order
// =============================================================================

type Order struct {
	OrderID     int64  `gorm:"column:order_id;primaryKey;autoIncrement:false" json:"order_id"` // 雪花ID
	Authority   string `gorm:"column:authority;type:varchar(64);index:idx_orders_authority_status" json:"authority"`
	MarketIndex uint64 `gorm:"column:market_index" json:"market_index"`

	Status    Status         `gorm:"column:status;index:idx_orders_authority_status" json:"status"`
	OrderType Type           `gorm:"column:order_type" json:"order_type"`
	Direction vamm.Direction `gorm:"column:direction" json:"direction"`
	Ts        int64          `gorm:"column:ts" json:"ts"`

	BaseAssetAmount        int64 `gorm:"column:base_asset_amount" json:"base_asset_amount"`
	BaseAssetAmountFilled  int64 `gorm:"column:base_asset_amount_filled" json:"base_asset_amount_filled"`
	QuoteAssetAmountFilled int64 `gorm:"column:quote_asset_amount_filled" json:"quote_asset_amount_filled"`
	Fee                    int64 `gorm:"column:fee" json:"fee"`

	Price            int64            `gorm:"column:price" json:"price"`
	TriggerPrice     int64            `gorm:"column:trigger_price" json:"trigger_price"`
	TriggerCondition TriggerCondition `gorm:"column:trigger_condition" json:"trigger_condition"`
	ReduceOnly       bool             `gorm:"column:reduce_only" json:"reduce_only"`
	PostOnly         bool             `gorm:"column:post_only" json:"post_only"`

	DiscountTier fee.Tier `gorm:"column:discount_tier" json:"discount_tier"`
	Referrer     string   `gorm:"column:referrer;type:varchar(64)" json:"referrer"`
}

func (Order) TableName() string {
	return "vamm_orders"
}

// Params 下单参数
type Params struct {
	OrderType        Type
	Direction        vamm.Direction
	MarketIndex      uint64
	BaseAssetAmount  int64
	Price            int64
	TriggerPrice     int64
	TriggerCondition TriggerCondition
	ReduceOnly       bool
	PostOnly         bool
}

// =============================================================================
// 便捷方法
// =============================================================================

func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// RemainingBaseAssetAmount 未成交数量
func (o *Order) RemainingBaseAssetAmount() int64 {
	return o.BaseAssetAmount - o.BaseAssetAmountFilled
}

// IsFullyFilled 是否全部成交
func (o *Order) IsFullyFilled() bool {
	return o.BaseAssetAmountFilled >= o.BaseAssetAmount
}

// NewOrder 创建新订单
func NewOrder(orderID int64, authority string, p Params, tier fee.Tier, referrer string, now int64) *Order {
	return &Order{
		OrderID:          orderID,
		Authority:        authority,
		MarketIndex:      p.MarketIndex,
		Status:           StatusOpen,
		OrderType:        p.OrderType,
		Direction:        p.Direction,
		Ts:               now,
		BaseAssetAmount:  p.BaseAssetAmount,
		Price:            p.Price,
		TriggerPrice:     p.TriggerPrice,
		TriggerCondition: p.TriggerCondition,
		ReduceOnly:       p.ReduceOnly,
		PostOnly:         p.PostOnly,
		DiscountTier:     tier,
		Referrer:         referrer,
	}
}
