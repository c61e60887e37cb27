// 文件: pkg/futures/history.go
// 历史记录: 只追加，每类记录独立编号
//
// 【编号规则】
// RecordID = 该类记录当前长度 + 1，由 Store.Commit 在提交时分配
// 失败的操作不会占用编号

package futures

import (
	"vamm.com/pkg/order"
	"vamm.com/pkg/vamm"
)

// RecordKind 记录类型
type RecordKind string

const (
	KindDeposit        RecordKind = "deposit"
	KindTrade          RecordKind = "trade"
	KindFundingPayment RecordKind = "funding_payment"
	KindFundingRate    RecordKind = "funding_rate"
	KindLiquidation    RecordKind = "liquidation"
	KindCurve          RecordKind = "curve"
	KindOrder          RecordKind = "order"
)

// AllRecordKinds 全部记录类型
var AllRecordKinds = []RecordKind{
	KindDeposit, KindTrade, KindFundingPayment, KindFundingRate, KindLiquidation, KindCurve, KindOrder,
}

// RecordHeader 公共头
type RecordHeader struct {
	RecordID int64 `gorm:"column:record_id;primaryKey;autoIncrement:false" json:"record_id"`
	Ts       int64 `gorm:"column:ts;index" json:"ts"`
}

func (h *RecordHeader) Header() *RecordHeader {
	return h
}

// Record 一条历史记录
type Record interface {
	Kind() RecordKind
	Header() *RecordHeader
}

// =============================================================================
// 出入金
// =============================================================================

type DepositDirection int8

const (
	DepositDirectionDeposit DepositDirection = iota + 1
	DepositDirectionWithdraw
)

type DepositRecord struct {
	RecordHeader             `gorm:"embedded"`
	Authority                string           `gorm:"column:authority;type:varchar(64);index" json:"authority"`
	Direction                DepositDirection `gorm:"column:direction" json:"direction"`
	CollateralBefore         int64            `gorm:"column:collateral_before" json:"collateral_before"`
	CumulativeDepositsBefore int64            `gorm:"column:cumulative_deposits_before" json:"cumulative_deposits_before"`
	Amount                   int64            `gorm:"column:amount" json:"amount"`
}

func (DepositRecord) TableName() string { return "vamm_deposit_history" }
func (*DepositRecord) Kind() RecordKind { return KindDeposit }

// =============================================================================
// 成交
// =============================================================================

type TradeRecord struct {
	RecordHeader     `gorm:"embedded"`
	Authority        string         `gorm:"column:authority;type:varchar(64);index" json:"authority"`
	MarketIndex      uint64         `gorm:"column:market_index" json:"market_index"`
	Direction        vamm.Direction `gorm:"column:direction" json:"direction"`
	BaseAssetAmount  int64          `gorm:"column:base_asset_amount" json:"base_asset_amount"`
	QuoteAssetAmount int64          `gorm:"column:quote_asset_amount" json:"quote_asset_amount"`
	MarkPriceBefore  int64          `gorm:"column:mark_price_before" json:"mark_price_before"`
	MarkPriceAfter   int64          `gorm:"column:mark_price_after" json:"mark_price_after"`
	OraclePrice      int64          `gorm:"column:oracle_price" json:"oracle_price"`
	Fee              int64          `gorm:"column:fee" json:"fee"`
	TokenDiscount    int64          `gorm:"column:token_discount" json:"token_discount"`
	ReferrerReward   int64          `gorm:"column:referrer_reward" json:"referrer_reward"`
	RefereeDiscount  int64          `gorm:"column:referee_discount" json:"referee_discount"`
	FillerReward     int64          `gorm:"column:filler_reward" json:"filler_reward"`
	QuoteSurplus     int64          `gorm:"column:quote_surplus" json:"quote_surplus"`
	Liquidation      bool           `gorm:"column:liquidation" json:"liquidation"`
}

func (TradeRecord) TableName() string { return "vamm_trade_history" }
func (*TradeRecord) Kind() RecordKind { return KindTrade }

// =============================================================================
// 资金费
// =============================================================================

type FundingPaymentRecord struct {
	RecordHeader              `gorm:"embedded"`
	Authority                 string `gorm:"column:authority;type:varchar(64);index" json:"authority"`
	MarketIndex               uint64 `gorm:"column:market_index" json:"market_index"`
	FundingPayment            int64  `gorm:"column:funding_payment" json:"funding_payment"`
	BaseAssetAmount           int64  `gorm:"column:base_asset_amount" json:"base_asset_amount"`
	UserLastCumulativeFunding int64  `gorm:"column:user_last_cumulative_funding" json:"user_last_cumulative_funding"`
	UserLastFundingRateTs     int64  `gorm:"column:user_last_funding_rate_ts" json:"user_last_funding_rate_ts"`
	AmmCumulativeFundingLong  int64  `gorm:"column:amm_cumulative_funding_long" json:"amm_cumulative_funding_long"`
	AmmCumulativeFundingShort int64  `gorm:"column:amm_cumulative_funding_short" json:"amm_cumulative_funding_short"`
}

func (FundingPaymentRecord) TableName() string { return "vamm_funding_payment_history" }
func (*FundingPaymentRecord) Kind() RecordKind { return KindFundingPayment }

type FundingRateRecord struct {
	RecordHeader               `gorm:"embedded"`
	MarketIndex                uint64 `gorm:"column:market_index;index" json:"market_index"`
	FundingRate                int64  `gorm:"column:funding_rate" json:"funding_rate"`
	FundingRateLong            int64  `gorm:"column:funding_rate_long" json:"funding_rate_long"`
	FundingRateShort           int64  `gorm:"column:funding_rate_short" json:"funding_rate_short"`
	CumulativeFundingRateLong  int64  `gorm:"column:cumulative_funding_rate_long" json:"cumulative_funding_rate_long"`
	CumulativeFundingRateShort int64  `gorm:"column:cumulative_funding_rate_short" json:"cumulative_funding_rate_short"`
	OraclePriceTwap            int64  `gorm:"column:oracle_price_twap" json:"oracle_price_twap"`
	MarkPriceTwap              int64  `gorm:"column:mark_price_twap" json:"mark_price_twap"`
}

func (FundingRateRecord) TableName() string { return "vamm_funding_rate_history" }
func (*FundingRateRecord) Kind() RecordKind { return KindFundingRate }

// =============================================================================
// 强平
// =============================================================================

type LiquidationRecord struct {
	RecordHeader         `gorm:"embedded"`
	Authority            string `gorm:"column:authority;type:varchar(64);index" json:"authority"`
	Liquidator           string `gorm:"column:liquidator;type:varchar(64)" json:"liquidator"`
	Partial              bool   `gorm:"column:partial" json:"partial"`
	BaseAssetValue       int64  `gorm:"column:base_asset_value" json:"base_asset_value"`
	BaseAssetValueClosed int64  `gorm:"column:base_asset_value_closed" json:"base_asset_value_closed"`
	LiquidationFee       int64  `gorm:"column:liquidation_fee" json:"liquidation_fee"`
	FeeToLiquidator      int64  `gorm:"column:fee_to_liquidator" json:"fee_to_liquidator"`
	FeeToInsuranceFund   int64  `gorm:"column:fee_to_insurance_fund" json:"fee_to_insurance_fund"`
	TotalCollateral      int64  `gorm:"column:total_collateral" json:"total_collateral"`
	Collateral           int64  `gorm:"column:collateral" json:"collateral"`
	UnrealizedPnl        int64  `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	MarginRatio          int64  `gorm:"column:margin_ratio" json:"margin_ratio"`
}

func (LiquidationRecord) TableName() string { return "vamm_liquidation_history" }
func (*LiquidationRecord) Kind() RecordKind { return KindLiquidation }

// =============================================================================
// 曲线调整
// =============================================================================

type CurveAction string

const (
	CurveRepeg     CurveAction = "repeg"
	CurveUpdateK   CurveAction = "update_k"
	CurveMovePrice CurveAction = "move_price"
)

type CurveRecord struct {
	RecordHeader               `gorm:"embedded"`
	MarketIndex                uint64      `gorm:"column:market_index;index" json:"market_index"`
	Action                     CurveAction `gorm:"column:action;type:varchar(16)" json:"action"`
	PegMultiplierBefore        int64       `gorm:"column:peg_multiplier_before" json:"peg_multiplier_before"`
	PegMultiplierAfter         int64       `gorm:"column:peg_multiplier_after" json:"peg_multiplier_after"`
	BaseAssetReserveBefore     int64       `gorm:"column:base_asset_reserve_before" json:"base_asset_reserve_before"`
	BaseAssetReserveAfter      int64       `gorm:"column:base_asset_reserve_after" json:"base_asset_reserve_after"`
	QuoteAssetReserveBefore    int64       `gorm:"column:quote_asset_reserve_before" json:"quote_asset_reserve_before"`
	QuoteAssetReserveAfter     int64       `gorm:"column:quote_asset_reserve_after" json:"quote_asset_reserve_after"`
	SqrtKBefore                int64       `gorm:"column:sqrt_k_before" json:"sqrt_k_before"`
	SqrtKAfter                 int64       `gorm:"column:sqrt_k_after" json:"sqrt_k_after"`
	BaseAssetAmountLong        int64       `gorm:"column:base_asset_amount_long" json:"base_asset_amount_long"`
	BaseAssetAmountShort       int64       `gorm:"column:base_asset_amount_short" json:"base_asset_amount_short"`
	BaseAssetAmount            int64       `gorm:"column:base_asset_amount" json:"base_asset_amount"`
	OpenInterest               int64       `gorm:"column:open_interest" json:"open_interest"`
	TotalFee                   int64       `gorm:"column:total_fee" json:"total_fee"`
	TotalFeeMinusDistributions int64       `gorm:"column:total_fee_minus_distributions" json:"total_fee_minus_distributions"`
	AdjustmentCost             int64       `gorm:"column:adjustment_cost" json:"adjustment_cost"`
	OraclePrice                int64       `gorm:"column:oracle_price" json:"oracle_price"`
}

func (CurveRecord) TableName() string { return "vamm_curve_history" }
func (*CurveRecord) Kind() RecordKind { return KindCurve }

func newCurveRecord(action CurveAction, before *vamm.AMM, m *Market, cost, oraclePrice int64) *CurveRecord {
	return &CurveRecord{
		MarketIndex:                m.MarketIndex,
		Action:                     action,
		PegMultiplierBefore:        before.PegMultiplier,
		PegMultiplierAfter:         m.AMM.PegMultiplier,
		BaseAssetReserveBefore:     before.BaseAssetReserve,
		BaseAssetReserveAfter:      m.AMM.BaseAssetReserve,
		QuoteAssetReserveBefore:    before.QuoteAssetReserve,
		QuoteAssetReserveAfter:     m.AMM.QuoteAssetReserve,
		SqrtKBefore:                before.SqrtK,
		SqrtKAfter:                 m.AMM.SqrtK,
		BaseAssetAmountLong:        m.BaseAssetAmountLong,
		BaseAssetAmountShort:       m.BaseAssetAmountShort,
		BaseAssetAmount:            m.BaseAssetAmount,
		OpenInterest:               m.OpenInterest,
		TotalFee:                   m.AMM.TotalFee,
		TotalFeeMinusDistributions: m.AMM.TotalFeeMinusDistributions,
		AdjustmentCost:             cost,
		OraclePrice:                oraclePrice,
	}
}

// =============================================================================
// 订单
// =============================================================================

type OrderAction string

const (
	OrderActionPlace  OrderAction = "place"
	OrderActionCancel OrderAction = "cancel"
	OrderActionFill   OrderAction = "fill"
)

type OrderRecord struct {
	RecordHeader           `gorm:"embedded"`
	Authority              string         `gorm:"column:authority;type:varchar(64);index" json:"authority"`
	Action                 OrderAction    `gorm:"column:action;type:varchar(16)" json:"action"`
	Filler                 string         `gorm:"column:filler;type:varchar(64)" json:"filler"`
	OrderID                int64          `gorm:"column:order_id;index" json:"order_id"`
	MarketIndex            uint64         `gorm:"column:market_index" json:"market_index"`
	OrderType              order.Type     `gorm:"column:order_type" json:"order_type"`
	Direction              vamm.Direction `gorm:"column:direction" json:"direction"`
	OrderBaseAssetAmount   int64          `gorm:"column:order_base_asset_amount" json:"order_base_asset_amount"`
	OrderPrice             int64          `gorm:"column:order_price" json:"order_price"`
	BaseAssetAmountFilled  int64          `gorm:"column:base_asset_amount_filled" json:"base_asset_amount_filled"`
	QuoteAssetAmountFilled int64          `gorm:"column:quote_asset_amount_filled" json:"quote_asset_amount_filled"`
	Fee                    int64          `gorm:"column:fee" json:"fee"`
	FillerReward           int64          `gorm:"column:filler_reward" json:"filler_reward"`
	QuoteSurplus           int64          `gorm:"column:quote_surplus" json:"quote_surplus"`
}

func (OrderRecord) TableName() string { return "vamm_order_history" }
func (*OrderRecord) Kind() RecordKind { return KindOrder }

func newOrderRecord(action OrderAction, o *order.Order) *OrderRecord {
	return &OrderRecord{
		Authority:            o.Authority,
		Action:               action,
		OrderID:              o.OrderID,
		MarketIndex:          o.MarketIndex,
		OrderType:            o.OrderType,
		Direction:            o.Direction,
		OrderBaseAssetAmount: o.BaseAssetAmount,
		OrderPrice:           o.Price,
	}
}

// historyModels 迁移用
func historyModels() []any {
	return []any{
		&DepositRecord{}, &TradeRecord{}, &FundingPaymentRecord{}, &FundingRateRecord{},
		&LiquidationRecord{}, &CurveRecord{}, &OrderRecord{},
	}
}

// newRecordSlice 按类型创建查询结果容器
func newRecordSlice(kind RecordKind) (any, func() []Record) {
	switch kind {
	case KindDeposit:
		var s []*DepositRecord
		return &s, func() []Record { return toRecords(s) }
	case KindTrade:
		var s []*TradeRecord
		return &s, func() []Record { return toRecords(s) }
	case KindFundingPayment:
		var s []*FundingPaymentRecord
		return &s, func() []Record { return toRecords(s) }
	case KindFundingRate:
		var s []*FundingRateRecord
		return &s, func() []Record { return toRecords(s) }
	case KindLiquidation:
		var s []*LiquidationRecord
		return &s, func() []Record { return toRecords(s) }
	case KindCurve:
		var s []*CurveRecord
		return &s, func() []Record { return toRecords(s) }
	case KindOrder:
		var s []*OrderRecord
		return &s, func() []Record { return toRecords(s) }
	}
	return nil, nil
}

func toRecords[T Record](s []T) []Record {
	out := make([]Record, len(s))
	for i, r := range s {
		out[i] = r
	}
	return out
}
