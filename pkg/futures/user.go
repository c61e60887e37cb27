// 文件: pkg/futures/user.go
// 清算所用户: 单一保证金账户，跨市场共享

package futures

// User 用户账户
//
// 【不变量】Collateral >= 0，亏损超过保证金时截断为 0
type User struct {
	Authority string `gorm:"column:authority;primaryKey;type:varchar(64)" json:"authority"`

	Collateral         int64 `gorm:"column:collateral" json:"collateral"`
	CumulativeDeposits int64 `gorm:"column:cumulative_deposits" json:"cumulative_deposits"`

	TotalFeePaid         int64 `gorm:"column:total_fee_paid" json:"total_fee_paid"`
	TotalTokenDiscount   int64 `gorm:"column:total_token_discount" json:"total_token_discount"`
	TotalReferralReward  int64 `gorm:"column:total_referral_reward" json:"total_referral_reward"`
	TotalRefereeDiscount int64 `gorm:"column:total_referee_discount" json:"total_referee_discount"`

	Referrer      string `gorm:"column:referrer;type:varchar(64)" json:"referrer"`
	OpenPositions int64  `gorm:"column:open_positions" json:"open_positions"`
	OpenOrders    int64  `gorm:"column:open_orders" json:"open_orders"`
	CreatedTs     int64  `gorm:"column:created_ts" json:"created_ts"`
}

func (User) TableName() string {
	return "vamm_users"
}

func (u *User) Clone() *User {
	c := *u
	return &c
}
