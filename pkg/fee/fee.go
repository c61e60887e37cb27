// 文件: pkg/fee/fee.go
// 手续费引擎: 基础费率、持币折扣、推荐返佣、撮合者奖励
//
// 【费用拆分】
//   fee          = quote * num / den
//   user_fee     = fee - token_discount - referee_discount    (用户实际支付)
//   fee_to_market= user_fee - referrer_reward [- filler_reward] (进入市场手续费池)

package fee

import (
	"github.com/pkg/errors"

	"vamm.com/pkg/fixedpoint"
)

var ErrInvalidFeeStructure = errors.New("invalid fee structure")

// =============================================================================
// 折扣档位
// =============================================================================

// Tier 持币折扣档位
type Tier int8

const (
	TierNone Tier = iota
	TierFirst
	TierSecond
	TierThird
	TierFourth
)

func (t Tier) String() string {
	switch t {
	case TierFirst:
		return "FIRST"
	case TierSecond:
		return "SECOND"
	case TierThird:
		return "THIRD"
	case TierFourth:
		return "FOURTH"
	}
	return "NONE"
}

// DiscountTokenTier 一个折扣档位
type DiscountTokenTier struct {
	MinimumBalance      int64 `json:"minimum_balance"`
	DiscountNumerator   int64 `json:"discount_numerator"`
	DiscountDenominator int64 `json:"discount_denominator"`
}

// DiscountTokenTiers 四个档位，MinimumBalance 从高到低
type DiscountTokenTiers struct {
	First  DiscountTokenTier `json:"first"`
	Second DiscountTokenTier `json:"second"`
	Third  DiscountTokenTier `json:"third"`
	Fourth DiscountTokenTier `json:"fourth"`
}

func (ts DiscountTokenTiers) get(t Tier) (DiscountTokenTier, bool) {
	switch t {
	case TierFirst:
		return ts.First, true
	case TierSecond:
		return ts.Second, true
	case TierThird:
		return ts.Third, true
	case TierFourth:
		return ts.Fourth, true
	}
	return DiscountTokenTier{}, false
}

// ReferralDiscount 推荐人返佣 / 被推荐人折扣
type ReferralDiscount struct {
	ReferrerRewardNumerator    int64 `json:"referrer_reward_numerator"`
	ReferrerRewardDenominator  int64 `json:"referrer_reward_denominator"`
	RefereeDiscountNumerator   int64 `json:"referee_discount_numerator"`
	RefereeDiscountDenominator int64 `json:"referee_discount_denominator"`
}

// Structure 手续费结构
type Structure struct {
	FeeNumerator       int64              `json:"fee_numerator"`
	FeeDenominator     int64              `json:"fee_denominator"`
	DiscountTokenTiers DiscountTokenTiers `json:"discount_token_tiers"`
	ReferralDiscount   ReferralDiscount   `json:"referral_discount"`
}

// FillerRewardStructure 订单撮合者奖励
type FillerRewardStructure struct {
	RewardNumerator           int64 `json:"reward_numerator"`
	RewardDenominator         int64 `json:"reward_denominator"`
	TimeBasedRewardLowerBound int64 `json:"time_based_reward_lower_bound"`
}

// DefaultStructure 默认 0.1% 手续费
func DefaultStructure() Structure {
	return Structure{
		FeeNumerator:   10,
		FeeDenominator: 10_000,
		DiscountTokenTiers: DiscountTokenTiers{
			First:  DiscountTokenTier{MinimumBalance: 1_000_000_000_000, DiscountNumerator: 20, DiscountDenominator: 100},
			Second: DiscountTokenTier{MinimumBalance: 100_000_000_000, DiscountNumerator: 15, DiscountDenominator: 100},
			Third:  DiscountTokenTier{MinimumBalance: 10_000_000_000, DiscountNumerator: 10, DiscountDenominator: 100},
			Fourth: DiscountTokenTier{MinimumBalance: 1_000_000_000, DiscountNumerator: 5, DiscountDenominator: 100},
		},
		ReferralDiscount: ReferralDiscount{
			ReferrerRewardNumerator:    5,
			ReferrerRewardDenominator:  100,
			RefereeDiscountNumerator:   5,
			RefereeDiscountDenominator: 100,
		},
	}
}

// DefaultFillerRewardStructure 默认撮合者奖励
func DefaultFillerRewardStructure() FillerRewardStructure {
	return FillerRewardStructure{
		RewardNumerator:           1,
		RewardDenominator:         10,
		TimeBasedRewardLowerBound: 10_000,
	}
}

// Validate 分母非零，折扣不超过 100%
func (s Structure) Validate() error {
	if s.FeeDenominator <= 0 || s.FeeNumerator < 0 {
		return errors.Wrapf(ErrInvalidFeeStructure, "fee %d/%d", s.FeeNumerator, s.FeeDenominator)
	}
	for _, t := range []Tier{TierFirst, TierSecond, TierThird, TierFourth} {
		d, _ := s.DiscountTokenTiers.get(t)
		if d.DiscountDenominator <= 0 || d.DiscountNumerator < 0 || d.DiscountNumerator > d.DiscountDenominator {
			return errors.Wrapf(ErrInvalidFeeStructure, "tier %s discount %d/%d", t, d.DiscountNumerator, d.DiscountDenominator)
		}
	}
	r := s.ReferralDiscount
	if r.ReferrerRewardDenominator <= 0 || r.RefereeDiscountDenominator <= 0 ||
		r.ReferrerRewardNumerator < 0 || r.RefereeDiscountNumerator < 0 {
		return errors.Wrap(ErrInvalidFeeStructure, "referral discount")
	}
	return nil
}

// Validate 分母非零
func (s FillerRewardStructure) Validate() error {
	if s.RewardDenominator <= 0 || s.RewardNumerator < 0 || s.TimeBasedRewardLowerBound < 0 {
		return errors.Wrapf(ErrInvalidFeeStructure, "filler reward %d/%d", s.RewardNumerator, s.RewardDenominator)
	}
	return nil
}

// DetermineTier 第一个满足最低持币量的档位
func DetermineTier(balance int64, tiers DiscountTokenTiers) Tier {
	for _, t := range []Tier{TierFirst, TierSecond, TierThird, TierFourth} {
		d, _ := tiers.get(t)
		if balance >= d.MinimumBalance {
			return t
		}
	}
	return TierNone
}

// =============================================================================
// 费用计算
// =============================================================================

// TradeFees 一次市价成交的费用拆分
type TradeFees struct {
	UserFee         int64
	FeeToMarket     int64
	TokenDiscount   int64
	ReferrerReward  int64
	RefereeDiscount int64
}

// OrderFees 一次订单成交的费用拆分
type OrderFees struct {
	TradeFees
	FillerReward int64
}

func tokenDiscount(c *fixedpoint.Calc, fee int64, s Structure, tier Tier) int64 {
	d, ok := s.DiscountTokenTiers.get(tier)
	if !ok {
		return 0
	}
	return c.MulDiv(fee, d.DiscountNumerator, d.DiscountDenominator)
}

func referral(c *fixedpoint.Calc, fee int64, s Structure, hasReferrer bool) (int64, int64) {
	if !hasReferrer {
		return 0, 0
	}
	r := s.ReferralDiscount
	reward := c.MulDiv(fee, r.ReferrerRewardNumerator, r.ReferrerRewardDenominator)
	discount := c.MulDiv(fee, r.RefereeDiscountNumerator, r.RefereeDiscountDenominator)
	return reward, discount
}

// CalculateFeeForTrade 市价开平仓手续费
func CalculateFeeForTrade(quoteAssetAmount int64, s Structure, tier Tier, hasReferrer bool) (TradeFees, error) {
	var c fixedpoint.Calc
	fee := c.MulDiv(quoteAssetAmount, s.FeeNumerator, s.FeeDenominator)
	discount := tokenDiscount(&c, fee, s, tier)
	reward, refereeDiscount := referral(&c, fee, s, hasReferrer)

	userFee := c.SubUnsigned(c.SubUnsigned(fee, discount), refereeDiscount)
	toMarket := c.SubUnsigned(userFee, reward)
	if err := c.Err(); err != nil {
		return TradeFees{}, err
	}
	return TradeFees{
		UserFee:         userFee,
		FeeToMarket:     toMarket,
		TokenDiscount:   discount,
		ReferrerReward:  reward,
		RefereeDiscount: refereeDiscount,
	}, nil
}

// OrderFeeParams 订单成交计费参数
type OrderFeeParams struct {
	QuoteAssetAmount        int64
	QuoteAssetAmountSurplus int64 // maker 限价优于成交价的部分
	Structure               Structure
	FillerReward            FillerRewardStructure
	Tier                    Tier
	HasReferrer             bool
	FillerIsUser            bool
	OrderTs                 int64
	Now                     int64
}

// CalculateFeeForOrder 订单成交手续费
//
// 有 surplus 时用户不付手续费，surplus 即为手续费
func CalculateFeeForOrder(p OrderFeeParams) (OrderFees, error) {
	var c fixedpoint.Calc

	if p.QuoteAssetAmountSurplus != 0 {
		fee := p.QuoteAssetAmountSurplus
		var filler int64
		if !p.FillerIsUser {
			var err error
			if filler, err = CalculateFillerReward(fee, p.OrderTs, p.Now, p.FillerReward); err != nil {
				return OrderFees{}, err
			}
		}
		toMarket := c.SubUnsigned(fee, filler)
		if err := c.Err(); err != nil {
			return OrderFees{}, err
		}
		return OrderFees{TradeFees: TradeFees{FeeToMarket: toMarket}, FillerReward: filler}, nil
	}

	fee := c.MulDiv(p.QuoteAssetAmount, p.Structure.FeeNumerator, p.Structure.FeeDenominator)
	discount := tokenDiscount(&c, fee, p.Structure, p.Tier)
	reward, refereeDiscount := referral(&c, fee, p.Structure, p.HasReferrer)
	userFee := c.SubUnsigned(c.SubUnsigned(fee, discount), refereeDiscount)
	if err := c.Err(); err != nil {
		return OrderFees{}, err
	}

	var filler int64
	if !p.FillerIsUser {
		var err error
		if filler, err = CalculateFillerReward(userFee, p.OrderTs, p.Now, p.FillerReward); err != nil {
			return OrderFees{}, err
		}
	}
	toMarket := c.SubUnsigned(c.SubUnsigned(userFee, filler), reward)
	if err := c.Err(); err != nil {
		return OrderFees{}, err
	}
	return OrderFees{
		TradeFees: TradeFees{
			UserFee:         userFee,
			FeeToMarket:     toMarket,
			TokenDiscount:   discount,
			ReferrerReward:  reward,
			RefereeDiscount: refereeDiscount,
		},
		FillerReward: filler,
	}, nil
}

// CalculateFillerReward min(按手续费比例, 按挂单时长的四次方根)
func CalculateFillerReward(fee, orderTs, now int64, s FillerRewardStructure) (int64, error) {
	var c fixedpoint.Calc
	sizeReward := c.MulDiv(fee, s.RewardNumerator, s.RewardDenominator)

	elapsed := fixedpoint.Max64(1, c.Sub(now, orderTs))
	root := c.Isqrt64(c.Isqrt64(c.Mul(elapsed, 100_000_000)))
	timeReward := c.MulDiv(root, s.TimeBasedRewardLowerBound, 100)
	if err := c.Err(); err != nil {
		return 0, err
	}
	return fixedpoint.Min64(sizeReward, timeReward), nil
}
