package fee

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetermineTier(t *testing.T) {
	tiers := DefaultStructure().DiscountTokenTiers
	tests := []struct {
		balance int64
		want    Tier
	}{
		{0, TierNone},
		{999_999_999, TierNone},
		{1_000_000_000, TierFourth},
		{10_000_000_000, TierThird},
		{150_000_000_000, TierSecond},
		{5_000_000_000_000, TierFirst},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetermineTier(tt.balance, tiers), "balance=%d", tt.balance)
	}
}

func TestCalculateFeeForTrade(t *testing.T) {
	s := DefaultStructure()

	fees, err := CalculateFeeForTrade(1_000_000, s, TierNone, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), fees.UserFee)
	assert.Equal(t, int64(1000), fees.FeeToMarket)

	// 10% 档位: 1000 的手续费折扣 100
	fees, err = CalculateFeeForTrade(1_000_000, s, TierThird, false)
	require.NoError(t, err)
	assert.Equal(t, int64(100), fees.TokenDiscount)
	assert.Equal(t, int64(900), fees.UserFee)

	fees, err = CalculateFeeForTrade(1_000_000, s, TierNone, true)
	require.NoError(t, err)
	assert.Equal(t, int64(50), fees.ReferrerReward)
	assert.Equal(t, int64(50), fees.RefereeDiscount)
	assert.Equal(t, int64(950), fees.UserFee)
	assert.Equal(t, int64(900), fees.FeeToMarket)
}

func TestCalculateFillerReward(t *testing.T) {
	s := DefaultFillerRewardStructure()

	// 小额: 按比例
	r, err := CalculateFillerReward(1000, 100, 101, s)
	require.NoError(t, err)
	assert.Equal(t, int64(100), r)

	// 大额刚挂单: 按时间下限
	r, err = CalculateFillerReward(1_000_000_000, 100, 100, s)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), r)

	r, err = CalculateFillerReward(1_000_000_000, 0, 10_000, s)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), r)
}

func TestCalculateFeeForOrder(t *testing.T) {
	p := OrderFeeParams{
		QuoteAssetAmount: 1_000_000,
		Structure:        DefaultStructure(),
		FillerReward:     DefaultFillerRewardStructure(),
		OrderTs:          100,
		Now:              101,
	}

	fees, err := CalculateFeeForOrder(p)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), fees.UserFee)
	assert.Equal(t, int64(100), fees.FillerReward)
	assert.Equal(t, int64(900), fees.FeeToMarket)

	p.FillerIsUser = true
	fees, err = CalculateFeeForOrder(p)
	require.NoError(t, err)
	assert.Zero(t, fees.FillerReward)
	assert.Equal(t, int64(1000), fees.FeeToMarket)

	// maker surplus 路径
	p.FillerIsUser = false
	p.QuoteAssetAmountSurplus = 5000
	fees, err = CalculateFeeForOrder(p)
	require.NoError(t, err)
	assert.Zero(t, fees.UserFee)
	assert.Equal(t, int64(500), fees.FillerReward)
	assert.Equal(t, int64(4500), fees.FeeToMarket)
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultStructure().Validate())
	require.NoError(t, DefaultFillerRewardStructure().Validate())

	s := DefaultStructure()
	s.FeeDenominator = 0
	assert.True(t, errors.Is(s.Validate(), ErrInvalidFeeStructure))

	s = DefaultStructure()
	s.DiscountTokenTiers.Second.DiscountNumerator = 200
	assert.True(t, errors.Is(s.Validate(), ErrInvalidFeeStructure))
}
