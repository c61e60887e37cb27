package order

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vamm.com/pkg/fee"
	"vamm.com/pkg/vamm"
)

const testMark int64 = 500_000_000_000_000

func newTestAMM() *vamm.AMM {
	return &vamm.AMM{
		BaseAssetReserve:           10_000_000_000_000,
		QuoteAssetReserve:          10_000_000_000_000,
		SqrtK:                      10_000_000_000_000,
		PegMultiplier:              50_000_000,
		FundingPeriod:              3600,
		MinimumQuoteAssetTradeSize: 10_000,
		MinimumBaseAssetTradeSize:  10_000,
	}
}

func limitOrder(dir vamm.Direction, base, price int64) *Order {
	return NewOrder(1, "alice", Params{
		OrderType:       TypeLimit,
		Direction:       dir,
		BaseAssetAmount: base,
		Price:           price,
	}, fee.TierNone, "", 100)
}

func TestParamsValidate(t *testing.T) {
	ok := Params{OrderType: TypeLimit, Direction: vamm.DirectionLong, BaseAssetAmount: 20_000, Price: testMark}
	require.NoError(t, ok.Validate(10_000))

	small := ok
	small.BaseAssetAmount = 5_000
	assert.True(t, errors.Is(small.Validate(10_000), ErrOrderAmountTooSmall))

	noPrice := ok
	noPrice.Price = 0
	assert.True(t, errors.Is(noPrice.Validate(10_000), ErrInvalidOrder))

	trigger := Params{OrderType: TypeTriggerMarket, Direction: vamm.DirectionShort, BaseAssetAmount: 20_000, TriggerPrice: testMark}
	assert.True(t, errors.Is(trigger.Validate(10_000), ErrInvalidOrder), "缺少触发条件")
	trigger.TriggerCondition = TriggerBelow
	require.NoError(t, trigger.Validate(10_000))

	trigger.PostOnly = true
	assert.True(t, errors.Is(trigger.Validate(10_000), ErrInvalidOrder))
}

func TestWouldCross(t *testing.T) {
	assert.True(t, WouldCross(vamm.DirectionLong, testMark+1, testMark))
	assert.False(t, WouldCross(vamm.DirectionLong, testMark-1, testMark))
	assert.True(t, WouldCross(vamm.DirectionShort, testMark-1, testMark))
	assert.False(t, WouldCross(vamm.DirectionShort, testMark+1, testMark))
}

func TestBaseAssetAmountToFillLimit(t *testing.T) {
	amm := newTestAMM()

	o := limitOrder(vamm.DirectionLong, 20_000, 600_000_000_000_000)
	amount, err := BaseAssetAmountToFill(o, amm, testMark)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), amount)

	// 限价低于标记价格，多单无法成交
	o = limitOrder(vamm.DirectionLong, 20_000, 400_000_000_000_000)
	amount, err = BaseAssetAmountToFill(o, amm, testMark)
	require.NoError(t, err)
	assert.Zero(t, amount)

	o = limitOrder(vamm.DirectionShort, 20_000, 400_000_000_000_000)
	amount, err = BaseAssetAmountToFill(o, amm, testMark)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), amount)
}

func TestBaseAssetAmountToFillMergesDust(t *testing.T) {
	amm := newTestAMM()
	// 限价只够成交约 20000，剩余 5000 小于最小成交单位，并入本次
	o := limitOrder(vamm.DirectionLong, 25_000, 500_000_002_000_000)
	amount, err := BaseAssetAmountToFill(o, amm, testMark)
	require.NoError(t, err)
	assert.Equal(t, int64(25_000), amount)
}

func TestBaseAssetAmountToFillTrigger(t *testing.T) {
	amm := newTestAMM()
	o := NewOrder(2, "alice", Params{
		OrderType:        TypeTriggerMarket,
		Direction:        vamm.DirectionShort,
		BaseAssetAmount:  30_000,
		TriggerPrice:     490_000_000_000_000,
		TriggerCondition: TriggerBelow,
	}, fee.TierNone, "", 100)

	amount, err := BaseAssetAmountToFill(o, amm, testMark)
	require.NoError(t, err)
	assert.Zero(t, amount)

	amount, err = BaseAssetAmountToFill(o, amm, 480_000_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(30_000), amount)

	o.BaseAssetAmountFilled = 30_000
	amount, err = BaseAssetAmountToFill(o, amm, 480_000_000_000_000)
	require.NoError(t, err)
	assert.Zero(t, amount)
}

func TestReduceOnlyAmount(t *testing.T) {
	assert.Equal(t, int64(5), ReduceOnlyAmount(vamm.DirectionLong, 10, -5))
	assert.Equal(t, int64(10), ReduceOnlyAmount(vamm.DirectionShort, 10, 50))
	assert.Zero(t, ReduceOnlyAmount(vamm.DirectionLong, 10, 5))
	assert.Zero(t, ReduceOnlyAmount(vamm.DirectionShort, 10, 0))
}

func TestQuoteAssetAmountSurplus(t *testing.T) {
	// 20000 base @ 50000 = 1000 USDC
	surplus, err := QuoteAssetAmountSurplus(vamm.DirectionLong, 990_000_000, 20_000, testMark)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), surplus)

	surplus, err = QuoteAssetAmountSurplus(vamm.DirectionShort, 1_010_000_000, 20_000, testMark)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), surplus)

	surplus, err = QuoteAssetAmountSurplus(vamm.DirectionLong, 1_010_000_000, 20_000, testMark)
	require.NoError(t, err)
	assert.Zero(t, surplus)
}
