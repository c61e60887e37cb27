package vamm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/oracle"
)

// 1e7 个 base，价格 50000
func newTestAMM() *AMM {
	return &AMM{
		BaseAssetReserve:           10_000_000_000_000,
		QuoteAssetReserve:          10_000_000_000_000,
		SqrtK:                      10_000_000_000_000,
		PegMultiplier:              50_000_000,
		FundingPeriod:              3600,
		LastMarkPriceTwap:          500_000_000_000_000,
		LastMarkPriceTwapTs:        1000,
		MinimumQuoteAssetTradeSize: 10_000,
		MinimumBaseAssetTradeSize:  10_000,
	}
}

func TestMarkPrice(t *testing.T) {
	a := newTestAMM()
	price, err := a.MarkPrice()
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000_000_000), price)
}

func TestSwapQuoteAssetLong(t *testing.T) {
	a := newTestAMM()
	delta, err := a.SwapQuoteAsset(1_000_000_000, SwapAdd, 1000, 0)
	require.NoError(t, err)

	// 1000 USDC / 50000 = 0.02
	assert.Equal(t, int64(20_000), delta)
	assert.Equal(t, int64(10_000_000_020_000), a.QuoteAssetReserve)
	assert.Equal(t, int64(9_999_999_980_000), a.BaseAssetReserve)

	// 不变量只会因截断变小
	var c fixedpoint.Calc
	product := c.WideMul(c.Wide(a.BaseAssetReserve), c.Wide(a.QuoteAssetReserve))
	require.NoError(t, c.Err())
	assert.False(t, product.Gt(c.Square(a.SqrtK)))
}

func TestSwapQuoteAssetShort(t *testing.T) {
	a := newTestAMM()
	delta, err := a.SwapQuoteAsset(1_000_000_000, SwapRemove, 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-20_000), delta)
}

func TestSwapQuoteAssetTooSmall(t *testing.T) {
	a := newTestAMM()
	_, err := a.SwapQuoteAsset(100, SwapAdd, 1000, 0)
	assert.True(t, errors.Is(err, ErrTradeSizeTooSmall))
}

func TestSwapRoundTrip(t *testing.T) {
	a := newTestAMM()
	delta, err := a.SwapQuoteAsset(1_000_000_000, SwapAdd, 1000, 0)
	require.NoError(t, err)

	quote, err := a.SwapBaseAsset(delta, SwapAdd, 1000)
	require.NoError(t, err)
	assert.LessOrEqual(t, quote, int64(1_000_000_000))
	assert.Equal(t, int64(1_000_000_000), quote)
	assert.Equal(t, int64(10_000_000_000_000), a.BaseAssetReserve)
	assert.Equal(t, int64(10_000_000_000_000), a.QuoteAssetReserve)
}

func TestSwapDrainsReserve(t *testing.T) {
	a := newTestAMM()
	_, err := a.SwapBaseAsset(a.BaseAssetReserve, SwapRemove, 1000)
	assert.True(t, errors.Is(err, ErrInvalidReserves))
}

func TestBaseAssetValueAndPnl(t *testing.T) {
	a := newTestAMM()

	value, pnl, err := a.BaseAssetValueAndPnl(20_000, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), value)
	assert.Equal(t, int64(0), pnl)

	// 空头从池子里拿 base 需多付一个储备单位，再减 1
	value, pnl, err = a.BaseAssetValueAndPnl(-20_000, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_050_000), value)
	assert.Equal(t, int64(-50_001), pnl)

	value, pnl, err = a.BaseAssetValueAndPnl(0, 0)
	require.NoError(t, err)
	assert.Zero(t, value)
	assert.Zero(t, pnl)
}

func TestCalculatePnl(t *testing.T) {
	pnl, err := CalculatePnl(110, 100, SwapAdd)
	require.NoError(t, err)
	assert.Equal(t, int64(10), pnl)

	pnl, err = CalculatePnl(90, 100, SwapRemove)
	require.NoError(t, err)
	assert.Equal(t, int64(9), pnl)
}

func TestOracleValuationAndSlippage(t *testing.T) {
	value, pnl, err := BaseAssetValueAndPnlWithOraclePrice(20_000, 1_000_000_000, 550_000_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1_100_000_000), value)
	assert.Equal(t, int64(100_000_000), pnl)

	slippage, err := CalculateSlippage(990_000_000, 20_000, 500_000_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(-5_000_000_000_000), slippage)

	pct, err := SlippagePct(slippage, 500_000_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, -fixedpoint.MarkPricePrecision/100, pct)

	entry, err := EntryPrice(1_000_000_000, -20_000)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000_000_000), entry)
}

func TestShouldRoundTrade(t *testing.T) {
	a := newTestAMM()
	round, err := a.ShouldRoundTrade(1_000_000_000, 1_000_000_100)
	require.NoError(t, err)
	assert.True(t, round)

	round, err = a.ShouldRoundTrade(1_000_000_000, 2_000_000_000)
	require.NoError(t, err)
	assert.False(t, round)
}

func TestMaxBaseAssetAmountToTrade(t *testing.T) {
	a := newTestAMM()
	mark, err := a.MarkPrice()
	require.NoError(t, err)

	amount, dir, err := a.MaxBaseAssetAmountToTrade(mark)
	require.NoError(t, err)
	assert.Zero(t, amount)
	assert.Equal(t, DirectionLong, dir)

	amount, dir, err = a.MaxBaseAssetAmountToTrade(mark * 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000_000_000), amount)
	assert.Equal(t, DirectionLong, dir)

	amount, dir, err = a.MaxBaseAssetAmountToTrade(mark / 4)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000_000_000), amount)
	assert.Equal(t, DirectionShort, dir)

	_, _, err = a.MaxBaseAssetAmountToTrade(0)
	assert.True(t, errors.Is(err, ErrInvalidLimitPrice))
}

func TestTwap(t *testing.T) {
	a := newTestAMM()
	twap, err := a.UpdateMarkTwap(1000+3600, 600_000_000_000_000)
	require.NoError(t, err)
	assert.Greater(t, twap, int64(599_900_000_000_000))
	assert.Less(t, twap, int64(600_000_000_000_000))
	assert.Equal(t, int64(4600), a.LastMarkPriceTwapTs)

	// 同一秒内再次更新，新值权重至少为 1
	twap2, err := a.UpdateMarkTwap(4600, 500_000_000_000_000)
	require.NoError(t, err)
	assert.Less(t, twap2, twap)
}

func TestNormaliseOraclePrice(t *testing.T) {
	a := newTestAMM()
	p, err := a.NormaliseOraclePrice(oracle.PriceData{Price: 600_000_000_000_000, Confidence: 10_000_000_000_000}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(590_000_000_000_000), p)

	p, err = a.NormaliseOraclePrice(oracle.PriceData{Price: 400_000_000_000_000, Confidence: 10_000_000_000_000}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(410_000_000_000_000), p)

	// 置信区间覆盖标记价格时取标记价格
	p, err = a.NormaliseOraclePrice(oracle.PriceData{Price: 510_000_000_000_000, Confidence: 20_000_000_000_000}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000_000_000), p)
}

func TestMarkTwapSpreadPct(t *testing.T) {
	a := newTestAMM()
	pct, err := a.MarkTwapSpreadPct(550_000_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.MarkPricePrecision/10, pct)
}
