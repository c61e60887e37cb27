package vamm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vamm.com/pkg/oracle"
)

func longSkewedAMM(t *testing.T) (*AMM, int64) {
	a := newTestAMM()
	net, err := a.SwapQuoteAsset(1_000_000_000, SwapAdd, 1000, 0)
	require.NoError(t, err)
	return a, net
}

func TestTerminalPrice(t *testing.T) {
	a := newTestAMM()
	p, err := a.TerminalPrice(0)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000_000_000), p)

	a, net := longSkewedAMM(t)
	mark, err := a.MarkPrice()
	require.NoError(t, err)
	assert.Greater(t, mark, int64(500_000_000_000_000))

	p, err = a.TerminalPrice(net)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000_000_000), p)
}

func TestRepegRedundant(t *testing.T) {
	a := newTestAMM()
	_, err := a.Repeg(0, a.PegMultiplier, oracle.PriceData{}, false)
	assert.True(t, errors.Is(err, ErrInvalidRepegRedundant))
}

func TestRepegCostAgainstFeePool(t *testing.T) {
	a, net := longSkewedAMM(t)

	// 多头占优时调高 peg，用户获利，手续费池为空则拒绝
	_, err := a.Repeg(net, 55_000_000, oracle.PriceData{}, false)
	assert.True(t, errors.Is(err, ErrInvalidRepegProfitability))
	assert.Equal(t, int64(50_000_000), a.PegMultiplier)

	a.TotalFee = 2_000_000_000
	a.TotalFeeMinusDistributions = 2_000_000_000
	cost, err := a.Repeg(net, 55_000_000, oracle.PriceData{}, false)
	require.NoError(t, err)
	assert.Greater(t, cost, int64(0))
	assert.Equal(t, int64(55_000_000), a.PegMultiplier)
	assert.Equal(t, 2_000_000_000-cost, a.TotalFeeMinusDistributions)
	assert.GreaterOrEqual(t, a.TotalFeeMinusDistributions, a.TotalFee/2)

	// 调低 peg，用户亏损，手续费池增加
	before := a.TotalFeeMinusDistributions
	cost, err = a.Repeg(net, 50_000_000, oracle.PriceData{}, false)
	require.NoError(t, err)
	assert.Less(t, cost, int64(0))
	assert.Equal(t, before-cost, a.TotalFeeMinusDistributions)
}

func TestRepegOracleChecks(t *testing.T) {
	a, net := longSkewedAMM(t)
	a.TotalFee = 10_000_000_000
	a.TotalFeeMinusDistributions = 10_000_000_000

	data := oracle.PriceData{Price: 550_000_000_000_000}

	// 终端价格越过预言机，方向错误
	_, err := a.Repeg(net, 60_000_000, data, true)
	assert.True(t, errors.Is(err, ErrInvalidRepegDirection))

	_, err = a.Repeg(net, 55_000_000, data, true)
	require.NoError(t, err)
	terminal, err := a.TerminalPrice(net)
	require.NoError(t, err)
	assert.Equal(t, data.Price, terminal)
}

func TestValidateKDecrease(t *testing.T) {
	require.NoError(t, ValidateKDecrease(1000, 980))
	require.NoError(t, ValidateKDecrease(1000, 2000))
	assert.True(t, errors.Is(ValidateKDecrease(1000, 974), ErrInvalidUpdateK))
}

func TestUpdateK(t *testing.T) {
	a := newTestAMM()
	cost, err := a.UpdateK(0, 20_000_000_000_000)
	require.NoError(t, err)
	assert.Zero(t, cost)
	assert.Equal(t, int64(20_000_000_000_000), a.SqrtK)
	assert.Equal(t, int64(20_000_000_000_000), a.BaseAssetReserve)
	assert.Equal(t, int64(20_000_000_000_000), a.QuoteAssetReserve)

	mark, err := a.MarkPrice()
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000_000_000), mark)

	_, err = a.UpdateK(0, 10_000_000_000_000)
	assert.True(t, errors.Is(err, ErrInvalidUpdateK))
	assert.Equal(t, int64(20_000_000_000_000), a.SqrtK)
}

func TestAdjustKCostLeavesReceiverUntouched(t *testing.T) {
	a, net := longSkewedAMM(t)
	before := *a
	adjusted, cost, err := a.AdjustKCost(net, 20_000_000_000_000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cost, int64(0))
	assert.Equal(t, before, *a)
	assert.Equal(t, int64(20_000_000_000_000), adjusted.SqrtK)
}

func TestMovePrice(t *testing.T) {
	a := newTestAMM()
	require.NoError(t, a.MovePrice(20_000_000_000_000, 5_000_000_000_000))
	assert.Equal(t, int64(10_000_000_000_000), a.SqrtK)

	mark, err := a.MarkPrice()
	require.NoError(t, err)
	assert.Equal(t, int64(125_000_000_000_000), mark)

	assert.True(t, errors.Is(a.MovePrice(0, 1), ErrInvalidMovePrice))
}

func TestMoveToPrice(t *testing.T) {
	a := newTestAMM()
	require.NoError(t, a.MoveToPrice(2_000_000_000_000_000))
	assert.Equal(t, int64(5_000_000_000_000), a.BaseAssetReserve)
	assert.Equal(t, int64(20_000_000_000_000), a.QuoteAssetReserve)

	mark, err := a.MarkPrice()
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000_000_000_000), mark)
}
