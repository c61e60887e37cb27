package oracle

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vamm.com/pkg/fixedpoint"
)

const testPrice = 50_000 * fixedpoint.MarkPricePrecision

func goodData() PriceData {
	return PriceData{
		Price:                           testPrice,
		Confidence:                      testPrice / 100,
		Delay:                           3,
		HasSufficientNumberOfDataPoints: true,
	}
}

func TestIsValid(t *testing.T) {
	rails := DefaultGuardRails().Validity

	tests := []struct {
		name  string
		data  func() PriceData
		twap  int64
		valid bool
	}{
		{"fresh", goodData, testPrice, true},
		{"stale", func() PriceData { d := goodData(); d.Delay = 1001; return d }, testPrice, false},
		{"non positive", func() PriceData { d := goodData(); d.Price = 0; return d }, testPrice, false},
		{"wide confidence", func() PriceData { d := goodData(); d.Confidence = testPrice / 3; return d }, testPrice, false},
		{"insufficient data", func() PriceData { d := goodData(); d.HasSufficientNumberOfDataPoints = false; return d }, testPrice, false},
		{"too volatile", goodData, testPrice / 6, false},
		{"volatile but within ratio", goodData, testPrice / 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := IsValid(tt.data(), tt.twap, rails)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, ok)
		})
	}
}

func TestDivergence(t *testing.T) {
	rails := DefaultGuardRails().PriceDivergence

	pct, err := SpreadPct(testPrice*105/100, testPrice)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.MarkPricePrecision/20, pct)

	too, err := IsMarkTooDivergent(pct, rails)
	require.NoError(t, err)
	assert.False(t, too, "5% < 10%")

	useOracle, err := UseOraclePriceForMargin(pct, rails)
	require.NoError(t, err)
	assert.False(t, useOracle, "5% >= 10%/3")

	pct, err = SpreadPct(testPrice*88/100, testPrice)
	require.NoError(t, err)
	too, err = IsMarkTooDivergent(pct, rails)
	require.NoError(t, err)
	assert.True(t, too)

	useOracle, err = UseOraclePriceForMargin(fixedpoint.MarkPricePrecision/100, rails)
	require.NoError(t, err)
	assert.True(t, useOracle)
}

func TestGetStatusBlock(t *testing.T) {
	rails := DefaultGuardRails()

	st, err := GetStatus(goodData(), testPrice, testPrice, rails)
	require.NoError(t, err)
	assert.True(t, st.IsValid)
	assert.False(t, st.BlockOperation())

	st, err = GetStatus(goodData(), testPrice*2, testPrice, rails)
	require.NoError(t, err)
	assert.True(t, st.TooDivergent)
	assert.True(t, st.BlockOperation())

	bad := goodData()
	bad.Price = -1
	st, err = GetStatus(bad, testPrice, testPrice, rails)
	require.NoError(t, err)
	assert.True(t, st.BlockOperation())
}

func TestRegistry(t *testing.T) {
	fixed := NewFixed().Set("BTC", testPrice, 1)
	reg := NewRegistry().Register(SourceFixed, fixed)

	d, err := reg.GetPrice(context.Background(), SourceFixed, "BTC")
	require.NoError(t, err)
	assert.Equal(t, testPrice, d.Price)

	_, err = reg.GetPrice(context.Background(), SourceLive, "BTC")
	assert.True(t, errors.Is(err, ErrUnknownSource))

	_, err = reg.GetTwap(context.Background(), SourceFixed, "ETH")
	assert.True(t, errors.Is(err, ErrPriceNotFound))

	s, err := ParseSource("simulated")
	require.NoError(t, err)
	assert.Equal(t, SourceSimulated, s)
	_, err = ParseSource("pyth")
	assert.Error(t, err)
}

func TestSimulatedTwapAndDelay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sim := NewSimulated(func() time.Time { return now })

	require.NoError(t, sim.Update("BTC", 100, 1))
	twap, err := sim.GetTwap(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(100), twap)

	// 1800 秒后价格翻倍: 权重 1800 vs 1800
	now = now.Add(1800 * time.Second)
	require.NoError(t, sim.Update("BTC", 200, 1))
	twap, err = sim.GetTwap(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(150), twap)

	now = now.Add(10 * time.Second)
	d, err := sim.GetPrice(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, int64(200), d.Price)
	assert.Equal(t, int64(10), d.Delay)
	assert.True(t, d.HasSufficientNumberOfDataPoints)

	msg, _ := json.Marshal(PriceUpdate{Asset: "ETH", Price: 3000, Confidence: 2})
	require.NoError(t, sim.HandleMessage("oracle.price.ETH", msg))
	d, err = sim.GetPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), d.Price)

	assert.Error(t, sim.HandleMessage("oracle.price.ETH", []byte("{")))
}

func TestUpdateTwapWeightsFloorAtOne(t *testing.T) {
	// 同一秒内更新: sinceLast 视为 1
	twap, err := UpdateTwap(100, 10, 200, 10, 3600)
	require.NoError(t, err)
	assert.Equal(t, int64(100), twap) // (200*1 + 100*3599)/3600 = 100.02 -> 100

	// 超过窗口: fromStart 视为 1
	twap, err = UpdateTwap(100, 0, 200, 10_000, 3600)
	require.NoError(t, err)
	assert.Equal(t, int64(199), twap)
}

func TestLiveOracle(t *testing.T) {
	addr := os.Getenv("VAMM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VAMM_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())
	defer rdb.Del(ctx, "oracle:price:TESTLIVE")

	now := time.Unix(1_700_000_000, 0)
	live := NewLive(rdb, func() time.Time { return now })

	require.NoError(t, live.Write(ctx, PriceUpdate{Asset: "TESTLIVE", Price: 100, Confidence: 1}))
	now = now.Add(1800 * time.Second)
	require.NoError(t, live.Write(ctx, PriceUpdate{Asset: "TESTLIVE", Price: 200, Confidence: 1}))

	d, err := live.GetPrice(ctx, "TESTLIVE")
	require.NoError(t, err)
	assert.Equal(t, int64(200), d.Price)
	assert.Equal(t, int64(0), d.Delay)

	twap, err := live.GetTwap(ctx, "TESTLIVE")
	require.NoError(t, err)
	assert.Equal(t, int64(150), twap)
}
