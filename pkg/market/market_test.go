package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vamm.com/pkg/oracle"
)

func TestTickerDeterministic(t *testing.T) {
	a := NewTicker("SOL/USD", 50, time.Second, 42)
	b := NewTicker("SOL/USD", 50, time.Second, 42)
	for i := 0; i < 20; i++ {
		ua := a.Step(time.Hour)
		ub := b.Step(time.Hour)
		require.Equal(t, ua, ub)
		assert.Positive(t, ua.Price)
		assert.Equal(t, ua.Price*DefaultConfidenceBps/10_000, ua.Confidence)
		assert.Equal(t, "SOL/USD", ua.Asset)
	}
}

func TestTickerShock(t *testing.T) {
	tk := NewTicker("SOL/USD", 50, time.Second, 1)
	u := tk.Shock(0.8)
	assert.Equal(t, int64(400_000_000_000), u.Price)
	assert.InDelta(t, 40.0, tk.Price(), 1e-9)
}

func TestToMarkPrecision(t *testing.T) {
	assert.Equal(t, int64(500_000_000_000), ToMarkPrecision(50))
	assert.Equal(t, int64(1), ToMarkPrecision(0))
	assert.Equal(t, int64(1), ToMarkPrecision(-3))
}

func TestTickerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	tk := NewTicker("SOL/USD", 50, time.Millisecond, 7)
	out := tk.Start()
	select {
	case u := <-out:
		assert.Positive(t, u.Price)
	case <-time.After(time.Second):
		t.Fatal("no price update")
	}
	tk.Stop()
	tk.Stop()
	for range out {
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster()
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	u := oracle.PriceUpdate{Asset: "SOL/USD", Price: 1}
	assert.Equal(t, 2, b.Broadcast(u))
	assert.Equal(t, u, <-s1)
	assert.Equal(t, u, <-s2)

	b.Close()
	b.Close()
	_, ok := <-s1
	assert.False(t, ok)

	late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	assert.Equal(t, 0, b.Broadcast(u))
}

func TestBroadcasterDropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe()
	for i := 0; i < subscriberBuffer; i++ {
		require.Equal(t, 1, b.Broadcast(oracle.PriceUpdate{Price: int64(i + 1)}))
	}
	assert.Equal(t, 0, b.Broadcast(oracle.PriceUpdate{Price: -1}))
	assert.Len(t, slow, subscriberBuffer)
	b.Close()
}

func TestBroadcasterRun(t *testing.T) {
	src := make(chan oracle.PriceUpdate, 2)
	b := NewBroadcaster()
	sub := b.Subscribe()
	src <- oracle.PriceUpdate{Price: 1}
	src <- oracle.PriceUpdate{Price: 2}
	close(src)
	b.Run(src)

	var got []int64
	for u := range sub {
		got = append(got, u.Price)
	}
	assert.Equal(t, []int64{1, 2}, got)
}

// BenchmarkTickerStep 关注 allocs/op，应为 0
func BenchmarkTickerStep(b *testing.B) {
	tk := NewTicker("SOL/USD", 50, time.Second, 1)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = tk.Step(time.Second)
	}
}

func BenchmarkBroadcast(b *testing.B) {
	bc := NewBroadcaster()
	subs := make([]<-chan oracle.PriceUpdate, 8)
	for i := range subs {
		subs[i] = bc.Subscribe()
	}
	for _, ch := range subs {
		go func(ch <-chan oracle.PriceUpdate) {
			for range ch {
			}
		}(ch)
	}
	defer bc.Close()

	u := oracle.PriceUpdate{Asset: "SOL/USD", Price: 500_000_000_000}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bc.Broadcast(u)
	}
}
