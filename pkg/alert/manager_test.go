package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vamm.com/pkg/liquidation"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []MarginAlert
	err    error
}

func (s *captureSink) Send(_ context.Context, a MarginAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, a)
	return nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func user(authority string, level liquidation.RiskLevel, ratio float64) liquidation.UserRiskData {
	return liquidation.UserRiskData{Authority: authority, Level: level, RiskRatio: ratio, MarginRatio: 700, Markets: []uint64{0}}
}

func TestMemoryDeduperCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	d := NewMemoryDeduper(time.Minute, clock.Now)
	ctx := context.Background()

	ok, err := d.Allow(ctx, user("alice", liquidation.RiskLevelDanger, 0.85))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = d.Allow(ctx, user("alice", liquidation.RiskLevelDanger, 0.86))
	assert.False(t, ok, "same level within cooldown")

	ok, _ = d.Allow(ctx, user("alice", liquidation.RiskLevelCritical, 0.95))
	assert.True(t, ok, "escalation alerts immediately")

	ok, _ = d.Allow(ctx, user("bob", liquidation.RiskLevelDanger, 0.85))
	assert.True(t, ok)

	clock.now = clock.now.Add(time.Minute)
	ok, _ = d.Allow(ctx, user("alice", liquidation.RiskLevelDanger, 0.85))
	assert.True(t, ok, "cooldown expired")
}

func TestManagerNotify(t *testing.T) {
	sink := &captureSink{}
	broken := &captureSink{err: errors.New("nats down")}
	m := NewManager(NewMemoryDeduper(time.Minute, nil), liquidation.RiskLevelDanger, nil, broken, sink)
	ctx := context.Background()

	users := []liquidation.UserRiskData{
		user("alice", liquidation.RiskLevelCritical, 0.95),
		user("bob", liquidation.RiskLevelWarning, 0.75),
		user("carol", liquidation.RiskLevelDanger, 0.82),
	}
	assert.Equal(t, 2, m.Notify(ctx, users))
	require.Len(t, sink.alerts, 2)
	assert.Equal(t, "alice", sink.alerts[0].Authority)
	assert.Equal(t, "CRITICAL", sink.alerts[0].Level)
	assert.Equal(t, int64(700), sink.alerts[0].MarginRatio)
	assert.Equal(t, "carol", sink.alerts[1].Authority)

	// 冷却期内不重复
	m.Observe(ctx, users)
	assert.Len(t, sink.alerts, 2)
}

type failingDeduper struct{}

func (failingDeduper) Allow(context.Context, liquidation.UserRiskData) (bool, error) {
	return false, errors.New("redis down")
}

func TestManagerAlertsWhenDedupFails(t *testing.T) {
	sink := &captureSink{}
	m := NewManager(failingDeduper{}, liquidation.RiskLevelWarning, nil, sink)
	assert.Equal(t, 1, m.Notify(context.Background(), []liquidation.UserRiskData{user("alice", liquidation.RiskLevelWarning, 0.7)}))
	assert.Len(t, sink.alerts, 1)
}

type capturePublisher struct {
	subject string
	data    any
}

func (p *capturePublisher) Publish(subject string, data any) error {
	p.subject, p.data = subject, data
	return nil
}

func TestPublisherSink(t *testing.T) {
	pub := &capturePublisher{}
	s := NewPublisherSink(pub, "")
	a := NewMarginAlert(user("alice", liquidation.RiskLevelCritical, 0.95), time.Unix(10, 0))
	require.NoError(t, s.Send(context.Background(), a))
	assert.Equal(t, DefaultSubject, pub.subject)
	assert.Equal(t, a, pub.data)
	assert.Equal(t, int64(10), a.Ts)
}
