// 文件: pkg/alert/manager.go
// 告警分发 + 内存冷却 + NATS 下游

package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vamm.com/pkg/liquidation"
)

// DefaultSubject 告警消息主题
const DefaultSubject = "vamm.alert.margin"

// =============================================================================
// Manager
// =============================================================================

type Manager struct {
	dedup    Deduper
	sinks    []Sink
	minLevel liquidation.RiskLevel
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager minLevel 以下的用户不告警
func NewManager(dedup Deduper, minLevel liquidation.RiskLevel, logger *zap.Logger, sinks ...Sink) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dedup:    dedup,
		sinks:    sinks,
		minLevel: minLevel,
		logger:   logger.Named("alert"),
		now:      time.Now,
	}
}

// Observe 签名与 liquidation.Observer 一致，直接挂到强平引擎上
func (m *Manager) Observe(ctx context.Context, users []liquidation.UserRiskData) {
	m.Notify(ctx, users)
}

// Notify 返回实际发出的告警数；冷却判断失败时照常告警
func (m *Manager) Notify(ctx context.Context, users []liquidation.UserRiskData) int {
	sent := 0
	for _, u := range users {
		if u.Level < m.minLevel {
			continue
		}
		allowed, err := m.dedup.Allow(ctx, u)
		if err != nil {
			m.logger.Warn("alert dedup failed", zap.String("authority", u.Authority), zap.Error(err))
			allowed = true
		}
		if !allowed {
			continue
		}

		a := NewMarginAlert(u, m.now())
		m.logger.Info("margin alert",
			zap.String("authority", a.Authority),
			zap.String("level", a.Level),
			zap.Float64("risk_ratio", a.RiskRatio))
		for _, s := range m.sinks {
			if err := s.Send(ctx, a); err != nil {
				m.logger.Warn("alert send failed", zap.String("authority", a.Authority), zap.Error(err))
			}
		}
		sent++
	}
	return sent
}

// =============================================================================
// 内存冷却
// =============================================================================

var _ Deduper = (*MemoryDeduper)(nil)

type dedupKey struct {
	authority string
	level     liquidation.RiskLevel
}

// MemoryDeduper 单进程冷却，多实例部署用 RedisDeduper
type MemoryDeduper struct {
	mu       sync.Mutex
	cooldown time.Duration
	now      func() time.Time
	until    map[dedupKey]time.Time
}

func NewMemoryDeduper(cooldown time.Duration, now func() time.Time) *MemoryDeduper {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryDeduper{cooldown: cooldown, now: now, until: make(map[dedupKey]time.Time)}
}

func (d *MemoryDeduper) Allow(_ context.Context, u liquidation.UserRiskData) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	key := dedupKey{u.Authority, u.Level}
	if until, ok := d.until[key]; ok && now.Before(until) {
		return false, nil
	}
	d.until[key] = now.Add(d.cooldown)

	// 顺手清理过期项
	for k, until := range d.until {
		if !now.Before(until) {
			delete(d.until, k)
		}
	}
	return true, nil
}

// =============================================================================
// NATS 下游
// =============================================================================

// Publisher pkg/nats.Publisher 满足
type Publisher interface {
	Publish(subject string, data any) error
}

var _ Sink = (*PublisherSink)(nil)

type PublisherSink struct {
	pub     Publisher
	subject string
}

func NewPublisherSink(pub Publisher, subject string) *PublisherSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &PublisherSink{pub: pub, subject: subject}
}

func (s *PublisherSink) Send(_ context.Context, a MarginAlert) error {
	return s.pub.Publish(s.subject, a)
}
