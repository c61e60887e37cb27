// 文件: pkg/oracle/simulated.go
// 模拟预言机: 内存价格板 + 时间加权 TWAP
//
// 喂价来源:
// - 测试直接调用 Update
// - keeper 进程通过 NATS 订阅 oracle.price.* 调用 HandleMessage

package oracle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"vamm.com/pkg/fixedpoint"
)

var _ Oracle = (*Simulated)(nil)

const (
	// DefaultTwapWindow TWAP 窗口 (秒)
	DefaultTwapWindow int64 = 3600

	// DefaultMinSamples 至少多少次喂价才算数据充分
	DefaultMinSamples = 1
)

// PriceUpdate 喂价消息 (NATS / Redis 共用)
type PriceUpdate struct {
	Asset      string `json:"asset"`
	Price      int64  `json:"price"`
	Confidence int64  `json:"confidence"`
}

type simPrice struct {
	price   int64
	conf    int64
	ts      int64
	twap    int64
	twapTs  int64
	samples int
}

// Simulated 模拟预言机
type Simulated struct {
	mu         sync.RWMutex
	prices     map[string]*simPrice
	now        func() time.Time
	window     int64
	minSamples int
}

// NewSimulated 创建模拟预言机
func NewSimulated(now func() time.Time) *Simulated {
	if now == nil {
		now = time.Now
	}
	return &Simulated{
		prices:     make(map[string]*simPrice),
		now:        now,
		window:     DefaultTwapWindow,
		minSamples: DefaultMinSamples,
	}
}

// SetMinSamples 设置数据充分的最小喂价次数
func (s *Simulated) SetMinSamples(n int) {
	if n > 0 {
		s.minSamples = n
	}
}

// Update 写入一次喂价
func (s *Simulated) Update(asset string, price, confidence int64) error {
	now := s.now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prices[asset]
	if !ok {
		s.prices[asset] = &simPrice{price: price, conf: confidence, ts: now, twap: price, twapTs: now, samples: 1}
		return nil
	}
	twap, err := UpdateTwap(p.twap, p.twapTs, price, now, s.window)
	if err != nil {
		return err
	}
	p.price, p.conf, p.ts = price, confidence, now
	p.twap, p.twapTs = twap, now
	p.samples++
	return nil
}

// HandleMessage NATS 喂价回调
func (s *Simulated) HandleMessage(_ string, data []byte) error {
	var u PriceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return errors.Wrap(err, "decode price update")
	}
	return s.Update(u.Asset, u.Price, u.Confidence)
}

func (s *Simulated) GetPrice(_ context.Context, asset string) (PriceData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[asset]
	if !ok {
		return PriceData{}, errors.Wrapf(ErrPriceNotFound, "asset %s", asset)
	}
	return PriceData{
		Price:                           p.price,
		Confidence:                      p.conf,
		Delay:                           fixedpoint.Max64(0, s.now().Unix()-p.ts),
		HasSufficientNumberOfDataPoints: p.samples >= s.minSamples,
	}, nil
}

func (s *Simulated) GetTwap(_ context.Context, asset string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[asset]
	if !ok {
		return 0, errors.Wrapf(ErrPriceNotFound, "asset %s", asset)
	}
	return p.twap, nil
}

// UpdateTwap 时间加权: 新值权重 = 距上次更新时间，旧值权重 = 窗口剩余时间，二者至少为 1
func UpdateTwap(prevTwap, prevTs, price, now, window int64) (int64, error) {
	var c fixedpoint.Calc
	sinceLast := fixedpoint.Max64(1, c.Sub(now, prevTs))
	fromStart := fixedpoint.Max64(1, c.Sub(window, sinceLast))
	twap := c.WeightedAverage(price, sinceLast, prevTwap, fromStart)
	return twap, c.Err()
}
