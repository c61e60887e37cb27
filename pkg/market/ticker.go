// 文件: pkg/market/ticker.go
// 模拟喂价生成器
//
// 几何布朗运动 (GBM) 生成价格，输出 oracle.PriceUpdate (1e10 精度)，
// 供 simulate 命令和 feed 命令驱动模拟预言机 / 实时价格板。

package market

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/oracle"
)

const (
	// DefaultVolatility 年化波动率 50%
	DefaultVolatility = 0.5
	// DefaultConfidenceBps 置信区间默认为价格的 0.1%
	DefaultConfidenceBps = 10
	outBuffer            = 100
	year                 = 365 * 24 * time.Hour
)

// Ticker 单个资产的价格生成器
type Ticker struct {
	Asset         string
	Interval      time.Duration
	Volatility    float64
	ConfidenceBps int64

	mu    sync.Mutex
	price float64
	rng   *rand.Rand

	stopOnce sync.Once
	stopChan chan struct{}
	outChan  chan oracle.PriceUpdate
}

// NewTicker startPrice 为美元价格，seed 相同则价格序列相同
func NewTicker(asset string, startPrice float64, interval time.Duration, seed int64) *Ticker {
	return &Ticker{
		Asset:         asset,
		Interval:      interval,
		Volatility:    DefaultVolatility,
		ConfidenceBps: DefaultConfidenceBps,
		price:         startPrice,
		rng:           rand.New(rand.NewSource(seed)),
		stopChan:      make(chan struct{}),
		outChan:       make(chan oracle.PriceUpdate, outBuffer),
	}
}

// Price 当前美元价格
func (t *Ticker) Price() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.price
}

// Step 推进 dt 生成下一个价格
//
//	S_new = S * exp(-0.5*σ²*dt + σ*sqrt(dt)*Z)，dt 按年计
func (t *Ticker) Step(dt time.Duration) oracle.PriceUpdate {
	years := float64(dt) / float64(year)
	if years <= 0 {
		years = 1e-9
	}

	t.mu.Lock()
	sigma := t.Volatility
	z := t.rng.NormFloat64()
	t.price *= math.Exp(-0.5*sigma*sigma*years + sigma*math.Sqrt(years)*z)
	price := t.price
	t.mu.Unlock()

	return t.update(price)
}

// Shock 价格按比例跳变，模拟插针
func (t *Ticker) Shock(factor float64) oracle.PriceUpdate {
	t.mu.Lock()
	t.price *= factor
	price := t.price
	t.mu.Unlock()
	return t.update(price)
}

func (t *Ticker) update(price float64) oracle.PriceUpdate {
	p := ToMarkPrecision(price)
	return oracle.PriceUpdate{
		Asset:      t.Asset,
		Price:      p,
		Confidence: p * t.ConfidenceBps / 10_000,
	}
}

// ToMarkPrecision 美元价格转 1e10 精度，至少为 1
func ToMarkPrecision(price float64) int64 {
	p := int64(math.Round(price * float64(fixedpoint.MarkPricePrecision)))
	return fixedpoint.Max64(1, p)
}

// Start 后台按 Interval 生成价格，返回只读通道
func (t *Ticker) Start() <-chan oracle.PriceUpdate {
	go t.loop()
	return t.outChan
}

// Stop 可重复调用
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

func (t *Ticker) loop() {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	defer close(t.outChan)

	last := time.Now()
	for {
		select {
		case <-t.stopChan:
			return
		case now := <-ticker.C:
			u := t.Step(now.Sub(last))
			last = now
			// 下游慢时丢弃，旧价格没有价值
			select {
			case t.outChan <- u:
			default:
			}
		}
	}
}
