// 文件: pkg/oracle/oracle.go
// 预言机抽象: 价格来源接口 + 按市场选择的注册表
//
// 【职责】
// - 只负责"拿到价格"，不负责"信不信这个价格"
// - 是否可信由 guard.go 的护栏判断 (过期/置信区间/波动/偏离)

package oracle

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrUnknownSource = errors.New("unknown oracle source")
	ErrPriceNotFound = errors.New("oracle price not found")
	ErrInvalidOracle = errors.New("invalid oracle")
)

// =============================================================================
// 价格来源类型
// =============================================================================

// Source 预言机类型，按市场配置
type Source int8

const (
	SourceLive      Source = iota + 1 // 实时喂价 (Redis 价格板)
	SourceSimulated                   // 模拟价格 (内存，NATS 喂价)
	SourceFixed                       // 固定价格 (测试/冷启动)
)

func (s Source) String() string {
	switch s {
	case SourceLive:
		return "LIVE"
	case SourceSimulated:
		return "SIMULATED"
	case SourceFixed:
		return "FIXED"
	default:
		return "UNKNOWN"
	}
}

// ParseSource 从配置字符串解析
func ParseSource(s string) (Source, error) {
	switch s {
	case "live", "LIVE":
		return SourceLive, nil
	case "simulated", "SIMULATED":
		return SourceSimulated, nil
	case "fixed", "FIXED":
		return SourceFixed, nil
	}
	return 0, errors.Wrapf(ErrUnknownSource, "%q", s)
}

// =============================================================================
// PriceData - 一次喂价
// =============================================================================

// PriceData 预言机返回的价格快照
//
// Price/Confidence 使用 MarkPricePrecision (1e10)
// Delay 为距离最近一次喂价的秒数
type PriceData struct {
	Price                           int64 `json:"price"`
	Confidence                      int64 `json:"confidence"`
	Delay                           int64 `json:"delay"`
	HasSufficientNumberOfDataPoints bool  `json:"has_sufficient_number_of_data_points"`
}

// Oracle 价格来源接口
//
// 可能返回过期或低置信度的数据，调用方必须先用 IsValid 判断
type Oracle interface {
	GetPrice(ctx context.Context, asset string) (PriceData, error)
	GetTwap(ctx context.Context, asset string) (int64, error)
}

// =============================================================================
// Registry - 按 Source 选择实现
// =============================================================================

// Registry 预言机注册表
type Registry struct {
	mu      sync.RWMutex
	sources map[Source]Oracle
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{sources: make(map[Source]Oracle)}
}

// Register 注册某类来源的实现
func (r *Registry) Register(source Source, o Oracle) *Registry {
	r.mu.Lock()
	r.sources[source] = o
	r.mu.Unlock()
	return r
}

// Get 获取某类来源
func (r *Registry) Get(source Source) (Oracle, error) {
	r.mu.RLock()
	o, ok := r.sources[source]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSource, "source %s not registered", source)
	}
	return o, nil
}

// GetPrice 按来源取价
func (r *Registry) GetPrice(ctx context.Context, source Source, asset string) (PriceData, error) {
	o, err := r.Get(source)
	if err != nil {
		return PriceData{}, err
	}
	return o.GetPrice(ctx, asset)
}

// GetTwap 按来源取 TWAP
func (r *Registry) GetTwap(ctx context.Context, source Source, asset string) (int64, error) {
	o, err := r.Get(source)
	if err != nil {
		return 0, err
	}
	return o.GetTwap(ctx, asset)
}
