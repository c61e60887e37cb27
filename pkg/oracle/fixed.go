// 文件: pkg/oracle/fixed.go
// 固定价格预言机，测试和冷启动使用

package oracle

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var _ Oracle = (*Fixed)(nil)

// Fixed 固定价格预言机，价格永远新鲜
type Fixed struct {
	mu     sync.RWMutex
	prices map[string]PriceData
}

// NewFixed 创建固定价格预言机
func NewFixed() *Fixed {
	return &Fixed{prices: make(map[string]PriceData)}
}

// Set 设置某资产价格
func (f *Fixed) Set(asset string, price, confidence int64) *Fixed {
	f.mu.Lock()
	f.prices[asset] = PriceData{
		Price:                           price,
		Confidence:                      confidence,
		HasSufficientNumberOfDataPoints: true,
	}
	f.mu.Unlock()
	return f
}

// SetData 直接设置完整数据 (可以构造过期/低置信度场景)
func (f *Fixed) SetData(asset string, data PriceData) *Fixed {
	f.mu.Lock()
	f.prices[asset] = data
	f.mu.Unlock()
	return f
}

func (f *Fixed) GetPrice(_ context.Context, asset string) (PriceData, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.prices[asset]
	if !ok {
		return PriceData{}, errors.Wrapf(ErrPriceNotFound, "asset %s", asset)
	}
	return d, nil
}

func (f *Fixed) GetTwap(ctx context.Context, asset string) (int64, error) {
	d, err := f.GetPrice(ctx, asset)
	if err != nil {
		return 0, err
	}
	return d.Price, nil
}
