// 文件: pkg/market/broadcaster.go
// 喂价扇出: 一个生成器，多个订阅者 (NATS 发布、Redis 价格板、本地预言机)
//
// 订阅者之间互相隔离，通道满了直接丢弃，不阻塞生成器。

package market

import (
	"sync"

	"vamm.com/pkg/metrics"
	"vamm.com/pkg/oracle"
)

const subscriberBuffer = 1024

type Broadcaster struct {
	// Broadcast 读多，Subscribe/Close 写少
	mu          sync.RWMutex
	subscribers []chan oracle.PriceUpdate
	closed      bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe 已关闭时返回一个关闭的通道
func (b *Broadcaster) Subscribe() <-chan oracle.PriceUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan oracle.PriceUpdate, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Broadcast 返回成功投递的订阅者数
func (b *Broadcaster) Broadcast(u oracle.PriceUpdate) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subscribers {
		select {
		case ch <- u:
			delivered++
		default:
			metrics.FeedUpdatesDropped.Inc()
		}
	}
	return delivered
}

// Run 把 src 的价格全部广播，src 关闭后关闭广播器
func (b *Broadcaster) Run(src <-chan oracle.PriceUpdate) {
	for u := range src {
		b.Broadcast(u)
	}
	b.Close()
}

// Close 关闭所有订阅通道，可重复调用
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
