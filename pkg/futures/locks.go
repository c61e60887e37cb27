// 文件: pkg/futures/locks.go
// 实体锁: 用户 / 市场 / 全局状态
//
// 【加锁顺序】用户 (按 authority 排序) → 市场 (按 index 排序) → 全局状态
// 所有操作都按这个顺序加锁，不会死锁。
// 锁用容量为 1 的 channel 实现，等待时可以被 ctx 取消。

package futures

import (
	"context"
	"sort"
	"sync"
)

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// keyedLocks 按 key 加锁，不再使用的 key 自动回收
type keyedLocks[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*lockEntry
}

func newKeyedLocks[K comparable]() *keyedLocks[K] {
	return &keyedLocks[K]{entries: make(map[K]*lockEntry)}
}

func (l *keyedLocks[K]) acquire(ctx context.Context, key K) error {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, false)
		return ctx.Err()
	}
}

func (l *keyedLocks[K]) release(key K, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	if held {
		<-e.ch
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// lockTable 清算所全部实体锁
type lockTable struct {
	users   *keyedLocks[string]
	markets *keyedLocks[uint64]
	state   chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{
		users:   newKeyedLocks[string](),
		markets: newKeyedLocks[uint64](),
		state:   make(chan struct{}, 1),
	}
}

// heldLocks 一次操作持有的锁，按相反顺序释放
type heldLocks struct {
	t       *lockTable
	users   []string
	markets []uint64
	state   bool
}

func (t *lockTable) begin() *heldLocks {
	return &heldLocks{t: t}
}

// lockUsers 去重排序后依次加锁，必须在 lockMarkets 之前调用
func (h *heldLocks) lockUsers(ctx context.Context, authorities []string) error {
	keys := uniqueSorted(authorities, func(a, b string) bool { return a < b })
	for _, k := range keys {
		if err := h.t.users.acquire(ctx, k); err != nil {
			return err
		}
		h.users = append(h.users, k)
	}
	return nil
}

func (h *heldLocks) lockMarkets(ctx context.Context, indexes []uint64) error {
	keys := uniqueSorted(indexes, func(a, b uint64) bool { return a < b })
	for _, k := range keys {
		if err := h.t.markets.acquire(ctx, k); err != nil {
			return err
		}
		h.markets = append(h.markets, k)
	}
	return nil
}

func (h *heldLocks) lockState(ctx context.Context) error {
	select {
	case h.t.state <- struct{}{}:
		h.state = true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *heldLocks) unlock() {
	if h.state {
		<-h.t.state
		h.state = false
	}
	for i := len(h.markets) - 1; i >= 0; i-- {
		h.t.markets.release(h.markets[i], true)
	}
	for i := len(h.users) - 1; i >= 0; i-- {
		h.t.users.release(h.users[i], true)
	}
	h.markets, h.users = nil, nil
}

func (h *heldLocks) hasUser(authority string) bool {
	for _, u := range h.users {
		if u == authority {
			return true
		}
	}
	return false
}

func (h *heldLocks) hasMarket(marketIndex uint64) bool {
	for _, m := range h.markets {
		if m == marketIndex {
			return true
		}
	}
	return false
}

func uniqueSorted[K comparable](keys []K, less func(a, b K) bool) []K {
	seen := make(map[K]struct{}, len(keys))
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
