// 文件: pkg/futures/memory_store.go
// 内存存储: 单进程部署和测试使用

package futures

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"vamm.com/pkg/order"
)

var _ Store = (*MemoryStore)(nil)

type MemoryStore struct {
	mu        sync.RWMutex
	state     *State
	markets   map[uint64]*Market
	users     map[string]*User
	positions map[positionKey]*Position
	orders    map[int64]*order.Order
	history   map[RecordKind][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[uint64]*Market),
		users:     make(map[string]*User),
		positions: make(map[positionKey]*Position),
		orders:    make(map[int64]*order.Order),
		history:   make(map[RecordKind][]Record),
	}
}

func (s *MemoryStore) LoadState(_ context.Context) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil, ErrStateNotInitialized
	}
	return s.state.Clone(), nil
}

func (s *MemoryStore) LoadMarket(_ context.Context, marketIndex uint64) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[marketIndex]
	if !ok {
		return nil, errors.Wrapf(ErrMarketNotFound, "market %d", marketIndex)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketIndex < out[j].MarketIndex })
	return out, nil
}

func (s *MemoryStore) LoadUser(_ context.Context, authority string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[authority]
	if !ok {
		return nil, errors.Wrapf(ErrUserNotFound, "user %s", authority)
	}
	return u.Clone(), nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Authority < out[j].Authority })
	return out, nil
}

func (s *MemoryStore) LoadPositions(_ context.Context, authority string) ([]*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Position
	for k, p := range s.positions {
		if k.authority == authority {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketIndex < out[j].MarketIndex })
	return out, nil
}

func (s *MemoryStore) LoadOrder(_ context.Context, orderID int64) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, errors.Wrapf(order.ErrOrderNotFound, "order %d", orderID)
	}
	c := *o
	return &c, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, authority string) ([]*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*order.Order
	for _, o := range s.orders {
		if o.IsOpen() && (authority == "" || o.Authority == authority) {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ts != out[j].Ts {
			return out[i].Ts < out[j].Ts
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out, nil
}

func (s *MemoryStore) HistoryLen(_ context.Context, kind RecordKind) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.history[kind])), nil
}

func (s *MemoryStore) History(_ context.Context, kind RecordKind, offset, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.history[kind]
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Record, end-offset)
	copy(out, all[offset:end])
	return out, nil
}

func (s *MemoryStore) Commit(_ context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cs.State != nil {
		s.state = cs.State.Clone()
	}
	for _, m := range cs.Markets {
		s.markets[m.MarketIndex] = m.Clone()
	}
	for _, u := range cs.Users {
		s.users[u.Authority] = u.Clone()
	}
	for _, p := range cs.Positions {
		s.positions[p.key()] = p.Clone()
	}
	for _, o := range cs.Orders {
		c := *o
		s.orders[o.OrderID] = &c
	}
	for _, r := range cs.Records {
		kind := r.Kind()
		r.Header().RecordID = int64(len(s.history[kind])) + 1
		s.history[kind] = append(s.history[kind], r)
	}
	return nil
}
