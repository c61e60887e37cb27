// 文件: pkg/futures/txn.go
// 操作事务: 读到的实体都是副本，改完再一次性提交
//
// 【规则】
// - 修改实体前必须持有它的锁，否则返回 ErrLockNotHeld
// - 历史记录和金库转账先缓存，Commit 成功后才对外可见
// - 任意一步出错，整个 txn 直接丢弃

package futures

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"vamm.com/pkg/order"
)

type txn struct {
	ctx   context.Context
	store Store
	locks *heldLocks
	now   int64

	state      *State
	stateDirty bool

	markets      map[uint64]*Market
	dirtyMarkets map[uint64]bool

	users      map[string]*User
	dirtyUsers map[string]bool

	positions      map[string]map[uint64]*Position
	dirtyPositions map[positionKey]*Position

	orders      map[int64]*order.Order
	dirtyOrders map[int64]bool

	records   []Record
	transfers []VaultTransfer
}

func newTxn(ctx context.Context, store Store, locks *heldLocks, now int64) *txn {
	return &txn{
		ctx:            ctx,
		store:          store,
		locks:          locks,
		now:            now,
		markets:        make(map[uint64]*Market),
		dirtyMarkets:   make(map[uint64]bool),
		users:          make(map[string]*User),
		dirtyUsers:     make(map[string]bool),
		positions:      make(map[string]map[uint64]*Position),
		dirtyPositions: make(map[positionKey]*Position),
		orders:         make(map[int64]*order.Order),
		dirtyOrders:    make(map[int64]bool),
	}
}

// =============================================================================
// State
// =============================================================================

func (tx *txn) loadState() (*State, error) {
	if tx.state == nil {
		st, err := tx.store.LoadState(tx.ctx)
		if err != nil {
			return nil, err
		}
		tx.state = st
	}
	return tx.state, nil
}

func (tx *txn) stateForUpdate() (*State, error) {
	if !tx.locks.state {
		return nil, errors.Wrap(ErrLockNotHeld, "state")
	}
	st, err := tx.loadState()
	if err != nil {
		return nil, err
	}
	tx.stateDirty = true
	return st, nil
}

// putState 初始化全局状态
func (tx *txn) putState(st *State) error {
	if !tx.locks.state {
		return errors.Wrap(ErrLockNotHeld, "state")
	}
	tx.state = st
	tx.stateDirty = true
	return nil
}

// =============================================================================
// Market
// =============================================================================

// market 只读访问，未初始化的市场返回 ErrMarketNotInitialized
func (tx *txn) market(marketIndex uint64) (*Market, error) {
	m, ok := tx.markets[marketIndex]
	if !ok {
		var err error
		if m, err = tx.store.LoadMarket(tx.ctx, marketIndex); err != nil {
			if errors.Is(err, ErrMarketNotFound) {
				return nil, errors.Wrapf(ErrMarketNotInitialized, "market %d", marketIndex)
			}
			return nil, err
		}
		tx.markets[marketIndex] = m
	}
	if !m.Initialized {
		return nil, errors.Wrapf(ErrMarketNotInitialized, "market %d", marketIndex)
	}
	return m, nil
}

func (tx *txn) marketForUpdate(marketIndex uint64) (*Market, error) {
	if !tx.locks.hasMarket(marketIndex) {
		return nil, errors.Wrapf(ErrLockNotHeld, "market %d", marketIndex)
	}
	m, err := tx.market(marketIndex)
	if err != nil {
		return nil, err
	}
	tx.dirtyMarkets[marketIndex] = true
	return m, nil
}

// putMarket 新建市场
func (tx *txn) putMarket(m *Market) error {
	if !tx.locks.hasMarket(m.MarketIndex) {
		return errors.Wrapf(ErrLockNotHeld, "market %d", m.MarketIndex)
	}
	tx.markets[m.MarketIndex] = m
	tx.dirtyMarkets[m.MarketIndex] = true
	return nil
}

// =============================================================================
// User / Position
// =============================================================================

func (tx *txn) user(authority string) (*User, error) {
	if u, ok := tx.users[authority]; ok {
		return u, nil
	}
	u, err := tx.store.LoadUser(tx.ctx, authority)
	if err != nil {
		return nil, err
	}
	tx.users[authority] = u
	return u, nil
}

func (tx *txn) userForUpdate(authority string) (*User, error) {
	if !tx.locks.hasUser(authority) {
		return nil, errors.Wrapf(ErrLockNotHeld, "user %s", authority)
	}
	u, err := tx.user(authority)
	if err != nil {
		return nil, err
	}
	tx.dirtyUsers[authority] = true
	return u, nil
}

// putUser 新建用户
func (tx *txn) putUser(u *User) error {
	if !tx.locks.hasUser(u.Authority) {
		return errors.Wrapf(ErrLockNotHeld, "user %s", u.Authority)
	}
	tx.users[u.Authority] = u
	tx.dirtyUsers[u.Authority] = true
	return nil
}

func (tx *txn) userPositions(authority string) (map[uint64]*Position, error) {
	if ps, ok := tx.positions[authority]; ok {
		return ps, nil
	}
	list, err := tx.store.LoadPositions(tx.ctx, authority)
	if err != nil {
		return nil, err
	}
	ps := make(map[uint64]*Position, len(list))
	for _, p := range list {
		ps[p.MarketIndex] = p
	}
	tx.positions[authority] = ps
	return ps, nil
}

// openPositions 有仓位的持仓，按市场编号排序
func (tx *txn) openPositions(authority string) ([]*Position, error) {
	ps, err := tx.userPositions(authority)
	if err != nil {
		return nil, err
	}
	out := make([]*Position, 0, len(ps))
	for _, p := range ps {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketIndex < out[j].MarketIndex })
	return out, nil
}

// positionForUpdate 不存在时创建空持仓
func (tx *txn) positionForUpdate(authority string, marketIndex uint64) (*Position, error) {
	if !tx.locks.hasUser(authority) {
		return nil, errors.Wrapf(ErrLockNotHeld, "user %s", authority)
	}
	ps, err := tx.userPositions(authority)
	if err != nil {
		return nil, err
	}
	p, ok := ps[marketIndex]
	if !ok {
		p = &Position{Authority: authority, MarketIndex: marketIndex}
		ps[marketIndex] = p
	}
	tx.dirtyPositions[p.key()] = p
	return p, nil
}

// =============================================================================
// Order
// =============================================================================

func (tx *txn) order(orderID int64) (*order.Order, error) {
	if o, ok := tx.orders[orderID]; ok {
		return o, nil
	}
	o, err := tx.store.LoadOrder(tx.ctx, orderID)
	if err != nil {
		return nil, err
	}
	tx.orders[orderID] = o
	return o, nil
}

// orderForUpdate 订单跟随所属用户的锁
func (tx *txn) orderForUpdate(orderID int64) (*order.Order, error) {
	o, err := tx.order(orderID)
	if err != nil {
		return nil, err
	}
	if !tx.locks.hasUser(o.Authority) {
		return nil, errors.Wrapf(ErrLockNotHeld, "order %d owner %s", orderID, o.Authority)
	}
	tx.dirtyOrders[orderID] = true
	return o, nil
}

func (tx *txn) putOrder(o *order.Order) error {
	if !tx.locks.hasUser(o.Authority) {
		return errors.Wrapf(ErrLockNotHeld, "order owner %s", o.Authority)
	}
	tx.orders[o.OrderID] = o
	tx.dirtyOrders[o.OrderID] = true
	return nil
}

// =============================================================================
// 记录 / 转账
// =============================================================================

// record 追加历史记录，时间戳取操作时间
func (tx *txn) record(r Record) {
	r.Header().Ts = tx.now
	tx.records = append(tx.records, r)
}

func (tx *txn) transfer(t VaultTransfer) {
	t.Ts = tx.now
	tx.transfers = append(tx.transfers, t)
}

// changeset 汇总全部变更，顺序固定便于测试
func (tx *txn) changeset() *Changeset {
	cs := &Changeset{Records: tx.records}
	if tx.stateDirty {
		cs.State = tx.state
	}
	for idx := range tx.dirtyMarkets {
		cs.Markets = append(cs.Markets, tx.markets[idx])
	}
	sort.Slice(cs.Markets, func(i, j int) bool { return cs.Markets[i].MarketIndex < cs.Markets[j].MarketIndex })

	for a := range tx.dirtyUsers {
		cs.Users = append(cs.Users, tx.users[a])
	}
	sort.Slice(cs.Users, func(i, j int) bool { return cs.Users[i].Authority < cs.Users[j].Authority })

	for _, p := range tx.dirtyPositions {
		cs.Positions = append(cs.Positions, p)
	}
	sort.Slice(cs.Positions, func(i, j int) bool {
		if cs.Positions[i].Authority != cs.Positions[j].Authority {
			return cs.Positions[i].Authority < cs.Positions[j].Authority
		}
		return cs.Positions[i].MarketIndex < cs.Positions[j].MarketIndex
	})

	for id := range tx.dirtyOrders {
		cs.Orders = append(cs.Orders, tx.orders[id])
	}
	sort.Slice(cs.Orders, func(i, j int) bool { return cs.Orders[i].OrderID < cs.Orders[j].OrderID })
	return cs
}
