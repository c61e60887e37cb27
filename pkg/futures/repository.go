// 文件: pkg/futures/repository.go
// 清算所存储接口
//
// 【设计模式】Repository Pattern
// - 读: 每次返回独立副本，调用方可以随意修改
// - 写: 一次操作的全部变更打包成 Changeset，Commit 原子提交
// - 实现: MemoryStore / GormStore (MySQL, Postgres) / CachedStore (Redis 装饰器)

package futures

import (
	"context"

	"vamm.com/pkg/order"
)

// Store 清算所存储
type Store interface {
	// LoadState 未初始化返回 ErrStateNotInitialized
	LoadState(ctx context.Context) (*State, error)

	// LoadMarket 不存在返回 ErrMarketNotFound
	LoadMarket(ctx context.Context, marketIndex uint64) (*Market, error)
	ListMarkets(ctx context.Context) ([]*Market, error)

	// LoadUser 不存在返回 ErrUserNotFound
	LoadUser(ctx context.Context, authority string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	LoadPositions(ctx context.Context, authority string) ([]*Position, error)

	// LoadOrder 不存在返回 order.ErrOrderNotFound
	LoadOrder(ctx context.Context, orderID int64) (*order.Order, error)
	// ListOpenOrders authority 为空时返回全部挂单
	ListOpenOrders(ctx context.Context, authority string) ([]*order.Order, error)

	HistoryLen(ctx context.Context, kind RecordKind) (int64, error)
	History(ctx context.Context, kind RecordKind, offset, limit int) ([]Record, error)

	// Commit 原子提交，同时为 Records 分配 RecordID
	Commit(ctx context.Context, cs *Changeset) error
}

// Changeset 一次操作的全部变更
type Changeset struct {
	State     *State
	Markets   []*Market
	Users     []*User
	Positions []*Position
	Orders    []*order.Order
	Records   []Record
}

func (c *Changeset) Empty() bool {
	return c.State == nil && len(c.Markets) == 0 && len(c.Users) == 0 &&
		len(c.Positions) == 0 && len(c.Orders) == 0 && len(c.Records) == 0
}
