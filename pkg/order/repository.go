// 文件: pkg/order/repository.go
// 订单查询接口，GormRepository 与内存存储实现
package order

import "context"

// Repository 订单查询接口
type Repository interface {
	GetByOrderID(ctx context.Context, orderID int64) (*Order, error)
	ListOpenByAuthority(ctx context.Context, authority string) ([]*Order, error)
	ListOpen(ctx context.Context) ([]*Order, error)
}
