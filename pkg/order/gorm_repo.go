// 文件: pkg/order/gorm_repo.go
// 订单 GORM 存储 (MySQL / Postgres 通用)

package order

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ Repository = (*GormRepository)(nil)

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// WithTx 在外部事务里复用
func (r *GormRepository) WithTx(tx *gorm.DB) *GormRepository {
	return &GormRepository{db: tx}
}

func (r *GormRepository) GetByOrderID(ctx context.Context, orderID int64) (*Order, error) {
	var o Order
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *GormRepository) ListOpenByAuthority(ctx context.Context, authority string) ([]*Order, error) {
	var orders []*Order
	err := r.db.WithContext(ctx).
		Where("authority = ? AND status = ?", authority, StatusOpen).
		Order("ts ASC, order_id ASC").
		Find(&orders).Error
	return orders, err
}

func (r *GormRepository) ListOpen(ctx context.Context) ([]*Order, error) {
	var orders []*Order
	err := r.db.WithContext(ctx).
		Where("status = ?", StatusOpen).
		Order("ts ASC, order_id ASC").
		Find(&orders).Error
	return orders, err
}

// Save 批量写入，主键冲突时整行覆盖
func (r *GormRepository) Save(ctx context.Context, orders []*Order) error {
	if len(orders) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&orders).Error
}
