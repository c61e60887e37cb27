// 文件: pkg/fund/repo.go
// 流水仓储 (gorm，MySQL / PostgreSQL)

package fund

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository Writer 落库目标
type Repository interface {
	// Append 在一个事务内写入流水并累加余额
	Append(ctx context.Context, entries []LedgerEntry) error
}

var _ Repository = (*LedgerRepo)(nil)

type LedgerRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLedgerRepo(db *gorm.DB) *LedgerRepo {
	return &LedgerRepo{db: db, now: time.Now}
}

// AutoMigrate 建表
func (r *LedgerRepo) AutoMigrate(ctx context.Context) error {
	return errors.Wrap(r.db.WithContext(ctx).AutoMigrate(&LedgerEntry{}, &AccountBalance{}), "migrate ledger")
}

func (r *LedgerRepo) Append(ctx context.Context, entries []LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	deltas := BalanceDeltas(entries)
	now := r.now().Unix()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(entries, 500).Error; err != nil {
			return errors.Wrap(err, "insert ledger entries")
		}
		for _, d := range deltas {
			d.UpdatedAt = now
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "account"}, {Name: "authority"}},
				DoUpdates: clause.Assignments(map[string]any{
					"balance":    gorm.Expr(AccountBalance{}.TableName()+".balance + ?", d.Balance),
					"updated_at": now,
				}),
			}).Create(&d).Error
			if err != nil {
				return errors.Wrapf(err, "upsert balance %s/%s", d.Account, d.Authority)
			}
		}
		return nil
	})
}

// Balances 全部账户余额
func (r *LedgerRepo) Balances(ctx context.Context) ([]AccountBalance, error) {
	var out []AccountBalance
	err := r.db.WithContext(ctx).Order("account, authority").Find(&out).Error
	return out, errors.Wrap(err, "list balances")
}

// Entries 最近的流水，authority 为空时不过滤
func (r *LedgerRepo) Entries(ctx context.Context, authority string, limit int) ([]LedgerEntry, error) {
	q := r.db.WithContext(ctx).Order("id DESC")
	if authority != "" {
		q = q.Where("authority = ?", authority)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []LedgerEntry
	return out, errors.Wrap(q.Find(&out).Error, "list ledger entries")
}
