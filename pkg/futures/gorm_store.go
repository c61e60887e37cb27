// 文件: pkg/futures/gorm_store.go
// GORM 存储实现 (MySQL / Postgres)
//
// 【设计】
// - Commit 在一个数据库事务里完成全部写入
// - 实体用 upsert (ON CONFLICT UPDATE ALL)
// - 历史编号由 vamm_history_counters 行锁分配，保证每类严格递增

package futures

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"vamm.com/pkg/order"
)

var _ Store = (*GormStore)(nil)

// HistoryCounter 每类历史记录的当前长度
type HistoryCounter struct {
	Kind   RecordKind `gorm:"column:kind;primaryKey;type:varchar(32)"`
	Length int64      `gorm:"column:length"`
}

func (HistoryCounter) TableName() string {
	return "vamm_history_counters"
}

// GormStore GORM 实现
type GormStore struct {
	db     *gorm.DB
	orders *order.GormRepository
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, orders: order.NewGormRepository(db)}
}

// OpenDB 按驱动名打开数据库: mysql / postgres
func OpenDB(driver, dsn string, silent bool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported driver %q", driver)
	}
	cfg := &gorm.Config{}
	if silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}
	return db, nil
}

// AutoMigrate 建表
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	models := []any{&State{}, &Market{}, &User{}, &Position{}, &order.Order{}, &HistoryCounter{}}
	models = append(models, historyModels()...)
	return s.db.WithContext(ctx).AutoMigrate(models...)
}

// =============================================================================
// 读
// =============================================================================

func notFound(err error, sentinel error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(sentinel, format, args...)
	}
	return err
}

func (s *GormStore) LoadState(ctx context.Context) (*State, error) {
	var st State
	if err := s.db.WithContext(ctx).Where("id = ?", stateRowID).First(&st).Error; err != nil {
		return nil, notFound(err, ErrStateNotInitialized, "state")
	}
	return &st, nil
}

func (s *GormStore) LoadMarket(ctx context.Context, marketIndex uint64) (*Market, error) {
	var m Market
	if err := s.db.WithContext(ctx).Where("market_index = ?", marketIndex).First(&m).Error; err != nil {
		return nil, notFound(err, ErrMarketNotFound, "market %d", marketIndex)
	}
	return &m, nil
}

func (s *GormStore) ListMarkets(ctx context.Context) ([]*Market, error) {
	var markets []*Market
	err := s.db.WithContext(ctx).Order("market_index ASC").Find(&markets).Error
	return markets, err
}

func (s *GormStore) LoadUser(ctx context.Context, authority string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("authority = ?", authority).First(&u).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound, "user %s", authority)
	}
	return &u, nil
}

func (s *GormStore) ListUsers(ctx context.Context) ([]*User, error) {
	var users []*User
	err := s.db.WithContext(ctx).Order("authority ASC").Find(&users).Error
	return users, err
}

func (s *GormStore) LoadPositions(ctx context.Context, authority string) ([]*Position, error) {
	var positions []*Position
	err := s.db.WithContext(ctx).
		Where("authority = ?", authority).
		Order("market_index ASC").
		Find(&positions).Error
	return positions, err
}

func (s *GormStore) LoadOrder(ctx context.Context, orderID int64) (*order.Order, error) {
	return s.orders.GetByOrderID(ctx, orderID)
}

func (s *GormStore) ListOpenOrders(ctx context.Context, authority string) ([]*order.Order, error) {
	if authority == "" {
		return s.orders.ListOpen(ctx)
	}
	return s.orders.ListOpenByAuthority(ctx, authority)
}

func (s *GormStore) HistoryLen(ctx context.Context, kind RecordKind) (int64, error) {
	var ctr HistoryCounter
	err := s.db.WithContext(ctx).Where("kind = ?", kind).First(&ctr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return ctr.Length, err
}

func (s *GormStore) History(ctx context.Context, kind RecordKind, offset, limit int) ([]Record, error) {
	dest, convert := newRecordSlice(kind)
	if dest == nil {
		return nil, errors.Wrapf(ErrInvalidParameter, "record kind %s", kind)
	}
	q := s.db.WithContext(ctx).Order("record_id ASC").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(dest).Error; err != nil {
		return nil, err
	}
	return convert(), nil
}

// =============================================================================
// 写
// =============================================================================

func (s *GormStore) Commit(ctx context.Context, cs *Changeset) error {
	if cs.Empty() {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := tx.Clauses(clause.OnConflict{UpdateAll: true})

		if cs.State != nil {
			if err := upsert.Create(cs.State).Error; err != nil {
				return errors.Wrap(err, "save state")
			}
		}
		if len(cs.Markets) > 0 {
			if err := upsert.Create(&cs.Markets).Error; err != nil {
				return errors.Wrap(err, "save markets")
			}
		}
		if len(cs.Users) > 0 {
			if err := upsert.Create(&cs.Users).Error; err != nil {
				return errors.Wrap(err, "save users")
			}
		}
		if len(cs.Positions) > 0 {
			if err := upsert.Create(&cs.Positions).Error; err != nil {
				return errors.Wrap(err, "save positions")
			}
		}
		if err := s.orders.WithTx(tx).Save(ctx, cs.Orders); err != nil {
			return errors.Wrap(err, "save orders")
		}
		return appendHistory(tx, cs.Records)
	})
}

// appendHistory 按类型加行锁分配编号后写入
func appendHistory(tx *gorm.DB, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	counters := make(map[RecordKind]*HistoryCounter)
	for _, r := range records {
		kind := r.Kind()
		ctr, ok := counters[kind]
		if !ok {
			ctr = &HistoryCounter{Kind: kind}
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("kind = ?", kind).First(ctr).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(err, "lock %s counter", kind)
			}
			counters[kind] = ctr
		}
		ctr.Length++
		r.Header().RecordID = ctr.Length
		if err := tx.Create(r).Error; err != nil {
			return errors.Wrapf(err, "append %s record", kind)
		}
	}
	for _, ctr := range counters {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(ctr).Error; err != nil {
			return errors.Wrapf(err, "save %s counter", ctr.Kind)
		}
	}
	return nil
}
