// 文件: pkg/futures/cache_repo.go
// 清算所 Redis 缓存层
//
// 【设计模式】装饰器模式 (Decorator Pattern)
// - 包装底层 Store，透明添加缓存能力
// - 只缓存读多写少的全局状态和市场
//
// 【缓存策略】
// - 读: 先查 Redis，miss 则查底层并用 SETNX 回填
// - 写: 先提交底层，成功后覆盖缓存 (Write Through)
// 回填用 SETNX，提交用 SET，并发读回填的旧值不会覆盖提交写入的新值

package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vamm.com/pkg/order"
)

// 确保实现了接口
var _ Store = (*CachedStore)(nil)

const (
	cacheKeyPrefix = "vamm:"

	// 全局状态: vamm:state
	cacheKeyState = cacheKeyPrefix + "state"

	// 单个市场: vamm:market:{index}
	cacheKeyMarket = cacheKeyPrefix + "market:%d"

	cacheTTL = 10 * time.Minute
)

// CachedStore Redis 缓存装饰器
type CachedStore struct {
	Store
	redis  *redis.Client
	logger *zap.Logger
}

// NewCachedStore 创建带缓存的 Store
//
// 用法:
//
//	gormStore := NewGormStore(db)
//	store := NewCachedStore(gormStore, redisClient, logger)
func NewCachedStore(store Store, rds *redis.Client, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{Store: store, redis: rds, logger: logger}
}

// =============================================================================
// 读操作 (带缓存)
// =============================================================================

func (s *CachedStore) LoadState(ctx context.Context) (*State, error) {
	var st State
	if s.get(ctx, cacheKeyState, &st) {
		return &st, nil
	}
	loaded, err := s.Store.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, cacheKeyState, loaded)
	return loaded, nil
}

func (s *CachedStore) LoadMarket(ctx context.Context, marketIndex uint64) (*Market, error) {
	key := fmt.Sprintf(cacheKeyMarket, marketIndex)
	var m Market
	if s.get(ctx, key, &m) {
		return &m, nil
	}
	loaded, err := s.Store.LoadMarket(ctx, marketIndex)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, loaded)
	return loaded, nil
}

// LoadOrder 订单不缓存
func (s *CachedStore) LoadOrder(ctx context.Context, orderID int64) (*order.Order, error) {
	return s.Store.LoadOrder(ctx, orderID)
}

// =============================================================================
// 写操作 (提交 + 覆盖缓存)
// =============================================================================

func (s *CachedStore) Commit(ctx context.Context, cs *Changeset) error {
	if err := s.Store.Commit(ctx, cs); err != nil {
		return err
	}
	if cs.State != nil {
		s.overwrite(ctx, cacheKeyState, cs.State)
	}
	for _, m := range cs.Markets {
		s.overwrite(ctx, fmt.Sprintf(cacheKeyMarket, m.MarketIndex), m)
	}
	return nil
}

// =============================================================================
// 缓存操作
// =============================================================================

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.redis.SetNX(ctx, key, data, cacheTTL).Err(); err != nil {
		s.logger.Debug("fill cache failed", zap.String("key", key), zap.Error(err))
	}
}

// overwrite 提交后写入新值，失败则删除，都失败只能等 TTL
func (s *CachedStore) overwrite(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err == nil {
		err = s.redis.Set(ctx, key, data, cacheTTL).Err()
	}
	if err == nil {
		return
	}
	if delErr := s.redis.Del(ctx, key).Err(); delErr != nil {
		s.logger.Error("cache left stale", zap.String("key", key), zap.Error(err), zap.NamedError("del_error", delErr))
	}
}
