// 文件: cmd/clearinghouse/app.go
// 按配置装配清算所: 存储、预言机、金库、历史导出

package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vamm.com/pkg/alert"
	"vamm.com/pkg/conf"
	"vamm.com/pkg/futures"
	"vamm.com/pkg/kafka"
	"vamm.com/pkg/liquidation"
	"vamm.com/pkg/nats"
	"vamm.com/pkg/oracle"
	"vamm.com/pkg/order"
)

// app 装配完成的组件，close 按创建的逆序释放
type app struct {
	cfg    *conf.Config
	logger *zap.Logger

	ch     *futures.ClearingHouse
	store  futures.Store
	fixed  *oracle.Fixed
	sim    *oracle.Simulated
	redis  *redis.Client
	pub    *nats.Publisher
	vault  *futures.MemoryVault
	closes []func()
}

func (a *app) close() {
	for i := len(a.closes) - 1; i >= 0; i-- {
		a.closes[i]()
	}
}

func (a *app) redisClient() *redis.Client {
	if a.redis == nil && a.cfg.Redis.Address != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Address,
			Username: a.cfg.Redis.Username,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		rdb := a.redis
		a.closes = append(a.closes, func() { _ = rdb.Close() })
	}
	return a.redis
}

// openStore memory / mysql / postgres，可选 Redis 缓存
func (a *app) openStore(ctx context.Context) (futures.Store, error) {
	var store futures.Store
	switch a.cfg.Store.Driver {
	case "memory":
		store = futures.NewMemoryStore()
	default:
		db, err := futures.OpenDB(a.cfg.Store.Driver, a.cfg.Store.DSN, a.cfg.Store.SilentSQL)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closes = append(a.closes, func() { _ = sqlDB.Close() })
		}
		store = futures.NewGormStore(db)
	}

	if a.cfg.Redis.CacheStore {
		rdb := a.redisClient()
		if rdb == nil {
			return nil, errors.New("redis cache_store requires redis.address")
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrap(err, "ping redis")
		}
		store = futures.NewCachedStore(store, rdb, a.logger)
	}
	return store, nil
}

// oracles 三种预言机全部注册，市场按 OracleSource 选择
func (a *app) oracles() *oracle.Registry {
	a.fixed = oracle.NewFixed()
	a.sim = oracle.NewSimulated(nil)
	a.sim.SetMinSamples(a.cfg.Oracle.MinSamples)
	registry := oracle.NewRegistry().
		Register(oracle.SourceFixed, a.fixed).
		Register(oracle.SourceSimulated, a.sim)
	if rdb := a.redisClient(); rdb != nil {
		registry.Register(oracle.SourceLive, oracle.NewLive(rdb, nil))
	}
	return registry
}

// vaultClient 配置了 NATS 时发布转账，否则记在内存
func (a *app) vaultClient() (futures.VaultClient, error) {
	if a.cfg.NATS.URL == "" {
		a.vault = futures.NewMemoryVault()
		return a.vault, nil
	}
	pub, err := nats.NewPublisher(a.cfg.NATS.URL, nats.DefaultOptions("vamm-clearing-house"), a.logger)
	if err != nil {
		return nil, err
	}
	a.closes = append(a.closes, pub.Close)
	a.pub = pub
	return futures.NewPublisherVaultClient(pub, a.cfg.NATS.VaultSubject), nil
}

// alerter 有 Redis 时多实例共享冷却，有 NATS 时发布告警
func (a *app) alerter() *alert.Manager {
	cooldown := a.cfg.Keeper.AlertCooldown
	var dedup alert.Deduper = alert.NewMemoryDeduper(cooldown, nil)
	if rdb := a.redisClient(); rdb != nil {
		dedup = alert.NewRedisDeduper(rdb, cooldown)
	}
	var sinks []alert.Sink
	if a.pub != nil {
		sinks = append(sinks, alert.NewPublisherSink(a.pub, a.cfg.NATS.AlertSubject))
	}
	return alert.NewManager(dedup, liquidation.RiskLevelDanger, a.logger, sinks...)
}

func (a *app) exporter() (futures.HistoryExporter, error) {
	if len(a.cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}
	producer, err := kafka.NewProducer(a.cfg.Kafka.ProducerConfig, a.logger)
	if err != nil {
		return nil, err
	}
	a.closes = append(a.closes, func() { _ = producer.Close() })
	return futures.NewKafkaHistoryExporter(producer, a.cfg.Kafka.TopicPrefix), nil
}

// newApp 装配清算所，失败时释放已创建的资源
func newApp(ctx context.Context, cfg *conf.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	registry := a.oracles()
	vault, err := a.vaultClient()
	if err != nil {
		return nil, err
	}
	ids, err := order.NewSnowflakeGenerator(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	opts := []futures.Option{futures.WithVault(vault), futures.WithLogger(logger), futures.WithIDGenerator(ids)}
	exporter, err := a.exporter()
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		opts = append(opts, futures.WithExporter(exporter))
	}
	a.ch = futures.NewClearingHouse(a.store, registry, opts...)
	return a, nil
}

// ensureInitialized 全局状态不存在时用配置中的管理员初始化
func (a *app) ensureInitialized(ctx context.Context) error {
	_, err := a.ch.State(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, futures.ErrStateNotInitialized) {
		return err
	}
	_, err = a.ch.Initialize(ctx, a.cfg.Admin.Authority, a.cfg.Admin.AdminControlsPrices)
	return err
}

// waitTimeout 关闭时的等待上限
const waitTimeout = 5 * time.Second
