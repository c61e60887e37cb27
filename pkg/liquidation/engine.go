// 文件: pkg/liquidation/engine.go
// 强平 keeper
//
// 架构:
//
//	┌─────────────────────────────────────────────────┐
//	│                    Engine                       │
//	│                                                 │
//	│  ┌─────────┐  ┌─────────┐  ┌──────────────┐     │
//	│  │ Scanner │  │ Checkers│  │ ants 执行池  │     │
//	│  └────┬────┘  └────┬────┘  └──────┬───────┘     │
//	│       └────────────┴──────────────┘             │
//	│                    │                            │
//	│              RiskLevelIndex                     │
//	└─────────────────────────────────────────────────┘
//
// 扫描器定期全量兜底；各级检查器按各自间隔复查索引中的用户；
// 预言机变价时只复查持有该市场的临界用户。
// 判定可强平后调用 ClearingHouse.Liquidate，清算所内部会再次校验。

package liquidation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vamm.com/pkg/futures"
	"vamm.com/pkg/metrics"
)

// =============================================================================
// 配置
// =============================================================================

const (
	CheckIntervalWarning  = 5 * time.Second
	CheckIntervalDanger   = 2 * time.Second
	CheckIntervalCritical = 500 * time.Millisecond

	// DefaultTaskTimeout 单次强平超时
	DefaultTaskTimeout = 30 * time.Second
)

var ErrEngineRunning = errors.New("liquidation engine already running")

// Config 强平 keeper 配置
type Config struct {
	// Liquidator 领取清算奖励的账户
	Liquidator string

	ScanInterval     time.Duration
	WarningInterval  time.Duration
	DangerInterval   time.Duration
	CriticalInterval time.Duration
	TaskTimeout      time.Duration
	PoolSize         int
}

// DefaultConfig 默认配置
func DefaultConfig(liquidator string) Config {
	return Config{
		Liquidator:       liquidator,
		ScanInterval:     DefaultScanInterval,
		WarningInterval:  CheckIntervalWarning,
		DangerInterval:   CheckIntervalDanger,
		CriticalInterval: CheckIntervalCritical,
		TaskTimeout:      DefaultTaskTimeout,
		PoolSize:         DefaultPoolSize,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig(c.Liquidator)
	if c.ScanInterval <= 0 {
		c.ScanInterval = def.ScanInterval
	}
	if c.WarningInterval <= 0 {
		c.WarningInterval = def.WarningInterval
	}
	if c.DangerInterval <= 0 {
		c.DangerInterval = def.DangerInterval
	}
	if c.CriticalInterval <= 0 {
		c.CriticalInterval = def.CriticalInterval
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = def.TaskTimeout
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
}

// =============================================================================
// Engine
// =============================================================================

// Observer 每次扫描 / 复查后收到 Warning 及以上的用户 (保证金告警)
type Observer func(ctx context.Context, users []UserRiskData)

type Engine struct {
	ex       Exchange
	cfg      Config
	index    *RiskLevelIndex
	scanner  *Scanner
	pool     *ants.Pool
	logger   *zap.Logger
	observer Observer

	executed atomic.Int64
	failed   atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine 创建引擎，用完需 Close 释放协程池
func NewEngine(ex Exchange, cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.Liquidator == "" {
		return nil, errors.New("liquidator account required")
	}
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("liquidation")

	pool, err := ants.NewPool(cfg.PoolSize, ants.WithPanicHandler(func(p any) {
		logger.Error("liquidation task panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create liquidation pool")
	}

	index := NewRiskLevelIndex()
	return &Engine{
		ex:      ex,
		cfg:     cfg,
		index:   index,
		scanner: NewScanner(ex, index, pool, logger),
		pool:    pool,
		logger:  logger,
	}, nil
}

// SetObserver 需在 Start 之前调用
func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

func (e *Engine) observe(ctx context.Context, users []UserRiskData) {
	if e.observer != nil && len(users) > 0 {
		e.observer(ctx, users)
	}
}

// Index 风险等级索引 (只读使用)
func (e *Engine) Index() *RiskLevelIndex {
	return e.index
}

// =============================================================================
// 生命周期
// =============================================================================

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrEngineRunning
	}
	e.running = true
	e.stopCh = make(chan struct{})

	e.startLoop(ctx, e.cfg.ScanInterval, func(ctx context.Context) {
		if _, err := e.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("liquidation scan failed", zap.Error(err))
		}
	})
	for level, interval := range map[RiskLevel]time.Duration{
		RiskLevelWarning:  e.cfg.WarningInterval,
		RiskLevelDanger:   e.cfg.DangerInterval,
		RiskLevelCritical: e.cfg.CriticalInterval,
	} {
		level := level
		e.startLoop(ctx, interval, func(ctx context.Context) {
			e.CheckLevel(ctx, level)
		})
	}
	e.logger.Info("liquidation engine started",
		zap.String("liquidator", e.cfg.Liquidator),
		zap.Duration("scan_interval", e.cfg.ScanInterval),
		zap.Int("pool_size", e.cfg.PoolSize))
	return nil
}

func (e *Engine) startLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	stopCh := e.stopCh
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop 停止所有循环，可重复调用
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	e.running = false
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("liquidation engine stopped")
}

// Close 停止并释放协程池
func (e *Engine) Close() {
	e.Stop()
	e.pool.Release()
}

// =============================================================================
// 扫描 / 复查
// =============================================================================

// RunOnce 全量扫描并强平全部可强平用户
func (e *Engine) RunOnce(ctx context.Context) ([]LiquidationResult, error) {
	metrics.KeeperRuns.WithLabelValues("liquidation").Inc()
	res, err := e.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, level := range []RiskLevel{RiskLevelWarning, RiskLevelDanger, RiskLevelCritical} {
		metrics.RiskLevelUsers.WithLabelValues(level.String()).Set(float64(res.Levels[level]))
	}
	e.observe(ctx, res.AtRisk)
	return e.execute(ctx, toTasks(res.Liquidatable, nil)), nil
}

// CheckLevel 复查某一等级的用户，处理升降级和强平
func (e *Engine) CheckLevel(ctx context.Context, level RiskLevel) []LiquidationResult {
	users := e.index.GetByLevel(level)
	if len(users) == 0 {
		return nil
	}
	authorities := make([]string, 0, len(users))
	for _, u := range users {
		authorities = append(authorities, u.Authority)
	}
	return e.recheck(ctx, authorities, nil)
}

// OnPriceChange 预言机变价时复查持有该市场的临界用户
func (e *Engine) OnPriceChange(ctx context.Context, marketIndex uint64) []LiquidationResult {
	var authorities []string
	for _, authority := range e.index.GetUsersByMarket(marketIndex) {
		if u, ok := e.index.GetUser(authority); ok && u.Level == RiskLevelCritical {
			authorities = append(authorities, authority)
		}
	}
	if len(authorities) == 0 {
		return nil
	}
	return e.recheck(ctx, authorities, &marketIndex)
}

func (e *Engine) recheck(ctx context.Context, authorities []string, trigger *uint64) []LiquidationResult {
	var liquidatable, atRisk []UserRiskData
	for _, authority := range authorities {
		data, err := e.scanner.Check(ctx, authority)
		if err != nil {
			e.logger.Warn("risk recheck failed", zap.String("authority", authority), zap.Error(err))
			continue
		}
		old, _ := e.index.GetUser(authority)
		if old.Level != data.Level {
			e.logger.Info("risk level changed",
				zap.String("authority", authority),
				zap.Stringer("from", old.Level),
				zap.Stringer("to", data.Level),
				zap.Float64("risk_ratio", data.RiskRatio))
		}
		e.index.UpdateUser(data)
		if data.Level >= RiskLevelWarning {
			atRisk = append(atRisk, data)
		}
		if data.Level == RiskLevelLiquidate {
			liquidatable = append(liquidatable, data)
		}
	}
	sortByRisk(atRisk)
	e.observe(ctx, atRisk)
	sortByRisk(liquidatable)
	return e.execute(ctx, toTasks(liquidatable, trigger))
}

func toTasks(users []UserRiskData, trigger *uint64) []LiquidationTask {
	tasks := make([]LiquidationTask, 0, len(users))
	now := time.Now()
	for _, u := range users {
		tasks = append(tasks, LiquidationTask{
			Authority:     u.Authority,
			RiskRatio:     u.RiskRatio,
			TriggerMarket: trigger,
			CreatedAt:     now,
		})
	}
	return tasks
}

// =============================================================================
// 强平执行
// =============================================================================

// execute 在协程池中并行执行，结果与任务顺序一致
func (e *Engine) execute(ctx context.Context, tasks []LiquidationTask) []LiquidationResult {
	if len(tasks) == 0 {
		return nil
	}
	results := make([]LiquidationResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		i, task := i, task
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			results[i] = e.liquidate(ctx, task)
		})
		if err != nil {
			wg.Done()
			results[i] = LiquidationResult{Authority: task.Authority, Err: err, ExecutedAt: time.Now()}
			e.failed.Add(1)
		}
	}
	wg.Wait()
	return results
}

func (e *Engine) liquidate(ctx context.Context, task LiquidationTask) LiquidationResult {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	rec, err := e.ex.Liquidate(ctx, e.cfg.Liquidator, task.Authority)
	result := LiquidationResult{Authority: task.Authority, Record: rec, ExecutedAt: time.Now()}
	switch {
	case err == nil:
		e.executed.Add(1)
		e.index.Remove(task.Authority)
		e.logger.Info("liquidated",
			zap.String("authority", task.Authority),
			zap.Bool("partial", rec.Partial),
			zap.Int64("base_asset_value_closed", rec.BaseAssetValueClosed),
			zap.Int64("fee_to_liquidator", rec.FeeToLiquidator))
	case errors.Is(err, futures.ErrSufficientCollateral), errors.Is(err, futures.ErrNoPositionsLiquidatable):
		// 扫描与执行之间价格回升，或被其他 keeper 抢先
		e.logger.Debug("liquidation skipped", zap.String("authority", task.Authority), zap.Error(err))
	default:
		e.failed.Add(1)
		result.Err = err
		e.logger.Warn("liquidation failed", zap.String("authority", task.Authority), zap.Error(err))
	}
	return result
}

// =============================================================================
// 监控接口
// =============================================================================

type EngineStats struct {
	TotalHighRiskUsers int
	WarningUsers       int
	DangerUsers        int
	CriticalUsers      int
	Executed           int64
	Failed             int64
	RunningWorkers     int
}

func (e *Engine) Stats() EngineStats {
	return EngineStats{
		TotalHighRiskUsers: e.index.TotalCount(),
		WarningUsers:       len(e.index.GetByLevel(RiskLevelWarning)),
		DangerUsers:        len(e.index.GetByLevel(RiskLevelDanger)),
		CriticalUsers:      len(e.index.GetByLevel(RiskLevelCritical)),
		Executed:           e.executed.Load(),
		Failed:             e.failed.Load(),
		RunningWorkers:     e.pool.Running(),
	}
}
