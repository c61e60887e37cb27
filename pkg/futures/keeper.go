// 文件: pkg/futures/keeper.go
// 资金费率 keeper: 定时为全部市场触发 UpdateFundingRate
//
// 【并发】
// 不同市场并行 (errgroup)，同一市场由市场锁串行。
// 某个市场失败不影响其它市场，只记录日志。

package futures

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vamm.com/pkg/metrics"
)

// DefaultFundingKeeperInterval 默认扫描间隔
const DefaultFundingKeeperInterval = 10 * time.Second

var ErrKeeperRunning = errors.New("keeper already running")

// FundingKeeper 资金费率 keeper
type FundingKeeper struct {
	ch       *ClearingHouse
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewFundingKeeper(ch *ClearingHouse, interval time.Duration, logger *zap.Logger) *FundingKeeper {
	if interval <= 0 {
		interval = DefaultFundingKeeperInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FundingKeeper{ch: ch, interval: interval, logger: logger.Named("funding")}
}

// =============================================================================
// 生命周期
// =============================================================================

func (k *FundingKeeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return ErrKeeperRunning
	}
	k.running = true
	k.stopChan = make(chan struct{})
	k.wg.Add(1)
	go k.loop(ctx)
	k.logger.Info("funding keeper started", zap.Duration("interval", k.interval))
	return nil
}

func (k *FundingKeeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running {
		return
	}
	close(k.stopChan)
	k.wg.Wait()
	k.running = false
	k.logger.Info("funding keeper stopped")
}

func (k *FundingKeeper) loop(ctx context.Context) {
	defer k.wg.Done()

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := k.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				k.logger.Warn("funding round failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 对全部已初始化市场尝试更新一次，返回实际更新的记录
func (k *FundingKeeper) RunOnce(ctx context.Context) ([]*FundingRateRecord, error) {
	metrics.KeeperRuns.WithLabelValues("funding").Inc()

	markets, err := k.ch.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var out []*FundingRateRecord
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range markets {
		if !m.Initialized {
			continue
		}
		idx := m.MarketIndex
		g.Go(func() error {
			rec, err := k.ch.UpdateFundingRate(gctx, idx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				k.logger.Warn("funding update failed", zap.Uint64("market", idx), zap.Error(err))
				return nil
			}
			if rec != nil {
				mu.Lock()
				out = append(out, rec)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketIndex < out[j].MarketIndex })
	return out, nil
}
