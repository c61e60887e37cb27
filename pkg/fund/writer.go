// 文件: pkg/fund/writer.go
// 金库流水批量写入器
//
// 挂在 NATS 金库主题上 (HandleMessage)，攒批后写库:
//   - 达到 BatchSize 立即刷
//   - 否则每 FlushInterval 刷一次
//   - 写库失败的批次放回缓冲头部，下次重试
//   - Stop 时最后刷一次

package fund

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vamm.com/pkg/futures"
	"vamm.com/pkg/metrics"
)

// DefaultQueue NATS 队列组，多个 ledger 实例分摊消息
const DefaultQueue = "vamm-ledger"

// ErrWriterRunning 重复 Start
var ErrWriterRunning = errors.New("ledger writer already running")

// =============================================================================
// 配置
// =============================================================================

type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	// FlushTimeout 单批写库超时
	FlushTimeout time.Duration
	// MaxBuffered 缓冲上限，持续写库失败时丢弃最旧的流水
	MaxBuffered int
}

func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
		FlushTimeout:  10 * time.Second,
		MaxBuffered:   100_000,
	}
}

// WriterStats 写入统计
type WriterStats struct {
	Received int64
	Written  int64
	Batches  int64
	Errors   int64
	Dropped  int64
	Buffered int
}

// =============================================================================
// Writer
// =============================================================================

type Writer struct {
	repo   Repository
	cfg    WriterConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	buffer  []LedgerEntry
	flushCh chan struct{}

	received atomic.Int64
	written  atomic.Int64
	batches  atomic.Int64
	errs     atomic.Int64
	dropped  atomic.Int64

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWriter(repo Repository, cfg WriterConfig, logger *zap.Logger) *Writer {
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = max(def.MaxBuffered, cfg.BatchSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		repo:    repo,
		cfg:     cfg,
		logger:  logger.Named("ledger"),
		now:     time.Now,
		buffer:  make([]LedgerEntry, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
	}
}

// HandleMessage 签名与 nats.MessageHandler 一致
func (w *Writer) HandleMessage(_ string, data []byte) error {
	var t futures.VaultTransfer
	if err := json.Unmarshal(data, &t); err != nil {
		w.errs.Add(1)
		return errors.Wrap(err, "decode vault transfer")
	}
	w.Add(t)
	return nil
}

// Add 加入缓冲
func (w *Writer) Add(t futures.VaultTransfer) {
	w.received.Add(1)

	w.mu.Lock()
	w.buffer = append(w.buffer, EntryFromTransfer(t, w.now()))
	w.trimLocked()
	full := len(w.buffer) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

func (w *Writer) trimLocked() {
	if over := len(w.buffer) - w.cfg.MaxBuffered; over > 0 {
		w.buffer = append(w.buffer[:0:0], w.buffer[over:]...)
		w.dropped.Add(int64(over))
		w.logger.Warn("ledger buffer full, dropping oldest entries", zap.Int("dropped", over))
	}
}

// Flush 写出当前缓冲；失败时流水放回缓冲
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	entries := w.buffer
	w.buffer = make([]LedgerEntry, 0, w.cfg.BatchSize)
	w.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.FlushTimeout)
	defer cancel()

	if err := w.repo.Append(ctx, entries); err != nil {
		w.errs.Add(1)
		metrics.LedgerFlushFailures.Inc()

		w.mu.Lock()
		w.buffer = append(entries, w.buffer...)
		w.trimLocked()
		w.mu.Unlock()
		return errors.Wrapf(err, "flush %d ledger entries", len(entries))
	}

	w.written.Add(int64(len(entries)))
	w.batches.Add(1)
	metrics.LedgerEntriesWritten.Add(float64(len(entries)))
	return nil
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 启动定时刷新
func (w *Writer) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrWriterRunning
	}
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// 最后刷一次，不再受已取消的 ctx 影响
				w.flushAndLog(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				w.flushAndLog(ctx)
			case <-w.flushCh:
				w.flushAndLog(ctx)
			}
		}
	}()
	return nil
}

func (w *Writer) flushAndLog(ctx context.Context) {
	if err := w.Flush(ctx); err != nil {
		w.logger.Error("ledger flush failed", zap.Error(err))
	}
}

// Stop 停止并等待最后一批写完
func (w *Writer) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	w.cancel()
	w.wg.Wait()
}

func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	buffered := len(w.buffer)
	w.mu.Unlock()
	return WriterStats{
		Received: w.received.Load(),
		Written:  w.written.Load(),
		Batches:  w.batches.Load(),
		Errors:   w.errs.Load(),
		Dropped:  w.dropped.Load(),
		Buffered: buffered,
	}
}
