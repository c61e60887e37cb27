// 文件: pkg/futures/clearing_house.go
// 清算所: 全部对外操作的入口
//
// 【一次操作的生命周期】
//   1. 解析要锁的实体 (推荐人、订单所属用户)
//   2. 加锁: 用户 → 市场 → 全局状态
//   3. 在 txn 上执行业务逻辑 (副本上修改)
//   4. Store.Commit 原子提交
//   5. 提交成功后: 金库转账、历史导出、指标
//
// 任何一步失败都不会留下部分修改，也不会发出转账消息。

package futures

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vamm.com/pkg/metrics"
	"vamm.com/pkg/oracle"
	"vamm.com/pkg/order"
)

// ClearingHouse 永续合约清算所
type ClearingHouse struct {
	store    Store
	oracles  *oracle.Registry
	vault    VaultClient
	exporter HistoryExporter
	ids      order.IDGenerator
	logger   *zap.Logger
	now      func() time.Time
	locks    *lockTable
}

// Option 可选配置
type Option func(*ClearingHouse)

// WithVault 金库客户端，默认只记内存
func WithVault(v VaultClient) Option {
	return func(ch *ClearingHouse) { ch.vault = v }
}

// WithExporter 历史导出，默认不导出
func WithExporter(e HistoryExporter) Option {
	return func(ch *ClearingHouse) { ch.exporter = e }
}

func WithLogger(l *zap.Logger) Option {
	return func(ch *ClearingHouse) { ch.logger = l }
}

// WithClock 测试用
func WithClock(now func() time.Time) Option {
	return func(ch *ClearingHouse) { ch.now = now }
}

func WithIDGenerator(g order.IDGenerator) Option {
	return func(ch *ClearingHouse) { ch.ids = g }
}

// NewClearingHouse 创建清算所
func NewClearingHouse(store Store, oracles *oracle.Registry, opts ...Option) *ClearingHouse {
	ch := &ClearingHouse{
		store:   store,
		oracles: oracles,
		logger:  zap.NewNop(),
		now:     time.Now,
		locks:   newLockTable(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	if ch.vault == nil {
		ch.vault = NewMemoryVault()
	}
	if ch.ids == nil {
		ch.ids = order.DefaultGenerator()
	}
	ch.logger = ch.logger.Named("clearing")
	return ch
}

// Store 底层存储，供查询和 keeper 使用
func (ch *ClearingHouse) Store() Store {
	return ch.store
}

// =============================================================================
// 加锁范围
// =============================================================================

// scope 一次操作需要的锁
type scope struct {
	// users 主用户: 锁用户本身、推荐人、以及其持仓所在的全部市场
	users []string
	// credit 只会被加钱的用户 (撮合者、清算人)，不锁其市场
	credit []string
	// markets 额外需要修改的市场
	markets []uint64
	state   bool
}

// resolveUsers 主用户 + 推荐人 + credit 用户
//
// 推荐人在用户初始化后不可变，加锁前读取是安全的
func (ch *ClearingHouse) resolveUsers(ctx context.Context, sc scope) ([]string, error) {
	out := make([]string, 0, len(sc.users)*2+len(sc.credit))
	for _, a := range sc.users {
		if a == "" {
			continue
		}
		out = append(out, a)
		u, err := ch.store.LoadUser(ctx, a)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				continue
			}
			return nil, err
		}
		if u.Referrer != "" {
			out = append(out, u.Referrer)
		}
	}
	for _, a := range sc.credit {
		if a != "" {
			out = append(out, a)
		}
	}
	return out, nil
}

// run 在锁和 txn 中执行 fn，成功后提交
func (ch *ClearingHouse) run(ctx context.Context, op string, sc scope, fn func(tx *txn) error) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.OperationsTotal.WithLabelValues(op, result).Inc()
		metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	users, err := ch.resolveUsers(ctx, sc)
	if err != nil {
		return err
	}

	held := ch.locks.begin()
	defer held.unlock()
	if err := held.lockUsers(ctx, users); err != nil {
		return err
	}

	tx := newTxn(ctx, ch.store, held, ch.now().Unix())

	markets := append([]uint64(nil), sc.markets...)
	for _, a := range sc.users {
		positions, err := tx.openPositions(a)
		if err != nil {
			return err
		}
		for _, p := range positions {
			markets = append(markets, p.MarketIndex)
		}
	}
	if err := held.lockMarkets(ctx, markets); err != nil {
		return err
	}
	if sc.state {
		if err := held.lockState(ctx); err != nil {
			return err
		}
	}

	if err := fn(tx); err != nil {
		ch.logger.Debug("operation aborted", zap.String("op", op), zap.Error(err))
		return err
	}

	cs := tx.changeset()
	if cs.Empty() {
		return nil
	}
	if err := ch.store.Commit(ctx, cs); err != nil {
		ch.logger.Error("commit failed", zap.String("op", op), zap.Error(err))
		return errors.Wrapf(err, "%s: commit", op)
	}
	ch.afterCommit(ctx, op, tx, cs)
	return nil
}

// afterCommit 金库转账、历史导出、指标；失败只记录不回滚
func (ch *ClearingHouse) afterCommit(ctx context.Context, op string, tx *txn, cs *Changeset) {
	for _, t := range tx.transfers {
		if err := ch.vault.Transfer(ctx, t); err != nil {
			metrics.VaultTransferFailures.Inc()
			ch.logger.Error("vault transfer failed",
				zap.String("op", op),
				zap.String("from", string(t.From)),
				zap.String("to", string(t.To)),
				zap.String("authority", t.Authority),
				zap.Int64("amount", t.Amount),
				zap.Error(err))
		}
	}

	if ch.exporter != nil && len(cs.Records) > 0 {
		if err := ch.exporter.Export(ctx, cs.Records); err != nil {
			metrics.ExportFailures.Add(float64(len(cs.Records)))
			ch.logger.Warn("history export failed", zap.String("op", op), zap.Int("records", len(cs.Records)), zap.Error(err))
		}
	}

	for _, r := range cs.Records {
		metrics.HistoryRecordsTotal.WithLabelValues(string(r.Kind())).Inc()
		switch rec := r.(type) {
		case *TradeRecord:
			metrics.TradeQuoteVolume.WithLabelValues(strconv.FormatUint(rec.MarketIndex, 10)).Add(float64(rec.QuoteAssetAmount))
		case *LiquidationRecord:
			kind := "full"
			if rec.Partial {
				kind = "partial"
			}
			metrics.LiquidationsTotal.WithLabelValues(kind).Inc()
		case *CurveRecord:
			metrics.CurveAdjustmentsTotal.WithLabelValues(string(rec.Action)).Inc()
		case *FundingRateRecord:
			metrics.FundingRate.WithLabelValues(strconv.FormatUint(rec.MarketIndex, 10)).Set(float64(rec.FundingRate))
		}
	}
	for _, m := range cs.Markets {
		if mark, err := m.AMM.MarkPrice(); err == nil {
			metrics.MarkPrice.WithLabelValues(strconv.FormatUint(m.MarketIndex, 10)).Set(float64(mark))
		}
	}
}

// =============================================================================
// 公共校验
// =============================================================================

// requireAdmin 管理员签名校验
func requireAdmin(st *State, signer string) error {
	if signer == "" || st.Admin != signer {
		return errors.Wrapf(ErrUnauthorized, "signer %q", signer)
	}
	return nil
}

func requireNotPaused(st *State) error {
	if st.ExchangePaused {
		return ErrExchangePaused
	}
	return nil
}

// oraclePrice 市场预言机当前报价
func (ch *ClearingHouse) oraclePrice(ctx context.Context, m *Market) (oracle.PriceData, error) {
	data, err := ch.oracles.GetPrice(ctx, m.AMM.OracleSource, m.AMM.OracleAsset)
	if err != nil {
		return oracle.PriceData{}, errors.Wrapf(err, "market %d oracle", m.MarketIndex)
	}
	return data, nil
}

// oracleTooDivergent 标记价格与预言机价格的偏离是否超过护栏
func oracleTooDivergent(st *State, spreadPct int64) (bool, error) {
	return oracle.IsMarkTooDivergent(spreadPct, st.OracleGuardRails.PriceDivergence)
}
