// 文件: pkg/metrics/metrics.go
// Prometheus 指标 (promauto 注册到默认 Registry)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vamm"

var (
	// OperationsTotal 清算所操作次数，result = ok / error
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Clearing house operations by name and result.",
	}, []string{"op", "result"})

	// OperationDuration 操作耗时 (含加锁与提交)
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Clearing house operation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op"})

	// HistoryRecordsTotal 已提交的历史记录
	HistoryRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_records_total",
		Help:      "Committed history records by kind.",
	}, []string{"kind"})

	// TradeQuoteVolume 成交额 (quote 精度)
	TradeQuoteVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trade_quote_volume_total",
		Help:      "Traded quote asset amount by market.",
	}, []string{"market"})

	// LiquidationsTotal 强平次数，type = full / partial
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "liquidations_total",
		Help:      "Executed liquidations by type.",
	}, []string{"type"})

	// VaultTransferFailures 提交后金库消息发送失败
	VaultTransferFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vault_transfer_failures_total",
		Help:      "Vault transfer messages that failed after commit.",
	})

	// ExportFailures 历史导出失败
	ExportFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "history_export_failures_total",
		Help:      "History records that failed to export.",
	})

	// KeeperRuns keeper 轮次，keeper = funding / liquidation
	KeeperRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keeper_runs_total",
		Help:      "Keeper loop iterations.",
	}, []string{"keeper"})

	// CurveAdjustmentsTotal 曲线调整次数，action = repeg / update_k / move_price
	CurveAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "curve_adjustments_total",
		Help:      "Committed AMM curve adjustments by action.",
	}, []string{"action"})

	// FundingRate 最近一次资金费率 (FundingPaymentPrecision * MarkPricePrecision)
	FundingRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "funding_rate",
		Help:      "Last committed funding rate by market.",
	}, []string{"market"})

	// RiskLevelUsers 最近一次扫描各风险等级的用户数
	RiskLevelUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "risk_level_users",
		Help:      "Users per risk level in the last liquidation scan.",
	}, []string{"level"})

	// MarkPrice 最近一次提交后的标记价格 (MarkPricePrecision)
	MarkPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "mark_price",
		Help:      "Mark price after the last committed operation.",
	}, []string{"market"})

	// FeedUpdatesDropped 订阅者通道已满被丢弃的喂价
	FeedUpdatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_updates_dropped_total",
		Help:      "Price updates dropped because a subscriber was slow.",
	})

	// LedgerEntriesWritten 已落库的金库流水
	LedgerEntriesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_entries_written_total",
		Help:      "Vault ledger entries persisted by the ledger writer.",
	})

	// LedgerFlushFailures 流水批量写入失败次数
	LedgerFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_flush_failures_total",
		Help:      "Failed vault ledger batch writes.",
	})
)
