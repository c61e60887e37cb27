// 文件: pkg/futures/exporter.go
// 历史记录导出: 提交成功后推送到 Kafka，供下游对账 / 行情 / 数据仓库消费

package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"vamm.com/pkg/kafka"
)

var ErrUnknownRecordKind = errors.New("unknown record kind")

// HistoryExporter 历史导出
type HistoryExporter interface {
	Export(ctx context.Context, records []Record) error
}

// MessageSender kafka.Producer 满足
type MessageSender interface {
	Send(msg kafka.Message) error
}

// DefaultHistoryTopicPrefix topic = 前缀 + 记录类型
const DefaultHistoryTopicPrefix = "vamm.history."

var _ HistoryExporter = (*KafkaHistoryExporter)(nil)

// KafkaHistoryExporter 每类记录一个 topic，key 为记录编号保证分区内有序
type KafkaHistoryExporter struct {
	sender      MessageSender
	topicPrefix string
}

func NewKafkaHistoryExporter(sender MessageSender, topicPrefix string) *KafkaHistoryExporter {
	if topicPrefix == "" {
		topicPrefix = DefaultHistoryTopicPrefix
	}
	return &KafkaHistoryExporter{sender: sender, topicPrefix: topicPrefix}
}

func (e *KafkaHistoryExporter) Export(_ context.Context, records []Record) error {
	for _, r := range records {
		if err := e.sender.Send(historyMessage{prefix: e.topicPrefix, record: r}); err != nil {
			return err
		}
	}
	return nil
}

// historyMessage 实现 kafka.Message
type historyMessage struct {
	prefix string
	record Record
}

func (m historyMessage) Topic() string {
	return m.prefix + string(m.record.Kind())
}

func (m historyMessage) Key() string {
	return fmt.Sprintf("%s:%d", m.record.Kind(), m.record.Header().RecordID)
}

func (m historyMessage) Value() ([]byte, error) {
	return json.Marshal(m.record)
}

// =============================================================================
// 下游解码
// =============================================================================

// NewRecord 按类型创建空记录
func NewRecord(kind RecordKind) (Record, error) {
	switch kind {
	case KindDeposit:
		return &DepositRecord{}, nil
	case KindTrade:
		return &TradeRecord{}, nil
	case KindFundingPayment:
		return &FundingPaymentRecord{}, nil
	case KindFundingRate:
		return &FundingRateRecord{}, nil
	case KindLiquidation:
		return &LiquidationRecord{}, nil
	case KindCurve:
		return &CurveRecord{}, nil
	case KindOrder:
		return &OrderRecord{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownRecordKind, "%q", kind)
}

// DecodeHistoryMessage 由 topic 推出记录类型并解码消息体
func DecodeHistoryMessage(topicPrefix, topic string, value []byte) (Record, error) {
	if topicPrefix == "" {
		topicPrefix = DefaultHistoryTopicPrefix
	}
	if !strings.HasPrefix(topic, topicPrefix) {
		return nil, errors.Wrapf(ErrUnknownRecordKind, "topic %s", topic)
	}
	r, err := NewRecord(RecordKind(strings.TrimPrefix(topic, topicPrefix)))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(value, r); err != nil {
		return nil, errors.Wrapf(err, "decode %s", topic)
	}
	return r, nil
}
