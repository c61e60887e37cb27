// 文件: pkg/nats/subscriber.go
// NATS 消息订阅者
// 预言机喂价 (oracle.Simulated.HandleMessage) 从这里进入

package nats

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数
type MessageHandler func(subject string, data []byte) error

// Subscriber NATS 订阅者
type Subscriber struct {
	conn    *nats.Conn
	subs    []*nats.Subscription
	handler MessageHandler
	logger  *zap.Logger
}

// NewSubscriber 创建订阅者
func NewSubscriber(url string, opts Options, handler MessageHandler, logger *zap.Logger) (*Subscriber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")
	conn, err := connect(url, opts, logger)
	if err != nil {
		return nil, err
	}
	return &Subscriber{conn: conn, handler: handler, logger: logger}, nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	if err := s.handler(msg.Subject, msg.Data); err != nil {
		s.logger.Warn("handle error", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// Subscribe 订阅主题
func (s *Subscriber) Subscribe(subjects ...string) error {
	for _, subject := range subjects {
		sub, err := s.conn.Subscribe(subject, s.handle)
		if err != nil {
			return errors.Wrapf(err, "subscribe %s", subject)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// SubscribeQueue 队列订阅 (负载均衡)
func (s *Subscriber) SubscribeQueue(subject, queue string) error {
	sub, err := s.conn.QueueSubscribe(subject, queue, s.handle)
	if err != nil {
		return errors.Wrapf(err, "queue subscribe %s/%s", subject, queue)
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Close 取消订阅后关闭连接
func (s *Subscriber) Close() error {
	var first error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && first == nil {
			first = errors.Wrapf(err, "unsubscribe %s", sub.Subject)
		}
	}
	s.conn.Close()
	return first
}

// =============================================================================
// 便捷方法
// =============================================================================

// UnmarshalJSON 反序列化 JSON
func UnmarshalJSON[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "unmarshal nats message")
	}
	return &v, nil
}

// Chain 依次调用多个处理函数，返回第一个错误
func Chain(handlers ...MessageHandler) MessageHandler {
	return func(subject string, data []byte) error {
		for _, h := range handlers {
			if err := h(subject, data); err != nil {
				return err
			}
		}
		return nil
	}
}
