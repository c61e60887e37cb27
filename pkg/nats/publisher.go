// 文件: pkg/nats/publisher.go
// NATS 消息发布者
// 清算所提交后的金库转账消息走这里，下游出纳服务订阅执行

package nats

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Options 连接选项
type Options struct {
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DefaultOptions 断线无限重连
func DefaultOptions(name string) Options {
	return Options{Name: name, MaxReconnects: -1, ReconnectWait: 2 * time.Second}
}

// connect 连接并挂上断线 / 重连日志
func connect(url string, opts Options, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats %s", url)
	}
	return conn, nil
}

// Publisher NATS 发布者
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewPublisher 创建发布者
func NewPublisher(url string, opts Options, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")
	conn, err := connect(url, opts, logger)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

// Publish JSON 序列化后发布
func (p *Publisher) Publish(subject string, data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "marshal message for %s", subject)
	}
	return p.PublishRaw(subject, bytes)
}

// PublishRaw 发布原始消息
func (p *Publisher) PublishRaw(subject string, data []byte) error {
	return errors.Wrapf(p.conn.Publish(subject, data), "publish %s", subject)
}

// Flush 等待服务端确认已收到缓冲区中的消息
func (p *Publisher) Flush(timeout time.Duration) error {
	return errors.Wrap(p.conn.FlushTimeout(timeout), "flush nats")
}

// Close 发送缓冲区中的消息后关闭
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("drain failed", zap.Error(err))
		p.conn.Close()
	}
}
