package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/pkg/logger"
)

// NATSConfig 描述 NATS 队列组的连接参数。
type NATSConfig struct {
	URL     string
	Subject string
	Group   string
	Name    string
	Buffer  int
}

// NATSQueue 通过 NATS 队列组分发信封，同组订阅者之间负载均衡。
type NATSQueue struct {
	conn    *nats.Conn
	subject string
	group   string
	buffer  int
}

// NewNATSQueue 连接 NATS 并创建队列实例。
func NewNATSQueue(cfg NATSConfig) (*NATSQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "NATS URL 不能为空")
	}
	name := cfg.Name
	if name == "" {
		name = "fleetd"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.L().Warn("NATS 连接断开", slog.Any("error", err))
			}
		}),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 NATS 失败")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "fleet.events"
	}
	group := cfg.Group
	if group == "" {
		group = "fleetd"
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	return &NATSQueue{conn: conn, subject: subject, group: group, buffer: buffer}, nil
}

// Publish 将信封发布到主题。
func (q *NATSQueue) Publish(ctx context.Context, env Envelope) error {
	if q == nil || q.conn == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "NATS 队列未初始化")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := env.Marshal()
	if err != nil {
		return xerrors.Wrap(CodeMalformedEnvelope, err, "信封序列化失败")
	}
	if err := q.conn.Publish(q.subject, body); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "NATS 发布事件失败")
	}
	return nil
}

// Consume 以队列组方式订阅主题。NATS 核心协议不支持重投，失败只记录日志。
func (q *NATSQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.conn == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "NATS 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs := make(chan *nats.Msg, q.buffer)
	sub, err := q.conn.ChanQueueSubscribe(q.subject, q.group, msgs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 NATS 主题失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgs:
					env, err := decodeBody(msg.Data)
					if err != nil {
						logger.L().Warn("丢弃无法解析的事件", slog.String("subject", q.subject), slog.Any("error", err))
						continue
					}
					if err := handler(ctx, env); err != nil {
						logger.L().Warn("事件处理失败", slog.String("event_id", env.ID), slog.Any("error", err))
					}
				}
			}
		}()
	}

	<-ctx.Done()
	_ = sub.Unsubscribe()
	wg.Wait()
	return ctx.Err()
}

// Close 排空并关闭 NATS 连接。
func (q *NATSQueue) Close() error {
	if q == nil || q.conn == nil {
		return nil
	}
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
		return err
	}
	return nil
}
