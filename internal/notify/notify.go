// Package notify 向 Agent 与需求方推送调度核心产生的外部效果：任务分配、任务回收与争议裁决。
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/event"
	"AgentFleet/pkg/logger"
)

// Kind 是通知类型。
type Kind string

const (
	KindJobAssigned     Kind = "job_assigned"
	KindJobRecovered    Kind = "job_recovered"
	KindDisputeResolved Kind = "dispute_resolved"
)

// Message 是一条外发通知。
type Message struct {
	Kind      Kind      `json:"kind"`
	AgentID   string    `json:"agent_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	DisputeID string    `json:"dispute_id,omitempty"`
	Body      any       `json:"body,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier 投递通知。
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Log 将通知写入日志。
type Log struct {
	logger *slog.Logger
}

// NewLog 创建日志通知器。
func NewLog() *Log {
	return &Log{logger: logger.Named("notify")}
}

// Notify 实现 Notifier。
func (n *Log) Notify(_ context.Context, msg Message) error {
	n.logger.Info("outbound notification",
		slog.String("kind", string(msg.Kind)),
		slog.String("agent_id", msg.AgentID),
		slog.String("job_id", msg.JobID),
		slog.String("dispute_id", msg.DisputeID),
	)
	return nil
}

// Queue 将通知封装为信封发布到出站队列，Agent 侧按 agent_id 订阅。
type Queue struct {
	producer event.Producer
}

// NewQueue 创建队列通知器。
func NewQueue(producer event.Producer) *Queue {
	return &Queue{producer: producer}
}

// Notify 实现 Notifier。
func (n *Queue) Notify(ctx context.Context, msg Message) error {
	if n == nil || n.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置出站队列")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "通知序列化失败")
	}
	return n.producer.Publish(ctx, event.Envelope{
		ID:      uuid.NewString(),
		Type:    event.Kind(msg.Kind),
		AgentID: msg.AgentID,
		Payload: body,
		SentAt:  msg.At,
	})
}

// Fanout 将通知投递给全部下游，单个下游失败不影响其它下游。
type Fanout []Notifier

// Notify 实现 Notifier。
func (f Fanout) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder 在内存中保存通知，供测试使用。
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Notify 实现 Notifier。
func (r *Recorder) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// Messages 返回已记录通知的副本。
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
