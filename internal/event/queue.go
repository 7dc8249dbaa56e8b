package event

import (
	"context"
)

// Handler 处理来自消息队列的信封。
type Handler func(ctx context.Context, env Envelope) error

// Producer 负责向队列投递信封。
type Producer interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Consumer 负责从队列中消费信封。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// decodeBody 解析队列消息体；无法解析的消息由调用方丢弃而不是重投。
func decodeBody(body []byte) (Envelope, error) {
	env, _, err := Decode(body)
	return env, err
}
