package event

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/pkg/logger"
)

// Dispatcher 执行已解码的命令。
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) (any, error)
}

// Reply 是同步提交的执行结果。
type Reply struct {
	Value any
	Err   error
}

type routed struct {
	env   Envelope
	cmd   Command
	reply chan Reply
}

// Router 按 RoutingKey 把命令分派到固定数量的有序分片，同一 Agent 的命令按到达顺序执行。
type Router struct {
	dispatcher Dispatcher
	dedupe     *Deduper
	shards     []chan routed
	logger     *slog.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// RouterOption 定义可选配置。
type RouterOption func(*Router)

// WithShards 设置分片数量。
func WithShards(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.shards = make([]chan routed, n)
		}
	}
}

// WithDeduper 配置重复信封过滤。
func WithDeduper(d *Deduper) RouterOption {
	return func(r *Router) {
		r.dedupe = d
	}
}

// NewRouter 创建 Router。
func NewRouter(dispatcher Dispatcher, opts ...RouterOption) *Router {
	r := &Router{
		dispatcher: dispatcher,
		shards:     make([]chan routed, 16),
		logger:     logger.Named("router"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	for i := range r.shards {
		r.shards[i] = make(chan routed, 64)
	}
	return r
}

// Start 启动分片协程，ctx 结束或调用 Stop 后退出。
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	for _, shard := range r.shards {
		r.wg.Add(1)
		go r.run(ctx, shard)
	}
}

func (r *Router) run(ctx context.Context, shard <-chan routed) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-shard:
			if !ok {
				return
			}
			value, err := r.dispatcher.Dispatch(ctx, item.cmd)
			if err != nil {
				if xerrors.RetryableError(err) {
					r.dedupe.Forget(item.env.ID)
				}
				r.logger.Debug("事件处理失败",
					slog.String("event_id", item.env.ID),
					slog.String("type", string(item.env.Type)),
					slog.Any("error", err),
				)
			}
			if item.reply != nil {
				item.reply <- Reply{Value: value, Err: err}
			}
		}
	}
}

// Stop 关闭分片并等待正在执行的命令完成。
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for _, shard := range r.shards {
		close(shard)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Handle 是队列消费者使用的 Handler：解码、去重后异步入队，不等待执行结果。
func (r *Router) Handle(ctx context.Context, env Envelope) error {
	cmd, err := env.Command()
	if err != nil {
		r.logger.Warn("丢弃无法解析的事件", slog.String("event_id", env.ID), slog.Any("error", err))
		return nil
	}
	if !r.dedupe.Claim(env.ID) {
		r.logger.Debug("忽略重复事件", slog.String("event_id", env.ID))
		return nil
	}
	if err := r.enqueue(ctx, routed{env: env, cmd: cmd}); err != nil {
		r.dedupe.Forget(env.ID)
		return err
	}
	return nil
}

// Submit 同步执行信封携带的命令，仍经过所属分片以保证与队列事件的相对顺序。
// 重复信封返回 (nil, nil)。
func (r *Router) Submit(ctx context.Context, env Envelope) (any, error) {
	cmd, err := env.Command()
	if err != nil {
		return nil, err
	}
	if !r.dedupe.Claim(env.ID) {
		return nil, nil
	}
	reply := make(chan Reply, 1)
	if err := r.enqueue(ctx, routed{env: env, cmd: cmd, reply: reply}); err != nil {
		r.dedupe.Forget(env.ID)
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-reply:
		return res.Value, res.Err
	}
}

func (r *Router) enqueue(ctx context.Context, item routed) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped || !r.started {
		return xerrors.New(xerrors.CodeInitializationFailure, "事件路由未运行")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.shards[r.shardFor(item.cmd.RoutingKey())] <- item:
		return nil
	}
}

func (r *Router) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(r.shards)))
}
