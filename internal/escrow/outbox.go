package escrow

import (
	"context"
	"log/slog"
	"sync"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/pkg/logger"
)

type opKind string

const (
	opSettle  opKind = "settle"
	opFreeze  opKind = "freeze"
	opRelease opKind = "release"
)

type pendingOp struct {
	kind        opKind
	key         string
	amount      int64
	disposition Disposition
	attempts    int
	lastErr     string
}

// Outbox 包装 Settlement：调用失败时记录待重试操作，由 Flush 周期性重放。
// 失败的调用返回 CodeEscrowDeferred，调用方可以继续推进自己的状态。
type Outbox struct {
	inner   Settlement
	mu      sync.Mutex
	pending []*pendingOp
	logger  *slog.Logger
}

// NewOutbox 创建 Outbox。
func NewOutbox(inner Settlement) *Outbox {
	return &Outbox{inner: inner, logger: logger.Named("escrow")}
}

// Settle 实现 Settlement。
func (o *Outbox) Settle(ctx context.Context, agentID string, amount int64) error {
	return o.try(ctx, &pendingOp{kind: opSettle, key: agentID, amount: amount})
}

// Freeze 实现 Settlement。
func (o *Outbox) Freeze(ctx context.Context, jobID string, amount int64) error {
	return o.try(ctx, &pendingOp{kind: opFreeze, key: jobID, amount: amount})
}

// Release 实现 Settlement。
func (o *Outbox) Release(ctx context.Context, disputeID string, d Disposition) error {
	return o.try(ctx, &pendingOp{kind: opRelease, key: disputeID, disposition: d})
}

func (o *Outbox) try(ctx context.Context, op *pendingOp) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.queuedLocked(op.scope()) {
		o.pending = append(o.pending, op)
		o.logger.Warn("同一作业存在未完成的托管操作，排队等待",
			slog.String("op", string(op.kind)),
			slog.String("key", op.key),
		)
		return xerrors.New(CodeEscrowDeferred, "托管调用排在未完成的操作之后")
	}
	err := o.apply(ctx, op)
	if err == nil {
		return nil
	}
	op.attempts = 1
	op.lastErr = err.Error()
	o.pending = append(o.pending, op)
	o.logger.Warn("托管调用失败，已加入重试队列",
		slog.String("op", string(op.kind)),
		slog.String("key", op.key),
		slog.Any("error", err),
	)
	return xerrors.Wrap(CodeEscrowDeferred, err, "托管调用已延迟重试")
}

// scope 返回操作的排序范围：释放按作业排队，其余按 key。
func (op *pendingOp) scope() string {
	if op.kind == opRelease {
		return op.disposition.JobID
	}
	return op.key
}

func (o *Outbox) queuedLocked(scope string) bool {
	for _, p := range o.pending {
		if p.scope() == scope {
			return true
		}
	}
	return false
}

func (o *Outbox) apply(ctx context.Context, op *pendingOp) error {
	switch op.kind {
	case opSettle:
		return o.inner.Settle(ctx, op.key, op.amount)
	case opFreeze:
		return o.inner.Freeze(ctx, op.key, op.amount)
	case opRelease:
		return o.inner.Release(ctx, op.key, op.disposition)
	default:
		return xerrors.Newf(xerrors.CodeValidation, "未知的托管操作: %s", op.kind)
	}
}

// Flush 按原始顺序重放待处理操作，返回仍未成功的数量。
// 同一作业的后续操作在前序失败时保持等待，保证冻结先于释放。
// 重放期间持有锁，新调用不会越过正在重放的操作。
func (o *Outbox) Flush(ctx context.Context) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	blocked := make(map[string]struct{})
	var remaining []*pendingOp
	for _, op := range o.pending {
		scope := op.scope()
		if _, wait := blocked[scope]; wait {
			remaining = append(remaining, op)
			continue
		}
		if err := o.apply(ctx, op); err != nil {
			op.attempts++
			op.lastErr = err.Error()
			blocked[scope] = struct{}{}
			remaining = append(remaining, op)
			continue
		}
		logger.Audit().Info("托管调用重试成功",
			slog.String("op", string(op.kind)),
			slog.String("key", op.key),
			slog.Int("attempts", op.attempts+1),
		)
	}
	o.pending = remaining
	return len(remaining)
}

// Pending 返回待重试的操作数量。
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

var _ Settlement = (*Outbox)(nil)
