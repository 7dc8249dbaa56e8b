package fleet

import (
	"context"
	"log/slog"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/event"
	"AgentFleet/internal/notify"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/wallet"
)

type handler func(ctx context.Context, cmd event.Command) (any, error)

// handle 把具体命令类型的处理函数适配为统一的处理器。
func handle[T event.Command](fn func(ctx context.Context, cmd T) (any, error)) handler {
	return func(ctx context.Context, cmd event.Command) (any, error) {
		typed, ok := cmd.(T)
		if !ok {
			return nil, xerrors.Newf(xerrors.CodeValidation, "命令类型不匹配: %T", cmd)
		}
		return fn(ctx, typed)
	}
}

func (c *Coordinator) buildHandlers() (map[event.Kind]handler, error) {
	table := map[event.Kind]handler{
		event.KindHeartbeat:      handle(c.onHeartbeat),
		event.KindProgress:       handle(c.onProgress),
		event.KindCompletion:     handle(c.onCompletion),
		event.KindAbandon:        handle(c.onAbandon),
		event.KindSubmit:         handle(c.onSubmit),
		event.KindDisputeOpen:    handle(c.onDisputeOpen),
		event.KindDisputeReview:  handle(c.onDisputeReview),
		event.KindDisputeResolve: handle(c.onDisputeResolve),
		event.KindAgentReinstate: handle(c.onAgentReinstate),
	}
	for _, kind := range event.Kinds() {
		if table[kind] == nil {
			return nil, xerrors.Newf(xerrors.CodeInitializationFailure, "命令 %s 缺少处理器", kind)
		}
	}
	return table, nil
}

// Dispatch 执行一条命令并同步返回结果。实现 event.Dispatcher。
func (c *Coordinator) Dispatch(ctx context.Context, cmd event.Command) (any, error) {
	if cmd == nil {
		return nil, xerrors.New(xerrors.CodeValidation, "命令不能为空")
	}
	h, ok := c.handlers[cmd.Kind()]
	if !ok {
		return nil, xerrors.Newf(event.CodeMalformedEnvelope, "未知的命令类型: %s", cmd.Kind())
	}
	value, err := h(ctx, cmd)
	c.metrics.ObserveEvent(string(cmd.Kind()), err)
	if err != nil {
		c.logger.Debug("命令执行失败",
			slog.String("kind", string(cmd.Kind())),
			slog.String("routing_key", cmd.RoutingKey()),
			slog.Any("error", err),
		)
	}
	return value, err
}

func (c *Coordinator) onHeartbeat(ctx context.Context, cmd event.Heartbeat) (any, error) {
	addr := ""
	if cmd.Wallet != "" {
		normalized, err := wallet.Normalize(cmd.Wallet)
		if err != nil {
			return nil, err
		}
		addr = normalized
	}
	agent, available, err := c.registry.RegisterHeartbeat(ctx, registry.Heartbeat{
		AgentID:      cmd.AgentID,
		Capabilities: registry.ParseCapabilities(cmd.Capabilities),
		Limits:       cmd.Limits,
		Metrics:      cmd.Metrics,
		Wallet:       addr,
	})
	if err != nil {
		return nil, err
	}
	if available {
		c.Wake()
	}
	return agent, nil
}

func (c *Coordinator) onProgress(ctx context.Context, cmd event.Progress) (any, error) {
	return c.scheduler.ReportProgress(ctx, cmd.AgentID, cmd.JobID, cmd.Progress)
}

func (c *Coordinator) onCompletion(ctx context.Context, cmd event.Completion) (any, error) {
	job, err := c.scheduler.ReportCompletion(ctx, cmd.AgentID, cmd.JobID, cmd.Result)
	if err != nil {
		return nil, err
	}
	c.Wake()
	return job, nil
}

func (c *Coordinator) onAbandon(ctx context.Context, cmd event.Abandon) (any, error) {
	rec, err := c.scheduler.Abandon(ctx, cmd.AgentID, cmd.JobID, cmd.Reason)
	if err != nil {
		return nil, err
	}
	c.afterRecovery(ctx, rec)
	c.Wake()
	return rec, nil
}

func (c *Coordinator) onSubmit(ctx context.Context, cmd event.Submit) (any, error) {
	job, err := c.scheduler.Submit(ctx, cmd.Spec)
	if err != nil {
		return nil, err
	}
	c.Wake()
	return job, nil
}

func (c *Coordinator) onDisputeOpen(ctx context.Context, cmd event.DisputeOpen) (any, error) {
	d, err := c.arbiter.Open(ctx, cmd.Request)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveDispute("open")
	return d, nil
}

func (c *Coordinator) onDisputeReview(ctx context.Context, cmd event.DisputeReview) (any, error) {
	d, err := c.arbiter.Review(ctx, cmd.DisputeID)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveDispute("review")
	return d, nil
}

func (c *Coordinator) onDisputeResolve(ctx context.Context, cmd event.DisputeResolve) (any, error) {
	res, err := c.arbiter.Resolve(ctx, cmd.DisputeID, cmd.Decision)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveDispute(string(res.Dispute.Status))
	c.notify(ctx, notify.Message{
		Kind:      notify.KindDisputeResolved,
		AgentID:   res.Dispute.AgentID,
		JobID:     res.Dispute.JobID,
		DisputeID: res.Dispute.ID,
		Body: map[string]any{
			"status":      res.Dispute.Status,
			"disposition": res.Dispute.Disposition,
			"penalty":     res.Dispute.Penalty,
			"suspended":   res.Dispute.Suspended,
		},
	})
	for _, rec := range res.Recoveries {
		c.afterRecovery(ctx, rec)
	}
	if len(res.Recoveries) > 0 {
		c.Wake()
	}
	return res, nil
}

func (c *Coordinator) onAgentReinstate(_ context.Context, cmd event.AgentReinstate) (any, error) {
	if err := c.registry.Reinstate(cmd.AgentID); err != nil {
		return nil, err
	}
	agent, err := c.registry.Get(cmd.AgentID)
	if err != nil {
		return nil, err
	}
	c.Wake()
	return agent, nil
}
