// Package dispute 是争议记录的唯一所有者。仲裁器通过调度器的争议钩子修改任务，
// 对 Agent 的惩罚也经由调度器下达，自身不持有其它组件的记录。
package dispute

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentFleet/internal/clock"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/escrow"
	"AgentFleet/internal/observability/alerting"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/scheduler"
	"AgentFleet/pkg/logger"
)

// JobHooks 是仲裁器对调度器的依赖。
type JobHooks interface {
	MarkDisputed(ctx context.Context, jobID string) (*scheduler.Job, error)
	MarkResolved(ctx context.Context, jobID string, kind escrow.Kind) (*scheduler.Job, error)
	Discipline(ctx context.Context, sanction scheduler.Sanction) (scheduler.Discipline, error)
}

// Archiver 接收已裁决争议的最终快照。
type Archiver interface {
	ArchiveDispute(ctx context.Context, d *Dispute) error
}

// Resolution 汇总一次裁决产生的副作用。
type Resolution struct {
	Dispute    *Dispute
	Job        *scheduler.Job
	Recoveries []scheduler.Recovery
}

// Arbiter 管理争议生命周期。
type Arbiter struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	byJob    map[string]string
	seq      uint64

	jobs       JobHooks
	settlement escrow.Settlement
	alerter    alerting.Dispatcher
	clock      clock.Clock
	penalty    float64
	logger     *slog.Logger
}

// Option 定义可选配置。
type Option func(*Arbiter)

// WithClock 指定时钟来源。
func WithClock(c clock.Clock) Option {
	return func(a *Arbiter) {
		a.clock = clock.OrSystem(c)
	}
}

// WithSettlement 配置托管协作方，通常为 escrow.Outbox。
func WithSettlement(s escrow.Settlement) Option {
	return func(a *Arbiter) {
		a.settlement = s
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(a *Arbiter) {
		a.alerter = d
	}
}

// WithDefaultPenalty 设置需求方胜诉时的默认信誉惩罚。
func WithDefaultPenalty(p float64) Option {
	return func(a *Arbiter) {
		if p >= 0 {
			a.penalty = p
		}
	}
}

// New 创建 Arbiter。
func New(jobs JobHooks, opts ...Option) *Arbiter {
	a := &Arbiter{
		disputes: make(map[string]*Dispute),
		byJob:    make(map[string]string),
		jobs:     jobs,
		clock:    clock.System{},
		penalty:  0.25,
		logger:   logger.Named("dispute"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Open 针对已结束的任务发起争议，任务转为争议中并冻结托管资金。
func (a *Arbiter) Open(ctx context.Context, req Request) (*Dispute, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	jobID := strings.TrimSpace(req.JobID)
	now := a.clock.Now()

	a.mu.Lock()
	if existing, ok := a.byJob[jobID]; ok {
		a.mu.Unlock()
		return nil, xerrors.Newf(CodeDisputeExists, "任务 %s 已存在争议 %s", jobID, existing)
	}
	job, err := a.jobs.MarkDisputed(ctx, jobID)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	a.seq++
	d := &Dispute{
		ID:       uuid.NewString(),
		JobID:    jobID,
		AgentID:  job.AgentID,
		RaisedBy: strings.TrimSpace(req.RaisedBy),
		Claim:    strings.TrimSpace(req.Claim),
		Evidence: append([]string(nil), req.Evidence...),
		Status:   StatusOpen,
		Escrow:   job.Escrow,
		OpenedAt: now,
		seq:      a.seq,
	}
	a.disputes[d.ID] = d
	a.byJob[jobID] = d.ID
	view := cloneDispute(d)
	a.mu.Unlock()

	if a.settlement != nil {
		if err := a.settlement.Freeze(ctx, jobID, job.Escrow); err != nil {
			a.logger.Warn("冻结托管失败，等待重试", slog.String("dispute_id", view.ID), slog.Any("error", err))
		}
	}
	logger.Audit().Info("争议已发起",
		slog.String("dispute_id", view.ID),
		slog.String("job_id", jobID),
		slog.String("agent_id", view.AgentID),
		slog.String("raised_by", view.RaisedBy),
	)
	return view, nil
}

// Review 标记争议进入审查。
func (a *Arbiter) Review(_ context.Context, disputeID string) (*Dispute, error) {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	d, err := a.lookupLocked(disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status.Terminal() {
		return nil, xerrors.Newf(CodeDisputeResolved, "争议 %s 已裁决", disputeID)
	}
	if d.Status != StatusOpen {
		return nil, xerrors.Newf(CodeDisputeState, "争议 %s 当前状态为 %s", disputeID, d.Status)
	}
	d.Status = StatusUnderReview
	d.ReviewedAt = now
	return cloneDispute(d), nil
}

// Resolve 对争议作出裁决。已裁决的争议返回 ErrDisputeResolved 且不做任何修改。
// 需求方胜诉时扣减执行者信誉，Suspend 为真或信誉跌破下限时暂停该 Agent。
func (a *Arbiter) Resolve(ctx context.Context, disputeID string, decision Decision) (Resolution, error) {
	now := a.clock.Now()

	a.mu.Lock()
	d, err := a.lookupLocked(disputeID)
	if err != nil {
		a.mu.Unlock()
		return Resolution{}, err
	}
	if d.Status.Terminal() {
		a.mu.Unlock()
		return Resolution{}, xerrors.Newf(CodeDisputeResolved, "争议 %s 已裁决", disputeID)
	}
	if err := decision.validate(); err != nil {
		a.mu.Unlock()
		return Resolution{}, err
	}
	kind := escrow.KindReleaseToAgent
	status := StatusResolvedForAgent
	if decision.Outcome == OutcomeRequester {
		kind = escrow.KindRefundRequester
		status = StatusResolvedForRequester
	}
	job, err := a.jobs.MarkResolved(ctx, d.JobID, kind)
	if err != nil {
		a.mu.Unlock()
		return Resolution{}, err
	}
	d.Status = status
	d.Disposition = kind
	d.Decision = strings.TrimSpace(decision.Note)
	d.ResolvedAt = now
	if decision.Outcome == OutcomeRequester {
		d.Penalty = decision.Penalty
		if d.Penalty == 0 {
			d.Penalty = a.penalty
		}
	}
	snap := cloneDispute(d)
	a.mu.Unlock()

	if a.settlement != nil {
		if err := a.settlement.Release(ctx, snap.ID, escrow.Disposition{
			Kind:    kind,
			JobID:   snap.JobID,
			AgentID: snap.AgentID,
			Amount:  snap.Escrow,
		}); err != nil {
			a.logger.Warn("释放托管失败，等待重试", slog.String("dispute_id", snap.ID), slog.Any("error", err))
		}
	}

	res := Resolution{Dispute: snap, Job: job}
	if decision.Outcome == OutcomeRequester {
		suspended, recoveries := a.discipline(ctx, snap, decision)
		res.Recoveries = recoveries
		if suspended {
			snap.Suspended = true
			a.mu.Lock()
			d.Suspended = true
			a.mu.Unlock()
		}
	}

	logger.Audit().Info("争议已裁决",
		slog.String("dispute_id", snap.ID),
		slog.String("job_id", snap.JobID),
		slog.String("agent_id", snap.AgentID),
		slog.String("status", string(snap.Status)),
		slog.Bool("suspended", snap.Suspended),
	)
	return res, nil
}

// discipline 扣减信誉并视情况暂停 Agent，返回是否暂停以及被回收的任务。
func (a *Arbiter) discipline(ctx context.Context, d *Dispute, decision Decision) (bool, []scheduler.Recovery) {
	out, err := a.jobs.Discipline(ctx, scheduler.Sanction{
		AgentID: d.AgentID,
		Penalty: d.Penalty,
		Suspend: decision.Suspend,
		Reason:  "dispute " + d.ID + " resolved for requester",
	})
	if err != nil {
		a.logger.Warn("处罚 Agent 失败", slog.String("agent_id", d.AgentID), slog.Any("error", err))
	}
	suspended, recoveries := out.Suspended, out.Recoveries
	if suspended && a.alerter != nil {
		event := alerting.Event{
			Code:       registry.CodeAgentSuspended,
			Message:    "Agent 因争议被暂停",
			Severity:   xerrors.SeverityWarning,
			AgentID:    d.AgentID,
			JobID:      d.JobID,
			DisputeID:  d.ID,
			OccurredAt: a.clock.Now(),
		}
		if err := a.alerter.Notify(ctx, event); err != nil {
			a.logger.Warn("告警发送失败", slog.String("dispute_id", d.ID), slog.Any("error", err))
		}
	}
	return suspended, recoveries
}

// Get 返回争议快照。
func (a *Arbiter) Get(disputeID string) (*Dispute, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	d, err := a.lookupLocked(disputeID)
	if err != nil {
		return nil, err
	}
	return cloneDispute(d), nil
}

// ForJob 返回任务对应的争议。
func (a *Arbiter) ForJob(jobID string) (*Dispute, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.byJob[jobID]
	if !ok {
		return nil, xerrors.Newf(CodeDisputeNotFound, "任务 %s 没有争议", jobID)
	}
	return cloneDispute(a.disputes[id]), nil
}

// List 返回指定状态（为空则全部）的争议，按发起顺序排列。
func (a *Arbiter) List(statuses ...Status) []*Dispute {
	want := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Dispute, 0, len(a.disputes))
	for _, d := range a.disputes {
		if len(want) > 0 {
			if _, ok := want[d.Status]; !ok {
				continue
			}
		}
		out = append(out, cloneDispute(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Archive 将裁决超过保留期的争议写入外部存储并移出内存。
func (a *Arbiter) Archive(ctx context.Context, archiver Archiver, retention time.Duration) (int, error) {
	if archiver == nil {
		return 0, nil
	}
	now := a.clock.Now()
	var ready []*Dispute
	for _, d := range a.List(StatusResolvedForAgent, StatusResolvedForRequester) {
		if now.Sub(d.ResolvedAt) > retention {
			ready = append(ready, d)
		}
	}

	var (
		archived int
		firstErr error
	)
	for _, d := range ready {
		if err := archiver.ArchiveDispute(ctx, d); err != nil {
			if firstErr == nil {
				firstErr = xerrors.Wrap(xerrors.CodeStorageFailure, err, "争议归档失败", xerrors.WithMetadata("dispute_id", d.ID))
			}
			a.logger.Warn("争议归档失败", slog.String("dispute_id", d.ID), slog.Any("error", err))
			continue
		}
		a.mu.Lock()
		delete(a.disputes, d.ID)
		delete(a.byJob, d.JobID)
		a.mu.Unlock()
		archived++
	}
	return archived, firstErr
}

func (a *Arbiter) lookupLocked(disputeID string) (*Dispute, error) {
	d, ok := a.disputes[disputeID]
	if !ok {
		return nil, xerrors.Newf(CodeDisputeNotFound, "争议 %s 不存在", disputeID)
	}
	return d, nil
}
