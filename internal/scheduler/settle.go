package scheduler

import (
	"context"
	"log/slog"
	"time"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/escrow"
	"AgentFleet/internal/observability/alerting"
	"AgentFleet/pkg/logger"
)

// MarkDisputed 将已结束的任务标记为争议中。仅允许在宽限期内、托管尚未结算时调用。
// 争议期间 AgentID 重新指向最后的执行者，托管资金视为冻结。
func (s *Scheduler) MarkDisputed(_ context.Context, jobID string) (*Job, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookupLocked(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusCompleted && job.Status != StatusFailed {
		return nil, xerrors.Newf(CodeJobState, "任务 %s 当前状态为 %s，无法发起争议", jobID, job.Status)
	}
	if now.Sub(job.FinishedAt) > s.disputeGrace {
		return nil, xerrors.Newf(CodeJobGraceExpired, "任务 %s 已超过争议宽限期", jobID)
	}
	if job.EscrowState != EscrowHeld {
		return nil, xerrors.Newf(CodeJobState, "任务 %s 托管状态为 %s", jobID, job.EscrowState)
	}
	if job.ExecutedBy == "" {
		return nil, xerrors.Newf(CodeJobState, "任务 %s 从未被执行", jobID)
	}
	job.DisputedFrom = job.Status
	job.Status = StatusDisputed
	job.AgentID = job.ExecutedBy
	job.EscrowState = EscrowFrozen
	return cloneJob(job), nil
}

// MarkResolved 结束争议并记录托管去向。
func (s *Scheduler) MarkResolved(_ context.Context, jobID string, kind escrow.Kind) (*Job, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookupLocked(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusDisputed {
		return nil, xerrors.Newf(CodeJobState, "任务 %s 不在争议中", jobID)
	}
	job.Status = StatusResolved
	job.AgentID = ""
	job.ResolvedAt = now
	switch kind {
	case escrow.KindReleaseToAgent:
		job.EscrowState = EscrowReleased
	default:
		job.EscrowState = EscrowRefunded
	}
	return cloneJob(job), nil
}

type settleCandidate struct {
	jobID   string
	agentID string
	amount  int64
}

// SettleMatured 结算宽限期已过、未发生争议的任务。
// 成功的任务向执行者付款并累计收益；失败的任务转为退款。结算失败的任务保留到下一轮重试。
func (s *Scheduler) SettleMatured(ctx context.Context) SettleReport {
	now := s.clock.Now()
	var report SettleReport

	s.mu.Lock()
	var candidates []settleCandidate
	for _, job := range s.jobs {
		if job.EscrowState != EscrowHeld || now.Sub(job.FinishedAt) <= s.disputeGrace {
			continue
		}
		switch job.Status {
		case StatusCompleted:
			job.EscrowState = EscrowSettling
			candidates = append(candidates, settleCandidate{jobID: job.ID, agentID: job.ExecutedBy, amount: job.Escrow})
		case StatusFailed:
			job.EscrowState = EscrowRefunded
			report.Refunded++
		}
	}
	s.mu.Unlock()

	var alerts []alerting.Event
	for _, c := range candidates {
		err := s.settle(ctx, c)
		s.mu.Lock()
		job, ok := s.jobs[c.jobID]
		if ok && job.EscrowState == EscrowSettling {
			if err == nil {
				job.EscrowState = EscrowSettled
			} else {
				job.EscrowState = EscrowHeld
				job.LastError = err.Error()
			}
		}
		s.mu.Unlock()

		if err != nil {
			report.Deferred++
			s.logger.Warn("托管结算失败，下一轮重试",
				slog.String("job_id", c.jobID),
				slog.String("agent_id", c.agentID),
				slog.Any("error", err),
			)
			if xerrors.ShouldAlert(err) {
				event := alerting.FromError(err, now)
				event.JobID, event.AgentID = c.jobID, c.agentID
				alerts = append(alerts, event)
			}
			continue
		}
		report.Settled++
		if c.amount > 0 {
			if err := s.agents.CreditEarnings(c.agentID, c.amount); err != nil {
				s.logger.Warn("累计收益失败", slog.String("agent_id", c.agentID), slog.Any("error", err))
			}
		}
		logger.Audit().Info("托管已结算",
			slog.String("job_id", c.jobID),
			slog.String("agent_id", c.agentID),
			slog.Int64("amount", c.amount),
		)
	}
	s.emit(ctx, alerts)
	return report
}

func (s *Scheduler) settle(ctx context.Context, c settleCandidate) error {
	if c.amount == 0 {
		return nil
	}
	if s.walletCheck != nil {
		agent, err := s.agents.Get(c.agentID)
		if err != nil {
			return err
		}
		if !s.walletCheck(agent.Wallet) {
			return xerrors.Newf(CodeSettlementFailure, "agent %s 未登记有效钱包", c.agentID)
		}
	}
	if s.settlement == nil {
		return xerrors.New(CodeSettlementFailure, "未配置托管结算服务")
	}
	if err := s.settlement.Settle(ctx, c.agentID, c.amount); err != nil {
		return xerrors.Wrap(CodeSettlementFailure, err, "托管结算失败",
			xerrors.WithMetadata("job_id", c.jobID))
	}
	return nil
}

func (s *Scheduler) archivable(job *Job, now time.Time, retention time.Duration) bool {
	switch job.Status {
	case StatusResolved:
		return now.Sub(job.ResolvedAt) > retention
	case StatusCompleted:
		return job.EscrowState == EscrowSettled && now.Sub(job.FinishedAt) > s.disputeGrace+retention
	case StatusFailed:
		return job.EscrowState == EscrowRefunded && now.Sub(job.FinishedAt) > s.disputeGrace+retention
	default:
		return false
	}
}

// Archive 将已彻底结束且超过保留期的任务写入外部存储并从内存移除。
// 单个任务写入失败不影响其余任务，留待下一轮。
func (s *Scheduler) Archive(ctx context.Context, archiver Archiver, retention time.Duration) (int, error) {
	if archiver == nil {
		return 0, nil
	}
	now := s.clock.Now()

	s.mu.RLock()
	var ready []*Job
	for _, job := range s.jobs {
		if s.archivable(job, now, retention) {
			ready = append(ready, cloneJob(job))
		}
	}
	s.mu.RUnlock()
	sortBySeq(ready)

	var (
		archived int
		firstErr error
	)
	for _, job := range ready {
		if err := archiver.ArchiveJob(ctx, job); err != nil {
			if firstErr == nil {
				firstErr = xerrors.Wrap(CodeArchiveFailure, err, "任务归档失败", xerrors.WithMetadata("job_id", job.ID))
			}
			s.logger.Warn("任务归档失败", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		s.mu.Lock()
		if current, ok := s.jobs[job.ID]; ok && s.archivable(current, now, retention) {
			delete(s.jobs, job.ID)
			archived++
		}
		s.mu.Unlock()
	}
	return archived, firstErr
}
