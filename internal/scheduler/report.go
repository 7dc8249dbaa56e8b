package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/observability/alerting"
	"AgentFleet/internal/registry"
	"AgentFleet/pkg/logger"
)

func (s *Scheduler) ownedLocked(agentID, jobID string) (*Job, error) {
	job, err := s.lookupLocked(jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Active() {
		return nil, xerrors.Newf(CodeJobState, "任务 %s 当前状态为 %s", jobID, job.Status)
	}
	if job.AgentID != agentID {
		return nil, xerrors.Newf(CodeJobState, "任务 %s 不属于 agent %s", jobID, agentID)
	}
	return job, nil
}

// ReportProgress 记录执行进度。首次上报将任务从 assigned 推进到 in_progress，并刷新执行期限。
func (s *Scheduler) ReportProgress(_ context.Context, agentID, jobID string, progress Progress) (*Job, error) {
	if progress.Percent < 0 || progress.Percent > 100 {
		return nil, xerrors.New(CodeJobValidation, "进度必须在 0 到 100 之间")
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(agentID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == StatusAssigned {
		job.Status = StatusInProgress
		job.StartedAt = now
	}
	job.Progress = progress
	job.Deadline = now.Add(s.jobTimeout)
	return cloneJob(job), nil
}

// ReportCompletion 处理 Agent 的完成上报。结果在锁外交给校验器，之后重新确认归属再提交。
// 校验器返回错误时任务保持原状，Agent 可以再次上报；结果被拒绝则任务直接失败。
func (s *Scheduler) ReportCompletion(ctx context.Context, agentID, jobID string, result Result) (*Job, error) {
	s.mu.RLock()
	job, err := s.ownedLocked(agentID, jobID)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	payload, lease := job.Payload, job.lease
	s.mu.RUnlock()

	accepted, verr := s.verifier.Verify(ctx, payload, strings.TrimSpace(result.Reference))
	if verr != nil {
		return nil, xerrors.Wrap(CodeVerifierFailure, verr, "结果校验失败，请稍后重试",
			xerrors.WithMetadata("job_id", jobID))
	}

	now := s.clock.Now()
	s.mu.Lock()
	job, err = s.ownedLocked(agentID, jobID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if job.lease != lease {
		s.mu.Unlock()
		return nil, xerrors.Newf(CodeJobState, "任务 %s 在校验期间已被重新分配", jobID)
	}
	result.Accepted = accepted
	job.Result = &result
	job.FinishedAt = now
	job.AgentID = ""
	job.Deadline = time.Time{}
	if accepted {
		job.Status = StatusCompleted
		job.Progress.Percent = 100
	} else {
		job.Status = StatusFailed
		job.LastError = "结果未通过校验"
	}
	if err := s.agents.MarkIdle(agentID, jobID); err != nil {
		s.logger.Warn("释放 Agent 失败", slog.String("agent_id", agentID), slog.String("job_id", jobID), slog.Any("error", err))
	}
	view := cloneJob(job)
	s.mu.Unlock()

	logger.Audit().Info("任务已完成",
		slog.String("job_id", jobID),
		slog.String("agent_id", agentID),
		slog.String("status", string(view.Status)),
		slog.String("reference", result.Reference),
	)
	return view, nil
}

// Abandon 处理 Agent 主动放弃任务，按回收流程重新排队或在达到上限时失败。
func (s *Scheduler) Abandon(ctx context.Context, agentID, jobID, reason string) (Recovery, error) {
	s.mu.Lock()
	job, err := s.ownedLocked(agentID, jobID)
	if err != nil {
		s.mu.Unlock()
		return Recovery{}, err
	}
	s.agents.Release(agentID, jobID)
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = ReasonAbandoned
	}
	rec, alert := s.recoverLocked(job, reason)
	s.mu.Unlock()

	s.emitRecovery(ctx, alert)
	return rec, nil
}

// Sanction 描述对 Agent 的一次处罚。
type Sanction struct {
	AgentID string
	Penalty float64
	Suspend bool
	Reason  string
}

// Discipline 汇总处罚结果。
type Discipline struct {
	Agent      *registry.Agent
	Suspended  bool
	Recoveries []Recovery
}

// Discipline 扣减信誉并视情况暂停 Agent。暂停释放出的任务在同一临界区内回收，
// 观察者不会看到已暂停的 Agent 仍占有执行中的任务。
func (s *Scheduler) Discipline(ctx context.Context, sanction Sanction) (Discipline, error) {
	var (
		out    Discipline
		alerts []alerting.Event
	)
	s.mu.Lock()
	penalty, err := s.agents.Penalize(sanction.AgentID, sanction.Penalty, sanction.Reason)
	if err != nil {
		s.mu.Unlock()
		return Discipline{}, err
	}
	out.Agent = penalty.Agent
	orphans := []*registry.Orphan{penalty.Orphan}
	out.Suspended = penalty.Suspended
	switch {
	case !sanction.Suspend || penalty.Suspended:
	case penalty.Agent.Status == registry.StatusSuspended:
		out.Suspended = true
	default:
		orphan, err := s.agents.Suspend(sanction.AgentID, sanction.Reason)
		if err != nil {
			s.mu.Unlock()
			return out, err
		}
		out.Suspended = true
		orphans = append(orphans, orphan)
	}
	for _, orphan := range orphans {
		if orphan == nil {
			continue
		}
		job, ok := s.jobs[orphan.JobID]
		if !ok || !job.Status.Active() || job.AgentID != orphan.AgentID {
			continue
		}
		rec, alert := s.recoverLocked(job, ReasonAgentSuspended)
		out.Recoveries = append(out.Recoveries, rec)
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	s.mu.Unlock()

	s.emit(ctx, alerts)
	return out, nil
}

func (s *Scheduler) emitRecovery(ctx context.Context, alert *alerting.Event) {
	if alert != nil {
		s.emit(ctx, []alerting.Event{*alert})
	}
}
