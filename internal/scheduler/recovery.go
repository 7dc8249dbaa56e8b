package scheduler

import (
	"context"
	"log/slog"
	"time"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/observability/alerting"
	"AgentFleet/pkg/logger"
)

// recoverLocked 将执行中的任务退回待分配；重试次数达到上限时直接失败并返回告警事件。
func (s *Scheduler) recoverLocked(job *Job, reason string) (Recovery, *alerting.Event) {
	now := s.clock.Now()
	agentID := job.AgentID
	job.Retries++
	job.AgentID = ""
	job.Deadline = time.Time{}
	job.Progress = Progress{}
	job.LastError = reason

	rec := Recovery{JobID: job.ID, AgentID: agentID, Reason: reason, Retries: job.Retries}
	if job.Retries < job.MaxRetries {
		job.Status = StatusPending
		s.logger.Warn("任务已回收并重新排队",
			slog.String("job_id", job.ID),
			slog.String("agent_id", agentID),
			slog.String("reason", reason),
			slog.Int("retries", job.Retries),
		)
		return rec, nil
	}

	job.Status = StatusFailed
	job.FinishedAt = now
	rec.Failed = true
	logger.Audit().Warn("任务重试次数耗尽",
		slog.String("job_id", job.ID),
		slog.String("agent_id", agentID),
		slog.String("reason", reason),
		slog.Int("retries", job.Retries),
	)
	return rec, &alerting.Event{
		Code:       CodeJobRetriesExhausted,
		Message:    "任务重试次数耗尽: " + reason,
		Severity:   xerrors.SeverityCritical,
		JobID:      job.ID,
		AgentID:    agentID,
		Retries:    job.Retries,
		MaxRetries: job.MaxRetries,
		OccurredAt: now,
	}
}

// SweepLiveness 将心跳超时的 Agent 标记为离线，并在同一临界区内回收它们持有的任务。
func (s *Scheduler) SweepLiveness(ctx context.Context, timeout time.Duration) []Recovery {
	s.mu.Lock()
	orphans := s.agents.SweepStale(timeout)
	var (
		recoveries []Recovery
		alerts     []alerting.Event
	)
	for _, orphan := range orphans {
		job, ok := s.jobs[orphan.JobID]
		if !ok || !job.Status.Active() || job.AgentID != orphan.AgentID {
			s.logger.Debug("忽略过期的失联通知",
				slog.String("agent_id", orphan.AgentID),
				slog.String("job_id", orphan.JobID),
			)
			continue
		}
		rec, alert := s.recoverLocked(job, ReasonAgentLost)
		recoveries = append(recoveries, rec)
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	s.mu.Unlock()

	s.emit(ctx, alerts)
	return recoveries
}

// SweepDeadlines 回收超过执行期限的任务，并释放仍在线的执行者。
func (s *Scheduler) SweepDeadlines(ctx context.Context) []Recovery {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []*Job
	for _, job := range s.jobs {
		if job.Status.Active() && !job.Deadline.IsZero() && now.After(job.Deadline) {
			expired = append(expired, job)
		}
	}
	sortBySeq(expired)
	var (
		recoveries []Recovery
		alerts     []alerting.Event
	)
	for _, job := range expired {
		s.agents.Release(job.AgentID, job.ID)
		rec, alert := s.recoverLocked(job, ReasonDeadlineExceeded)
		recoveries = append(recoveries, rec)
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	s.mu.Unlock()

	s.emit(ctx, alerts)
	return recoveries
}
