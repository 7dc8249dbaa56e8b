package scheduler

import (
	"context"
	"log/slog"

	"AgentFleet/internal/registry"
	"AgentFleet/pkg/logger"
)

// AssignPending 执行一次分配：按创建顺序遍历待分配任务，为每个任务挑选最公平的可用 Agent。
// 同一轮中已被选中的 Agent 不会再分给后续任务；找不到候选时任务保持待分配。
func (s *Scheduler) AssignPending(ctx context.Context) []Assignment {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status == StatusPending {
			pending = append(pending, job)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sortBySeq(pending)

	candidates := make(map[string][]*registry.Agent)
	taken := make(map[string]struct{})
	var assignments []Assignment
	for _, job := range pending {
		if ctx.Err() != nil {
			break
		}
		key := job.Requirements.Key()
		pool, ok := candidates[key]
		if !ok {
			pool = s.agents.ListAvailable(job.Requirements)
			candidates[key] = pool
		}
		for _, agent := range pool {
			if _, used := taken[agent.ID]; used {
				continue
			}
			taken[agent.ID] = struct{}{}
			if err := s.agents.MarkBusy(agent.ID, job.ID); err != nil {
				s.logger.Debug("候选 Agent 已变化，尝试下一个",
					slog.String("job_id", job.ID),
					slog.String("agent_id", agent.ID),
					slog.Any("error", err),
				)
				continue
			}
			job.Status = StatusAssigned
			job.AgentID = agent.ID
			job.ExecutedBy = agent.ID
			job.AssignedAt = now
			job.Deadline = now.Add(s.jobTimeout)
			job.Progress = Progress{}
			job.lease++
			assignments = append(assignments, Assignment{
				JobID:    job.ID,
				AgentID:  agent.ID,
				Payload:  job.Payload,
				Deadline: job.Deadline,
			})
			logger.Audit().Info("任务已分配",
				slog.String("job_id", job.ID),
				slog.String("agent_id", agent.ID),
				slog.Int("retries", job.Retries),
			)
			break
		}
	}
	return assignments
}
