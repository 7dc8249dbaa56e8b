package fleet

import (
	"time"

	"AgentFleet/internal/dispute"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/scheduler"
)

// Snapshot 是仪表盘使用的全局视图。
type Snapshot struct {
	TakenAt       time.Time          `json:"taken_at"`
	Agents        []*registry.Agent  `json:"agents"`
	Jobs          []*scheduler.Job   `json:"jobs"`
	Disputes      []*dispute.Dispute `json:"disputes"`
	AgentStats    registry.Stats     `json:"agent_stats"`
	JobStats      scheduler.Stats    `json:"job_stats"`
	PendingEscrow int                `json:"pending_escrow"`
}

// Snapshot 返回 Agent 与任务一致的视图：两者在调度器读锁内读取，
// 分配与巡检无法在两次读取之间提交。争议在此之前单独读取。
func (c *Coordinator) Snapshot() Snapshot {
	snap := Snapshot{
		TakenAt:       c.clock.Now(),
		Disputes:      c.arbiter.List(),
		PendingEscrow: c.outbox.Pending(),
	}
	c.scheduler.View(func(jobs []*scheduler.Job) {
		snap.Jobs = jobs
		snap.Agents = c.registry.List()
		snap.AgentStats = c.registry.Stats()
	})
	snap.JobStats = scheduler.StatsOf(snap.Jobs)
	return snap
}
