// Package registry 维护 Agent 的能力、资源上限、存活状态与当前任务引用。
// Registry 是 Agent 记录的唯一所有者；其它组件只能通过这里暴露的命令修改 Agent。
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"AgentFleet/internal/clock"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/pkg/logger"
)

const defaultReputation = 1.0

// Registry 以内存方式保存 Agent 记录。所有方法并发安全，且不会在持锁期间调用外部组件。
type Registry struct {
	mu              sync.RWMutex
	agents          map[string]*Agent
	clock           clock.Clock
	reputationFloor float64
	logger          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Registry)

// WithClock 指定时钟来源。
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = clock.OrSystem(c)
	}
}

// WithReputationFloor 设置信誉下限，低于该值的 Agent 会被自动暂停。
func WithReputationFloor(floor float64) Option {
	return func(r *Registry) {
		if floor >= 0 {
			r.reputationFloor = floor
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 创建 Registry。
func New(opts ...Option) *Registry {
	r := &Registry{
		agents: make(map[string]*Agent),
		clock:  clock.System{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("registry")
	}
	return r
}

// RegisterHeartbeat 创建或更新 Agent 并刷新心跳时间。
// 返回值 available 表示本次心跳让 Agent 从不可用变为可分配，调用方可据此唤醒分配流程。
func (r *Registry) RegisterHeartbeat(_ context.Context, hb Heartbeat) (*Agent, bool, error) {
	id := strings.TrimSpace(hb.AgentID)
	if id == "" {
		return nil, false, xerrors.New(CodeAgentValidation, "agent id 不能为空")
	}
	if unknown := hb.Capabilities.Unknown(); len(unknown) > 0 {
		return nil, false, xerrors.Newf(CodeAgentValidation, "未知的能力: %v", unknown)
	}
	if hb.Limits.MaxCPUPercent < 0 || hb.Limits.MaxCPUPercent > 100 || hb.Limits.MaxBandwidthKbps < 0 || hb.Limits.MaxDailyBytes < 0 {
		return nil, false, xerrors.New(CodeAgentValidation, "资源上限不合法")
	}

	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		agent = &Agent{
			ID:           id,
			Status:       StatusOnline,
			Reputation:   defaultReputation,
			RegisteredAt: now,
		}
		r.agents[id] = agent
	}
	wasAvailable := ok && agent.Available()

	agent.Capabilities = hb.Capabilities.Clone()
	agent.Limits = hb.Limits
	agent.LastHeartbeat = now
	if hb.Metrics.BytesRelayed > agent.Metrics.BytesRelayed {
		agent.Metrics.BytesRelayed = hb.Metrics.BytesRelayed
	}
	if hb.Metrics.SecondsActive > agent.Metrics.SecondsActive {
		agent.Metrics.SecondsActive = hb.Metrics.SecondsActive
	}
	if wallet := strings.TrimSpace(hb.Wallet); wallet != "" {
		agent.Wallet = wallet
	}
	if agent.Status == StatusOffline {
		agent.Status = StatusOnline
	}

	return cloneAgent(agent), !wasAvailable && agent.Available(), nil
}

// ListAvailable 返回在线、空闲且能力覆盖 required 的 Agent。
// 结果按最久未分配优先，其次按累计负载升序，最后按 ID 排序。
func (r *Registry) ListAvailable(required CapabilitySet) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0)
	for _, agent := range r.agents {
		if !agent.Available() || !agent.Capabilities.Covers(required) {
			continue
		}
		out = append(out, cloneAgent(agent))
	}
	sortByFairness(out)
	return out
}

func sortByFairness(agents []*Agent) {
	sort.Slice(agents, func(i, j int) bool {
		a, b := agents[i], agents[j]
		if !a.LastAssignedAt.Equal(b.LastAssignedAt) {
			return a.LastAssignedAt.Before(b.LastAssignedAt)
		}
		if a.Assignments != b.Assignments {
			return a.Assignments < b.Assignments
		}
		if a.Metrics.SecondsActive != b.Metrics.SecondsActive {
			return a.Metrics.SecondsActive < b.Metrics.SecondsActive
		}
		return a.ID < b.ID
	})
}

// MarkBusy 将空闲的在线 Agent 标记为忙碌并记录所持任务。
func (r *Registry) MarkBusy(agentID, jobID string) error {
	if jobID == "" {
		return xerrors.New(CodeAgentValidation, "job id 不能为空")
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return xerrors.Newf(CodeAgentNotFound, "agent %s 不存在", agentID)
	}
	if !agent.Available() {
		return xerrors.Newf(CodeAgentState, "agent %s 当前状态为 %s，无法分配任务", agentID, agent.Status)
	}
	agent.Status = StatusBusy
	agent.JobID = jobID
	agent.LastAssignedAt = now
	agent.Assignments++
	return nil
}

// MarkIdle 将持有 jobID 的忙碌 Agent 恢复为在线。
func (r *Registry) MarkIdle(agentID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return xerrors.Newf(CodeAgentNotFound, "agent %s 不存在", agentID)
	}
	if agent.Status != StatusBusy || agent.JobID != jobID {
		return xerrors.Newf(CodeAgentState, "agent %s 未持有任务 %s", agentID, jobID)
	}
	agent.Status = StatusOnline
	agent.JobID = ""
	return nil
}

// Release 在任务被回收时释放 Agent 对 jobID 的引用。
// 与 MarkIdle 不同，Agent 已不再持有该任务时视为成功。
func (r *Registry) Release(agentID, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok || agent.JobID != jobID {
		return
	}
	agent.JobID = ""
	if agent.Status == StatusBusy {
		agent.Status = StatusOnline
	}
}

// SweepStale 将心跳超过 timeout 的 Agent 标记为离线，并返回其持有的任务。
// Registry 不修改任务状态，返回的 Orphan 交由调度器回收。
func (r *Registry) SweepStale(timeout time.Duration) []Orphan {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var orphans []Orphan
	for _, agent := range r.agents {
		if agent.Status != StatusOnline && agent.Status != StatusBusy {
			continue
		}
		if now.Sub(agent.LastHeartbeat) <= timeout {
			continue
		}
		agent.Status = StatusOffline
		r.logger.Warn("agent 心跳超时，标记为离线",
			slog.String("agent_id", agent.ID),
			slog.Duration("silence", now.Sub(agent.LastHeartbeat)),
		)
		if agent.JobID != "" {
			orphans = append(orphans, Orphan{AgentID: agent.ID, JobID: agent.JobID, Reason: "heartbeat_timeout"})
			agent.JobID = ""
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].AgentID < orphans[j].AgentID })
	return orphans
}

// Suspend 暂停 Agent。若 Agent 正持有任务，该任务以 Orphan 形式返回。
func (r *Registry) Suspend(agentID, reason string) (*Orphan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, xerrors.Newf(CodeAgentNotFound, "agent %s 不存在", agentID)
	}
	return r.suspendLocked(agent, reason), nil
}

func (r *Registry) suspendLocked(agent *Agent, reason string) *Orphan {
	var orphan *Orphan
	if agent.JobID != "" {
		orphan = &Orphan{AgentID: agent.ID, JobID: agent.JobID, Reason: "agent_suspended"}
		agent.JobID = ""
	}
	agent.Status = StatusSuspended
	agent.SuspendReason = reason
	logger.Audit().Warn("agent 已暂停",
		slog.String("agent_id", agent.ID),
		slog.String("reason", reason),
		slog.Float64("reputation", agent.Reputation),
	)
	return orphan
}

// Reinstate 解除暂停。Agent 恢复为在线，若心跳已过期会在下一次巡检中转为离线。
func (r *Registry) Reinstate(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return xerrors.Newf(CodeAgentNotFound, "agent %s 不存在", agentID)
	}
	if agent.Status != StatusSuspended {
		return xerrors.Newf(CodeAgentState, "agent %s 未处于暂停状态", agentID)
	}
	agent.Status = StatusOnline
	agent.SuspendReason = ""
	logger.Audit().Info("agent 已恢复", slog.String("agent_id", agentID))
	return nil
}

// Penalty 描述一次信誉惩罚的结果。
type Penalty struct {
	Agent     *Agent
	Suspended bool
	Orphan    *Orphan
}

// Penalize 扣减 Agent 信誉；低于下限时自动暂停。
func (r *Registry) Penalize(agentID string, amount float64, reason string) (Penalty, error) {
	if amount < 0 {
		return Penalty{}, xerrors.New(CodeAgentValidation, "惩罚值不能为负数")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return Penalty{}, xerrors.Newf(CodeAgentNotFound, "agent %s 不存在", agentID)
	}
	agent.Reputation -= amount
	if agent.Reputation < 0 {
		agent.Reputation = 0
	}
	result := Penalty{}
	if agent.Reputation < r.reputationFloor && agent.Status != StatusSuspended {
		result.Orphan = r.suspendLocked(agent, "reputation below floor: "+reason)
		result.Suspended = true
	}
	result.Agent = cloneAgent(agent)
	return result, nil
}

// CreditEarnings 在结算成功后累计 Agent 收益。
func (r *Registry) CreditEarnings(agentID string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return xerrors.Newf(CodeAgentNotFound, "agent %s 不存在", agentID)
	}
	agent.Metrics.Earnings += amount
	return nil
}

// Get 返回 Agent 快照。
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, xerrors.Newf(CodeAgentNotFound, "agent %s 不存在", agentID)
	}
	return cloneAgent(agent), nil
}

// List 返回指定状态（为空则全部）的 Agent 快照，按 ID 排序。
func (r *Registry) List(statuses ...Status) []*Agent {
	want := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if len(want) > 0 {
			if _, ok := want[agent.Status]; !ok {
				continue
			}
		}
		out = append(out, cloneAgent(agent))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats 返回各状态的 Agent 数量。
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{Total: len(r.agents)}
	for _, agent := range r.agents {
		switch agent.Status {
		case StatusOnline:
			stats.Online++
		case StatusBusy:
			stats.Busy++
		case StatusOffline:
			stats.Offline++
		case StatusSuspended:
			stats.Suspended++
		}
	}
	return stats
}
