// Package event 定义 Agent 与运维侧发往调度核心的封闭命令集合、其 JSON 信封格式，
// 以及承载信封的队列实现与按 Agent 分片的有序路由。
package event

import (
	"AgentFleet/internal/dispute"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/scheduler"
)

// Kind 是命令类型。集合是封闭的，新增类型必须同时登记解码器与处理器。
type Kind string

const (
	KindHeartbeat      Kind = "heartbeat"
	KindProgress       Kind = "job_progress"
	KindCompletion     Kind = "job_complete"
	KindAbandon        Kind = "job_abandon"
	KindSubmit         Kind = "job_submit"
	KindDisputeOpen    Kind = "dispute_open"
	KindDisputeReview  Kind = "dispute_review"
	KindDisputeResolve Kind = "dispute_resolve"
	KindAgentReinstate Kind = "agent_reinstate"
)

// Kinds 返回全部命令类型。
func Kinds() []Kind {
	return []Kind{
		KindHeartbeat,
		KindProgress,
		KindCompletion,
		KindAbandon,
		KindSubmit,
		KindDisputeOpen,
		KindDisputeReview,
		KindDisputeResolve,
		KindAgentReinstate,
	}
}

// Command 是封闭的命令接口，只有本包内的类型可以实现。
type Command interface {
	Kind() Kind
	// RoutingKey 决定命令进入哪个有序分片；同一 Agent 的命令保持到达顺序。
	RoutingKey() string
	sealed()
}

// Origin 记录命令的发送方 Agent。
type Origin struct {
	AgentID string `json:"agent_id"`
}

func (o *Origin) origin() *Origin { return o }

func (o Origin) agent() string { return o.AgentID }

// Heartbeat 是 Agent 心跳。
type Heartbeat struct {
	Origin
	Capabilities []string         `json:"capabilities"`
	Limits       registry.Limits  `json:"limits"`
	Metrics      registry.Metrics `json:"metrics"`
	Wallet       string           `json:"wallet,omitempty"`
}

// Progress 是任务进度上报。
type Progress struct {
	Origin
	JobID string `json:"job_id"`
	scheduler.Progress
}

// Completion 是任务完成上报。
type Completion struct {
	Origin
	JobID string `json:"job_id"`
	scheduler.Result
}

// Abandon 表示 Agent 放弃任务。
type Abandon struct {
	Origin
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// Submit 提交新任务。
type Submit struct {
	scheduler.Spec
}

// DisputeOpen 发起争议。
type DisputeOpen struct {
	dispute.Request
}

// DisputeReview 将争议转入审查。
type DisputeReview struct {
	DisputeID string `json:"dispute_id"`
}

// DisputeResolve 裁决争议。
type DisputeResolve struct {
	DisputeID string `json:"dispute_id"`
	dispute.Decision
}

// AgentReinstate 解除 Agent 的暂停。
type AgentReinstate struct {
	AgentID string `json:"agent_id"`
}

func (Heartbeat) Kind() Kind      { return KindHeartbeat }
func (Progress) Kind() Kind       { return KindProgress }
func (Completion) Kind() Kind     { return KindCompletion }
func (Abandon) Kind() Kind        { return KindAbandon }
func (Submit) Kind() Kind         { return KindSubmit }
func (DisputeOpen) Kind() Kind    { return KindDisputeOpen }
func (DisputeReview) Kind() Kind  { return KindDisputeReview }
func (DisputeResolve) Kind() Kind { return KindDisputeResolve }
func (AgentReinstate) Kind() Kind { return KindAgentReinstate }

func (c Heartbeat) RoutingKey() string      { return c.AgentID }
func (c Progress) RoutingKey() string       { return c.AgentID }
func (c Completion) RoutingKey() string     { return c.AgentID }
func (c Abandon) RoutingKey() string        { return c.AgentID }
func (c Submit) RoutingKey() string         { return c.ID }
func (c DisputeOpen) RoutingKey() string    { return c.JobID }
func (c DisputeReview) RoutingKey() string  { return c.DisputeID }
func (c DisputeResolve) RoutingKey() string { return c.DisputeID }
func (c AgentReinstate) RoutingKey() string { return c.AgentID }

func (Heartbeat) sealed()      {}
func (Progress) sealed()       {}
func (Completion) sealed()     {}
func (Abandon) sealed()        {}
func (Submit) sealed()         {}
func (DisputeOpen) sealed()    {}
func (DisputeReview) sealed()  {}
func (DisputeResolve) sealed() {}
func (AgentReinstate) sealed() {}
