package scheduler

import (
	"time"

	"AgentFleet/internal/registry"
)

// Status 表示任务状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDisputed   Status = "disputed"
	StatusResolved   Status = "resolved"
)

// IsValidStatus 判断状态是否合法。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusAssigned, StatusInProgress, StatusCompleted,
		StatusFailed, StatusDisputed, StatusResolved:
		return true
	default:
		return false
	}
}

// Active 表示任务当前被某个 Agent 持有并执行。
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// EscrowState 表示任务托管资金的状态。
type EscrowState string

const (
	EscrowHeld     EscrowState = "held"
	EscrowSettling EscrowState = "settling"
	EscrowSettled  EscrowState = "settled"
	EscrowFrozen   EscrowState = "frozen"
	EscrowReleased EscrowState = "released"
	EscrowRefunded EscrowState = "refunded"
)

// Spec 描述提交任务所需的参数。
type Spec struct {
	ID           string            `json:"id,omitempty"`
	Requirements []string          `json:"requirements"`
	Payload      string            `json:"payload"`
	Escrow       int64             `json:"escrow"`
	MaxRetries   int               `json:"max_retries,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Progress 是 Agent 上报的执行进度。
type Progress struct {
	Percent      int    `json:"percent"`
	BytesRelayed int64  `json:"bytes_relayed,omitempty"`
	Note         string `json:"note,omitempty"`
}

// Result 是 Agent 上报的执行结果，Reference 指向可供校验的证明。
type Result struct {
	Reference    string `json:"reference"`
	BytesRelayed int64  `json:"bytes_relayed,omitempty"`
	Detail       string `json:"detail,omitempty"`
	Accepted     bool   `json:"accepted"`
}

// Job 表示一次中继或计算任务。
type Job struct {
	ID              string                 `json:"id"`
	Requirements    registry.CapabilitySet `json:"-"`
	RequirementList []registry.Capability  `json:"requirements"`
	Payload         string                 `json:"payload"`
	Metadata        map[string]string      `json:"metadata,omitempty"`
	Status          Status                 `json:"status"`
	AgentID         string                 `json:"agent_id,omitempty"`
	ExecutedBy      string                 `json:"executed_by,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	AssignedAt      time.Time              `json:"assigned_at,omitempty"`
	StartedAt       time.Time              `json:"started_at,omitempty"`
	Deadline        time.Time              `json:"deadline,omitempty"`
	FinishedAt      time.Time              `json:"finished_at,omitempty"`
	ResolvedAt      time.Time              `json:"resolved_at,omitempty"`
	Retries         int                    `json:"retries"`
	MaxRetries      int                    `json:"max_retries"`
	Progress        Progress               `json:"progress"`
	Result          *Result                `json:"result,omitempty"`
	Escrow          int64                  `json:"escrow"`
	EscrowState     EscrowState            `json:"escrow_state"`
	DisputedFrom    Status                 `json:"disputed_from,omitempty"`
	LastError       string                 `json:"last_error,omitempty"`
	Seq             uint64                 `json:"seq"`

	// lease 在每次分配时递增，用于识别校验期间发生的重新分配。
	lease uint64
}

// Terminal 判断任务是否已经结束执行。
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusResolved:
		return true
	default:
		return false
	}
}

func cloneJob(j *Job) *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Requirements = j.Requirements.Clone()
	clone.RequirementList = j.Requirements.Slice()
	if j.Metadata != nil {
		clone.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			clone.Metadata[k] = v
		}
	}
	if j.Result != nil {
		result := *j.Result
		clone.Result = &result
	}
	return &clone
}

// Assignment 记录一次分配。
type Assignment struct {
	JobID    string    `json:"job_id"`
	AgentID  string    `json:"agent_id"`
	Payload  string    `json:"payload"`
	Deadline time.Time `json:"deadline"`
}

// Recovery 记录一次任务回收。
type Recovery struct {
	JobID   string `json:"job_id"`
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
	Retries int    `json:"retries"`
	Failed  bool   `json:"failed"`
}

// 回收原因。
const (
	ReasonAgentLost        = "agent_lost"
	ReasonDeadlineExceeded = "deadline_exceeded"
	ReasonAbandoned        = "abandoned"
	ReasonAgentSuspended   = "agent_suspended"
)

// SettleReport 汇总一次结算扫描。
type SettleReport struct {
	Settled  int `json:"settled"`
	Refunded int `json:"refunded"`
	Deferred int `json:"deferred"`
}
