package dispute

import (
	"strings"
	"time"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/escrow"
)

// Status 表示争议状态。
type Status string

const (
	StatusOpen                 Status = "open"
	StatusUnderReview          Status = "under_review"
	StatusResolvedForAgent     Status = "resolved_for_agent"
	StatusResolvedForRequester Status = "resolved_for_requester"
)

// Terminal 判断争议是否已裁决。
func (s Status) Terminal() bool {
	return s == StatusResolvedForAgent || s == StatusResolvedForRequester
}

// Outcome 是裁决结果。
type Outcome string

const (
	OutcomeAgent     Outcome = "agent"
	OutcomeRequester Outcome = "requester"
)

// Request 是发起争议的参数。
type Request struct {
	JobID    string   `json:"job_id"`
	RaisedBy string   `json:"raised_by"`
	Claim    string   `json:"claim"`
	Evidence []string `json:"evidence,omitempty"`
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.JobID) == "":
		return xerrors.New(CodeDisputeValidation, "job_id 不能为空")
	case strings.TrimSpace(r.RaisedBy) == "":
		return xerrors.New(CodeDisputeValidation, "raised_by 不能为空")
	case strings.TrimSpace(r.Claim) == "":
		return xerrors.New(CodeDisputeValidation, "claim 不能为空")
	}
	return nil
}

// Decision 是仲裁结论。Penalty 为零时对需求方胜诉的争议使用默认惩罚值。
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Suspend bool    `json:"suspend,omitempty"`
	Penalty float64 `json:"penalty,omitempty"`
	Note    string  `json:"note,omitempty"`
}

func (d Decision) validate() error {
	switch d.Outcome {
	case OutcomeAgent:
		if d.Suspend || d.Penalty != 0 {
			return xerrors.New(CodeDisputeValidation, "支持 Agent 的裁决不能附带惩罚")
		}
	case OutcomeRequester:
		if d.Penalty < 0 {
			return xerrors.New(CodeDisputeValidation, "惩罚值不能为负数")
		}
	default:
		return xerrors.Newf(CodeDisputeValidation, "未知的裁决结果: %q", d.Outcome)
	}
	return nil
}

// Dispute 记录一次针对已结束任务的争议。
type Dispute struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	AgentID     string      `json:"agent_id"`
	RaisedBy    string      `json:"raised_by"`
	Claim       string      `json:"claim"`
	Evidence    []string    `json:"evidence,omitempty"`
	Status      Status      `json:"status"`
	Escrow      int64       `json:"escrow"`
	Disposition escrow.Kind `json:"disposition,omitempty"`
	Decision    string      `json:"decision,omitempty"`
	Penalty     float64     `json:"penalty,omitempty"`
	Suspended   bool        `json:"suspended,omitempty"`
	OpenedAt    time.Time   `json:"opened_at"`
	ReviewedAt  time.Time   `json:"reviewed_at,omitempty"`
	ResolvedAt  time.Time   `json:"resolved_at,omitempty"`

	seq uint64
}

func cloneDispute(d *Dispute) *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Evidence = append([]string(nil), d.Evidence...)
	return &clone
}
