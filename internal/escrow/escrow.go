// Package escrow 定义调度核心与托管结算服务之间的边界。
// 结算机制与币种不由核心决定；失败一律视为可重试，不影响状态机推进。
package escrow

import (
	"context"

	xerrors "AgentFleet/internal/errors"
)

// Kind 表示争议裁决后托管资金的去向。
type Kind string

const (
	KindReleaseToAgent  Kind = "release_to_agent"
	KindRefundRequester Kind = "refund_requester"
)

// Disposition 描述一次托管释放。
type Disposition struct {
	Kind    Kind   `json:"kind"`
	JobID   string `json:"job_id"`
	AgentID string `json:"agent_id"`
	Amount  int64  `json:"amount"`
}

// Settlement 是托管结算协作方。实现需要对重复调用保持幂等。
type Settlement interface {
	Settle(ctx context.Context, agentID string, amount int64) error
	Freeze(ctx context.Context, jobID string, amount int64) error
	Release(ctx context.Context, disputeID string, disposition Disposition) error
}

const (
	CodeEscrowFailure  xerrors.Code = "ESCROW_FAILURE"
	CodeEscrowDeferred xerrors.Code = "ESCROW_DEFERRED"
)

func init() {
	xerrors.Register(CodeEscrowFailure, xerrors.Attributes{
		Message:   "escrow collaborator failed",
		Class:     xerrors.ClassInternal,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeEscrowDeferred, xerrors.Attributes{
		Message:   "escrow call deferred for retry",
		Class:     xerrors.ClassInternal,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}
