package registry

import (
	xerrors "AgentFleet/internal/errors"
)

const (
	CodeAgentNotFound   xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentState      xerrors.Code = "AGENT_STATE_CONFLICT"
	CodeAgentValidation xerrors.Code = "AGENT_VALIDATION_FAILED"
	CodeAgentSuspended  xerrors.Code = "AGENT_SUSPENDED"
)

var (
	// ErrAgentNotFound 表示指定的 Agent 不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrAgentState 表示 Agent 不处于操作所要求的前置状态。
	ErrAgentState = xerrors.New(CodeAgentState, "agent state conflict")
	// ErrAgentValidation 表示心跳或命令参数不合法。
	ErrAgentValidation = xerrors.New(CodeAgentValidation, "agent validation failed")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Class:    xerrors.ClassNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentState, xerrors.Attributes{
		Message:  "agent state conflict",
		Class:    xerrors.ClassStateConflict,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAgentValidation, xerrors.Attributes{
		Message:  "agent validation failed",
		Class:    xerrors.ClassValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentSuspended, xerrors.Attributes{
		Message:  "agent suspended",
		Class:    xerrors.ClassStateConflict,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}
