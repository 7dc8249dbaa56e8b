package dispute

import xerrors "AgentFleet/internal/errors"

const (
	CodeDisputeNotFound   xerrors.Code = "DISPUTE_NOT_FOUND"
	CodeDisputeState      xerrors.Code = "DISPUTE_STATE_CONFLICT"
	CodeDisputeResolved   xerrors.Code = "DISPUTE_ALREADY_RESOLVED"
	CodeDisputeExists     xerrors.Code = "DISPUTE_EXISTS"
	CodeDisputeValidation xerrors.Code = "DISPUTE_VALIDATION_FAILED"
)

var (
	// ErrDisputeNotFound 表示争议不存在。
	ErrDisputeNotFound = xerrors.New(CodeDisputeNotFound, "争议不存在")
	// ErrDisputeResolved 表示争议已裁决，重复裁决不会产生任何修改。
	ErrDisputeResolved = xerrors.New(CodeDisputeResolved, "争议已裁决")
	// ErrDisputeExists 表示任务已存在争议。
	ErrDisputeExists = xerrors.New(CodeDisputeExists, "任务已存在争议")
)

func init() {
	xerrors.Register(CodeDisputeNotFound, xerrors.Attributes{
		Message:  "dispute not found",
		Class:    xerrors.ClassNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDisputeState, xerrors.Attributes{
		Message:  "dispute state conflict",
		Class:    xerrors.ClassStateConflict,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeDisputeResolved, xerrors.Attributes{
		Message:  "dispute already resolved",
		Class:    xerrors.ClassConflict,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDisputeExists, xerrors.Attributes{
		Message:  "dispute already exists for job",
		Class:    xerrors.ClassConflict,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDisputeValidation, xerrors.Attributes{
		Message:  "invalid dispute",
		Class:    xerrors.ClassValidation,
		Severity: xerrors.SeverityInfo,
	})
}
