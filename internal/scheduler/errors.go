package scheduler

import xerrors "AgentFleet/internal/errors"

const (
	CodeJobNotFound         xerrors.Code = "JOB_NOT_FOUND"
	CodeJobState            xerrors.Code = "JOB_STATE_CONFLICT"
	CodeJobValidation       xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobGraceExpired     xerrors.Code = "JOB_GRACE_EXPIRED"
	CodeJobRetriesExhausted xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeVerifierFailure     xerrors.Code = "JOB_VERIFIER_FAILURE"
	CodeSettlementFailure   xerrors.Code = "JOB_SETTLEMENT_FAILURE"
	CodeArchiveFailure      xerrors.Code = "JOB_ARCHIVE_FAILURE"
)

var (
	// ErrJobNotFound 表示任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "任务不存在")
	// ErrJobState 表示任务状态不允许当前操作。
	ErrJobState = xerrors.New(CodeJobState, "任务状态冲突")
	// ErrJobValidation 表示任务参数不合法。
	ErrJobValidation = xerrors.New(CodeJobValidation, "任务参数不合法")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Class:    xerrors.ClassNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobState, xerrors.Attributes{
		Message:  "job state conflict",
		Class:    xerrors.ClassStateConflict,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "invalid job",
		Class:    xerrors.ClassValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobGraceExpired, xerrors.Attributes{
		Message:  "dispute grace window elapsed",
		Class:    xerrors.ClassStateConflict,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobRetriesExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Class:    xerrors.ClassInternal,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeVerifierFailure, xerrors.Attributes{
		Message:   "result verifier unavailable",
		Class:     xerrors.ClassInternal,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeSettlementFailure, xerrors.Attributes{
		Message:   "escrow settlement failed",
		Class:     xerrors.ClassInternal,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeArchiveFailure, xerrors.Attributes{
		Message:   "job archival failed",
		Class:     xerrors.ClassInternal,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}
