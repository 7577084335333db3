package behavior

import (
	xerrors "BSM-Orchestrator/internal/errors"
)

// 行为执行错误码
const (
	CodeOutboundDenied     xerrors.Code = "OUTBOUND_DENIED"
	CodeCredentialRejected xerrors.Code = "CREDENTIAL_REJECTED"
	CodeUpstreamFailed     xerrors.Code = "UPSTREAM_FAILED"
	CodeInvalidConfig      xerrors.Code = "BEHAVIOR_CONFIG_INVALID"
)

func init() {
	xerrors.Register(CodeOutboundDenied, xerrors.Attributes{
		Message:   "destination not in outbound allow-list",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCredentialRejected, xerrors.Attributes{
		Message:   "upstream rejected the credential",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeUpstreamFailed, xerrors.Attributes{
		Message:   "upstream call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidConfig, xerrors.Attributes{
		Message:   "invalid behavior config",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     false,
	})
}

// ErrCredentialRejected 用于 errors.Is 判断凭证被上游拒绝。
var ErrCredentialRejected = xerrors.New(CodeCredentialRejected, "upstream rejected the credential")
