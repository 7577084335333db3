package keys

import (
	xerrors "BSM-Orchestrator/internal/errors"
)

// 凭证管理错误码
const (
	CodeAllProvidersExhausted xerrors.Code = "ALL_PROVIDERS_EXHAUSTED"
	CodeUnknownProvider       xerrors.Code = "UNKNOWN_PROVIDER"
	CodeStatusFetchFailed     xerrors.Code = "STATUS_FETCH_FAILED"
	CodeProviderFailed        xerrors.Code = "PROVIDER_FAILED"
)

func init() {
	xerrors.Register(CodeAllProvidersExhausted, xerrors.Attributes{
		Message:   "all AI providers failed or are missing credentials",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeUnknownProvider, xerrors.Attributes{
		Message:   "unknown AI provider",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStatusFetchFailed, xerrors.Attributes{
		Message:   "remote key status unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeProviderFailed, xerrors.Attributes{
		Message:   "provider key failed repeatedly",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// 可用于 errors.Is 的比较目标。
var (
	ErrAllProvidersExhausted = xerrors.New(CodeAllProvidersExhausted, "all AI providers failed or are missing credentials")
	ErrUnknownProvider       = xerrors.New(CodeUnknownProvider, "unknown AI provider")
)
