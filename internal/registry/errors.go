package registry

import (
	xerrors "BSM-Orchestrator/internal/errors"
)

const (
	// CodeAgentNotFound 表示注册表中不存在该 id。
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
	// CodeRegistryInvalid 表示注册表文档无法解析或未通过校验。
	CodeRegistryInvalid xerrors.Code = "REGISTRY_INVALID"
	// CodeRegistryUnavailable 表示注册表来源暂时不可读。
	CodeRegistryUnavailable xerrors.Code = "REGISTRY_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRegistryInvalid, xerrors.Attributes{
		Message:   "agent registry is invalid",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRegistryUnavailable, xerrors.Attributes{
		Message:   "agent registry unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// ErrAgentNotFound 可作为 errors.Is 的比较目标。
var ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
