package pipeline

import (
	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/guard"
)

// 流水线错误码
const (
	CodeModeDenied           xerrors.Code = "MODE_DENIED"
	CodeApprovalDenied       xerrors.Code = "APPROVAL_DENIED"
	CodePolicyDenied         xerrors.Code = "POLICY_DENIED"
	CodeMisconfiguredAgent   xerrors.Code = "MISCONFIGURED_AGENT"
	CodeAgentExecutionFailed xerrors.Code = "AGENT_EXECUTION_FAILED"
	CodePipelineCanceled     xerrors.Code = "PIPELINE_CANCELED"
)

// 错误附加字段
const (
	MetaAgentID  = "agent_id"
	MetaStep     = "step"
	MetaPosition = "position"
	MetaRunID    = "run_id"
	MetaGuard    = "guard"
	MetaReason   = "reason"
)

// 失败步骤
const (
	StepLookup        = "lookup"
	StepModeGuard     = "mode-guard"
	StepApprovalGuard = "approval-guard"
	StepPolicyGuard   = "policy-guard"
	StepBind          = "bind"
	StepExecute       = "execute"
	StepCancel        = "cancel"
)

func init() {
	xerrors.Register(CodeModeDenied, xerrors.Attributes{
		Message:   "execution mode not permitted for agent",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeApprovalDenied, xerrors.Attributes{
		Message:   "agent requires approval",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePolicyDenied, xerrors.Attributes{
		Message:   "agent rejected by policy",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMisconfiguredAgent, xerrors.Attributes{
		Message:   "agent has no bound behaviour",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeAgentExecutionFailed, xerrors.Attributes{
		Message:   "agent execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePipelineCanceled, xerrors.Attributes{
		Message:   "pipeline canceled between agents",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}

// 可用于 errors.Is 的比较目标。
var (
	ErrModeDenied           = xerrors.New(CodeModeDenied, "mode denied")
	ErrApprovalDenied       = xerrors.New(CodeApprovalDenied, "approval denied")
	ErrPolicyDenied         = xerrors.New(CodePolicyDenied, "policy denied")
	ErrMisconfiguredAgent   = xerrors.New(CodeMisconfiguredAgent, "misconfigured agent")
	ErrAgentExecutionFailed = xerrors.New(CodeAgentExecutionFailed, "agent execution failed")
	ErrPipelineCanceled     = xerrors.New(CodePipelineCanceled, "pipeline canceled")
)

// denialCode 把守卫名称映射为错误码与步骤。
func denialCode(guardName string) (xerrors.Code, string) {
	switch guardName {
	case guard.NameApproval:
		return CodeApprovalDenied, StepApprovalGuard
	case guard.NamePolicy:
		return CodePolicyDenied, StepPolicyGuard
	default:
		return CodeModeDenied, StepModeGuard
	}
}
