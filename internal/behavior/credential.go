package behavior

import (
	"context"
	"errors"

	"BSM-Orchestrator/internal/agent"
	"BSM-Orchestrator/internal/keys"
)

// CredentialSource 是行为所需的凭证管理能力，由 keys.Manager 实现。
type CredentialSource interface {
	GetKey(ctx context.Context, provider string) (keys.Credential, error)
	ReportFailure(ctx context.Context, provider string) error
	ReportSuccess(ctx context.Context, provider string) error
}

// CredentialedFunc 是取得凭证后执行的逻辑。
type CredentialedFunc func(ctx context.Context, inv agent.Invocation, cred keys.Credential) error

// WithCredential 在执行前获取 provider 的凭证并按结果上报。
// fn 返回 ErrCredentialRejected 时记为凭证失败，其他错误不影响凭证状态。
// 上报针对实际使用的提供方，切换后可能与 provider 不同。
func WithCredential(src CredentialSource, provider string, fn CredentialedFunc) agent.Behavior {
	return agent.BehaviorFunc(func(ctx context.Context, inv agent.Invocation) error {
		cred, err := src.GetKey(ctx, provider)
		if err != nil {
			return err
		}
		runErr := fn(ctx, inv, cred)
		switch {
		case runErr == nil:
			_ = src.ReportSuccess(ctx, cred.Provider)
		case errors.Is(runErr, CodeCredentialRejected):
			_ = src.ReportFailure(ctx, cred.Provider)
		}
		return runErr
	})
}
