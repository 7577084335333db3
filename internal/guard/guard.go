package guard

import (
	"context"

	"BSM-Orchestrator/internal/agent"
)

// 守卫名称，出现在拒绝错误与审计事件中。
const (
	NameMode     = "mode"
	NameApproval = "approval"
	NamePolicy   = "policy"
)

// Decision 是一次守卫判定。
type Decision struct {
	Allowed bool   `json:"allowed"`
	Guard   string `json:"guard"`
	Reason  string `json:"reason,omitempty"`
}

// Allow 构造放行判定。
func Allow(guard string) Decision {
	return Decision{Allowed: true, Guard: guard}
}

// Deny 构造拒绝判定。
func Deny(guard, reason string) Decision {
	return Decision{Allowed: false, Guard: guard, Reason: reason}
}

// Guard 判断智能体能否在给定上下文中执行。实现不得产生副作用。
type Guard interface {
	Name() string
	Check(ctx context.Context, rec *agent.Record, exec agent.ExecutionContext) Decision
}
