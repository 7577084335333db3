package agent

import "context"

// Invocation 是交给执行行为的调用信息。
type Invocation struct {
	RunID    string
	Position int
	Agent    *Record
	Exec     ExecutionContext
}

// Behavior 是智能体绑定的执行能力，由注册方提供。
type Behavior interface {
	Run(ctx context.Context, inv Invocation) error
}

// BehaviorFunc 允许普通函数作为 Behavior。
type BehaviorFunc func(ctx context.Context, inv Invocation) error

// Run 实现 Behavior。
func (f BehaviorFunc) Run(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}
