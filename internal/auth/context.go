package auth

import (
	"context"
	"strings"
)

type contextKey int

const subjectContextKey contextKey = iota

// WithSubject 在上下文中记录已认证的调用方。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectContextKey, subject)
}

// SubjectFromContext 返回 WithSubject 记录的调用方，未认证时为 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectContextKey).(*Subject)
	return subject
}

// Actor 返回写入审计与审批记录的操作人。
// 已认证时总是主体名称，请求中声明的值只在认证关闭时生效。
func Actor(ctx context.Context, declared string) string {
	if subject := SubjectFromContext(ctx); subject != nil && subject.Name != "" {
		return subject.Name
	}
	return strings.TrimSpace(declared)
}
