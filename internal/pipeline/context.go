package pipeline

import (
	"context"

	"github.com/google/uuid"
)

type runIDKey struct{}

// WithRunID 为即将发起的运行指定 run id，调用方可据此关联审计事件。
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom 读取 WithRunID 设置的 run id。
func RunIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// NewRunID 生成新的 run id。
func NewRunID() string { return uuid.NewString() }
