package behavior

import (
	"context"
	"log/slog"

	"BSM-Orchestrator/internal/agent"
	"BSM-Orchestrator/pkg/logger"
)

// KindLog 只记录调用信息。
const KindLog = "log"

// LogFactory 返回 log 类型的工厂，config.message 为可选的日志内容。
func LogFactory(l *slog.Logger) Factory {
	if l == nil {
		l = logger.Named("behavior")
	}
	return func(rec *agent.Record) (agent.Behavior, error) {
		msg := "智能体已执行"
		if v, ok := rec.Spec.Config["message"].(string); ok && v != "" {
			msg = v
		}
		return agent.BehaviorFunc(func(_ context.Context, inv agent.Invocation) error {
			l.Info(msg,
				slog.String("agent_id", rec.ID),
				slog.String("run_id", inv.RunID),
				slog.Int("position", inv.Position),
				slog.String("mode", string(inv.Exec.Mode)),
				slog.String("actor", inv.Exec.Actor),
			)
			return nil
		}), nil
	}
}
