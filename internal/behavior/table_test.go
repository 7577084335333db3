package behavior

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"BSM-Orchestrator/internal/agent"
	"BSM-Orchestrator/pkg/logger"
)

func noop() agent.Behavior {
	return agent.BehaviorFunc(func(context.Context, agent.Invocation) error { return nil })
}

func TestExplicitBindingWinsOverKind(t *testing.T) {
	table := NewTable(WithTableLogger(logger.Discard()))
	hit := ""
	require.NoError(t, table.Register("a1", agent.BehaviorFunc(func(context.Context, agent.Invocation) error {
		hit = "id"
		return nil
	})))
	require.NoError(t, table.RegisterKind("log", func(*agent.Record) (agent.Behavior, error) {
		return agent.BehaviorFunc(func(context.Context, agent.Invocation) error {
			hit = "kind"
			return nil
		}), nil
	}))

	b := table.Bind(&agent.Record{ID: "a1", Spec: agent.BehaviorSpec{Kind: "log"}})
	require.NotNil(t, b)
	require.NoError(t, b.Run(context.Background(), agent.Invocation{}))
	require.Equal(t, "id", hit)

	b = table.Bind(&agent.Record{ID: "a2", Spec: agent.BehaviorSpec{Kind: "LOG"}})
	require.NotNil(t, b)
	require.NoError(t, b.Run(context.Background(), agent.Invocation{}))
	require.Equal(t, "kind", hit)
}

func TestBindReturnsNilWhenUnresolvable(t *testing.T) {
	table := NewTable(WithTableLogger(logger.Discard()))
	require.NoError(t, table.RegisterKind("broken", func(*agent.Record) (agent.Behavior, error) {
		return nil, errors.New("bad config")
	}))
	require.Nil(t, table.Bind(nil))
	require.Nil(t, table.Bind(&agent.Record{ID: "x"}))
	require.Nil(t, table.Bind(&agent.Record{ID: "x", Spec: agent.BehaviorSpec{Kind: "shell"}}))
	require.Nil(t, table.Bind(&agent.Record{ID: "x", Spec: agent.BehaviorSpec{Kind: "broken"}}))
}

func TestRegisterValidation(t *testing.T) {
	table := NewTable(WithTableLogger(logger.Discard()))
	require.Error(t, table.Register("", noop()))
	require.Error(t, table.Register("a", nil))
	require.NoError(t, table.Register("a", noop()))
	require.Error(t, table.Register("a", noop()))
	require.Error(t, table.RegisterKind(" ", LogFactory(logger.Discard())))
	require.Error(t, table.RegisterKind("log", nil))
}

func TestBuiltinTable(t *testing.T) {
	table := NewBuiltinTable(nil, WithTableLogger(logger.Discard()))
	require.Equal(t, []string{KindHTTP, KindLog}, table.Kinds())

	b := table.Bind(&agent.Record{ID: "l", Spec: agent.BehaviorSpec{Kind: "log", Config: map[string]any{"message": "hi"}}})
	require.NotNil(t, b)
	require.NoError(t, b.Run(context.Background(), agent.Invocation{RunID: "r", Exec: agent.ExecutionContext{Mode: agent.ModeLocal, Actor: "u"}}))

	// 没有凭证管理器时 credential_provider 配置无效。
	rec := &agent.Record{ID: "h", Spec: agent.BehaviorSpec{Kind: "http", Config: map[string]any{
		"url": "https://api.example.com/hook", "credential_provider": "openai",
	}}}
	require.Nil(t, table.Bind(rec))
}
