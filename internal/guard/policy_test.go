package guard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"BSM-Orchestrator/internal/agent"
)

const testPolicy = `package bsm.agents

deny contains msg if {
	input.context.mode == "ci"
	input.agent.risk_level == "critical"
	msg := sprintf("critical agent %s cannot run in ci", [input.agent.id])
}

deny contains "outbound to pastebin is forbidden" if {
	some host in input.agent.outbound
	endswith(host, "pastebin.com")
}
`

func TestPolicyGuard(t *testing.T) {
	ctx := context.Background()
	g, err := NewPolicyGuard(ctx, "test.rego", testPolicy)
	require.NoError(t, err)

	ok := g.Check(ctx, &agent.Record{ID: "a", Risk: agent.Risk{Level: agent.RiskLow}}, agent.ExecutionContext{Mode: agent.ModeCI})
	require.True(t, ok.Allowed)

	denied := g.Check(ctx, &agent.Record{
		ID:      "b",
		Risk:    agent.Risk{Level: agent.RiskCritical},
		Network: agent.Network{Outbound: []string{"api.pastebin.com"}},
	}, agent.ExecutionContext{Mode: agent.ModeCI})
	require.False(t, denied.Allowed)
	require.Equal(t, NamePolicy, denied.Guard)
	require.Contains(t, denied.Reason, "critical agent b cannot run in ci")
	require.Contains(t, denied.Reason, "pastebin")
}

func TestPolicyGuardRejectsBadModule(t *testing.T) {
	_, err := NewPolicyGuard(context.Background(), "bad.rego", "package bsm.agents\n deny contains")
	require.Error(t, err)
}

func TestPolicyGuardSeesDerivedModes(t *testing.T) {
	ctx := context.Background()
	const module = `package bsm.agents

deny contains concat(",", input.agent.modes) if count(input.agent.modes) > 0
`
	modes := NewModeGuard(WithModeDefaults(ModeDefaults{
		agent.SafetySafe: {agent.ModeLocal, agent.ModeCI},
	}))
	g, err := NewPolicyGuard(ctx, "modes.rego", module, WithPolicyModes(modes))
	require.NoError(t, err)

	derived := g.Check(ctx, &agent.Record{ID: "lint", Safety: agent.Safety{Mode: agent.SafetySafe}}, agent.ExecutionContext{Mode: agent.ModeCI})
	require.False(t, derived.Allowed)
	require.Equal(t, "ci,local", derived.Reason)

	explicit := g.Check(ctx, &agent.Record{ID: "x", Modes: []agent.Mode{agent.ModeLAN}}, agent.ExecutionContext{Mode: agent.ModeLAN})
	require.Equal(t, "lan", explicit.Reason)

	none := g.Check(ctx, &agent.Record{ID: "y"}, agent.ExecutionContext{Mode: agent.ModeLocal})
	require.True(t, none.Allowed)
}
