package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"BSM-Orchestrator/internal/agent"
	xerrors "BSM-Orchestrator/internal/errors"
)

const sampleDoc = `
version: "1"
agents:
  - id: code-review
    name: Code Review
    modes:
      allowed: [local, CI]
    safety: { mode: safe }
    risk: { level: low }
    network: { outbound: [api.github.com] }
    behavior: { kind: log }
  - id: pr-merge
    contexts:
      allowed: [ci]
    safety: { mode: destructive, requires_approval: true }
    approval: { required: true, type: manual, approvers: [alice] }
    risk: { level: high, rationale: merges to main }
  - id: governance
    safety: { mode: restricted }
`

func TestParseDocument(t *testing.T) {
	records, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	require.Len(t, records, 3)

	require.Equal(t, []agent.Mode{agent.ModeLocal, agent.ModeCI}, records[0].Modes)
	require.Equal(t, "log", records[0].Spec.Kind)
	require.Equal(t, []agent.Mode{agent.ModeCI}, records[1].Modes, "contexts.allowed is an alias")
	require.True(t, records[1].ApprovalRequired())
	require.Equal(t, []string{"alice"}, records[1].Approval.Approvers)
	require.Nil(t, records[2].Modes)
	require.Equal(t, agent.SafetyRestricted, records[2].Safety.Mode)
}

func TestParseFatalErrors(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"syntax":       "agents: [",
		"no agents":    "version: 1\n",
		"missing id":   "agents:\n  - name: nameless\n",
		"duplicate id": "agents:\n  - id: a\n  - id: a\n",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		require.Error(t, err, name)
		require.Equal(t, CodeRegistryInvalid, xerrors.CodeOf(err), name)
	}
}

func TestValidateIssues(t *testing.T) {
	records, err := Parse([]byte(`
agents:
  - id: Bad_ID
    modes: { allowed: [cloud] }
    risk: { level: extreme }
  - id: empty-modes
    modes: { allowed: [] }
  - id: nothing
  - id: bad-approval
    modes: { allowed: [local] }
    approval: { required: true, type: none }
`))
	require.NoError(t, err)

	issues := Validate(records)
	require.True(t, HasErrors(issues))

	byAgent := map[string][]Issue{}
	for _, issue := range issues {
		byAgent[issue.AgentID] = append(byAgent[issue.AgentID], issue)
	}
	require.Len(t, byAgent["Bad_ID"], 3)
	require.Len(t, byAgent["empty-modes"], 1)
	require.Equal(t, IssueWarning, byAgent["empty-modes"][0].Severity)
	require.Len(t, byAgent["nothing"], 1)
	require.Equal(t, IssueWarning, byAgent["nothing"][0].Severity)
	require.Len(t, byAgent["bad-approval"], 1)
	require.Equal(t, IssueError, byAgent["bad-approval"][0].Severity)
}
