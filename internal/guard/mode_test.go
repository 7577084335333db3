package guard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"BSM-Orchestrator/internal/agent"
)

func TestModeGuardDeniesModesOutsideExplicitList(t *testing.T) {
	g := NewModeGuard(WithLANOrigin(false))
	all := agent.AllModes()

	rapid.Check(t, func(rt *rapid.T) {
		allowed := rapid.SliceOfDistinct(rapid.SampledFrom(all), func(m agent.Mode) agent.Mode { return m }).Draw(rt, "allowed")
		mode := rapid.SampledFrom(all).Draw(rt, "mode")
		rec := &agent.Record{ID: "a", Modes: allowed}

		d := g.Check(context.Background(), rec, agent.ExecutionContext{Mode: mode, Actor: "u"})
		want := agent.NewModeSet(allowed...).Has(mode)
		if d.Allowed != want {
			rt.Fatalf("mode %s allowed=%v, want %v (list %v): %s", mode, d.Allowed, want, allowed, d.Reason)
		}
		if !d.Allowed && d.Guard != NameMode {
			rt.Fatalf("unexpected guard %q", d.Guard)
		}
	})
}

func TestModeGuardDefaults(t *testing.T) {
	g := NewModeGuard(WithLANOrigin(false))
	ctx := context.Background()

	cases := []struct {
		name string
		rec  agent.Record
		mode agent.Mode
		want bool
	}{
		{"safe allows ci", agent.Record{Safety: agent.Safety{Mode: agent.SafetySafe}}, agent.ModeCI, true},
		{"restricted denies mobile", agent.Record{Safety: agent.Safety{Mode: agent.SafetyRestricted}}, agent.ModeMobile, false},
		{"destructive local only", agent.Record{Safety: agent.Safety{Mode: agent.SafetyDestructive}}, agent.ModeLAN, false},
		{"high risk narrows safe", agent.Record{Safety: agent.Safety{Mode: agent.SafetySafe}, Risk: agent.Risk{Level: agent.RiskHigh}}, agent.ModeCI, false},
		{"explicit wins over safety", agent.Record{Modes: []agent.Mode{agent.ModeCI}, Safety: agent.Safety{Mode: agent.SafetyDestructive}}, agent.ModeCI, true},
		{"no modes and no safety", agent.Record{}, agent.ModeLocal, false},
		{"explicit empty list", agent.Record{Modes: []agent.Mode{}, Safety: agent.Safety{Mode: agent.SafetySafe}}, agent.ModeLocal, false},
	}
	for _, tc := range cases {
		rec := tc.rec
		rec.ID = "agent"
		d := g.Check(ctx, &rec, agent.ExecutionContext{Mode: tc.mode, Actor: "u"})
		require.Equal(t, tc.want, d.Allowed, "%s: %s", tc.name, d.Reason)
	}
}

func TestModeGuardRejectsUnknownMode(t *testing.T) {
	g := NewModeGuard()
	d := g.Check(context.Background(), &agent.Record{ID: "a", Modes: []agent.Mode{agent.ModeLocal}}, agent.ExecutionContext{Mode: "cloud"})
	require.False(t, d.Allowed)
}

func TestModeGuardLANOrigin(t *testing.T) {
	g := NewModeGuard()
	rec := &agent.Record{ID: "a", Modes: []agent.Mode{agent.ModeLAN}}
	ctx := context.Background()

	require.True(t, g.Check(ctx, rec, agent.ExecutionContext{Mode: agent.ModeLAN, IP: "192.168.1.20"}).Allowed)
	require.True(t, g.Check(ctx, rec, agent.ExecutionContext{Mode: agent.ModeLAN, IP: "127.0.0.1:5123"}).Allowed)
	require.True(t, g.Check(ctx, rec, agent.ExecutionContext{Mode: agent.ModeLAN, IP: "::ffff:10.0.0.4"}).Allowed)
	require.False(t, g.Check(ctx, rec, agent.ExecutionContext{Mode: agent.ModeLAN, IP: "8.8.8.8"}).Allowed)
	require.False(t, g.Check(ctx, rec, agent.ExecutionContext{Mode: agent.ModeLAN}).Allowed)
}

func TestPrivateOrigin(t *testing.T) {
	require.True(t, PrivateOrigin("fe80::1"))
	require.True(t, PrivateOrigin("[::1]:80"))
	require.False(t, PrivateOrigin("not-an-ip"))
}
