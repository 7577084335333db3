package agent

import "testing"

func TestParseMode(t *testing.T) {
	cases := map[string]bool{"local": true, " CI ": true, "lan": true, "mobile": true, "cloud": false, "": false}
	for raw, want := range cases {
		if _, ok := ParseMode(raw); ok != want {
			t.Fatalf("ParseMode(%q) = %v, want %v", raw, ok, want)
		}
	}
}

func TestApprovalRequired(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		want bool
	}{
		{"none", Record{}, false},
		{"approval.required", Record{Approval: Approval{Required: true}}, true},
		{"safety.requires_approval", Record{Safety: Safety{RequiresApproval: true}}, true},
		{"destructive", Record{Safety: Safety{Mode: SafetyDestructive}}, true},
		{"restricted only", Record{Safety: Safety{Mode: SafetyRestricted}}, false},
	}
	for _, tc := range cases {
		if got := tc.rec.ApprovalRequired(); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestAllowsOutbound(t *testing.T) {
	rec := &Record{Network: Network{Outbound: []string{"api.github.com", "*.openai.com"}}}
	if !rec.AllowsOutbound("API.github.com") {
		t.Fatalf("expected exact host to be allowed")
	}
	if !rec.AllowsOutbound("eu.api.openai.com") {
		t.Fatalf("expected wildcard suffix to match")
	}
	if rec.AllowsOutbound("openai.com.evil.io") || rec.AllowsOutbound("") {
		t.Fatalf("unexpected allow")
	}
}

func TestAllowsApprover(t *testing.T) {
	open := &Record{}
	if !open.AllowsApprover("anyone") {
		t.Fatalf("empty approver list should not restrict")
	}
	closed := &Record{Approval: Approval{Approvers: []string{"alice"}}}
	if !closed.AllowsApprover("Alice") || closed.AllowsApprover("bob") {
		t.Fatalf("approver list not enforced")
	}
}

func TestHasExplicitModes(t *testing.T) {
	if (&Record{}).HasExplicitModes() {
		t.Fatalf("nil modes should not count as explicit")
	}
	if !(&Record{Modes: []Mode{}}).HasExplicitModes() {
		t.Fatalf("empty allowed list is an explicit deny-all")
	}
}
