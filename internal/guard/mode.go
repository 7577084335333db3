package guard

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"BSM-Orchestrator/internal/agent"
)

// ModeDefaults 为未显式声明模式的智能体按安全分级给出默认允许模式。
type ModeDefaults map[agent.SafetyMode][]agent.Mode

// DefaultModeDefaults 返回内置的默认表。
func DefaultModeDefaults() ModeDefaults {
	return ModeDefaults{
		agent.SafetySafe:        {agent.ModeLocal, agent.ModeLAN, agent.ModeMobile, agent.ModeCI},
		agent.SafetyRestricted:  {agent.ModeLocal, agent.ModeLAN},
		agent.SafetyDestructive: {agent.ModeLocal},
	}
}

var highRiskModes = agent.NewModeSet(agent.ModeLocal, agent.ModeLAN)

// ModeGuard 按智能体声明的模式集合放行。
type ModeGuard struct {
	defaults         ModeDefaults
	requireLANOrigin bool
}

// ModeOption 定义可选配置。
type ModeOption func(*ModeGuard)

// WithModeDefaults 覆盖默认表，nil 保持内置值。
func WithModeDefaults(d ModeDefaults) ModeOption {
	return func(g *ModeGuard) {
		if d != nil {
			g.defaults = d
		}
	}
}

// WithLANOrigin 控制 lan 模式是否要求来源为内网地址。
func WithLANOrigin(required bool) ModeOption {
	return func(g *ModeGuard) { g.requireLANOrigin = required }
}

// NewModeGuard 构造 ModeGuard。
func NewModeGuard(opts ...ModeOption) *ModeGuard {
	g := &ModeGuard{defaults: DefaultModeDefaults(), requireLANOrigin: true}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Name 实现 Guard。
func (g *ModeGuard) Name() string { return NameMode }

// AllowedModes 计算记录允许的模式。显式列表优先；否则按安全分级取默认值，
// 高风险记录再收窄到 local 与 lan。两者都没有时为空集。
func (g *ModeGuard) AllowedModes(rec *agent.Record) agent.ModeSet {
	if rec == nil {
		return agent.ModeSet{}
	}
	if rec.HasExplicitModes() {
		return agent.NewModeSet(rec.Modes...)
	}
	derived, ok := g.defaults[rec.Safety.Mode]
	if !ok || rec.Safety.Mode == "" {
		return agent.ModeSet{}
	}
	set := agent.NewModeSet(derived...)
	if rec.HighRisk() {
		set = set.Intersect(highRiskModes)
	}
	return set
}

// Check 实现 Guard。
func (g *ModeGuard) Check(_ context.Context, rec *agent.Record, exec agent.ExecutionContext) Decision {
	if !exec.Mode.Valid() {
		return Deny(NameMode, fmt.Sprintf("unknown execution mode %q", exec.Mode))
	}
	allowed := g.AllowedModes(rec)
	if len(allowed) == 0 {
		return Deny(NameMode, fmt.Sprintf("agent %s permits no execution modes", rec.ID))
	}
	if !allowed.Has(exec.Mode) {
		return Deny(NameMode, fmt.Sprintf("mode %s not allowed for agent %s (allowed: %s)",
			exec.Mode, rec.ID, joinModes(allowed.Sorted())))
	}
	if exec.Mode == agent.ModeLAN && g.requireLANOrigin && !PrivateOrigin(exec.IP) {
		return Deny(NameMode, fmt.Sprintf("lan mode requires a private origin address, got %q", exec.IP))
	}
	return Allow(NameMode)
}

// PrivateOrigin 判断地址是否为回环、内网或链路本地地址。
func PrivateOrigin(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		raw = ap.Addr().String()
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}

func joinModes(modes []agent.Mode) string {
	parts := make([]string, 0, len(modes))
	for _, m := range modes {
		parts = append(parts, string(m))
	}
	return strings.Join(parts, ",")
}
