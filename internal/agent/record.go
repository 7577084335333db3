package agent

import (
	"strings"
)

// SafetyMode 描述智能体的安全分级。
type SafetyMode string

const (
	SafetySafe        SafetyMode = "safe"
	SafetyRestricted  SafetyMode = "restricted"
	SafetyDestructive SafetyMode = "destructive"
)

// Valid 判断安全分级是否合法，空值视为未声明。
func (s SafetyMode) Valid() bool {
	switch s {
	case "", SafetySafe, SafetyRestricted, SafetyDestructive:
		return true
	default:
		return false
	}
}

// RiskLevel 描述智能体的风险等级。
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Valid 判断风险等级是否合法，空值视为未声明。
func (r RiskLevel) Valid() bool {
	switch r {
	case "", RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	default:
		return false
	}
}

// ApprovalType 描述审批方式。
type ApprovalType string

const (
	ApprovalNone      ApprovalType = "none"
	ApprovalManual    ApprovalType = "manual"
	ApprovalAutomated ApprovalType = "automated"
)

// Safety 对应注册表中的 safety 段。
type Safety struct {
	Mode             SafetyMode `yaml:"mode" json:"mode,omitempty"`
	RequiresApproval bool       `yaml:"requires_approval" json:"requires_approval,omitempty"`
}

// Approval 对应注册表中的 approval 段。
type Approval struct {
	Required  bool         `yaml:"required" json:"required,omitempty"`
	Type      ApprovalType `yaml:"type" json:"type,omitempty"`
	Approvers []string     `yaml:"approvers" json:"approvers,omitempty"`
}

// Risk 对应注册表中的 risk 段。
type Risk struct {
	Level     RiskLevel `yaml:"level" json:"level,omitempty"`
	Rationale string    `yaml:"rationale" json:"rationale,omitempty"`
}

// Network 对应注册表中的 network 段。
type Network struct {
	Outbound []string `yaml:"outbound" json:"outbound,omitempty"`
}

// BehaviorSpec 是对执行行为的不透明引用，由绑定表解析。
type BehaviorSpec struct {
	Kind   string         `yaml:"kind" json:"kind,omitempty"`
	Config map[string]any `yaml:"config" json:"config,omitempty"`
}

// Record 是注册表中的一条智能体策略记录，加载后只读。
type Record struct {
	ID       string       `json:"id"`
	Name     string       `json:"name,omitempty"`
	Modes    []Mode       `json:"modes,omitempty"`
	Safety   Safety       `json:"safety"`
	Approval Approval     `json:"approval"`
	Risk     Risk         `json:"risk"`
	Network  Network      `json:"network"`
	Spec     BehaviorSpec `json:"behavior"`

	// Behavior 为绑定后的执行能力，为空表示配置缺失。
	Behavior Behavior `json:"-"`
}

// HasExplicitModes 判断记录是否显式声明了允许模式。
func (r *Record) HasExplicitModes() bool {
	return r != nil && r.Modes != nil
}

// HighRisk 判断风险等级是否为 high 或 critical。
func (r *Record) HighRisk() bool {
	if r == nil {
		return false
	}
	return r.Risk.Level == RiskHigh || r.Risk.Level == RiskCritical
}

// ApprovalRequired 判断策略是否直接或经由安全分级要求审批。
func (r *Record) ApprovalRequired() bool {
	if r == nil {
		return false
	}
	return r.Approval.Required || r.Safety.RequiresApproval || r.Safety.Mode == SafetyDestructive
}

// AllowsApprover 判断 approver 是否在审批人名单内，名单为空时不限制。
func (r *Record) AllowsApprover(approver string) bool {
	if r == nil {
		return false
	}
	if len(r.Approval.Approvers) == 0 {
		return true
	}
	for _, a := range r.Approval.Approvers {
		if strings.EqualFold(a, approver) {
			return true
		}
	}
	return false
}

// AllowsOutbound 判断目标主机是否位于出站白名单内。
// 支持 "*.example.com" 形式的后缀通配。
func (r *Record) AllowsOutbound(host string) bool {
	if r == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, entry := range r.Network.Outbound {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch {
		case entry == "*":
			return true
		case strings.HasPrefix(entry, "*."):
			if strings.HasSuffix(host, entry[1:]) {
				return true
			}
		case entry == host:
			return true
		}
	}
	return false
}

// Bound 判断记录是否已绑定执行行为。
func (r *Record) Bound() bool {
	return r != nil && r.Behavior != nil
}
