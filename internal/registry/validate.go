package registry

import (
	"fmt"
	"regexp"
	"strings"

	"BSM-Orchestrator/internal/agent"
)

// IssueSeverity 区分必须修复的错误与提示性警告。
type IssueSeverity string

const (
	IssueError   IssueSeverity = "error"
	IssueWarning IssueSeverity = "warning"
)

// Issue 是一条校验结果。
type Issue struct {
	AgentID  string        `json:"agent_id"`
	Field    string        `json:"field"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s.%s: %s", i.Severity, i.AgentID, i.Field, i.Message)
}

var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Validate 检查记录的字段取值。没有显式模式且无法从安全分级推导默认值的
// 记录不允许在任何模式下运行，作为警告报告。
func Validate(records []*agent.Record) []Issue {
	var issues []Issue
	add := func(id, field string, sev IssueSeverity, format string, args ...any) {
		issues = append(issues, Issue{AgentID: id, Field: field, Severity: sev, Message: fmt.Sprintf(format, args...)})
	}

	for _, rec := range records {
		if !idPattern.MatchString(rec.ID) {
			add(rec.ID, "id", IssueError, "id 只能包含小写字母、数字与连字符")
		}
		for _, m := range rec.Modes {
			if !m.Valid() {
				add(rec.ID, "modes.allowed", IssueError, "未知的执行模式 %q", m)
			}
		}
		if !rec.Safety.Mode.Valid() {
			add(rec.ID, "safety.mode", IssueError, "未知的安全分级 %q", rec.Safety.Mode)
		}
		if !rec.Risk.Level.Valid() {
			add(rec.ID, "risk.level", IssueError, "未知的风险等级 %q", rec.Risk.Level)
		}
		switch rec.Approval.Type {
		case "", agent.ApprovalNone, agent.ApprovalManual, agent.ApprovalAutomated:
		default:
			add(rec.ID, "approval.type", IssueError, "未知的审批方式 %q", rec.Approval.Type)
		}
		if rec.Approval.Required && rec.Approval.Type == agent.ApprovalNone {
			add(rec.ID, "approval.type", IssueError, "approval.required 为 true 时审批方式不能为 none")
		}
		for _, host := range rec.Network.Outbound {
			if strings.TrimSpace(host) == "" || strings.Contains(host, "/") {
				add(rec.ID, "network.outbound", IssueError, "出站目标 %q 必须是主机名", host)
			}
		}

		switch {
		case rec.Modes != nil && len(rec.Modes) == 0:
			add(rec.ID, "modes.allowed", IssueWarning, "显式声明的模式列表为空，任何模式都不允许运行")
		case rec.Modes == nil && rec.Safety.Mode == "":
			add(rec.ID, "modes.allowed", IssueWarning, "未声明模式且缺少 safety.mode，任何模式都不允许运行")
		}
	}
	return issues
}

// HasErrors 判断是否存在错误级问题。
func HasErrors(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == IssueError {
			return true
		}
	}
	return false
}

func summarize(issues []Issue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.String())
	}
	return strings.Join(parts, "; ")
}
