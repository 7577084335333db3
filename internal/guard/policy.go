package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"BSM-Orchestrator/internal/agent"
)

// PolicyQuery 是策略模块必须定义的拒绝原因集合。
const PolicyQuery = "data.bsm.agents.deny"

// PolicyGuard 在审批通过后评估 rego 策略，任一拒绝原因都会阻止执行。
type PolicyGuard struct {
	query rego.PreparedEvalQuery
	name  string
	modes *ModeGuard
}

// PolicyOption 定义策略守卫的可选配置。
type PolicyOption func(*PolicyGuard)

// WithPolicyModes 指定计算 input.agent.modes 所用的模式守卫，应与流水线使用的一致。
func WithPolicyModes(g *ModeGuard) PolicyOption {
	return func(p *PolicyGuard) {
		if g != nil {
			p.modes = g
		}
	}
}

// NewPolicyGuard 编译 rego v1 模块。
func NewPolicyGuard(ctx context.Context, name, module string, opts ...PolicyOption) (*PolicyGuard, error) {
	if name == "" {
		name = "bsm.rego"
	}
	parsed, err := ast.ParseModuleWithOpts(name, module, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("解析策略模块失败: %w", err)
	}
	r := rego.New(
		rego.Query(PolicyQuery),
		rego.ParsedModule(parsed),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("编译策略失败: %w", err)
	}
	g := &PolicyGuard{query: query, name: name, modes: NewModeGuard()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// LoadPolicyGuard 从文件加载策略。
func LoadPolicyGuard(ctx context.Context, path string, opts ...PolicyOption) (*PolicyGuard, error) {
	// #nosec G304 -- 路径来自启动配置
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取策略文件失败: %w", err)
	}
	return NewPolicyGuard(ctx, filepath.Base(path), string(content), opts...)
}

// Name 实现 Guard。
func (g *PolicyGuard) Name() string { return NamePolicy }

// Check 实现 Guard。评估失败时拒绝。
func (g *PolicyGuard) Check(ctx context.Context, rec *agent.Record, exec agent.ExecutionContext) Decision {
	results, err := g.query.Eval(ctx, rego.EvalInput(g.input(rec, exec)))
	if err != nil {
		return Deny(NamePolicy, fmt.Sprintf("policy evaluation failed: %v", err))
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Allow(NamePolicy)
	}
	reasons := collectReasons(results[0].Expressions[0].Value)
	if len(reasons) == 0 {
		return Allow(NamePolicy)
	}
	return Deny(NamePolicy, strings.Join(reasons, "; "))
}

// input 中的 modes 是模式守卫实际生效的集合，包含按安全分级推导的模式。
func (g *PolicyGuard) input(rec *agent.Record, exec agent.ExecutionContext) map[string]any {
	allowed := g.modes.AllowedModes(rec).Sorted()
	modes := make([]any, 0, len(allowed))
	for _, m := range allowed {
		modes = append(modes, string(m))
	}
	outbound := make([]any, 0, len(rec.Network.Outbound))
	for _, h := range rec.Network.Outbound {
		outbound = append(outbound, h)
	}
	return map[string]any{
		"agent": map[string]any{
			"id":                rec.ID,
			"safety_mode":       string(rec.Safety.Mode),
			"risk_level":        string(rec.Risk.Level),
			"approval_required": rec.ApprovalRequired(),
			"modes":             modes,
			"outbound":          outbound,
		},
		"context": map[string]any{
			"mode":  string(exec.Mode),
			"actor": exec.Actor,
			"ip":    exec.IP,
		},
	}
}

func collectReasons(value any) []string {
	var reasons []string
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			reasons = append(reasons, fmt.Sprint(item))
		}
	case string:
		if v != "" {
			reasons = append(reasons, v)
		}
	case bool:
		if v {
			reasons = append(reasons, "denied by policy")
		}
	}
	sort.Strings(reasons)
	return reasons
}
