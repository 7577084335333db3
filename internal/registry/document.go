package registry

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"BSM-Orchestrator/internal/agent"
	xerrors "BSM-Orchestrator/internal/errors"
)

type document struct {
	Version string        `yaml:"version"`
	Agents  *[]agentEntry `yaml:"agents"`
}

type modeList struct {
	Allowed []string `yaml:"allowed"`
}

type agentEntry struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name"`
	Modes    *modeList          `yaml:"modes"`
	Contexts *modeList          `yaml:"contexts"`
	Safety   agent.Safety       `yaml:"safety"`
	Approval agent.Approval     `yaml:"approval"`
	Risk     agent.Risk         `yaml:"risk"`
	Network  agent.Network      `yaml:"network"`
	Behavior agent.BehaviorSpec `yaml:"behavior"`
}

// Parse 解析注册表文档。文档无法解析、缺少 agents 列表、记录缺少 id 或 id
// 重复时返回 REGISTRY_INVALID；字段取值的问题交给 Validate。
func Parse(content []byte) ([]*agent.Record, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, xerrors.New(CodeRegistryInvalid, "注册表文档为空")
	}
	var doc document
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, xerrors.Wrap(CodeRegistryInvalid, err, "解析注册表文档失败")
	}
	if doc.Agents == nil {
		return nil, xerrors.New(CodeRegistryInvalid, "注册表必须包含 agents 列表")
	}

	entries := *doc.Agents
	records := make([]*agent.Record, 0, len(entries))
	seen := make(map[string]int, len(entries))
	for idx, entry := range entries {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			return nil, xerrors.New(CodeRegistryInvalid, fmt.Sprintf("agents[%d] 缺少 id", idx),
				xerrors.WithMetadata("position", fmt.Sprint(idx)))
		}
		if first, dup := seen[id]; dup {
			return nil, xerrors.New(CodeRegistryInvalid,
				fmt.Sprintf("agents[%d] 的 id %q 与 agents[%d] 重复", idx, id, first),
				xerrors.WithMetadata("agent_id", id))
		}
		seen[id] = idx
		records = append(records, entry.toRecord(id))
	}
	return records, nil
}

func (e agentEntry) toRecord(id string) *agent.Record {
	rec := &agent.Record{
		ID:       id,
		Name:     e.Name,
		Safety:   e.Safety,
		Approval: e.Approval,
		Risk:     e.Risk,
		Network:  e.Network,
		Spec:     e.Behavior,
	}
	rec.Safety.Mode = agent.SafetyMode(strings.ToLower(string(rec.Safety.Mode)))
	rec.Risk.Level = agent.RiskLevel(strings.ToLower(string(rec.Risk.Level)))

	list := e.Modes
	if list == nil {
		list = e.Contexts
	}
	if list != nil {
		rec.Modes = make([]agent.Mode, 0, len(list.Allowed))
		for _, raw := range list.Allowed {
			rec.Modes = append(rec.Modes, agent.Mode(strings.ToLower(strings.TrimSpace(raw))))
		}
	}
	return rec
}
