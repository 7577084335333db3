package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"BSM-Orchestrator/internal/behavior"
	"BSM-Orchestrator/internal/guard"
	"BSM-Orchestrator/internal/registry"
	"BSM-Orchestrator/pkg/logger"
)

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "校验配置、注册表与策略文件",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validate(cmd, flags, cmd.OutOrStdout())
		},
	}
}

func validate(cmd *cobra.Command, flags *globalFlags, out io.Writer) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	// #nosec G304 -- 路径来自启动配置
	content, err := os.ReadFile(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("读取注册表失败: %w", err)
	}
	records, err := registry.Parse(content)
	if err != nil {
		return err
	}
	issues := registry.Validate(records)

	table := behavior.NewBuiltinTable(buildKeys(cfg.Credentials, nil, nil), behavior.WithTableLogger(logger.Discard()))
	for _, rec := range records {
		if rec.Spec.Kind != "" && table.Bind(rec) == nil {
			issues = append(issues, registry.Issue{
				AgentID:  rec.ID,
				Field:    "behavior",
				Severity: registry.IssueError,
				Message:  fmt.Sprintf("无法绑定 %s 类型的行为", rec.Spec.Kind),
			})
		}
	}
	for _, issue := range issues {
		fmt.Fprintln(out, issue.String())
	}

	if cfg.Guards.Policy.Path != "" {
		if _, err := guard.LoadPolicyGuard(cmd.Context(), cfg.Guards.Policy.Path); err != nil {
			return err
		}
	}
	if registry.HasErrors(issues) || (cfg.Registry.Strict && len(issues) > 0) {
		return fmt.Errorf("注册表 %s 校验未通过: %d 条问题", cfg.Registry.Path, len(issues))
	}
	fmt.Fprintf(out, "ok: %d 个智能体, %d 条警告\n", len(records), len(issues))
	return nil
}
