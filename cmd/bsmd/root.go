package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"BSM-Orchestrator/internal/config"
	"BSM-Orchestrator/pkg/logger"
)

// globalFlags 是所有子命令共享的参数。
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "bsmd",
		Short: "智能体执行编排服务",
		Long: `bsmd 按注册表策略依次执行智能体流水线。

每个智能体在执行前依次经过模式守卫、审批守卫与可选的策略守卫，
所有决策写入审计 sink。凭证由轮换管理器按失败次数切换提供方。`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "配置文件路径 (YAML 或 JSON)，默认读取 BSM_CONFIG")
	root.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "l", "", "覆盖配置中的日志级别")

	root.AddCommand(
		newServeCmd(flags),
		newRunCmd(flags),
		newValidateCmd(flags),
		newKeysCmd(flags),
	)
	return root
}

// loadConfig 解析并校验配置，随后初始化日志。
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Resolve(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		FileRotation: logger.RotateConfig{
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	// 日志只初始化一次，命令行级别在之后覆盖。
	if flags.logLevel != "" {
		logger.SetLevel(flags.logLevel)
	}
	return cfg, nil
}
