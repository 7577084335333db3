package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"BSM-Orchestrator/internal/agent"
	"BSM-Orchestrator/internal/audit"
	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/pipeline"
)

type runOptions struct {
	mode   string
	actor  string
	ip     string
	events bool
}

// runResult 是 run 子命令输出的 JSON。
type runResult struct {
	RunID   string        `json:"run_id"`
	Status  string        `json:"status"`
	Code    string        `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
	AgentID string        `json:"agent_id,omitempty"`
	Step    string        `json:"step,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Events  []audit.Event `json:"events,omitempty"`
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] AGENT_ID...",
		Short: "在本进程内执行一次流水线",
		Example: `  bsmd run --mode local --actor alice lint test
  bsmd run -c configs/bsm.yaml --mode ci --actor ci-bot --events deploy`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, flags, opts, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", string(agent.ModeLocal), "执行模式 (local, lan, mobile, ci)")
	cmd.Flags().StringVarP(&opts.actor, "actor", "a", os.Getenv("USER"), "发起人")
	cmd.Flags().StringVar(&opts.ip, "ip", "", "来源地址，lan 模式校验内网来源时使用")
	cmd.Flags().BoolVar(&opts.events, "events", false, "在结果中附带本次运行的审计事件")
	return cmd
}

func runOnce(ctx context.Context, flags *globalFlags, opts *runOptions, ids []string, out io.Writer) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}

	runID := pipeline.NewRunID()
	var sub *audit.Subscription
	if opts.events {
		sub = a.stream.Subscribe(audit.Filter{RunID: runID}, 4096)
	}

	mode, ok := agent.ParseMode(opts.mode)
	if !ok {
		mode = agent.Mode(strings.TrimSpace(opts.mode))
	}
	runErr := a.orchestrator.Run(pipeline.WithRunID(ctx, runID), ids, agent.ExecutionContext{
		Mode:  mode,
		Actor: opts.actor,
		IP:    opts.ip,
	})

	// 关闭后异步队列已写完，订阅通道随广播关闭。
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := a.close(closeCtx); err != nil {
		return fmt.Errorf("释放资源失败: %w", err)
	}

	res := runResult{RunID: runID, Status: "succeeded"}
	if sub != nil {
		for event := range sub.C {
			res.Events = append(res.Events, event)
		}
	}
	if runErr != nil {
		res.Status = "failed"
		res.Code = string(xerrors.CodeOf(runErr))
		res.Message = runErr.Error()
		res.AgentID = xerrors.MetadataValue(runErr, pipeline.MetaAgentID)
		res.Step = xerrors.MetadataValue(runErr, pipeline.MetaStep)
		res.Reason = xerrors.MetadataValue(runErr, pipeline.MetaReason)
	}

	if err := writeIndented(out, res); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("流水线 %s 执行失败: %s", runID, res.Code)
	}
	return nil
}
