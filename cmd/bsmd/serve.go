package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"BSM-Orchestrator/internal/api"
	"BSM-Orchestrator/internal/auth"
	"BSM-Orchestrator/internal/config"
	"BSM-Orchestrator/internal/observability/tracing"
	"BSM-Orchestrator/internal/registry"
	"BSM-Orchestrator/pkg/logger"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 API 服务与后台任务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, flags)
		},
	}
}

func serve(ctx context.Context, flags *globalFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logStartup(cfg)

	shutdownTracing, err := tracing.SetupProvider(ctx, tracing.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
		Insecure:    cfg.Tracing.Insecure,
		Headers:     cfg.Tracing.Headers,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.L().Warn("关闭链路导出失败", slog.Any("error", err))
		}
	}()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			logger.L().Error("释放资源失败", slog.Any("error", err))
		}
	}()

	// 启动时预热注册表，文档无效时直接退出。
	if _, err := a.registry.Load(ctx); err != nil {
		return err
	}

	authSvc, err := buildAuth(cfg.Auth)
	if err != nil {
		return err
	}
	serverOpts := []api.Option{
		api.WithAuth(authSvc),
		api.WithRegistry(a.registry),
		api.WithApprovals(a.approvals),
		api.WithApprovalTTL(cfg.Approvals.DefaultTTL.Std()),
		api.WithKeys(a.keys),
		api.WithAuditReader(a.recorder.Reader()),
		api.WithAuditStream(a.stream),
		api.WithMetrics(a.metrics),
		api.WithTimeouts(cfg.Server.ReadTimeout.Std(), cfg.Server.ShutdownTimeout.Std()),
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Jobs.Enabled {
		svc, processor, err := a.buildJobs()
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, api.WithJobs(svc))
		g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	}
	if rec := a.reconciler(); rec != nil {
		g.Go(func() error { return ignoreCanceled(rec.Run(gctx)) })
	}
	if cfg.Registry.Watch {
		watcher, err := registry.NewWatcher(a.registry, cfg.Registry.Path)
		if err != nil {
			return err
		}
		g.Go(func() error { return ignoreCanceled(watcher.Run(gctx)) })
	}
	if cfg.Metrics.Address != "" {
		g.Go(func() error { return ignoreCanceled(a.metrics.StartServer(gctx, cfg.Metrics.Address)) })
	}

	server := api.NewServer(cfg.Server.Address, a.orchestrator, serverOpts...)
	g.Go(func() error { return ignoreCanceled(server.Start(gctx)) })

	err = g.Wait()
	logger.L().Info("bsmd 已停止")
	return err
}

func buildAuth(cfg config.AuthConfig) (*auth.Service, error) {
	tokens := make([]auth.TokenConfig, 0, len(cfg.Tokens))
	for _, tc := range cfg.ResolvedTokens(os.Getenv) {
		tokens = append(tokens, auth.TokenConfig{Name: tc.Name, Token: tc.Token, Permissions: tc.Permissions})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Mode), Tokens: tokens})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
