package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	goredis "github.com/redis/go-redis/v9"

	"BSM-Orchestrator/internal/agent"
	"BSM-Orchestrator/internal/audit"
	"BSM-Orchestrator/internal/behavior"
	"BSM-Orchestrator/internal/config"
	"BSM-Orchestrator/internal/guard"
	"BSM-Orchestrator/internal/job"
	"BSM-Orchestrator/internal/keys"
	"BSM-Orchestrator/internal/observability/alerting"
	"BSM-Orchestrator/internal/observability/metrics"
	"BSM-Orchestrator/internal/pipeline"
	"BSM-Orchestrator/internal/registry"
	mysqlstore "BSM-Orchestrator/internal/storage/mysql"
	redisstore "BSM-Orchestrator/internal/storage/redis"
	"BSM-Orchestrator/pkg/logger"
)

// app 持有进程内的全部组件。
type app struct {
	cfg          *config.Config
	metrics      *metrics.Metrics
	alerts       *alerting.FanoutDispatcher
	keys         *keys.Manager
	registry     *registry.Store
	approvals    guard.ApprovalStore
	recorder     *audit.Recorder
	stream       *audit.Broadcaster
	orchestrator *pipeline.Orchestrator
	redis        *goredis.Client

	closers []func(context.Context) error
}

// buildApp 按配置装配组件。失败时已创建的资源会被释放。
func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	if cfg.UsesRedis() {
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.onClose(func(context.Context) error { return client.Close() })
	}

	a.alerts, err = buildAlerts(cfg.Alerting)
	if err != nil {
		return nil, err
	}
	a.keys = buildKeys(cfg.Credentials, a.alerts, a.metrics)

	table := behavior.NewBuiltinTable(a.keys, behavior.WithTableLogger(logger.Named("behavior")))
	source, err := registry.NewFileSource(cfg.Registry.Path)
	if err != nil {
		return nil, err
	}
	a.registry = registry.NewStore(source,
		registry.WithBinder(table),
		registry.WithStrict(cfg.Registry.Strict),
		registry.WithLogger(logger.Named("registry")),
		registry.WithMetrics(a.metrics),
	)

	switch cfg.Approvals.Driver {
	case config.DriverRedis:
		a.approvals = guard.NewRedisApprovalStore(a.redis, cfg.Approvals.Prefix, cfg.Approvals.DefaultTTL.Std())
	default:
		a.approvals = guard.NewMemoryApprovalStore()
	}

	sink, err := a.buildAuditSink(ctx)
	if err != nil {
		return nil, err
	}
	a.recorder = audit.NewRecorder(sink,
		audit.WithRecorderLogger(logger.Named("audit")),
		audit.WithRecorderMetrics(a.metrics),
		audit.WithAlerts(a.alerts),
		audit.WithAsync(audit.AsyncOptions{
			QueueSize:      cfg.Audit.QueueSize,
			EnqueueTimeout: cfg.Audit.EnqueueTimeout.Std(),
		}),
	)
	// recorder 先于 redis 连接关闭。
	a.onClose(a.recorder.Close)

	modeGuard := guard.NewModeGuard(
		guard.WithModeDefaults(modeDefaults(cfg.Guards.ModeDefaults)),
		guard.WithLANOrigin(*cfg.Guards.RequireLANOrigin),
	)
	opts := []pipeline.Option{
		pipeline.WithModeGuard(modeGuard),
		pipeline.WithApprovalGuard(guard.NewApprovalGuard(a.approvals,
			guard.WithHighRiskApproval(*cfg.Guards.HighRiskRequiresApproval),
			guard.WithApprovalLogger(logger.Named("guard")),
		)),
		pipeline.WithRecorder(a.recorder),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(logger.Named("pipeline")),
	}
	if cfg.Guards.Policy.Path != "" {
		policy, err := guard.LoadPolicyGuard(ctx, cfg.Guards.Policy.Path, guard.WithPolicyModes(modeGuard))
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithPolicyGuard(policy))
	}
	a.orchestrator = pipeline.New(a.registry, opts...)
	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close 逆序释放资源。
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) buildAuditSink(ctx context.Context) (audit.Sink, error) {
	cfg := a.cfg.Audit
	var sinks []audit.Sink
	for _, name := range cfg.Sinks {
		switch name {
		case config.DriverMemory:
			sinks = append(sinks, audit.NewMemorySink(cfg.MemoryCapacity))
		case config.SinkFile:
			fs, err := audit.NewFileSink(audit.FileConfig{
				Path:       cfg.File.Path,
				MaxSizeMB:  cfg.File.MaxSizeMB,
				MaxBackups: cfg.File.MaxBackups,
				MaxAgeDays: cfg.File.MaxAgeDays,
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, fs)
		case config.SinkMySQL:
			ms, err := audit.OpenMySQLSink(ctx, mysqlstore.Config{
				DSN:             cfg.MySQL.DSN,
				MaxOpenConns:    cfg.MySQL.MaxOpenConns,
				MaxIdleConns:    cfg.MySQL.MaxIdleConns,
				ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime.Std(),
			})
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, ms)
		case config.DriverRedis:
			sinks = append(sinks, audit.NewRedisStreamSink(a.redis, cfg.Stream.Name, cfg.Stream.MaxLen))
		default:
			return nil, fmt.Errorf("未知的审计 sink: %s", name)
		}
	}
	a.stream = audit.NewBroadcaster()
	sinks = append(sinks, a.stream)
	return audit.NewFanout(sinks...), nil
}

// buildJobs 创建作业服务与处理器，队列驱动由配置决定。
func (a *app) buildJobs() (*job.Service, *job.Processor, error) {
	cfg := a.cfg.Jobs
	var queue job.Queue
	switch cfg.Queue {
	case config.DriverRedis:
		q, err := job.NewRedisQueue(a.redis, job.RedisQueueConfig{Queue: cfg.RedisList})
		if err != nil {
			return nil, nil, err
		}
		queue = q
	case config.DriverRabbitMQ:
		q, err := job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, nil, err
		}
		queue = q
	default:
		queue = job.NewMemoryQueue(cfg.QueueSize)
	}

	store := job.NewMemoryStore()
	svc := job.NewService(store, queue, cfg.MaxRetries, job.WithServiceMetrics(a.metrics))
	a.onClose(func(context.Context) error { return svc.Close() })
	processor := job.NewProcessor(a.orchestrator, store, queue, queue,
		job.WithWorkerCount(cfg.Workers),
		job.WithProcessorLogger(logger.Named("job")),
		job.WithAlertDispatcher(a.alerts),
		job.WithProcessorMetrics(a.metrics),
	)
	return svc, processor, nil
}

func buildAlerts(cfg config.AlertingConfig) (*alerting.FanoutDispatcher, error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if cfg.SlackWebhook != "" {
		sender, err := alerting.NewWebhookSender(cfg.SlackWebhook, cfg.Timeout.Std())
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, &alerting.SlackNotifier{Sender: sender, ChannelID: cfg.SlackChannel})
	}
	return alerting.NewFanout(notifiers...), nil
}

func buildKeys(cfg config.CredentialsConfig, alerts alerting.Dispatcher, m *metrics.Metrics) *keys.Manager {
	var providers []keys.ProviderConfig
	if resolved := cfg.ResolvedProviders(os.Getenv); resolved != nil {
		for _, p := range resolved {
			providers = append(providers, keys.ProviderConfig{Name: p.Name, Primary: p.Primary, Fallback: p.Fallback})
		}
	} else {
		providers = keys.EnvProviders(os.Getenv)
	}
	opts := []keys.Option{
		keys.WithThreshold(cfg.Threshold),
		keys.WithAlerts(alerts),
		keys.WithMetrics(m),
		keys.WithLogger(logger.Named("keys")),
	}
	if len(cfg.Alternatives) > 0 {
		opts = append(opts, keys.WithAlternatives(cfg.Alternatives))
	}
	return keys.NewManager(providers, opts...)
}

// reconciler 在配置了 status_url 时返回对账任务。
func (a *app) reconciler() *keys.Reconciler {
	cfg := a.cfg.Credentials
	if cfg.StatusURL == "" {
		return nil
	}
	return keys.NewReconciler(a.keys, keys.NewHTTPStatusFetcher(cfg.StatusURL, cfg.FetchTimeout.Std()),
		keys.WithInterval(cfg.ReconcileInterval.Std()),
		keys.WithReconcilerMetrics(a.metrics),
		keys.WithReconcilerLogger(logger.Named("keys")),
	)
}

// modeDefaults 以内置表为基础覆盖配置中声明的分级。
func modeDefaults(raw map[string][]string) guard.ModeDefaults {
	out := guard.DefaultModeDefaults()
	for name, modes := range raw {
		parsed := make([]agent.Mode, 0, len(modes))
		for _, m := range modes {
			if mode, ok := agent.ParseMode(m); ok {
				parsed = append(parsed, mode)
			}
		}
		out[agent.SafetyMode(name)] = parsed
	}
	return out
}

func logStartup(cfg *config.Config) {
	logger.L().Info("bsmd 配置已加载",
		slog.String("registry", cfg.Registry.Path),
		slog.Any("audit_sinks", cfg.Audit.Sinks),
		slog.String("approvals", cfg.Approvals.Driver),
		slog.Bool("jobs", cfg.Jobs.Enabled),
		slog.String("job_queue", cfg.Jobs.Queue),
	)
}
