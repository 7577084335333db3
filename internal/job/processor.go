package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"BSM-Orchestrator/internal/agent"
	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/observability/alerting"
	"BSM-Orchestrator/internal/observability/metrics"
	"BSM-Orchestrator/internal/pipeline"
	"BSM-Orchestrator/pkg/logger"
)

// Executor 是处理器所需的流水线能力，由 pipeline.Orchestrator 实现。
type Executor interface {
	Run(ctx context.Context, agentIDs []string, exec agent.ExecutionContext) error
}

// Processor 从队列消费作业并交给编排器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	metrics     *metrics.Metrics
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = d }
}

// WithProcessorMetrics 注入指标。
func WithProcessorMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("job"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrJobCompleted) ||
			errors.Is(err, ErrJobExhausted) || errors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过作业", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取作业失败", slog.Any("error", err), slog.String("job_id", jobID))
		return err
	}

	runID := pipeline.NewRunID()
	mode, _ := agent.ParseMode(job.Mode)
	runErr := p.executor.Run(pipeline.WithRunID(ctx, runID), job.Agents, agent.ExecutionContext{
		Mode:  mode,
		Actor: job.Actor,
		IP:    job.IP,
	})
	if runErr != nil {
		return p.handleFailure(ctx, job, runID, runErr)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, runID); err != nil {
		p.logger.Error("标记作业成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	p.metrics.IncJob("succeeded")
	logger.Audit().Info("作业执行成功",
		slog.String("job_id", job.ID),
		slog.String("run_id", runID),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, runID string, runErr error) error {
	code := xerrors.CodeOf(runErr)
	retryable := xerrors.RetryableError(runErr)
	terminal := !retryable || job.Attempts >= job.MaxRetries

	if err := p.store.MarkFailed(ctx, job.ID, runID, code, runErr.Error(), terminal); err != nil {
		p.logger.Error("标记作业失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("作业执行失败",
		slog.String("job_id", job.ID),
		slog.String("run_id", runID),
		slog.Bool("terminal", terminal),
		slog.String("error_code", string(code)),
		slog.String("error", runErr.Error()),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	if !terminal {
		p.metrics.IncJob("retried")
		if err := p.producer.Publish(ctx, job.ID); err != nil {
			return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("作业 %s 重投失败", job.ID))
		}
		p.logger.Debug("作业已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
		return nil
	}

	p.metrics.IncJob("failed")
	switch {
	case retryable:
		p.emitAlert(ctx, job, runID, CodeJobExhausted, runErr, "exhausted")
	case xerrors.ShouldAlert(runErr):
		p.emitAlert(ctx, job, runID, code, runErr, "terminal")
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, runID string, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:     code,
		Message:  cause.Error(),
		Severity: attrs.Severity,
		Source:   "job",
		Subject:  job.ID,
		Metadata: map[string]string{
			"stage":       stage,
			"run_id":      runID,
			"attempts":    strconv.Itoa(job.Attempts),
			"max_retries": strconv.Itoa(job.MaxRetries),
		},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("job_id", job.ID), slog.String("stage", stage))
	}
}
