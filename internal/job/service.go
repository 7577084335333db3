package job

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"BSM-Orchestrator/internal/agent"
	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/observability/metrics"
	"BSM-Orchestrator/pkg/logger"
)

// DefaultMaxRetries 为默认的执行次数上限，即不重试。
const DefaultMaxRetries = 1

// Service 负责作业的提交与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	metrics    *metrics.Metrics
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithServiceMetrics 注入指标。
func WithServiceMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService 构造作业服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func normalizeRequest(req Request) (Request, error) {
	agents := make([]string, 0, len(req.Agents))
	for _, id := range req.Agents {
		id = strings.TrimSpace(id)
		if id == "" {
			return req, xerrors.New(xerrors.CodeInvalidArgument, "agent id 不能为空")
		}
		agents = append(agents, id)
	}
	if len(agents) == 0 {
		return req, xerrors.New(xerrors.CodeInvalidArgument, "agents 不能为空")
	}
	mode, ok := agent.ParseMode(req.Mode)
	if !ok {
		return req, xerrors.New(xerrors.CodeInvalidArgument, "未知的执行模式: "+req.Mode)
	}
	if strings.TrimSpace(req.Actor) == "" {
		return req, xerrors.New(xerrors.CodeInvalidArgument, "actor 不能为空")
	}
	req.Agents = agents
	req.Mode = string(mode)
	req.Actor = strings.TrimSpace(req.Actor)
	req.ID = strings.TrimSpace(req.ID)
	return req, nil
}

// Submit 创建作业并投递到队列。携带已存在的 ID 时直接返回已有作业。
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业服务未初始化")
	}

	jobID := req.ID
	if jobID != "" {
		existing, err := s.store.Get(ctx, jobID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:         jobID,
		Agents:     req.Agents,
		Mode:       req.Mode,
		Actor:      req.Actor,
		IP:         req.IP,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if errors.Is(err, ErrJobConflict) {
			if existing, getErr := s.store.Get(ctx, jobID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("作业入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布作业到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, "", CodeJobPublish, wrapped.Error(), true)
		s.metrics.IncJob("publish_failed")
		return nil, wrapped
	}
	s.metrics.IncJob("submitted")
	logger.Audit().Info("作业入队成功",
		slog.String("job_id", jobID),
		slog.Any("agents", job.Agents),
		slog.String("mode", job.Mode),
		slog.String("actor", job.Actor),
		slog.Int("max_retries", job.MaxRetries),
	)
	return cloneJob(job), nil
}

// Get 返回指定作业的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的作业列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的作业统计。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "作业存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return errors.Join(errs...)
}

// WaitUntilCompleted 轮询直到作业进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
