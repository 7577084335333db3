package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/observability/metrics"
	"BSM-Orchestrator/pkg/logger"
)

// DefaultReconcileInterval 为远端状态对账周期。
const DefaultReconcileInterval = 5 * time.Minute

// StatusFetcher 获取权威的提供方状态。
type StatusFetcher interface {
	Fetch(ctx context.Context) (map[string]bool, error)
}

// HTTPStatusFetcher 从形如 {"status": {"openai": true}} 的 JSON 文档读取状态。
type HTTPStatusFetcher struct {
	URL    string
	Client *http.Client
}

// NewHTTPStatusFetcher 创建带超时与链路追踪的 fetcher。
func NewHTTPStatusFetcher(url string, timeout time.Duration) *HTTPStatusFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStatusFetcher{
		URL: url,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type statusDocument struct {
	Status map[string]any `json:"status"`
}

// Fetch 实现 StatusFetcher。值为 true 或 "true" 视为可用，其余视为失效。
func (f *HTTPStatusFetcher) Fetch(ctx context.Context) (map[string]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, xerrors.Wrap(CodeStatusFetchFailed, err, "构造状态请求失败")
	}
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeStatusFetchFailed, err, "请求远端状态失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xerrors.New(CodeStatusFetchFailed, fmt.Sprintf("远端状态返回 HTTP %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(CodeStatusFetchFailed, err, "读取远端状态失败")
	}
	return ParseStatusDocument(body)
}

// ParseStatusDocument 解析远端状态文档，缺少 status 对象视为无效文档。
func ParseStatusDocument(body []byte) (map[string]bool, error) {
	var doc statusDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, xerrors.Wrap(CodeStatusFetchFailed, err, "远端状态不是合法 JSON")
	}
	if doc.Status == nil {
		return nil, xerrors.New(CodeStatusFetchFailed, "远端状态缺少 status 字段")
	}
	out := make(map[string]bool, len(doc.Status))
	for name, raw := range doc.Status {
		out[name] = fmt.Sprint(raw) == "true"
	}
	return out, nil
}

// Reconciler 周期性同步远端状态。失败只记录日志，不影响调用方。
type Reconciler struct {
	manager  *Manager
	fetcher  StatusFetcher
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// ReconcilerOption 定义可选配置。
type ReconcilerOption func(*Reconciler)

// WithInterval 调整对账周期。
func WithInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReconcilerMetrics 注入指标。
func WithReconcilerMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithReconcilerLogger 指定日志输出。
func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewReconciler 创建对账任务。
func NewReconciler(manager *Manager, fetcher StatusFetcher, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		manager:  manager,
		fetcher:  fetcher,
		interval: DefaultReconcileInterval,
		logger:   logger.Named("keys"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run 启动时立即对账一次，此后按周期执行，直到 ctx 取消。
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	_ = r.ReconcileOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce 执行一次对账并返回错误，仅用于观测与测试。
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	statuses, err := r.fetch(ctx)
	if err != nil {
		r.metrics.IncStatusFetch(false)
		r.logger.Warn("无法获取远端凭证状态，保留本地状态", slog.Any("error", err))
		return err
	}
	applied := r.manager.ApplyRemoteStatus(statuses)
	r.metrics.IncStatusFetch(true)
	r.logger.Debug("远端凭证状态已同步", slog.Int("providers", applied))
	return nil
}

// fetch 把 fetcher 的 panic 转为错误。
func (r *Reconciler) fetch(ctx context.Context) (statuses map[string]bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = xerrors.New(CodeStatusFetchFailed, fmt.Sprintf("状态获取异常: %v", rec))
		}
	}()
	return r.fetcher.Fetch(ctx)
}
