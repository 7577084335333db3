package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/observability/alerting"
	"BSM-Orchestrator/internal/observability/metrics"
	"BSM-Orchestrator/pkg/logger"
)

// CodeAuditWriteFailed 表示审计事件未能持久化。
const CodeAuditWriteFailed xerrors.Code = "AUDIT_WRITE_FAILED"

func init() {
	xerrors.Register(CodeAuditWriteFailed, xerrors.Attributes{
		Message:   "audit event could not be persisted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Recorder 是编排器使用的审计入口。写入失败不会返回给调用方，
// 而是记录日志、计数并发出告警。
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	alerts  alerting.Dispatcher
	async   *AsyncOptions

	mu   sync.Mutex
	seqs map[string]int64
}

// RecorderOption 定义可选配置。
type RecorderOption func(*Recorder)

// WithRecorderLogger 指定日志输出。
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorderMetrics 注入指标。
func WithRecorderMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithAlerts 指定写入失败时的告警分发器。
func WithAlerts(d alerting.Dispatcher) RecorderOption {
	return func(r *Recorder) { r.alerts = d }
}

// WithAsync 用 AsyncSink 包装 sink，后台写入失败同样会被上报。
func WithAsync(opts AsyncOptions) RecorderOption {
	return func(r *Recorder) { r.async = &opts }
}

// NewRecorder 创建 Recorder。sink 为 nil 时事件仅写入审计日志。
func NewRecorder(sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{sink: sink, logger: logger.Named("audit"), seqs: make(map[string]int64)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.async != nil && sink != nil {
		asyncOpts := *r.async
		if asyncOpts.Metrics == nil {
			asyncOpts.Metrics = r.metrics
		}
		asyncOpts.OnError = func(event Event, err error) {
			r.Escalate(context.Background(), event, err)
		}
		r.sink = NewAsyncSink(sink, asyncOpts)
	}
	return r
}

// Record 为事件分配 run 内序号并写入 Sink。
func (r *Recorder) Record(ctx context.Context, event Event) Event {
	event.fill()
	if event.RunID != "" {
		event.Seq = r.nextSeq(event.RunID, terminal(event.Kind))
	}
	r.metrics.IncAuditEvent(string(event.Kind))

	if r.sink == nil {
		logger.Audit().Info("audit event",
			slog.String("id", event.ID),
			slog.String("run_id", event.RunID),
			slog.Int64("seq", event.Seq),
			slog.String("kind", string(event.Kind)),
			slog.String("actor", event.Actor),
			slog.Any("detail", event.Detail),
		)
		return event
	}
	if err := r.sink.Record(ctx, event); err != nil {
		r.Escalate(context.WithoutCancel(ctx), event, err)
	}
	return event
}

// Escalate 处理写入失败。
func (r *Recorder) Escalate(ctx context.Context, event Event, err error) {
	names := sinkNames(err, sinkName(r.sink))
	for _, name := range names {
		r.metrics.IncAuditWriteFailure(name)
	}
	r.logger.Error("审计事件写入失败",
		slog.String("event_id", event.ID),
		slog.String("run_id", event.RunID),
		slog.Int64("seq", event.Seq),
		slog.String("kind", string(event.Kind)),
		slog.Any("sinks", names),
		slog.Any("error", err),
	)
	if r.alerts == nil {
		return
	}
	alertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	notifyErr := r.alerts.Notify(alertCtx, alerting.Event{
		Code:     CodeAuditWriteFailed,
		Message:  "审计事件写入失败: " + err.Error(),
		Severity: xerrors.SeverityCritical,
		Source:   "audit",
		Subject:  event.RunID,
		Metadata: map[string]string{
			"event_id": event.ID,
			"kind":     string(event.Kind),
		},
	})
	if notifyErr != nil {
		r.logger.Warn("审计告警发送失败", slog.Any("error", notifyErr))
	}
}

// Close 等待异步队列写完并释放 Sink 持有的资源。
func (r *Recorder) Close(ctx context.Context) error {
	switch s := r.sink.(type) {
	case *AsyncSink:
		return s.Close(ctx)
	case Closer:
		return s.Close()
	}
	return nil
}

// Reader 返回底层 Sink 的回放能力，不支持时为 nil。
func (r *Recorder) Reader() Reader {
	if rd, ok := r.sink.(Reader); ok {
		return rd
	}
	return nil
}

func (r *Recorder) nextSeq(runID string, done bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.seqs[runID] + 1
	if done {
		delete(r.seqs, runID)
	} else {
		r.seqs[runID] = seq
	}
	return seq
}

func terminal(kind Kind) bool {
	return kind == KindPipelineEnd || kind == KindPipelineFailed
}

func sinkName(s Sink) string {
	if s == nil {
		return "none"
	}
	return s.Name()
}
