package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"BSM-Orchestrator/internal/agent"
	"BSM-Orchestrator/internal/audit"
	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/guard"
	"BSM-Orchestrator/internal/observability/metrics"
	"BSM-Orchestrator/internal/observability/tracing"
	"BSM-Orchestrator/internal/registry"
	"BSM-Orchestrator/pkg/logger"
)

// Registry 是编排器依赖的注册表能力，*registry.Store 满足该接口。
type Registry interface {
	Get(ctx context.Context, id string) (*agent.Record, error)
	Load(ctx context.Context) (*registry.Registry, error)
}

// Orchestrator 按顺序执行智能体列表。单次运行内严格串行，多次运行可并发。
type Orchestrator struct {
	registry Registry
	mode     *guard.ModeGuard
	approval *guard.ApprovalGuard
	policy   guard.Guard
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	// 进行中的 run id，同一 id 不允许并发运行。
	activeMu sync.Mutex
	active   map[string]struct{}
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithModeGuard 替换模式守卫。
func WithModeGuard(g *guard.ModeGuard) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.mode = g
		}
	}
}

// WithApprovalGuard 替换审批守卫。
func WithApprovalGuard(g *guard.ApprovalGuard) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.approval = g
		}
	}
}

// WithPolicyGuard 在审批之后追加策略守卫。
func WithPolicyGuard(g guard.Guard) Option {
	return func(o *Orchestrator) { o.policy = g }
}

// WithRecorder 指定审计入口。
func WithRecorder(r *audit.Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithMetrics 注入指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer 指定 tracer。
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 构造编排器。未注入的守卫使用默认配置，未注入审计时事件写入审计日志。
func New(reg Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		mode:     guard.NewModeGuard(),
		approval: guard.NewApprovalGuard(nil),
		tracer:   tracing.Tracer(),
		logger:   logger.Named("pipeline"),
		active:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.recorder == nil {
		o.recorder = audit.NewRecorder(nil, audit.WithRecorderLogger(o.logger), audit.WithRecorderMetrics(o.metrics))
	}
	return o
}

func (o *Orchestrator) guards() []guard.Guard {
	gs := []guard.Guard{o.mode, o.approval}
	if o.policy != nil {
		gs = append(gs, o.policy)
	}
	return gs
}

// run 保存一次运行的上下文。
type run struct {
	id     string
	agents []string
	exec   agent.ExecutionContext
	start  time.Time
	done   int
}

// Run 依次执行 agentIDs。任一查找、守卫或执行失败都会立即终止运行，
// 已执行智能体的副作用不会回滚。
func (o *Orchestrator) Run(ctx context.Context, agentIDs []string, exec agent.ExecutionContext) error {
	r := &run{id: RunIDFrom(ctx), agents: append([]string(nil), agentIDs...), exec: exec, start: time.Now()}
	if r.id == "" {
		r.id = NewRunID()
	}
	if err := validateRequest(r); err != nil {
		return err
	}
	if !o.acquire(r.id) {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("run %s is already in progress", r.id),
			xerrors.WithMetadata(MetaRunID, r.id))
	}
	defer o.release(r.id)

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("bsm.run_id", r.id),
		attribute.String("bsm.mode", string(exec.Mode)),
		attribute.StringSlice("bsm.agents", r.agents),
	))
	defer span.End()

	o.recorder.Record(ctx, o.event(r, audit.KindPipelineStart, map[string]any{
		"agents": r.agents,
		"mode":   string(exec.Mode),
		"ip":     exec.IP,
	}))

	for i, id := range r.agents {
		if err := o.step(ctx, r, i, id); err != nil {
			o.fail(ctx, r, span, err)
			return err
		}
		r.done++
	}

	elapsed := time.Since(r.start)
	o.recorder.Record(ctx, o.event(r, audit.KindPipelineEnd, map[string]any{
		"agents":      r.agents,
		"mode":        string(exec.Mode),
		"duration_ms": elapsed.Milliseconds(),
	}))
	o.metrics.ObservePipeline("succeeded", elapsed)
	span.SetStatus(codes.Ok, "")
	o.logger.Info("流水线执行完成",
		slog.String("run_id", r.id),
		slog.Int("agents", len(r.agents)),
		slog.String("mode", string(exec.Mode)),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func (o *Orchestrator) acquire(id string) bool {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if _, busy := o.active[id]; busy {
		return false
	}
	o.active[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.activeMu.Lock()
	delete(o.active, id)
	o.activeMu.Unlock()
}

func validateRequest(r *run) error {
	meta := xerrors.WithMetadata(MetaRunID, r.id)
	if len(r.agents) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent list must not be empty", meta)
	}
	for _, id := range r.agents {
		if strings.TrimSpace(id) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "agent id must not be empty", meta)
		}
	}
	if strings.TrimSpace(r.exec.Actor) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "actor must not be empty", meta)
	}
	if !r.exec.Mode.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown execution mode %q", r.exec.Mode), meta)
	}
	return nil
}

func (o *Orchestrator) step(ctx context.Context, r *run, position int, id string) error {
	meta := map[string]string{
		MetaAgentID:  id,
		MetaPosition: strconv.Itoa(position),
		MetaRunID:    r.id,
	}

	if err := ctx.Err(); err != nil {
		meta[MetaStep] = StepCancel
		return xerrors.Wrap(CodePipelineCanceled, err,
			fmt.Sprintf("pipeline canceled before agent %s", id), xerrors.WithMetadataMap(meta))
	}

	rec, err := o.registry.Get(ctx, id)
	if err != nil {
		meta[MetaStep] = StepLookup
		if xerrors.CodeOf(err) == registry.CodeAgentNotFound {
			o.recorder.Record(ctx, o.event(r, audit.KindAgentNotFound, map[string]any{
				"agent_id": id,
				"position": position,
			}))
		}
		return xerrors.Wrap(xerrors.CodeOf(err), err,
			fmt.Sprintf("lookup of agent %s failed", id), xerrors.WithMetadataMap(meta))
	}

	for _, g := range o.guards() {
		d := g.Check(ctx, rec, r.exec)
		o.metrics.ObserveGuard(g.Name(), d.Allowed)
		if d.Allowed {
			continue
		}
		code, step := denialCode(g.Name())
		meta[MetaStep] = step
		meta[MetaGuard] = g.Name()
		meta[MetaReason] = d.Reason
		o.recorder.Record(ctx, o.event(r, denialKind(code), map[string]any{
			"agent_id": id,
			"position": position,
			"mode":     string(r.exec.Mode),
			"guard":    g.Name(),
			"reason":   d.Reason,
		}))
		return xerrors.New(code, d.Reason, xerrors.WithMetadataMap(meta))
	}

	if !rec.Bound() {
		meta[MetaStep] = StepBind
		o.recorder.Record(ctx, o.event(r, audit.KindAgentMisconfigured, map[string]any{
			"agent_id": id,
			"position": position,
		}))
		return xerrors.New(CodeMisconfiguredAgent,
			fmt.Sprintf("agent %s has no bound behaviour", id), xerrors.WithMetadataMap(meta))
	}

	o.recorder.Record(ctx, o.event(r, audit.KindAgentRun, map[string]any{
		"agent_id": id,
		"position": position,
	}))

	if err := o.execute(ctx, r, position, rec); err != nil {
		meta[MetaStep] = StepExecute
		o.recorder.Record(ctx, o.event(r, audit.KindAgentFailed, map[string]any{
			"agent_id": id,
			"position": position,
			"error":    err.Error(),
		}))
		return xerrors.Wrap(CodeAgentExecutionFailed, err,
			fmt.Sprintf("agent %s failed", id), xerrors.WithMetadataMap(meta))
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, position int, rec *agent.Record) error {
	ctx, span := o.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("bsm.agent_id", rec.ID),
		attribute.Int("bsm.position", position),
	))
	defer span.End()

	start := time.Now()
	err := rec.Behavior.Run(ctx, agent.Invocation{
		RunID:    r.id,
		Position: position,
		Agent:    rec,
		Exec:     r.exec,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.ObserveAgentExecution(rec.ID, "failed")
		return err
	}
	o.metrics.ObserveAgentExecution(rec.ID, "succeeded")
	o.logger.Debug("智能体执行完成",
		slog.String("run_id", r.id),
		slog.String("agent_id", rec.ID),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, r *run, span trace.Span, err error) {
	code := xerrors.CodeOf(err)
	meta := xerrors.MetadataOf(err)
	o.recorder.Record(ctx, o.event(r, audit.KindPipelineFailed, map[string]any{
		"agents":    r.agents,
		"mode":      string(r.exec.Mode),
		"code":      string(code),
		"agent_id":  meta[MetaAgentID],
		"step":      meta[MetaStep],
		"completed": r.done,
	}))
	o.metrics.ObservePipeline(string(code), time.Since(r.start))
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))

	attrs := []any{
		slog.String("run_id", r.id),
		slog.String("code", string(code)),
		slog.String("agent_id", meta[MetaAgentID]),
		slog.String("step", meta[MetaStep]),
		slog.Int("completed", r.done),
		slog.Any("error", err),
	}
	if xerrors.SeverityOf(err) == xerrors.SeverityCritical {
		o.logger.Error("流水线执行失败", attrs...)
		return
	}
	o.logger.Warn("流水线执行失败", attrs...)
}

func (o *Orchestrator) event(r *run, kind audit.Kind, detail map[string]any) audit.Event {
	e := audit.NewEvent(kind, r.exec.Actor, detail)
	e.RunID = r.id
	return e
}

func denialKind(code xerrors.Code) audit.Kind {
	switch code {
	case CodeApprovalDenied:
		return audit.KindApprovalDenied
	case CodePolicyDenied:
		return audit.KindPolicyDenied
	default:
		return audit.KindModeDenied
	}
}

// AvailableAgents 返回在 mode 下无需审批即可运行的智能体，按注册表顺序排列。
func (o *Orchestrator) AvailableAgents(ctx context.Context, mode agent.Mode) ([]*agent.Record, error) {
	if !mode.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown execution mode %q", mode))
	}
	reg, err := o.registry.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []*agent.Record
	for _, rec := range reg.Agents() {
		if !o.mode.AllowedModes(rec).Has(mode) || o.approval.Required(rec) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
