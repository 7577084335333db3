package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"BSM-Orchestrator/internal/agent"
	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/observability/metrics"
	"BSM-Orchestrator/pkg/logger"
)

// Binder 为记录解析执行行为，返回 nil 表示没有可用绑定。
type Binder interface {
	Bind(rec *agent.Record) agent.Behavior
}

// Registry 是一次加载得到的只读快照。
type Registry struct {
	agents   []*agent.Record
	index    map[string]*agent.Record
	issues   []Issue
	loadedAt time.Time
	source   string
}

func newRegistry(records []*agent.Record, issues []Issue, source string) *Registry {
	index := make(map[string]*agent.Record, len(records))
	for _, rec := range records {
		index[rec.ID] = rec
	}
	return &Registry{agents: records, index: index, issues: issues, loadedAt: time.Now(), source: source}
}

// Get 按 id 查找记录。返回的记录只读。
func (r *Registry) Get(id string) (*agent.Record, bool) {
	if r == nil {
		return nil, false
	}
	rec, ok := r.index[id]
	return rec, ok
}

// Agents 按文档顺序返回全部记录。
func (r *Registry) Agents() []*agent.Record {
	if r == nil {
		return nil
	}
	return append([]*agent.Record(nil), r.agents...)
}

// Len 返回记录数量。
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.agents)
}

// Issues 返回加载时的校验结果。
func (r *Registry) Issues() []Issue {
	if r == nil {
		return nil
	}
	return append([]Issue(nil), r.issues...)
}

// LoadedAt 返回快照生成时间。
func (r *Registry) LoadedAt() time.Time {
	if r == nil {
		return time.Time{}
	}
	return r.loadedAt
}

// Status 描述缓存状态。
type Status struct {
	Cached     bool      `json:"cached"`
	LoadedAt   time.Time `json:"loaded_at,omitempty"`
	Loads      int64     `json:"loads"`
	AgentCount int       `json:"agent_count"`
	Source     string    `json:"source"`
	Issues     []Issue   `json:"issues,omitempty"`
}

// Store 持有当前注册表快照。首次读取惰性加载，并发的首次读取合并为一次。
type Store struct {
	source  Source
	binder  Binder
	strict  bool
	logger  *slog.Logger
	metrics *metrics.Metrics

	current atomic.Pointer[Registry]
	group   singleflight.Group
	loads   atomic.Int64

	// 每次读取来源前领取代次，只发布不低于已发布代次的快照。
	generation atomic.Uint64
	publishMu  sync.Mutex
	published  uint64
}

// Option 定义可选配置。
type Option func(*Store)

// WithBinder 指定行为绑定表。
func WithBinder(b Binder) Option {
	return func(s *Store) { s.binder = b }
}

// WithStrict 将警告级问题视为加载失败。
func WithStrict(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics 注入指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore 构造 Store，不会立即读取来源。
func NewStore(source Source, opts ...Option) *Store {
	s := &Store{source: source, logger: logger.Named("registry")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

const flightKey = "registry"

// Get 返回指定 id 的记录，不存在时返回 AGENT_NOT_FOUND。
func (s *Store) Get(ctx context.Context, id string) (*agent.Record, error) {
	reg, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := reg.Get(id)
	if !ok {
		return nil, xerrors.New(CodeAgentNotFound, fmt.Sprintf("agent %s not found", id),
			xerrors.WithMetadata("agent_id", id))
	}
	return rec, nil
}

// Load 返回当前快照，尚未加载时执行加载。可安全并发调用。
func (s *Store) Load(ctx context.Context) (*Registry, error) {
	if reg := s.current.Load(); reg != nil {
		return reg, nil
	}
	return s.do(ctx, false)
}

// Refresh 重新读取来源并整体替换快照。失败时保留旧快照。
func (s *Store) Refresh(ctx context.Context) (*Registry, error) {
	return s.do(ctx, true)
}

// Current 返回当前快照，未加载时为 nil。
func (s *Store) Current() *Registry {
	return s.current.Load()
}

// Status 返回缓存状态。
func (s *Store) Status() Status {
	reg := s.current.Load()
	st := Status{Loads: s.loads.Load()}
	if s.source != nil {
		st.Source = s.source.Name()
	}
	if reg != nil {
		st.Cached = true
		st.LoadedAt = reg.loadedAt
		st.AgentCount = reg.Len()
		st.Issues = reg.Issues()
	}
	return st
}

// Loads 返回实际读取来源的次数。
func (s *Store) Loads() int64 { return s.loads.Load() }

func (s *Store) do(ctx context.Context, force bool) (*Registry, error) {
	// 加载结果由所有等待者共享，不受单个调用方取消的影响。
	loadCtx := context.WithoutCancel(ctx)
	var ch <-chan singleflight.Result
	if force {
		// 刷新总是发起自己的读取，不复用刷新请求之前已开始的读取。
		refresh := make(chan singleflight.Result, 1)
		go func() {
			reg, err := s.load(loadCtx)
			refresh <- singleflight.Result{Val: reg, Err: err}
		}()
		ch = refresh
	} else {
		ch = s.group.DoChan(flightKey, func() (any, error) {
			if reg := s.current.Load(); reg != nil {
				return reg, nil
			}
			return s.load(loadCtx)
		})
	}

	select {
	case <-ctx.Done():
		return nil, xerrors.Wrap(xerrors.CodeCanceled, ctx.Err(), "等待注册表加载时被取消")
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Registry), nil
	}
}

// publish 以代次为序替换快照，较早开始的读取不会覆盖较新的结果。
func (s *Store) publish(gen uint64, reg *Registry) (*Registry, bool) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if gen < s.published {
		return s.current.Load(), false
	}
	s.published = gen
	s.current.Store(reg)
	return reg, true
}

func (s *Store) load(ctx context.Context) (*Registry, error) {
	if s.source == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置注册表来源")
	}
	s.loads.Add(1)
	gen := s.generation.Add(1)
	start := time.Now()

	content, err := s.source.Read(ctx)
	if err != nil {
		s.metrics.ObserveRegistryLoad(false, 0)
		s.logger.Error("读取注册表失败", slog.String("source", s.source.Name()), slog.Any("error", err))
		return nil, xerrors.Wrap(CodeRegistryUnavailable, err, "读取注册表失败",
			xerrors.WithMetadata("source", s.source.Name()))
	}

	records, err := Parse(content)
	if err != nil {
		s.metrics.ObserveRegistryLoad(false, 0)
		s.logger.Error("注册表文档无效", slog.String("source", s.source.Name()), slog.Any("error", err))
		return nil, err
	}

	issues := Validate(records)
	s.bind(records, &issues)
	if HasErrors(issues) || (s.strict && len(issues) > 0) {
		s.metrics.ObserveRegistryLoad(false, 0)
		err := xerrors.New(CodeRegistryInvalid, "注册表校验失败: "+summarize(issues),
			xerrors.WithMetadata("source", s.source.Name()))
		s.logger.Error("注册表校验失败", slog.String("source", s.source.Name()), slog.Int("issues", len(issues)))
		return nil, err
	}
	for _, issue := range issues {
		s.logger.Warn("注册表校验警告", slog.String("agent_id", issue.AgentID),
			slog.String("field", issue.Field), slog.String("message", issue.Message))
	}

	reg, ok := s.publish(gen, newRegistry(records, issues, s.source.Name()))
	if !ok {
		s.logger.Debug("忽略过期的注册表读取", slog.String("source", s.source.Name()), slog.Uint64("generation", gen))
		return reg, nil
	}
	s.metrics.ObserveRegistryLoad(true, reg.Len())
	s.logger.Info("注册表已加载",
		slog.String("source", s.source.Name()),
		slog.Int("agents", reg.Len()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return reg, nil
}

func (s *Store) bind(records []*agent.Record, issues *[]Issue) {
	for _, rec := range records {
		if s.binder != nil {
			rec.Behavior = s.binder.Bind(rec)
		}
		if rec.Behavior == nil {
			*issues = append(*issues, Issue{
				AgentID:  rec.ID,
				Field:    "behavior",
				Severity: IssueWarning,
				Message:  "未绑定执行行为，调用时将返回 MISCONFIGURED_AGENT",
			})
		}
	}
}
