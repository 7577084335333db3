package behavior

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"BSM-Orchestrator/internal/agent"
	"BSM-Orchestrator/pkg/logger"
)

// Factory 根据记录的 behavior 配置构造执行行为。
type Factory func(rec *agent.Record) (agent.Behavior, error)

// Table 维护 id 与 kind 两级绑定，实现 registry.Binder。
type Table struct {
	mu     sync.RWMutex
	byID   map[string]agent.Behavior
	kinds  map[string]Factory
	logger *slog.Logger
}

// TableOption 定义可选配置。
type TableOption func(*Table)

// WithTableLogger 指定日志输出。
func WithTableLogger(l *slog.Logger) TableOption {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTable 创建空的绑定表。
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		byID:   make(map[string]agent.Behavior),
		kinds:  make(map[string]Factory),
		logger: logger.Named("behavior"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Register 为指定 id 绑定行为，优先于 kind 绑定。
func (t *Table) Register(id string, b agent.Behavior) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("behavior id cannot be empty")
	}
	if b == nil {
		return errors.New("behavior implementation cannot be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byID[id]; exists {
		return fmt.Errorf("behavior for %s already registered", id)
	}
	t.byID[id] = b
	return nil
}

// RegisterKind 注册 kind 对应的工厂。
func (t *Table) RegisterKind(kind string, f Factory) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return errors.New("behavior kind cannot be empty")
	}
	if f == nil {
		return errors.New("behavior factory cannot be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.kinds[kind]; exists {
		return fmt.Errorf("behavior kind %s already registered", kind)
	}
	t.kinds[kind] = f
	return nil
}

// Kinds 返回已注册的 kind，按名称排序。
func (t *Table) Kinds() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.kinds))
	for k := range t.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Bind 实现 registry.Binder。无法绑定时返回 nil，记录仍可加载。
func (t *Table) Bind(rec *agent.Record) agent.Behavior {
	if rec == nil {
		return nil
	}
	t.mu.RLock()
	b, ok := t.byID[rec.ID]
	factory := t.kinds[strings.ToLower(strings.TrimSpace(rec.Spec.Kind))]
	t.mu.RUnlock()
	if ok {
		return b
	}
	if rec.Spec.Kind == "" {
		return nil
	}
	if factory == nil {
		t.logger.Warn("未知的行为类型", slog.String("agent_id", rec.ID), slog.String("kind", rec.Spec.Kind))
		return nil
	}
	b, err := factory(rec)
	if err != nil {
		t.logger.Warn("行为配置无效", slog.String("agent_id", rec.ID),
			slog.String("kind", rec.Spec.Kind), slog.Any("error", err))
		return nil
	}
	return b
}

// NewBuiltinTable 创建已注册 log 与 http 类型的绑定表。creds 可为 nil。
func NewBuiltinTable(creds CredentialSource, opts ...TableOption) *Table {
	t := NewTable(opts...)
	_ = t.RegisterKind(KindLog, LogFactory(t.logger))
	_ = t.RegisterKind(KindHTTP, HTTPFactory(nil, creds))
	return t
}
