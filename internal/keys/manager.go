package keys

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/observability/alerting"
	"BSM-Orchestrator/internal/observability/metrics"
	"BSM-Orchestrator/pkg/logger"
)

// Status 是提供方凭证状态。
type Status string

// 凭证状态
const (
	StatusUnknown Status = "unknown"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
)

// Source 标明返回的是哪一把凭证。
type Source string

// 凭证来源
const (
	SourcePrimary     Source = "primary"
	SourceFallback    Source = "fallback"
	SourceAlternative Source = "alternative"
)

// DefaultThreshold 为标记失败前允许的连续失败次数。
const DefaultThreshold = 3

// Credential 是交给调用方的凭证。Provider 可能与请求的提供方不同。
type Credential struct {
	Provider string `json:"provider"`
	Key      string `json:"-"`
	Source   Source `json:"source"`
}

// ProviderConfig 描述单个提供方的凭证。
type ProviderConfig struct {
	Name     string
	Primary  string
	Fallback string
}

// DefaultAlternatives 返回内置的切换顺序。
func DefaultAlternatives() map[string][]string {
	return map[string][]string{
		"openai":     {"anthropic", "google"},
		"anthropic":  {"openai", "google"},
		"perplexity": {"openai", "google"},
		"google":     {"openai", "anthropic"},
	}
}

// EnvProviders 按内置环境变量读取四个提供方的凭证。
func EnvProviders(lookup func(string) string) []ProviderConfig {
	if lookup == nil {
		lookup = os.Getenv
	}
	return []ProviderConfig{
		{Name: "openai", Primary: lookup("OPENAI_BSM_KEY"), Fallback: lookup("OPENAI_FALLBACK_KEY")},
		{Name: "anthropic", Primary: lookup("ANTHROPIC_KEY"), Fallback: lookup("ANTHROPIC_FALLBACK_KEY")},
		{Name: "perplexity", Primary: lookup("PERPLEXITY_KEY")},
		{Name: "google", Primary: lookup("GOOGLE_AI_KEY")},
	}
}

type providerState struct {
	mu        sync.Mutex
	name      string
	primary   string
	fallback  string
	status    Status
	failCount int
	lastUsed  time.Time
}

// Manager 持有各提供方的凭证状态。每个提供方的计数由各自的互斥锁保护，
// 同步上报与后台对账不会互相覆盖。
type Manager struct {
	order        []string
	providers    map[string]*providerState
	alternatives map[string][]string
	threshold    int
	now          func() time.Time

	currentMu sync.RWMutex
	current   string

	alerts  alerting.Dispatcher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Manager)

// WithThreshold 调整失败阈值。
func WithThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithAlternatives 覆盖切换顺序。
func WithAlternatives(alts map[string][]string) Option {
	return func(m *Manager) {
		if alts != nil {
			m.alternatives = alts
		}
	}
}

// WithAlerts 指定提供方失效时的通知渠道。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(m *Manager) { m.alerts = d }
}

// WithMetrics 注入指标。
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock 替换时间来源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 按配置顺序创建管理器，第一个提供方作为初始 current provider。
func NewManager(providers []ProviderConfig, opts ...Option) *Manager {
	m := &Manager{
		providers:    make(map[string]*providerState, len(providers)),
		alternatives: DefaultAlternatives(),
		threshold:    DefaultThreshold,
		now:          time.Now,
		logger:       logger.Named("keys"),
	}
	for _, p := range providers {
		if p.Name == "" {
			continue
		}
		if _, dup := m.providers[p.Name]; dup {
			continue
		}
		m.order = append(m.order, p.Name)
		m.providers[p.Name] = &providerState{
			name:     p.Name,
			primary:  p.Primary,
			fallback: p.Fallback,
			status:   StatusUnknown,
		}
	}
	if len(m.order) > 0 {
		m.current = m.order[0]
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) state(provider string) (*providerState, error) {
	st, ok := m.providers[provider]
	if !ok {
		return nil, xerrors.New(CodeUnknownProvider, fmt.Sprintf("unknown AI provider: %s", provider),
			xerrors.WithMetadata("provider", provider))
	}
	return st, nil
}

// GetKey 返回 provider 的可用凭证：主凭证未失效且失败次数未达阈值时返回主凭证，
// 否则在未失效时返回备用凭证，都不可用时切换到替代提供方。
func (m *Manager) GetKey(ctx context.Context, provider string) (Credential, error) {
	st, err := m.state(provider)
	if err != nil {
		return Credential{}, err
	}

	st.mu.Lock()
	switch {
	case st.primary != "" && st.status != StatusFailed && st.failCount < m.threshold:
		st.lastUsed = m.now()
		cred := Credential{Provider: provider, Key: st.primary, Source: SourcePrimary}
		st.mu.Unlock()
		return cred, nil
	case st.fallback != "" && st.status != StatusFailed:
		st.lastUsed = m.now()
		cred := Credential{Provider: provider, Key: st.fallback, Source: SourceFallback}
		st.mu.Unlock()
		m.logger.Info("使用备用凭证", slog.String("provider", provider))
		return cred, nil
	}
	st.mu.Unlock()

	m.logger.Warn("提供方凭证均不可用，尝试切换", slog.String("provider", provider))
	return m.SwitchProvider(ctx, provider)
}

// SwitchProvider 按优先级遍历替代提供方，返回第一个未失效且有主凭证的提供方。
func (m *Manager) SwitchProvider(_ context.Context, failed string) (Credential, error) {
	for _, alt := range m.alternatives[failed] {
		st, ok := m.providers[alt]
		if !ok {
			continue
		}
		st.mu.Lock()
		if st.status == StatusFailed || st.primary == "" {
			st.mu.Unlock()
			continue
		}
		st.lastUsed = m.now()
		cred := Credential{Provider: alt, Key: st.primary, Source: SourceAlternative}
		st.mu.Unlock()

		m.setCurrent(alt)
		m.metrics.IncFailover(failed, alt)
		m.logger.Info("已切换提供方", slog.String("from", failed), slog.String("to", alt))
		return cred, nil
	}
	return Credential{}, xerrors.New(CodeAllProvidersExhausted,
		"all AI providers failed or are missing credentials",
		xerrors.WithMetadata("provider", failed))
}

// ReportFailure 增加失败计数，达到阈值时标记失效并通知。
func (m *Manager) ReportFailure(ctx context.Context, provider string) error {
	st, err := m.state(provider)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.failCount++
	count := st.failCount
	transitioned := false
	if count >= m.threshold && st.status != StatusFailed {
		st.status = StatusFailed
		transitioned = true
	}
	st.mu.Unlock()

	m.metrics.IncCredentialFailure(provider)
	if transitioned {
		m.metrics.SetProviderActive(provider, false)
		m.notifyFailure(ctx, provider, count)
	}
	return nil
}

// ReportSuccess 清零失败计数并标记为可用。
func (m *Manager) ReportSuccess(_ context.Context, provider string) error {
	st, err := m.state(provider)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.failCount = 0
	st.status = StatusActive
	st.lastUsed = m.now()
	st.mu.Unlock()

	m.metrics.SetProviderActive(provider, true)
	return nil
}

// ApplyRemoteStatus 用远端结果覆盖本地状态，未知的提供方被忽略。
func (m *Manager) ApplyRemoteStatus(statuses map[string]bool) int {
	applied := 0
	for name, valid := range statuses {
		st, ok := m.providers[name]
		if !ok {
			continue
		}
		st.mu.Lock()
		if valid {
			st.status = StatusActive
		} else {
			st.status = StatusFailed
		}
		st.mu.Unlock()
		m.metrics.SetProviderActive(name, valid)
		applied++
	}
	return applied
}

func (m *Manager) notifyFailure(ctx context.Context, provider string, count int) {
	m.logger.Error("提供方凭证连续失败，已标记失效",
		slog.String("provider", provider),
		slog.Int("fail_count", count),
	)
	if m.alerts == nil {
		return
	}
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := m.alerts.Notify(alertCtx, alerting.Event{
		Code:     CodeProviderFailed,
		Message:  fmt.Sprintf("%s key failed after %d attempts", provider, count),
		Severity: xerrors.SeverityCritical,
		Source:   "keys",
		Subject:  provider,
		Metadata: map[string]string{"fail_count": strconv.Itoa(count)},
	})
	if err != nil {
		m.logger.Warn("提供方失效通知发送失败", slog.String("provider", provider), slog.Any("error", err))
	}
}

func (m *Manager) setCurrent(provider string) {
	m.currentMu.Lock()
	m.current = provider
	m.currentMu.Unlock()
}

// CurrentProvider 返回最近一次切换的目标。
func (m *Manager) CurrentProvider() string {
	m.currentMu.RLock()
	defer m.currentMu.RUnlock()
	return m.current
}

// Providers 返回按配置顺序排列的提供方名称。
func (m *Manager) Providers() []string {
	return append([]string(nil), m.order...)
}

// ProviderStats 是单个提供方的观测快照，不包含凭证内容。
type ProviderStats struct {
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	FailCount   int        `json:"fail_count"`
	HasPrimary  bool       `json:"has_primary"`
	HasFallback bool       `json:"has_fallback"`
	LastUsed    *time.Time `json:"last_used"`
}

// Stats 是 GetStats 的结果。
type Stats struct {
	Providers       []ProviderStats `json:"providers"`
	CurrentProvider string          `json:"current_provider"`
}

// Stats 返回全部提供方的快照。
func (m *Manager) Stats() Stats {
	out := Stats{Providers: make([]ProviderStats, 0, len(m.order)), CurrentProvider: m.CurrentProvider()}
	for _, name := range m.order {
		st := m.providers[name]
		st.mu.Lock()
		ps := ProviderStats{
			Name:        name,
			Status:      st.status,
			FailCount:   st.failCount,
			HasPrimary:  st.primary != "",
			HasFallback: st.fallback != "",
		}
		if !st.lastUsed.IsZero() {
			ts := st.lastUsed
			ps.LastUsed = &ts
		}
		st.mu.Unlock()
		out.Providers = append(out.Providers, ps)
	}
	return out
}
