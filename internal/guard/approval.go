package guard

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"BSM-Orchestrator/internal/agent"
	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/pkg/logger"
)

// Approval 是一条预先记录的人工签核，按 (agent, actor) 关联。
type Approval struct {
	AgentID    string     `json:"agent_id"`
	Actor      string     `json:"actor"`
	ApprovedBy string     `json:"approved_by"`
	Mode       agent.Mode `json:"mode,omitempty"`
	Note       string     `json:"note,omitempty"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  time.Time  `json:"expires_at,omitempty"`
}

// Expired 判断签核在 now 时是否已过期。零值表示永不过期。
func (a *Approval) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// ErrApprovalNotFound 表示没有对应的签核记录。
var ErrApprovalNotFound = xerrors.New(xerrors.CodeNotFound, "approval not found")

// ApprovalStore 保存签核记录。
type ApprovalStore interface {
	Lookup(ctx context.Context, agentID, actor string) (*Approval, error)
	Grant(ctx context.Context, approval Approval) error
	Revoke(ctx context.Context, agentID, actor string) error
}

// ValidateGrant 校验签核请求的必填字段。
func ValidateGrant(a Approval) error {
	if strings.TrimSpace(a.AgentID) == "" || strings.TrimSpace(a.Actor) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "签核必须指定 agent_id 与 actor")
	}
	if strings.TrimSpace(a.ApprovedBy) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "签核必须指定 approved_by")
	}
	if a.Mode != "" && !a.Mode.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的执行模式 %q", a.Mode))
	}
	return nil
}

// MemoryApprovalStore 在内存中保存签核。
type MemoryApprovalStore struct {
	mu        sync.RWMutex
	approvals map[string]Approval
	now       func() time.Time
}

// NewMemoryApprovalStore 创建内存签核存储。
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{approvals: make(map[string]Approval), now: time.Now}
}

func approvalKey(agentID, actor string) string {
	return agentID + "\x00" + actor
}

// Lookup 实现 ApprovalStore，过期记录视为不存在。
func (m *MemoryApprovalStore) Lookup(_ context.Context, agentID, actor string) (*Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[approvalKey(agentID, actor)]
	if !ok || a.Expired(m.now()) {
		return nil, ErrApprovalNotFound
	}
	return &a, nil
}

// Grant 实现 ApprovalStore，同一 (agent, actor) 的旧记录被覆盖。
func (m *MemoryApprovalStore) Grant(_ context.Context, a Approval) error {
	if err := ValidateGrant(a); err != nil {
		return err
	}
	if a.GrantedAt.IsZero() {
		a.GrantedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[approvalKey(a.AgentID, a.Actor)] = a
	return nil
}

// Revoke 实现 ApprovalStore。
func (m *MemoryApprovalStore) Revoke(_ context.Context, agentID, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := approvalKey(agentID, actor)
	if _, ok := m.approvals[key]; !ok {
		return ErrApprovalNotFound
	}
	delete(m.approvals, key)
	return nil
}

// ApprovalGuard 在策略要求审批时检查签核。
type ApprovalGuard struct {
	store            ApprovalStore
	highRiskApproval bool
	now              func() time.Time
	logger           *slog.Logger
}

// ApprovalOption 定义可选配置。
type ApprovalOption func(*ApprovalGuard)

// WithHighRiskApproval 控制 high/critical 风险是否隐含审批要求。
func WithHighRiskApproval(enabled bool) ApprovalOption {
	return func(g *ApprovalGuard) { g.highRiskApproval = enabled }
}

// WithClock 替换时间来源，用于测试。
func WithClock(now func() time.Time) ApprovalOption {
	return func(g *ApprovalGuard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithApprovalLogger 指定日志输出。
func WithApprovalLogger(l *slog.Logger) ApprovalOption {
	return func(g *ApprovalGuard) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewApprovalGuard 构造 ApprovalGuard。
func NewApprovalGuard(store ApprovalStore, opts ...ApprovalOption) *ApprovalGuard {
	g := &ApprovalGuard{store: store, highRiskApproval: true, now: time.Now, logger: logger.Named("guard")}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Name 实现 Guard。
func (g *ApprovalGuard) Name() string { return NameApproval }

// Required 判断记录是否需要审批。
func (g *ApprovalGuard) Required(rec *agent.Record) bool {
	if rec == nil {
		return false
	}
	return rec.ApprovalRequired() || (g.highRiskApproval && rec.HighRisk())
}

// Check 实现 Guard。签核存储不可用时拒绝。
func (g *ApprovalGuard) Check(ctx context.Context, rec *agent.Record, exec agent.ExecutionContext) Decision {
	if !g.Required(rec) {
		return Allow(NameApproval)
	}
	if g.store == nil {
		return Deny(NameApproval, fmt.Sprintf("agent %s requires approval but no approval store is configured", rec.ID))
	}

	approval, err := g.store.Lookup(ctx, rec.ID, exec.Actor)
	if err != nil {
		if stdErrors.Is(err, ErrApprovalNotFound) {
			return Deny(NameApproval, fmt.Sprintf("agent %s requires approval; no sign-off recorded for actor %s", rec.ID, exec.Actor))
		}
		g.logger.Error("查询签核失败", slog.String("agent_id", rec.ID), slog.String("actor", exec.Actor), slog.Any("error", err))
		return Deny(NameApproval, fmt.Sprintf("agent %s requires approval; approval lookup failed", rec.ID))
	}

	now := g.now()
	switch {
	case approval.Expired(now):
		return Deny(NameApproval, fmt.Sprintf("sign-off for agent %s expired at %s", rec.ID, approval.ExpiresAt.Format(time.RFC3339)))
	case approval.Mode != "" && approval.Mode != exec.Mode:
		return Deny(NameApproval, fmt.Sprintf("sign-off for agent %s covers mode %s, not %s", rec.ID, approval.Mode, exec.Mode))
	case !rec.AllowsApprover(approval.ApprovedBy):
		return Deny(NameApproval, fmt.Sprintf("%s is not an approver for agent %s", approval.ApprovedBy, rec.ID))
	}
	return Allow(NameApproval)
}
