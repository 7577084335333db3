package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"BSM-Orchestrator/internal/auth"
	"BSM-Orchestrator/internal/config"
	"BSM-Orchestrator/internal/guard"
	"BSM-Orchestrator/pkg/logger"
)

func (s *Server) handleRegistryStatus(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeError(w, unavailable("注册表"))
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Status())
}

func (s *Server) handleRegistryRefresh(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, unavailable("注册表"))
		return
	}
	if _, err := s.registry.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Status())
}

func (s *Server) handleKeyStats(w http.ResponseWriter, _ *http.Request) {
	if s.keys == nil {
		writeError(w, unavailable("凭证管理"))
		return
	}
	writeJSON(w, http.StatusOK, s.keys.Stats())
}

// grantRequest 是签核请求体。TTL 为空时使用服务端默认值。
type grantRequest struct {
	AgentID    string          `json:"agent_id"`
	Actor      string          `json:"actor"`
	ApprovedBy string          `json:"approved_by"`
	Mode       string          `json:"mode,omitempty"`
	Note       string          `json:"note,omitempty"`
	TTL        config.Duration `json:"ttl,omitempty"`
}

func (s *Server) handleGrantApproval(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		writeError(w, unavailable("签核"))
		return
	}
	var req grantRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	a := guard.Approval{
		AgentID:    strings.TrimSpace(req.AgentID),
		Actor:      strings.TrimSpace(req.Actor),
		ApprovedBy: auth.Actor(r.Context(), req.ApprovedBy),
		Note:       req.Note,
		GrantedAt:  time.Now().UTC(),
	}
	if req.Mode != "" {
		a.Mode = parseMode(req.Mode)
	}
	if ttl := req.TTL.Std(); ttl > 0 {
		a.ExpiresAt = a.GrantedAt.Add(ttl)
	} else if s.approvalTTL > 0 {
		a.ExpiresAt = a.GrantedAt.Add(s.approvalTTL)
	}
	if err := guard.ValidateGrant(a); err != nil {
		writeError(w, err)
		return
	}
	if s.registry != nil {
		if _, err := s.registry.Get(r.Context(), a.AgentID); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.approvals.Grant(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("签核已登记",
		slog.String("agent_id", a.AgentID),
		slog.String("actor", a.Actor),
		slog.String("approved_by", a.ApprovedBy),
		slog.String("mode", string(a.Mode)),
		slog.Time("expires_at", a.ExpiresAt),
	)
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleRevokeApproval(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		writeError(w, unavailable("签核"))
		return
	}
	agentID, actor := r.PathValue("agent"), r.PathValue("actor")
	if err := s.approvals.Revoke(r.Context(), agentID, actor); err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("签核已撤销", slog.String("agent_id", agentID), slog.String("actor", actor))
	w.WriteHeader(http.StatusNoContent)
}
