package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"BSM-Orchestrator/internal/agent"
	"BSM-Orchestrator/internal/auth"
	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/pipeline"
)

// runRequest 是同步执行流水线的请求体。
type runRequest struct {
	Agents []string `json:"agents"`
	Mode   string   `json:"mode"`
	Actor  string   `json:"actor"`
	// RunID 可选，便于调用方预先关联审计事件。
	RunID string `json:"run_id,omitempty"`
}

type runResponse struct {
	RunID      string   `json:"run_id"`
	Status     string   `json:"status"`
	Agents     []string `json:"agents"`
	Mode       string   `json:"mode"`
	DurationMS int64    `json:"duration_ms"`
}

func (s *Server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, unavailable("流水线"))
		return
	}
	var req runRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = pipeline.NewRunID()
	}
	exec := agent.ExecutionContext{
		Mode:  parseMode(req.Mode),
		Actor: auth.Actor(r.Context(), req.Actor),
		IP:    clientIP(r),
	}

	start := time.Now()
	ctx := pipeline.WithRunID(r.Context(), runID)
	if err := s.orchestrator.Run(ctx, req.Agents, exec); err != nil {
		s.logger.Warn("流水线执行失败",
			slog.String("run_id", runID),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		writeRunError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{
		RunID:      runID,
		Status:     "succeeded",
		Agents:     req.Agents,
		Mode:       string(exec.Mode),
		DurationMS: time.Since(start).Milliseconds(),
	})
}

type agentsResponse struct {
	Mode   string          `json:"mode"`
	Agents []*agent.Record `json:"agents"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, unavailable("流水线"))
		return
	}
	mode := parseMode(r.URL.Query().Get("mode"))
	recs, err := s.orchestrator.AvailableAgents(r.Context(), mode)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*agent.Record{}
	}
	writeJSON(w, http.StatusOK, agentsResponse{Mode: string(mode), Agents: recs})
}

// parseMode 规范化模式字符串，非法值原样保留以便下游返回 INVALID_ARGUMENT。
func parseMode(raw string) agent.Mode {
	if m, ok := agent.ParseMode(raw); ok {
		return m
	}
	return agent.Mode(strings.TrimSpace(raw))
}

// clientIP 取 TCP 对端地址，不信任请求头中的转发信息。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
