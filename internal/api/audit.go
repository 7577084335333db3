package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"BSM-Orchestrator/internal/audit"
	xerrors "BSM-Orchestrator/internal/errors"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamBuffer       = 256
)

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{Kind: audit.Kind(q.Get("kind")), RunID: q.Get("run_id")}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return f, xerrors.New(xerrors.CodeInvalidArgument, "参数 "+name+" 必须为非负整数")
		}
		*dst = v
	}
	return f, nil
}

// readError 把不支持回放的 sink 视为功能未启用。
func readError(err error) error {
	if errors.Is(err, audit.ErrNotReadable) {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "审计 sink 不支持查询")
	}
	return err
}

type auditEventsResponse struct {
	Events []audit.Event `json:"events"`
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, unavailable("审计查询"))
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.audit.Read(r.Context(), filter)
	if err != nil {
		writeError(w, readError(err))
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, auditEventsResponse{Events: events})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, unavailable("审计查询"))
		return
	}
	stats, err := s.audit.Stats(r.Context())
	if err != nil {
		writeError(w, readError(err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAuditStream 将新产生的审计事件以 JSON 文本帧推送给 websocket 客户端。
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, unavailable("审计推送"))
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("审计推送升级失败", slog.Any("error", err))
		return
	}
	sub := s.stream.Subscribe(filter, streamBuffer)
	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, sub, done)
}

// readPump 丢弃客户端消息，只用于感知断开与处理 pong。
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("审计推送连接异常关闭", slog.Any("error", err))
			}
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, sub *audit.Subscription, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
		if dropped := sub.Dropped(); dropped > 0 {
			s.logger.Warn("审计推送客户端消费过慢，部分事件被丢弃", slog.Int64("dropped", dropped))
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "audit stream closed"))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
