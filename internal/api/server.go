package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"BSM-Orchestrator/internal/audit"
	"BSM-Orchestrator/internal/auth"
	"BSM-Orchestrator/internal/guard"
	"BSM-Orchestrator/internal/job"
	"BSM-Orchestrator/internal/keys"
	"BSM-Orchestrator/internal/observability/metrics"
	"BSM-Orchestrator/internal/pipeline"
	"BSM-Orchestrator/internal/registry"
	"BSM-Orchestrator/pkg/logger"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultPingInterval      = 30 * time.Second
	maxBodyBytes             = 1 << 20
)

// Server 负责暴露 REST 接口，供外部驱动流水线执行与查询状态。
type Server struct {
	addr            string
	orchestrator    *pipeline.Orchestrator
	registry        *registry.Store
	approvals       guard.ApprovalStore
	approvalTTL     time.Duration
	keys            *keys.Manager
	audit           audit.Reader
	stream          *audit.Broadcaster
	jobs            *job.Service
	auth            *auth.Service
	metrics         *metrics.Metrics
	logger          *slog.Logger
	readTimeout     time.Duration
	shutdownTimeout time.Duration
	pingInterval    time.Duration
	upgrader        websocket.Upgrader
}

// Option 定义可选配置。
type Option func(*Server)

// WithRegistry 暴露注册表状态与刷新接口。
func WithRegistry(s *registry.Store) Option {
	return func(srv *Server) { srv.registry = s }
}

// WithApprovals 暴露签核管理接口。
func WithApprovals(store guard.ApprovalStore) Option {
	return func(srv *Server) { srv.approvals = store }
}

// WithApprovalTTL 指定签核请求未携带 ttl 时的有效期，0 表示永不过期。
func WithApprovalTTL(d time.Duration) Option {
	return func(srv *Server) { srv.approvalTTL = d }
}

// WithKeys 暴露凭证状态接口。
func WithKeys(m *keys.Manager) Option {
	return func(srv *Server) { srv.keys = m }
}

// WithAuditReader 暴露审计查询接口。
func WithAuditReader(r audit.Reader) Option {
	return func(srv *Server) { srv.audit = r }
}

// WithAuditStream 暴露审计实时推送接口。
func WithAuditStream(b *audit.Broadcaster) Option {
	return func(srv *Server) { srv.stream = b }
}

// WithJobs 暴露异步作业接口。
func WithJobs(svc *job.Service) Option {
	return func(srv *Server) { srv.jobs = svc }
}

// WithAuth 为除健康检查外的路由启用认证。
func WithAuth(svc *auth.Service) Option {
	return func(srv *Server) { srv.auth = svc }
}

// WithMetrics 记录请求指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// WithTimeouts 调整读取请求头与优雅关闭的超时。
func WithTimeouts(read, shutdown time.Duration) Option {
	return func(srv *Server) {
		if read > 0 {
			srv.readTimeout = read
		}
		if shutdown > 0 {
			srv.shutdownTimeout = shutdown
		}
	}
}

// WithPingInterval 调整审计推送连接的心跳间隔。
func WithPingInterval(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.pingInterval = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch *pipeline.Orchestrator, opts ...Option) *Server {
	srv := &Server{
		addr:            addr,
		orchestrator:    orch,
		logger:          logger.Named("api"),
		readTimeout:     defaultReadHeaderTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		pingInterval:    defaultPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	return srv
}

// Handler 返回挂载全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.handleHealth)
	s.route(mux, "POST /api/v1/pipelines/run", s.handleRunPipeline, auth.PermissionRun)
	s.route(mux, "GET /api/v1/agents", s.handleListAgents, auth.PermissionRun)
	s.route(mux, "GET /api/v1/registry/status", s.handleRegistryStatus, auth.PermissionRead)
	s.route(mux, "POST /api/v1/registry/refresh", s.handleRegistryRefresh, auth.PermissionAdmin)
	s.route(mux, "GET /api/v1/keys/stats", s.handleKeyStats, auth.PermissionRead)
	s.route(mux, "POST /api/v1/approvals", s.handleGrantApproval, auth.PermissionAdmin)
	s.route(mux, "DELETE /api/v1/approvals/{agent}/{actor}", s.handleRevokeApproval, auth.PermissionAdmin)
	s.route(mux, "GET /api/v1/audit", s.handleAuditEvents, auth.PermissionRead)
	s.route(mux, "GET /api/v1/audit/stats", s.handleAuditStats, auth.PermissionRead)
	s.route(mux, "GET /api/v1/audit/stream", s.handleAuditStream, auth.PermissionRead)
	s.route(mux, "POST /api/v1/jobs", s.handleSubmitJob, auth.PermissionRun)
	s.route(mux, "GET /api/v1/jobs", s.handleListJobs, auth.PermissionRead)
	s.route(mux, "GET /api/v1/jobs/{id}", s.handleJobDetail, auth.PermissionRead)
	return otelhttp.NewHandler(mux, "bsmd.api")
}

// route 挂载路由，声明了权限的路由需要通过认证。
func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc, perms ...string) {
	if len(perms) > 0 {
		fn = s.auth.Middleware(perms...)(fn)
	}
	mux.Handle(pattern, s.metrics.Middleware(pattern, fn))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
