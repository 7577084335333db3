package auth

import (
	"errors"
	"log/slog"
	"net/http"

	loggerpkg "BSM-Orchestrator/pkg/logger"
)

// Middleware 返回要求指定权限的中间件。未启用认证时直接放行。
func (s *Service) Middleware(perms ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrPermissionDenied) {
					status = http.StatusForbidden
					w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				} else {
					w.Header().Set("WWW-Authenticate", `Bearer realm="bsmd"`)
				}
				http.Error(w, http.StatusText(status), status)
				attrs := []any{
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("error", err.Error()),
				}
				if subject != nil {
					attrs = append(attrs, slog.String("user", subject.Name))
				}
				loggerpkg.Audit().Warn("access_denied", attrs...)
				return
			}
			next(w, r.WithContext(WithSubject(r.Context(), subject)))
		}
	}
}
