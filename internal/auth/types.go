package auth

import (
	"errors"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Mode selects how API requests are authenticated.
type Mode string

const (
	// ModeDisabled lets every request through without a subject.
	ModeDisabled Mode = "disabled"
	// ModeToken requires a static bearer token per caller.
	ModeToken Mode = "token"
)

// 权限名称
const (
	PermissionRun   = "pipelines:run"
	PermissionRead  = "audit:read"
	PermissionAdmin = "admin"
)

// Subject 是通过认证的调用方。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
// admin 隐含全部权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAdmin]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 检查主体是否拥有全部权限。
func (s *Subject) Authorize(perms ...string) error {
	for _, perm := range perms {
		if !s.HasPermission(perm) {
			return ErrPermissionDenied
		}
	}
	return nil
}
