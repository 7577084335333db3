package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// TokenConfig 描述一个调用方的静态令牌。
type TokenConfig struct {
	Name        string
	Token       string
	Permissions []string
}

// Config 控制认证服务。
type Config struct {
	Mode   Mode
	Tokens []TokenConfig
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 负责 HTTP 端点的身份认证与授权。
type Service struct {
	mode   Mode
	tokens []tokenEntry
}

// NewService 构造认证服务。token 模式下至少需要一个令牌，名称与令牌均不可重复。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}

	if len(cfg.Tokens) == 0 {
		return nil, errors.New("token mode requires at least one token")
	}
	names := make(map[string]struct{}, len(cfg.Tokens))
	for _, tc := range cfg.Tokens {
		name := strings.TrimSpace(tc.Name)
		if name == "" {
			return nil, errors.New("token name is required")
		}
		if strings.TrimSpace(tc.Token) == "" {
			return nil, fmt.Errorf("token for %q is empty", name)
		}
		if _, dup := names[name]; dup {
			return nil, fmt.Errorf("duplicate token name %q", name)
		}
		names[name] = struct{}{}
		digest := sha256.Sum256([]byte(tc.Token))
		for _, existing := range svc.tokens {
			if existing.digest == digest {
				return nil, fmt.Errorf("token for %q duplicates token for %q", name, existing.subject.Name)
			}
		}
		svc.tokens = append(svc.tokens, tokenEntry{
			digest:  digest,
			subject: Subject{Name: name, Permissions: append([]string(nil), tc.Permissions...)},
		})
	}
	return svc, nil
}

// Enabled 判断是否需要认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 校验 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(header string) (*Subject, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))

	// 逐个比较全部令牌，耗时与命中位置无关。
	var match *tokenEntry
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			match = &s.tokens[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	subject := match.subject
	subject.Permissions = append([]string(nil), match.subject.Permissions...)
	subject.permissionsSet = nil
	return &subject, nil
}
