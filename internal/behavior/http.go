package behavior

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"BSM-Orchestrator/internal/agent"
	xerrors "BSM-Orchestrator/internal/errors"
	"BSM-Orchestrator/internal/keys"
)

// KindHTTP 向 config.url 发送一次请求。
const KindHTTP = "http"

const defaultHTTPTimeout = 30 * time.Second

// HTTPConfig 是 http 类型的配置段。
type HTTPConfig struct {
	URL                string
	Method             string
	Timeout            time.Duration
	CredentialProvider string
	Headers            map[string]string
}

// ParseHTTPConfig 从 behavior.config 读取配置。
func ParseHTTPConfig(raw map[string]any) (HTTPConfig, error) {
	cfg := HTTPConfig{Method: http.MethodPost, Timeout: defaultHTTPTimeout}
	rawURL, _ := raw["url"].(string)
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return cfg, xerrors.New(CodeInvalidConfig, fmt.Sprintf("invalid url %q", rawURL))
	}
	cfg.URL = u.String()
	if m, ok := raw["method"].(string); ok && m != "" {
		cfg.Method = strings.ToUpper(m)
	}
	if v, ok := raw["timeout"].(string); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, xerrors.New(CodeInvalidConfig, fmt.Sprintf("invalid timeout %q", v))
		}
		cfg.Timeout = d
	}
	if p, ok := raw["credential_provider"].(string); ok {
		cfg.CredentialProvider = strings.TrimSpace(p)
	}
	if hs, ok := raw["headers"].(map[string]any); ok {
		cfg.Headers = make(map[string]string, len(hs))
		for k, v := range hs {
			cfg.Headers[k] = fmt.Sprint(v)
		}
	}
	return cfg, nil
}

// HTTPFactory 返回 http 类型的工厂。creds 为空时不支持 credential_provider。
func HTTPFactory(client *http.Client, creds CredentialSource) Factory {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return func(rec *agent.Record) (agent.Behavior, error) {
		cfg, err := ParseHTTPConfig(rec.Spec.Config)
		if err != nil {
			return nil, err
		}
		if cfg.CredentialProvider != "" && creds == nil {
			return nil, xerrors.New(CodeInvalidConfig, "credential_provider set but no credential manager configured")
		}
		call := &httpCall{client: client, cfg: cfg, rec: rec}
		if cfg.CredentialProvider == "" {
			return agent.BehaviorFunc(func(ctx context.Context, inv agent.Invocation) error {
				return call.do(ctx, inv, "")
			}), nil
		}
		return WithCredential(creds, cfg.CredentialProvider, func(ctx context.Context, inv agent.Invocation, cred keys.Credential) error {
			return call.do(ctx, inv, cred.Key)
		}), nil
	}
}

type httpCall struct {
	client *http.Client
	cfg    HTTPConfig
	rec    *agent.Record
}

type invocationPayload struct {
	RunID    string `json:"run_id"`
	AgentID  string `json:"agent_id"`
	Position int    `json:"position"`
	Mode     string `json:"mode"`
	Actor    string `json:"actor"`
}

func (c *httpCall) do(ctx context.Context, inv agent.Invocation, token string) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return xerrors.Wrap(CodeInvalidConfig, err, "解析目标地址失败")
	}
	if !c.rec.AllowsOutbound(u.Hostname()) {
		return xerrors.New(CodeOutboundDenied, fmt.Sprintf("host %s not in outbound allow-list", u.Hostname()),
			xerrors.WithMetadata("agent_id", c.rec.ID), xerrors.WithMetadata("host", u.Hostname()))
	}

	var body io.Reader
	if c.cfg.Method != http.MethodGet && c.cfg.Method != http.MethodHead {
		payload, err := json.Marshal(invocationPayload{
			RunID:    inv.RunID,
			AgentID:  c.rec.ID,
			Position: inv.Position,
			Mode:     string(inv.Exec.Mode),
			Actor:    inv.Exec.Actor,
		})
		if err != nil {
			return fmt.Errorf("序列化调用信息失败: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, c.cfg.Method, c.cfg.URL, body)
	if err != nil {
		return xerrors.Wrap(CodeInvalidConfig, err, "构建请求失败")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return xerrors.Wrap(CodeUpstreamFailed, err, "请求上游失败", xerrors.WithMetadata("host", u.Hostname()))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return xerrors.New(CodeCredentialRejected, fmt.Sprintf("上游拒绝凭证 HTTP %d", resp.StatusCode),
			xerrors.WithMetadata("host", u.Hostname()))
	case resp.StatusCode >= http.StatusBadRequest:
		return xerrors.New(CodeUpstreamFailed, fmt.Sprintf("上游返回错误状态 %d", resp.StatusCode),
			xerrors.WithMetadata("host", u.Hostname()))
	}
	return nil
}
