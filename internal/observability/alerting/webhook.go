package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSender 通过 Slack 兼容的 incoming webhook 投递消息。
type WebhookSender struct {
	url        string
	httpClient *http.Client
}

// NewWebhookSender 创建 webhook 发送器。
func NewWebhookSender(url string, timeout time.Duration) (*WebhookSender, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("webhook 地址不能为空")
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSender{url: url, httpClient: &http.Client{Timeout: timeout}}, nil
}

// Send 实现 SlackSender。
func (s *WebhookSender) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码 webhook 请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送 webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook 返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
