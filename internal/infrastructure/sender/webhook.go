package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// WebhookSender posts rendered messages to a delivery provider over HTTP.
// 2xx is success; 408, 429, 5xx and transport errors are transient; any
// other status is permanent.
type WebhookSender struct {
	channel    domain.Channel
	url        string
	authHeader string
	httpClient *http.Client
}

type WebhookOption func(*WebhookSender)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSender) {
		s.httpClient = c
	}
}

// WithAuthorization sets the Authorization header sent with every request.
func WithAuthorization(value string) WebhookOption {
	return func(s *WebhookSender) {
		s.authHeader = value
	}
}

func NewWebhookSender(channel domain.Channel, url string, opts ...WebhookOption) *WebhookSender {
	s := &WebhookSender{
		channel: channel,
		url:     url,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSender) Channel() domain.Channel {
	return s.channel
}

func (s *WebhookSender) Send(ctx context.Context, msg domain.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return domain.Permanent(fmt.Errorf("marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return domain.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.NotificationID)
	if s.authHeader != "" {
		req.Header.Set("Authorization", s.authHeader)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		return domain.Transient(fmt.Errorf("post %s: %w", s.channel, err))
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return classifyStatus(resp.StatusCode, snippet)
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return domain.Transient(fmt.Errorf("provider returned %d: %s", status, bytes.TrimSpace(body)))
	default:
		return domain.Permanent(fmt.Errorf("provider returned %d: %s", status, bytes.TrimSpace(body)))
	}
}
