package recipients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// HTTPResolver asks a recipient service who should hear about an event.
// The service receives the event as JSON and answers
// {"recipients":[{"id":..,"channels":[..],"address":..}]}.
type HTTPResolver struct {
	url        string
	httpClient *http.Client
	token      func() (string, error)
}

type HTTPOption func(*HTTPResolver)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(r *HTTPResolver) {
		r.httpClient = c
	}
}

// WithServiceToken sets a source for the X-Service-Token header.
func WithServiceToken(token func() (string, error)) HTTPOption {
	return func(r *HTTPResolver) {
		r.token = token
	}
}

func NewHTTPResolver(url string, opts ...HTTPOption) *HTTPResolver {
	r := &HTTPResolver{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type resolveResponse struct {
	Recipients []domain.Recipient `json:"recipients"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, event domain.DomainEvent) ([]domain.Recipient, error) {
	body, err := domain.EncodeEvent(event)
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("encode event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != nil {
		token, err := r.token()
		if err != nil {
			return nil, fmt.Errorf("service token: %w", err)
		}
		req.Header.Set("X-Service-Token", token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return nil, domain.Permanent(fmt.Errorf("resolver returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody)))
	default:
		return nil, fmt.Errorf("resolver returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var out resolveResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Recipients, nil
}
