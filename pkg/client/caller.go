package client

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	headerServiceToken = "X-Service-Token"
	gatewayAudience    = "api-gateway"
)

type options struct {
	httpClient  *http.Client
	logger      *slog.Logger
	secret      string
	signingKey  *rsa.PrivateKey
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithSharedSecret authenticates with the static service token.
func WithSharedSecret(secret string) Option {
	return func(o *options) {
		o.secret = secret
	}
}

// WithSigningKey authenticates with short-lived RS256 service tokens whose
// subject is the service name.
func WithSigningKey(key *rsa.PrivateKey) Option {
	return func(o *options) {
		o.signingKey = key
	}
}

// WithRetry sets how often and how fast a failed call is retried.
func WithRetry(maxRetries int, base, max time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.baseBackoff = base
		o.maxBackoff = max
	}
}

// caller sends authenticated JSON requests to one base URL.
type caller struct {
	baseURL     string
	serviceName string
	options
}

func newCaller(baseURL, serviceName string, opts []Option) (*caller, error) {
	c := &caller{
		baseURL:     baseURL,
		serviceName: serviceName,
		options: options{
			httpClient:  &http.Client{Timeout: 10 * time.Second},
			logger:      slog.Default(),
			maxRetries:  5,
			baseBackoff: time.Second,
			maxBackoff:  30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(&c.options)
	}
	if c.secret == "" && c.signingKey == nil {
		return nil, fmt.Errorf("a shared secret or a signing key is required")
	}
	return c, nil
}

func (c *caller) serviceToken() (string, error) {
	if c.signingKey == nil {
		return c.secret, nil
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": c.serviceName,
		"aud": gatewayAudience,
		"iss": c.serviceName,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.signingKey)
}

// postJSON sends in to path and decodes a wantStatus response into out.
func (c *caller) postJSON(ctx context.Context, path string, in, out any, wantStatus int) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	token, err := c.serviceToken()
	if err != nil {
		return fmt.Errorf("failed to generate service token: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerServiceToken, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		se := &StatusError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			se.Code, se.Message = apiErr.Error, apiErr.Message
		}
		return se
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// retry runs fn until it succeeds, fails permanently or ctx ends. Delays
// grow exponentially with jitter.
func (c *caller) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == c.maxRetries {
			break
		}

		delay := c.backoff(attempt)
		c.logger.Warn("operation failed, retrying",
			"op", op,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"backoff", delay,
			"error", lastErr,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s failed: %w", op, lastErr)
}

func (c *caller) backoff(attempt int) time.Duration {
	d := c.baseBackoff << attempt
	if d <= 0 || d > c.maxBackoff {
		d = c.maxBackoff
	}
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d/2+1)
}

// ParseRSAPrivateKey parses a PEM-encoded PKCS#8 or PKCS#1 RSA private key.
func ParseRSAPrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA private key")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}
