package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonx8/Question-and-answer-app/internal/application"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderUserEmail      = "X-User-Email"
	HeaderUserRoles      = "X-User-Roles"
	HeaderRequestID      = "X-Request-ID"
	HeaderOriginalIssuer = "X-Original-Issuer"
	HeaderForwardedSvc   = "X-Forwarded-Service"
)

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Discovery is the registry view the router needs.
type Discovery interface {
	Lookup(serviceName string) []*domain.ServiceInstance
	Refresh(ctx context.Context) error
}

// TokenMinter re-issues the caller's identity for a backend audience.
type TokenMinter interface {
	Mint(auth *domain.AuthContext, audience string) (string, error)
}

type ForwardMetrics interface {
	ForwardAttempt(service, outcome string, took time.Duration)
}

type RouterConfig struct {
	MaxRetries     int
	ForwardTimeout time.Duration
	MaxBodyBytes   int64
}

func (c *RouterConfig) setDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 30 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
}

type Router struct {
	config    RouterConfig
	routes    *application.RouteTable
	discovery Discovery
	balancer  application.LoadBalancer
	transport http.RoundTripper
	minter    TokenMinter
	metrics   ForwardMetrics
}

type RouterOption func(*Router)

func WithTransport(t http.RoundTripper) RouterOption {
	return func(r *Router) {
		r.transport = t
	}
}

// WithTokenMinter replaces the inbound Authorization with a gateway-signed
// internal token.
func WithTokenMinter(m TokenMinter) RouterOption {
	return func(r *Router) {
		r.minter = m
	}
}

func WithForwardMetrics(m ForwardMetrics) RouterOption {
	return func(r *Router) {
		r.metrics = m
	}
}

func NewRouter(cfg RouterConfig, routes *application.RouteTable, discovery Discovery, balancer application.LoadBalancer, opts ...RouterOption) *Router {
	cfg.setDefaults()
	r := &Router{
		config:    cfg,
		routes:    routes,
		discovery: discovery,
		balancer:  balancer,
		transport: defaultTransport(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func defaultTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 512
	t.MaxIdleConnsPerHost = 64
	t.IdleConnTimeout = 90 * time.Second
	t.ResponseHeaderTimeout = 30 * time.Second
	return t
}

// Resolve returns the rule serving method and path or ErrNoRoute.
func (r *Router) Resolve(method, path string) (*domain.RouteRule, error) {
	return r.routes.Resolve(method, path)
}

// Forward sends req to a healthy instance of rule's service. A transport
// failure is retried on an instance not tried yet; backend responses,
// including 5xx, are returned as they are. The caller must close the
// response body.
func (r *Router) Forward(ctx context.Context, req *http.Request, rule *domain.RouteRule, auth *domain.AuthContext) (*http.Response, error) {
	body, err := r.bufferBody(req)
	if err != nil {
		return nil, err
	}

	instances := r.discovery.Lookup(rule.ServiceName)
	if len(instances) == 0 {
		if err := r.discovery.Refresh(ctx); err != nil {
			slog.Warn("forced registry refresh failed", "service", rule.ServiceName, "error", err)
		}
		instances = r.discovery.Lookup(rule.ServiceName)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoHealthyInstance, rule.ServiceName)
	}

	header, err := r.outboundHeader(req, rule, auth)
	if err != nil {
		return nil, err
	}

	attempts := 1 + r.config.MaxRetries
	if !idempotent(req.Method) {
		attempts = min(attempts, 2)
	}

	tried := make(map[string]bool, attempts)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		candidates := untried(instances, tried)
		if len(candidates) == 0 {
			break
		}
		inst := r.balancer.Select(candidates)
		tried[inst.ID] = true

		start := time.Now()
		resp, err := r.attempt(ctx, req, rule, inst, header, body)
		if err == nil {
			r.observe(rule.ServiceName, "ok", time.Since(start))
			return resp, nil
		}
		if ctx.Err() != nil {
			r.observe(rule.ServiceName, "cancelled", time.Since(start))
			return nil, ctx.Err()
		}

		r.observe(rule.ServiceName, "error", time.Since(start))
		slog.Warn("forward attempt failed",
			"service", rule.ServiceName,
			"instance_id", inst.ID,
			"address", inst.Address(),
			"attempt", attempt,
			"error", err,
		)
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %s after %d attempt(s): %v", domain.ErrBackendUnavailable, rule.ServiceName, len(tried), lastErr)
}

func (r *Router) attempt(ctx context.Context, in *http.Request, rule *domain.RouteRule, inst *domain.ServiceInstance, header http.Header, body []byte) (*http.Response, error) {
	base, err := url.Parse(inst.BaseURL())
	if err != nil {
		return nil, fmt.Errorf("instance %s url: %w", inst.ID, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.config.ForwardTimeout)
	out, err := http.NewRequestWithContext(attemptCtx, in.Method, "", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	out.URL = &url.URL{
		Scheme:   base.Scheme,
		Host:     base.Host,
		Path:     rule.RewritePath(in.URL.Path),
		RawQuery: in.URL.RawQuery,
	}
	out.Host = base.Host
	out.Header = header.Clone()
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	resp, err := r.transport.RoundTrip(out)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (r *Router) bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.ContentLength > r.config.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %d bytes", domain.ErrRequestTooLarge, req.ContentLength)
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, r.config.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(body)) > r.config.MaxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", domain.ErrRequestTooLarge, r.config.MaxBodyBytes)
	}
	return body, nil
}

// outboundHeader prepares the headers shared by every attempt.
func (r *Router) outboundHeader(in *http.Request, rule *domain.RouteRule, auth *domain.AuthContext) (http.Header, error) {
	h := in.Header.Clone()
	removeHopByHop(h)

	h.Del(HeaderUserID)
	h.Del(HeaderUserEmail)
	h.Del(HeaderUserRoles)
	h.Del(HeaderOriginalIssuer)
	if r.minter != nil {
		h.Del("Authorization")
	}

	if auth != nil {
		h.Set(HeaderUserID, auth.Subject)
		if auth.Email != "" {
			h.Set(HeaderUserEmail, auth.Email)
		}
		if len(auth.Roles) > 0 {
			h.Set(HeaderUserRoles, strings.Join(auth.Roles, ","))
		}
		if r.minter != nil {
			token, err := r.minter.Mint(auth, rule.ServiceName)
			if err != nil {
				return nil, fmt.Errorf("mint internal token: %w", err)
			}
			h.Set("Authorization", "Bearer "+token)
			h.Set(HeaderOriginalIssuer, auth.Issuer)
		}
	}

	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}
	if in.Host != "" && h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", in.Host)
	}
	if h.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if in.TLS != nil {
			proto = "https"
		}
		h.Set("X-Forwarded-Proto", proto)
	}
	if h.Get(HeaderRequestID) == "" {
		h.Set(HeaderRequestID, uuid.NewString())
	}
	h.Set(HeaderForwardedSvc, rule.ServiceName)
	return h, nil
}

func (r *Router) observe(service, outcome string, took time.Duration) {
	if r.metrics != nil {
		r.metrics.ForwardAttempt(service, outcome, took)
	}
}

// removeHopByHop drops connection-scoped headers, including any named in
// the Connection header.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func untried(instances []*domain.ServiceInstance, tried map[string]bool) []*domain.ServiceInstance {
	out := make([]*domain.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if !tried[inst.ID] {
			out = append(out, inst)
		}
	}
	return out
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// IsClientGone reports whether err comes from the caller going away.
func IsClientGone(err error) bool {
	return errors.Is(err, context.Canceled)
}
