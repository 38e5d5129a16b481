package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/ratelimit"
)

type Authorizer interface {
	Authorize(ctx context.Context, rule *domain.RouteRule, authorization string) domain.Decision
}

type PipelineMetrics interface {
	RequestCompleted(service string, status int, took time.Duration)
}

type RateLimitConfig struct {
	Limiter ratelimit.RateLimiter
	// Limit is the number of requests per window for one subject.
	Limit int
	// IPLimit applies to callers without a subject; zero means Limit.
	IPLimit int
}

// Pipeline serves proxied requests as Resolve -> Authorize -> RateLimit ->
// Forward. A stage either hands a value to the next one or ends the request
// with an error mapped by statusFor.
type Pipeline struct {
	router    *Router
	auth      Authorizer
	rateLimit RateLimitConfig
	metrics   PipelineMetrics
}

func NewPipeline(router *Router, auth Authorizer, rateLimit RateLimitConfig, metrics PipelineMetrics) *Pipeline {
	return &Pipeline{router: router, auth: auth, rateLimit: rateLimit, metrics: metrics}
}

func (p *Pipeline) Handle(c *gin.Context) {
	start := time.Now()
	ctx := c.Request.Context()

	rule, err := p.router.Resolve(c.Request.Method, c.Request.URL.Path)
	if err != nil {
		p.fail(c, "", err, start)
		return
	}

	decision := p.auth.Authorize(ctx, rule, c.GetHeader("Authorization"))
	if !decision.Authorized() {
		p.fail(c, rule.ServiceName, decision.Err, start)
		return
	}

	if err := p.limit(c, decision.Auth); err != nil {
		p.fail(c, rule.ServiceName, err, start)
		return
	}

	resp, err := p.router.Forward(ctx, c.Request, rule, decision.Auth)
	if err != nil {
		p.fail(c, rule.ServiceName, err, start)
		return
	}
	defer resp.Body.Close()

	copyResponse(c, resp)
	p.observe(rule.ServiceName, resp.StatusCode, start)
}

func (p *Pipeline) limit(c *gin.Context, auth *domain.AuthContext) error {
	if p.rateLimit.Limiter == nil || p.rateLimit.Limit <= 0 {
		return nil
	}

	key, limit := "ip:"+c.ClientIP(), p.rateLimit.Limit
	if p.rateLimit.IPLimit > 0 {
		limit = p.rateLimit.IPLimit
	}
	if auth != nil && auth.Subject != "" {
		key, limit = "sub:"+auth.Subject, p.rateLimit.Limit
	}

	result, err := p.rateLimit.Limiter.Allow(c.Request.Context(), key, limit)
	if err != nil {
		slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
		return nil
	}

	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	if !result.Allowed {
		retryAfter := max(int(time.Until(result.ResetAt).Seconds()), 1)
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, key)
	}
	return nil
}

func (p *Pipeline) fail(c *gin.Context, service string, err error, start time.Time) {
	if IsClientGone(err) {
		c.Abort()
		p.observe(service, 499, start)
		return
	}

	status, code := statusFor(err)
	switch status {
	case http.StatusUnauthorized:
		if errors.Is(err, domain.ErrMissingCredential) {
			c.Header("WWW-Authenticate", `Bearer realm="gateway"`)
		} else {
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
		}
	case http.StatusForbidden:
		c.Header("WWW-Authenticate", `Bearer error="insufficient_scope"`)
	}
	if status >= http.StatusInternalServerError {
		slog.Warn("proxy request failed", "service", service, "path", c.Request.URL.Path, "status", status, "error", err)
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
	p.observe(service, status, start)
}

func (p *Pipeline) observe(service string, status int, start time.Time) {
	if p.metrics != nil {
		p.metrics.RequestCompleted(service, status, time.Since(start))
	}
}

// statusFor maps request-path errors to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNoRoute):
		return http.StatusNotFound, "route_not_found"
	case errors.Is(err, domain.ErrMissingCredential), errors.Is(err, domain.ErrInvalidCredential):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrInsufficientPrivilege):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge, "request_too_large"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limit_exceeded"
	case errors.Is(err, domain.ErrNoHealthyInstance), errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusBadGateway, "bad_gateway"
	}
}

func copyResponse(c *gin.Context, resp *http.Response) {
	removeHopByHop(resp.Header)
	dst := c.Writer.Header()
	for k, values := range resp.Header {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	c.Writer.WriteHeaderNow()

	if _, err := io.Copy(c.Writer, resp.Body); err != nil && !IsClientGone(err) {
		slog.Debug("copy backend response interrupted", "error", err)
	}
}
