package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/ratelimit"
)

// RateLimit limits the internal APIs per calling service, or per client IP
// before the caller is known. Limiter errors let the request through.
func RateLimit(limiter ratelimit.RateLimiter, scope string, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("internal:%s:ip:%s", scope, c.ClientIP())
		if service := c.GetString(ContextKeyServiceName); service != "" {
			key = fmt.Sprintf("internal:%s:svc:%s", scope, service)
		}

		result, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			slog.Warn("rate limiter unavailable", "error", err, "scope", scope)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retry := max(int(time.Until(result.ResetAt).Seconds()), 1)
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "too many requests, please try again later",
			})
			return
		}

		c.Next()
	}
}
