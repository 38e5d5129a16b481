package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/tracing"
)

const (
	ContextKeyTraceID = "trace_id"
	ContextKeySpanID  = "span_id"
)

type TraceProvider interface {
	Extract(c *gin.Context) tracing.TraceContext
	Inject(c *gin.Context, tc tracing.TraceContext)
}

// TraceMiddleware opens a server span per request, continuing the caller's
// trace when one is supplied.
func TraceMiddleware(provider TraceProvider, exporter tracing.SpanExporter, serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		tc := provider.Extract(c).Child()

		c.Set(ContextKeyTraceID, tc.TraceID)
		c.Set(ContextKeySpanID, tc.SpanID)
		c.Request = c.Request.WithContext(tracing.WithTraceContext(c.Request.Context(), tc))

		provider.Inject(c, tc)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		exporter.Export(context.Background(), tracing.SpanData{
			TraceID:      tc.TraceID,
			SpanID:       tc.SpanID,
			ParentSpanID: tc.ParentID,
			Name:         fmt.Sprintf("%s %s", c.Request.Method, route),
			ServiceName:  serviceName,
			Kind:         tracing.SpanKindServer,
			StartTime:    start,
			EndTime:      time.Now(),
			StatusCode:   status,
			Attributes: map[string]string{
				"http.method":      c.Request.Method,
				"http.target":      c.Request.URL.Path,
				"http.status_code": fmt.Sprintf("%d", status),
				"http.route":       route,
				"net.peer.ip":      c.ClientIP(),
			},
		})
	}
}
