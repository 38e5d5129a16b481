package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/tracing"
)

type W3CTraceProvider struct{}

func NewW3CTraceProvider() *W3CTraceProvider {
	return &W3CTraceProvider{}
}

func (w *W3CTraceProvider) Extract(c *gin.Context) tracing.TraceContext {
	tc := tracing.ParseTraceparent(c.GetHeader(tracing.HeaderTraceparent))
	tc.State = c.GetHeader(tracing.HeaderTracestate)
	return tc
}

// Inject writes the span to the response and rewrites the inbound headers
// so proxied backend calls continue the trace under this span.
func (w *W3CTraceProvider) Inject(c *gin.Context, tc tracing.TraceContext) {
	traceparent := tc.Traceparent()
	c.Header(tracing.HeaderTraceparent, traceparent)
	c.Request.Header.Set(tracing.HeaderTraceparent, traceparent)

	if tc.State != "" {
		c.Header(tracing.HeaderTracestate, tc.State)
		c.Request.Header.Set(tracing.HeaderTracestate, tc.State)
	}
}
