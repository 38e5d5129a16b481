package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/tracing"
)

var validTraceparent = regexp.MustCompile(`^00-[0-9a-f]{32}-[0-9a-f]{16}-[0-9a-f]{2}$`)

type captureExporter struct {
	mu    sync.Mutex
	spans []tracing.SpanData
}

func (e *captureExporter) Export(_ context.Context, span tracing.SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, span)
}

func (e *captureExporter) Shutdown(context.Context) error { return nil }

func tracedRouter(exporter tracing.SpanExporter, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TraceMiddleware(NewW3CTraceProvider(), exporter, "gateway"))
	router.GET("/api/questions/:id", handler)
	return router
}

func TestTraceMiddleware_ContinuesInboundTrace(t *testing.T) {
	const (
		inboundTraceID = "abcdef1234567890abcdef1234567890"
		inboundSpanID  = "1234567890abcdef"
	)
	exporter := &captureExporter{}

	var forwarded string
	var fromCtx tracing.TraceContext
	router := tracedRouter(exporter, func(c *gin.Context) {
		forwarded = c.Request.Header.Get(tracing.HeaderTraceparent)
		fromCtx, _ = tracing.FromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/questions/42", nil)
	req.Header.Set("Traceparent", "00-"+inboundTraceID+"-"+inboundSpanID+"-01")
	router.ServeHTTP(w, req)

	parts := strings.Split(w.Header().Get("Traceparent"), "-")
	if len(parts) != 4 || parts[1] != inboundTraceID || parts[2] == inboundSpanID {
		t.Fatalf("unexpected response traceparent %v", parts)
	}
	if forwarded != w.Header().Get("Traceparent") {
		t.Errorf("inbound header must carry the server span, got %q", forwarded)
	}
	if fromCtx.SpanID != parts[2] {
		t.Errorf("request context must carry the server span, got %+v", fromCtx)
	}

	if len(exporter.spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(exporter.spans))
	}
	span := exporter.spans[0]
	if span.ParentSpanID != inboundSpanID || span.Kind != tracing.SpanKindServer {
		t.Errorf("unexpected span %+v", span)
	}
	if span.Name != "GET /api/questions/:id" || span.ServiceName != "gateway" {
		t.Errorf("unexpected span name %q service %q", span.Name, span.ServiceName)
	}
}

func TestTraceMiddleware_InvalidTraceparentStartsNewTrace(t *testing.T) {
	cases := []struct {
		name        string
		traceparent string
	}{
		{"wrong version", "01-abcdef1234567890abcdef1234567890-1234567890abcdef-01"},
		{"short trace_id", "00-abcdef-1234567890abcdef-01"},
		{"not hex", "00-zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz-1234567890abcdef-01"},
		{"zero trace_id", "00-00000000000000000000000000000000-1234567890abcdef-01"},
		{"zero span_id", "00-abcdef1234567890abcdef1234567890-0000000000000000-01"},
		{"empty", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exporter := &captureExporter{}
			router := tracedRouter(exporter, func(c *gin.Context) {
				if c.GetString(ContextKeyTraceID) == "" {
					t.Error("expected trace_id to be generated")
				}
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/questions/1", nil)
			if tc.traceparent != "" {
				req.Header.Set("Traceparent", tc.traceparent)
			}
			router.ServeHTTP(w, req)

			traceparent := w.Header().Get("Traceparent")
			if !validTraceparent.MatchString(traceparent) || strings.Contains(traceparent, strings.Repeat("0", 32)) {
				t.Errorf("expected fresh traceparent, got %q", traceparent)
			}
			if exporter.spans[0].ParentSpanID != "" {
				t.Errorf("new trace must be a root span, got parent %q", exporter.spans[0].ParentSpanID)
			}
		})
	}
}

func TestTraceMiddleware_TracestateIsPropagated(t *testing.T) {
	const tracestate = "vendor1=value1,vendor2=value2"
	router := tracedRouter(&tracing.NoopExporter{}, func(c *gin.Context) {
		if got := c.Request.Header.Get("Tracestate"); got != tracestate {
			t.Errorf("expected forwarded tracestate %q, got %q", tracestate, got)
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/questions/1", nil)
	req.Header.Set("Traceparent", "00-abcdef1234567890abcdef1234567890-1234567890abcdef-01")
	req.Header.Set("Tracestate", tracestate)
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Tracestate"); got != tracestate {
		t.Errorf("expected tracestate %q, got %q", tracestate, got)
	}
}

func TestTraceMiddleware_UnmatchedRouteUsesPath(t *testing.T) {
	exporter := &captureExporter{}
	router := tracedRouter(exporter, func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users/me", nil))

	if len(exporter.spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(exporter.spans))
	}
	if exporter.spans[0].Name != "GET /users/me" || exporter.spans[0].StatusCode != http.StatusNotFound {
		t.Errorf("unexpected span %+v", exporter.spans[0])
	}
}
