package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID())
	var seen, forwarded string
	router.GET("/x", func(c *gin.Context) {
		seen = c.GetString(ContextKeyRequestID)
		forwarded = c.Request.Header.Get(HeaderRequestID)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if len(seen) != 36 || w.Header().Get(HeaderRequestID) != seen || forwarded != seen {
		t.Errorf("expected generated uuid everywhere, got ctx=%q resp=%q fwd=%q", seen, w.Header().Get(HeaderRequestID), forwarded)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	router.ServeHTTP(w, req)
	if seen != "req-123" || w.Header().Get(HeaderRequestID) != "req-123" {
		t.Errorf("expected caller id to be kept, got %q", seen)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, strings.Repeat("a", 500))
	router.ServeHTTP(w, req)
	if len(seen) != 36 {
		t.Errorf("oversized id must be replaced, got %d chars", len(seen))
	}
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), Recovery())
	router.GET("/panic", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["error"] != "internal_error" {
		t.Errorf("expected internal_error, got %v", body)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), Logger())
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/api/questions", func(c *gin.Context) {
		c.Set(ContextKeyTraceID, "abcdef1234567890abcdef1234567890")
		c.Status(http.StatusBadGateway)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if buf.Len() != 0 {
		t.Fatalf("health checks must not be logged, got %s", buf.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/questions?page=2", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	router.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log: %v (%s)", err, buf.String())
	}
	if entry["level"] != "ERROR" || entry["status"] != float64(502) {
		t.Errorf("unexpected level/status %v", entry)
	}
	if entry["request_id"] != "req-1" || entry["trace_id"] != "abcdef1234567890abcdef1234567890" || entry["query"] != "page=2" {
		t.Errorf("missing correlation fields %v", entry)
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORS(CORSConfig{
		AllowedOrigins: []string{"http://localhost:5173"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{HeaderRequestID},
	}))
	router.GET("/api/questions", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name        string
		method      string
		origin      string
		preflight   bool
		status      int
		allowOrigin string
	}{
		{"allowed origin", http.MethodGet, "http://localhost:5173", false, http.StatusOK, "http://localhost:5173"},
		{"preflight", http.MethodOptions, "http://localhost:5173", true, http.StatusNoContent, "http://localhost:5173"},
		{"foreign origin", http.MethodGet, "http://evil.example", false, http.StatusOK, ""},
		{"foreign preflight", http.MethodOptions, "http://evil.example", true, http.StatusForbidden, ""},
		{"no origin", http.MethodGet, "", false, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/api/questions", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", "POST")
			}
			router.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.allowOrigin {
				t.Errorf("expected allow-origin %q, got %q", tt.allowOrigin, got)
			}
			if tt.preflight && tt.status == http.StatusNoContent && w.Header().Get("Access-Control-Allow-Methods") != "GET,POST" {
				t.Errorf("missing allow-methods on preflight")
			}
		})
	}
}
