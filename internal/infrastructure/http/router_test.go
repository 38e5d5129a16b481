package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonx8/Question-and-answer-app/internal/application"
	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/eventbus"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/http/middleware"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/notifystore"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/observability"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/proxy"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/ratelimit"
	"github.com/jonx8/Question-and-answer-app/internal/infrastructure/registrystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-service-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func sharedSecret(token string) bool { return token == testSecret }

func newTestGateway(t *testing.T) (*gin.Engine, *application.Registry) {
	t.Helper()

	reg := observability.NewRegistry()
	metrics := observability.NewGatewayMetrics(reg)

	registry := application.NewRegistry(application.RegistryConfig{
		HeartbeatInterval: 10 * time.Second,
		StoreTimeout:      time.Second,
	}, registrystore.NewMemoryStore(), application.WithRegistryMetrics(metrics))

	public, err := domain.NewRouteRule(domain.RouteRuleSpec{
		Pattern:     "/api/public/**",
		ServiceName: "questions-service",
		Policy:      domain.PolicyPublic,
	})
	require.NoError(t, err)
	secured, err := domain.NewRouteRule(domain.RouteRuleSpec{
		Pattern:     "/api/answers/**",
		ServiceName: "answers-service",
	})
	require.NoError(t, err)
	routes, err := application.NewRouteTable([]*domain.RouteRule{public, secured})
	require.NoError(t, err)

	router := proxy.NewRouter(proxy.RouterConfig{ForwardTimeout: 2 * time.Second}, routes, registry,
		application.NewRoundRobinBalancer(), proxy.WithForwardMetrics(metrics))
	pipeline := proxy.NewPipeline(router, application.NewAuthenticator(nil, time.Second, metrics),
		proxy.RateLimitConfig{}, metrics)

	engine := NewGatewayRouter(GatewayRoutes{
		EngineOptions: EngineOptions{ServiceName: "api-gateway", Metrics: reg},
		Version:       "test",
		StartTime:     time.Now(),
		CORS:          middleware.CORSConfig{AllowedOrigins: []string{"*"}},
		Registry:      registry,
		ServiceAuth:   middleware.NewServiceAuth(sharedSecret, nil),
		Pipeline:      pipeline,

		InternalLimiter: ratelimit.NewInMemoryLimiter(time.Minute),
		InternalRPM:     100,
	})
	return engine, registry
}

func do(engine http.Handler, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	resp := httptest.NewRecorder()
	engine.ServeHTTP(resp, req)
	return resp
}

func serviceHeader() http.Header {
	return http.Header{
		middleware.HeaderServiceToken: {testSecret},
		"Content-Type":                {"application/json"},
	}
}

func TestGatewayRouter_InternalRequiresServiceToken(t *testing.T) {
	engine, _ := newTestGateway(t)

	resp := do(engine, http.MethodGet, "/internal/registry/services", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = do(engine, http.MethodGet, "/internal/registry/services", nil,
		http.Header{middleware.HeaderServiceToken: {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = do(engine, http.MethodGet, "/internal/registry/services", nil, serviceHeader())
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "100", resp.Header().Get("X-RateLimit-Limit"))
}

func TestGatewayRouter_RegisterThenProxy(t *testing.T) {
	engine, _ := newTestGateway(t)

	seenCh := make(chan http.Header, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenCh <- r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	}))
	defer backend.Close()

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	resp := do(engine, http.MethodPost, "/internal/registry/register", domain.RegisterRequest{
		ServiceName: "questions-service",
		Host:        host,
		Port:        port,
	}, serviceHeader())
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	resp = do(engine, http.MethodGet, "/api/public/questions/1", nil, http.Header{
		"Traceparent": {"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.JSONEq(t, `{"path":"/api/public/questions/1"}`, resp.Body.String())
	assert.NotEmpty(t, resp.Header().Get(middleware.HeaderRequestID))

	var seen http.Header
	select {
	case seen = <-seenCh:
	default:
		t.Fatal("backend was not called")
	}
	assert.Equal(t, "questions-service", seen.Get(proxy.HeaderForwardedSvc))
	assert.Contains(t, seen.Get("Traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736",
		"backend must stay on the caller's trace")
	assert.NotContains(t, seen.Get("Traceparent"), "00f067aa0ba902b7",
		"backend must see the gateway span as parent")
}

func TestGatewayRouter_ProxyErrors(t *testing.T) {
	engine, _ := newTestGateway(t)

	resp := do(engine, http.MethodGet, "/nowhere", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = do(engine, http.MethodGet, "/api/answers/1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = do(engine, http.MethodGet, "/api/public/questions", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestGatewayRouter_HealthAndMetrics(t *testing.T) {
	engine, _ := newTestGateway(t)

	resp := do(engine, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = do(engine, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	do(engine, http.MethodGet, "/api/answers/1", nil, nil)

	resp = do(engine, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `gateway_auth_rejections_total{reason="missing"} 1`)
	assert.Contains(t, resp.Body.String(), "gateway_proxy_request_duration_seconds")
}

func TestNotifierRouter_PublishAndQuery(t *testing.T) {
	channel := eventbus.NewMemoryChannel(eventbus.MemoryOptions{Partitions: 1})
	defer channel.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	deliveries, err := channel.Subscribe(ctx)
	require.NoError(t, err)

	reg := observability.NewRegistry()
	engine := NewNotifierRouter(NotifierRoutes{
		EngineOptions: EngineOptions{ServiceName: "notifier", Metrics: reg},
		Version:       "test",
		StartTime:     time.Now(),
		ServiceAuth:   middleware.NewServiceAuth(sharedSecret, nil),
		Publisher:     channel,
		Store:         notifystore.NewMemoryStore(),
		EventMetrics:  observability.NewNotifierMetrics(reg),
	})

	resp := do(engine, http.MethodPost, "/internal/events", map[string]any{
		"type":    domain.EventAnswerCreated,
		"key":     "q-1",
		"payload": map[string]string{"questionId": "q-1", "userId": "u-1"},
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = do(engine, http.MethodPost, "/internal/events", map[string]any{
		"type":    domain.EventAnswerCreated,
		"key":     "q-1",
		"payload": map[string]string{"questionId": "q-1", "userId": "u-1"},
	}, serviceHeader())
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &accepted))

	select {
	case d := <-deliveries:
		assert.Equal(t, accepted["event_id"], d.Event().ID)
		assert.Equal(t, "q-1", d.Event().Key)
		require.NoError(t, d.Ack(ctx))
	case <-time.After(2 * time.Second):
		t.Fatal("published event was not delivered")
	}

	resp = do(engine, http.MethodGet, "/internal/notifications?event_id="+accepted["event_id"], nil, serviceHeader())
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = do(engine, http.MethodGet, "/internal/inbox/u-1", nil, serviceHeader())
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = do(engine, http.MethodGet, "/metrics", nil, nil)
	assert.Contains(t, resp.Body.String(), `notifier_events_published_total{type="ANSWER_CREATED"} 1`)
}
