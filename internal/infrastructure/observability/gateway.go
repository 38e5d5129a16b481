package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics holds the gateway's Prometheus metrics. A nil
// *GatewayMetrics records nothing.
type GatewayMetrics struct {
	RegistryInstances      *prometheus.GaugeVec
	RegistryRefreshFailure prometheus.Counter
	AuthRejections         *prometheus.CounterVec
	KeyRefreshes           *prometheus.CounterVec
	ForwardAttempts        *prometheus.HistogramVec
	ProxyRequests          *prometheus.HistogramVec
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	f := promauto.With(reg)
	return &GatewayMetrics{
		RegistryInstances: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_registry_instances_up",
			Help: "Number of UP instances with a live lease per service",
		}, []string{"service"}),
		RegistryRefreshFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_registry_refresh_failures_total",
			Help: "Total number of failed registry snapshot reloads",
		}),
		AuthRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_auth_rejections_total",
			Help: "Total number of requests rejected by the auth interceptor",
		}, []string{"reason"}),
		KeyRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_jwks_refreshes_total",
			Help: "Total number of signing key set fetches",
		}, []string{"outcome"}),
		ForwardAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_forward_attempt_duration_seconds",
			Help:    "Duration of single forward attempts to backend instances",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "outcome"}),
		ProxyRequests: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_proxy_request_duration_seconds",
			Help:    "Duration of proxied requests by service and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "status"}),
	}
}

func (m *GatewayMetrics) SetInstances(service string, up int) {
	if m == nil {
		return
	}
	m.RegistryInstances.WithLabelValues(service).Set(float64(up))
}

func (m *GatewayMetrics) RegistryRefreshFailed() {
	if m == nil {
		return
	}
	m.RegistryRefreshFailure.Inc()
}

func (m *GatewayMetrics) AuthRejected(reason string) {
	if m == nil {
		return
	}
	m.AuthRejections.WithLabelValues(reason).Inc()
}

func (m *GatewayMetrics) KeyRefresh(outcome string) {
	if m == nil {
		return
	}
	m.KeyRefreshes.WithLabelValues(outcome).Inc()
}

func (m *GatewayMetrics) ForwardAttempt(service, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ForwardAttempts.WithLabelValues(service, outcome).Observe(took.Seconds())
}

func (m *GatewayMetrics) RequestCompleted(service string, status int, took time.Duration) {
	if m == nil {
		return
	}
	if service == "" {
		service = "none"
	}
	m.ProxyRequests.WithLabelValues(service, strconv.Itoa(status)).Observe(took.Seconds())
}
