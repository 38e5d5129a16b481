package observability

import (
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NotifierMetrics holds the notification dispatcher's Prometheus metrics.
// A nil *NotifierMetrics records nothing.
type NotifierMetrics struct {
	RecordsCreated   *prometheus.CounterVec
	DeliveryAttempts *prometheus.HistogramVec
	RecordsTerminal  *prometheus.CounterVec
	Messages         *prometheus.CounterVec
	RetentionPurged  prometheus.Counter
	EventsPublished  *prometheus.CounterVec
}

func NewNotifierMetrics(reg prometheus.Registerer) *NotifierMetrics {
	f := promauto.With(reg)
	return &NotifierMetrics{
		RecordsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifier_records_created_total",
			Help: "Total number of notification records created",
		}, []string{"channel"}),
		DeliveryAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notifier_delivery_attempt_duration_seconds",
			Help:    "Duration of delivery attempts by channel and outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel", "outcome"}),
		RecordsTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifier_records_terminal_total",
			Help: "Total number of records reaching SENT or DEAD_LETTERED",
		}, []string{"channel", "status"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifier_messages_resolved_total",
			Help: "Total number of channel messages acked, nacked or dead-lettered",
		}, []string{"action"}),
		RetentionPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "notifier_retention_deleted_total",
			Help: "Total number of terminal records deleted by retention",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifier_events_published_total",
			Help: "Total number of events accepted over HTTP",
		}, []string{"type"}),
	}
}

func (m *NotifierMetrics) RecordCreated(channel domain.Channel) {
	if m == nil {
		return
	}
	m.RecordsCreated.WithLabelValues(string(channel)).Inc()
}

func (m *NotifierMetrics) DeliveryAttempt(channel domain.Channel, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(string(channel), outcome).Observe(took.Seconds())
}

func (m *NotifierMetrics) RecordTerminal(channel domain.Channel, status domain.NotificationStatus) {
	if m == nil {
		return
	}
	m.RecordsTerminal.WithLabelValues(string(channel), string(status)).Inc()
}

func (m *NotifierMetrics) MessageResolved(action string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(action).Inc()
}

func (m *NotifierMetrics) RetentionDeleted(n int64) {
	if m == nil {
		return
	}
	m.RetentionPurged.Add(float64(n))
}

func (m *NotifierMetrics) EventPublished(eventType domain.EventType) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(string(eventType)).Inc()
}
