package tracing

import (
	"context"
	"log/slog"
	"time"
)

type SpanKind int

const (
	SpanKindServer SpanKind = iota
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindServer:
		return "SERVER"
	case SpanKindClient:
		return "CLIENT"
	case SpanKindProducer:
		return "PRODUCER"
	case SpanKindConsumer:
		return "CONSUMER"
	default:
		return "UNSPECIFIED"
	}
}

type SpanData struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	ServiceName  string
	Kind         SpanKind
	StartTime    time.Time
	EndTime      time.Time
	StatusCode   int
	// Failed marks a span as errored regardless of StatusCode.
	Failed     bool
	Attributes map[string]string
}

type SpanExporter interface {
	Export(ctx context.Context, span SpanData)
	Shutdown(ctx context.Context) error
}

// NewExporter returns an OTLP/HTTP exporter when kind is "otlp" and an
// endpoint is set, a no-op exporter otherwise.
func NewExporter(kind, endpoint, serviceName string) SpanExporter {
	switch kind {
	case "otlp":
		if endpoint == "" {
			slog.Warn("TRACE_EXPORTER=otlp but TRACE_OTLP_ENDPOINT is empty, falling back to noop")
			return &NoopExporter{}
		}
		slog.Info("trace exporter enabled",
			slog.String("exporter", "otlp"),
			slog.String("endpoint", endpoint),
			slog.String("service_name", serviceName),
		)
		return NewOTLPExporter(endpoint, serviceName)
	default:
		slog.Debug("trace exporter disabled (noop)")
		return &NoopExporter{}
	}
}
