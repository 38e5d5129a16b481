package tracing

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

const (
	scopeName = "github.com/jonx8/Question-and-answer-app"

	defaultBufferSize    = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 5 * time.Second
	defaultFlushTimeout  = 10 * time.Second
)

type OTLPOption func(*OTLPExporter)

func WithOTLPHTTPClient(client *http.Client) OTLPOption {
	return func(e *OTLPExporter) { e.client = client }
}

func WithBatchSize(n int) OTLPOption {
	return func(e *OTLPExporter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) OTLPOption {
	return func(e *OTLPExporter) {
		if d > 0 {
			e.flushInterval = d
		}
	}
}

// OTLPExporter batches spans and posts them as OTLP/HTTP protobuf to
// <endpoint>/v1/traces. Export never blocks; spans are dropped when the
// buffer is full.
type OTLPExporter struct {
	endpoint      string
	serviceName   string
	client        *http.Client
	batchSize     int
	flushInterval time.Duration
	spans         chan SpanData
	done          chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

func NewOTLPExporter(endpoint, serviceName string, opts ...OTLPOption) *OTLPExporter {
	e := &OTLPExporter{
		endpoint:      endpoint,
		serviceName:   serviceName,
		client:        &http.Client{Timeout: defaultFlushTimeout},
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		spans:         make(chan SpanData, defaultBufferSize),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.wg.Add(1)
	go e.batchLoop()
	return e
}

func (e *OTLPExporter) Export(_ context.Context, span SpanData) {
	select {
	case e.spans <- span:
	default:
		slog.Warn("otlp exporter: span dropped, buffer full")
	}
}

// Shutdown drains buffered spans and waits for the final flush or ctx.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(func() { close(e.done) })

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *OTLPExporter) batchLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	batch := make([]SpanData, 0, e.batchSize)
	send := func() {
		if len(batch) == 0 {
			return
		}
		e.flush(batch)
		batch = make([]SpanData, 0, e.batchSize)
	}

	for {
		select {
		case span := <-e.spans:
			batch = append(batch, span)
			if len(batch) >= e.batchSize {
				send()
			}
		case <-ticker.C:
			send()
		case <-e.done:
			for {
				select {
				case span := <-e.spans:
					batch = append(batch, span)
					if len(batch) >= e.batchSize {
						send()
					}
				default:
					send()
					return
				}
			}
		}
	}
}

func (e *OTLPExporter) flush(batch []SpanData) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultFlushTimeout)
	defer cancel()

	body, err := proto.Marshal(e.buildProto(batch))
	if err != nil {
		slog.Error("otlp exporter: failed to marshal protobuf", slog.String("error", err.Error()))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1/traces", bytes.NewReader(body))
	if err != nil {
		slog.Error("otlp exporter: failed to create request", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/x-protobuf")

	resp, err := e.client.Do(req)
	if err != nil {
		slog.Error("otlp exporter: failed to send spans",
			slog.String("error", err.Error()),
			slog.Int("count", len(batch)),
		)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		slog.Warn("otlp exporter: unexpected status",
			slog.Int("status", resp.StatusCode),
			slog.Int("count", len(batch)),
		)
	}
}

func (e *OTLPExporter) buildProto(batch []SpanData) *tracepb.TracesData {
	spans := make([]*tracepb.Span, 0, len(batch))
	for _, s := range batch {
		spans = append(spans, spanDataToProto(s))
	}

	return &tracepb.TracesData{
		ResourceSpans: []*tracepb.ResourceSpans{
			{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{stringAttr("service.name", e.serviceName)},
				},
				ScopeSpans: []*tracepb.ScopeSpans{
					{
						Scope: &commonpb.InstrumentationScope{Name: scopeName},
						Spans: spans,
					},
				},
			},
		},
	}
}

func spanDataToProto(s SpanData) *tracepb.Span {
	traceID, _ := hex.DecodeString(s.TraceID)
	spanID, _ := hex.DecodeString(s.SpanID)

	span := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		Name:              s.Name,
		Kind:              toProtoSpanKind(s.Kind),
		StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(s.EndTime.UnixNano()),
		Status:            toProtoStatus(s),
		Attributes:        toProtoAttributes(s.Attributes),
	}

	if s.ParentSpanID != "" {
		parentID, _ := hex.DecodeString(s.ParentSpanID)
		span.ParentSpanId = parentID
	}

	return span
}

func toProtoSpanKind(k SpanKind) tracepb.Span_SpanKind {
	switch k {
	case SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_UNSPECIFIED
	}
}

func toProtoStatus(s SpanData) *tracepb.Status {
	if s.Failed || s.StatusCode >= 500 {
		return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR}
	}
	return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
}

func toProtoAttributes(attrs map[string]string) []*commonpb.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]*commonpb.KeyValue, 0, len(attrs))
	for _, k := range keys {
		kvs = append(kvs, stringAttr(k, attrs[k]))
	}
	return kvs
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}
