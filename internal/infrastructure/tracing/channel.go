package tracing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// TracedChannel wraps an event channel with producer spans on Publish and
// consumer spans that end when a delivery is resolved.
type TracedChannel struct {
	domain.EventChannel
	exporter    SpanExporter
	serviceName string
	destination string
}

func NewTracedChannel(inner domain.EventChannel, exporter SpanExporter, serviceName, destination string) *TracedChannel {
	return &TracedChannel{
		EventChannel: inner,
		exporter:     exporter,
		serviceName:  serviceName,
		destination:  destination,
	}
}

func (c *TracedChannel) Publish(ctx context.Context, event domain.DomainEvent) error {
	parent, _ := FromContext(ctx)
	if parent.TraceID == "" {
		parent = ParseTraceparent(event.TraceParent)
	}
	span := parent.Child()
	event.TraceParent = span.Traceparent()

	start := time.Now()
	err := c.EventChannel.Publish(ctx, event)
	c.exporter.Export(ctx, SpanData{
		TraceID:      span.TraceID,
		SpanID:       span.SpanID,
		ParentSpanID: span.ParentID,
		Name:         c.destination + " publish",
		ServiceName:  c.serviceName,
		Kind:         SpanKindProducer,
		StartTime:    start,
		EndTime:      time.Now(),
		Failed:       err != nil,
		Attributes:   c.attributes(event),
	})
	return err
}

func (c *TracedChannel) Subscribe(ctx context.Context) (<-chan domain.Delivery, error) {
	in, err := c.EventChannel.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Delivery)
	go func() {
		defer close(out)
		for d := range in {
			traced := &tracedDelivery{
				Delivery: d,
				channel:  c,
				trace:    ParseTraceparent(d.Event().TraceParent).Child(),
				start:    time.Now(),
			}
			select {
			case out <- traced:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *TracedChannel) attributes(event domain.DomainEvent) map[string]string {
	return map[string]string{
		"messaging.destination.name": c.destination,
		"messaging.message.id":       event.ID,
		"event.type":                 string(event.Type),
	}
}

type tracedDelivery struct {
	domain.Delivery
	channel *TracedChannel
	trace   TraceContext
	start   time.Time
	once    sync.Once
}

// TraceContext exposes the consumer span so handlers can log its ids.
func (d *tracedDelivery) TraceContext() TraceContext {
	return d.trace
}

func (d *tracedDelivery) Ack(ctx context.Context) error {
	err := d.Delivery.Ack(ctx)
	d.end(ctx, "ack", err != nil)
	return err
}

func (d *tracedDelivery) Nack(ctx context.Context) error {
	err := d.Delivery.Nack(ctx)
	d.end(ctx, "nack", true)
	return err
}

func (d *tracedDelivery) DeadLetter(ctx context.Context, reason string) error {
	err := d.Delivery.DeadLetter(ctx, reason)
	d.end(ctx, "dead_letter", true)
	return err
}

func (d *tracedDelivery) end(ctx context.Context, outcome string, failed bool) {
	d.once.Do(func() {
		attrs := d.channel.attributes(d.Event())
		attrs["messaging.outcome"] = outcome
		attrs["messaging.delivery.attempt"] = strconv.Itoa(d.Attempt())
		d.channel.exporter.Export(ctx, SpanData{
			TraceID:      d.trace.TraceID,
			SpanID:       d.trace.SpanID,
			ParentSpanID: d.trace.ParentID,
			Name:         d.channel.destination + " process",
			ServiceName:  d.channel.serviceName,
			Kind:         SpanKindConsumer,
			StartTime:    d.start,
			EndTime:      time.Now(),
			Failed:       failed,
			Attributes:   attrs,
		})
	})
}
