package tracing

import (
	"context"
	"testing"
)

func TestParseTraceparent(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   TraceContext
	}{
		{
			name:   "valid",
			header: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			want:   TraceContext{TraceID: "4bf92f3577b34da6a3ce929d0e0e4736", SpanID: "00f067aa0ba902b7", Flags: "01"},
		},
		{name: "empty", header: ""},
		{name: "unknown version", header: "01-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
		{name: "upper case", header: "00-4BF92F3577B34DA6A3CE929D0E0E4736-00F067AA0BA902B7-01"},
		{name: "zero trace id", header: "00-00000000000000000000000000000000-00f067aa0ba902b7-01"},
		{name: "zero span id", header: "00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseTraceparent(tt.header); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestTraceContext_Child(t *testing.T) {
	parent := ParseTraceparent("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00")

	child := parent.Child()
	if child.TraceID != parent.TraceID {
		t.Errorf("child must keep the trace id, got %s", child.TraceID)
	}
	if child.ParentID != parent.SpanID {
		t.Errorf("expected parent %s, got %s", parent.SpanID, child.ParentID)
	}
	if len(child.SpanID) != 16 || child.SpanID == parent.SpanID {
		t.Errorf("expected a fresh span id, got %q", child.SpanID)
	}
	if child.Flags != "00" {
		t.Errorf("expected flags to be kept, got %q", child.Flags)
	}

	root := TraceContext{}.Child()
	if len(root.TraceID) != 32 || root.ParentID != "" || root.Flags != "01" {
		t.Errorf("unexpected root span %+v", root)
	}
}

func TestTraceContext_Traceparent(t *testing.T) {
	tc := TraceContext{TraceID: "4bf92f3577b34da6a3ce929d0e0e4736", SpanID: "00f067aa0ba902b7"}
	if got := tc.Traceparent(); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Errorf("unexpected traceparent %q", got)
	}
	if got := ParseTraceparent(tc.Traceparent()); got.TraceID != tc.TraceID {
		t.Errorf("traceparent does not parse back: %+v", got)
	}
	if (TraceContext{}).Traceparent() != "" {
		t.Error("empty context must not produce a traceparent")
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no trace context")
	}
	tc := TraceContext{}.Child()
	got, ok := FromContext(WithTraceContext(context.Background(), tc))
	if !ok || got != tc {
		t.Errorf("expected %+v, got %+v", tc, got)
	}
}
