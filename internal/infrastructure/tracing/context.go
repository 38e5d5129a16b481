package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	HeaderTraceparent = "Traceparent"
	HeaderTracestate  = "Tracestate"
)

var traceparentRegex = regexp.MustCompile(`^00-([0-9a-f]{32})-([0-9a-f]{16})-([0-9a-f]{2})$`)

var (
	zeroTraceID = strings.Repeat("0", 32)
	zeroSpanID  = strings.Repeat("0", 16)
)

// TraceContext is the W3C trace context of the current span.
type TraceContext struct {
	TraceID  string
	SpanID   string
	ParentID string
	Flags    string
	State    string
}

// ParseTraceparent reads a version 00 traceparent header. Malformed values
// and all-zero ids yield an empty context.
func ParseTraceparent(header string) TraceContext {
	matches := traceparentRegex.FindStringSubmatch(header)
	if len(matches) != 4 {
		return TraceContext{}
	}
	if matches[1] == zeroTraceID || matches[2] == zeroSpanID {
		return TraceContext{}
	}
	return TraceContext{TraceID: matches[1], SpanID: matches[2], Flags: matches[3]}
}

func (tc TraceContext) Traceparent() string {
	if tc.TraceID == "" || tc.SpanID == "" {
		return ""
	}
	flags := tc.Flags
	if flags == "" {
		flags = "01"
	}
	return fmt.Sprintf("00-%s-%s-%s", tc.TraceID, tc.SpanID, flags)
}

// Child starts a new span under tc, or a new trace when tc is empty.
func (tc TraceContext) Child() TraceContext {
	child := TraceContext{
		TraceID:  tc.TraceID,
		ParentID: tc.SpanID,
		SpanID:   NewSpanID(),
		Flags:    tc.Flags,
		State:    tc.State,
	}
	if child.TraceID == "" {
		child.TraceID = NewTraceID()
		child.ParentID = ""
	}
	if child.Flags == "" {
		child.Flags = "01"
	}
	return child
}

func NewTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func NewSpanID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

type contextKey struct{}

func WithTraceContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

func FromContext(ctx context.Context) (TraceContext, bool) {
	tc, ok := ctx.Value(contextKey{}).(TraceContext)
	return tc, ok
}
