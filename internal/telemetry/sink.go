package telemetry

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Properties map[string]any

// Sink receives product analytics events and answers feature flag queries.
type Sink interface {
	Capture(ctx context.Context, distinctID, event string, props Properties)
	Identify(ctx context.Context, distinctID string, props Properties)
	IsFeatureEnabled(ctx context.Context, flag, distinctID string) bool
	FeatureFlag(ctx context.Context, flag, distinctID string) (string, bool)
	Shutdown(ctx context.Context) error
}

// Noop accepts everything and records nothing. All flags are off.
type Noop struct{}

func (Noop) Capture(context.Context, string, string, Properties) {}

func (Noop) Identify(context.Context, string, Properties) {}

func (Noop) IsFeatureEnabled(context.Context, string, string) bool { return false }

func (Noop) FeatureFlag(context.Context, string, string) (string, bool) { return "", false }

func (Noop) Shutdown(context.Context) error { return nil }

// TraceSink turns captured events into events on the caller's active span.
// Flags come from a static table; there is no remote flag service.
type TraceSink struct {
	flags map[string]string
}

func NewTraceSink(flags map[string]string) *TraceSink {
	copied := make(map[string]string, len(flags))
	for k, v := range flags {
		copied[k] = v
	}
	return &TraceSink{flags: copied}
}

func (s *TraceSink) Capture(ctx context.Context, distinctID, event string, props Properties) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := append([]attribute.KeyValue{attribute.String("distinct_id", distinctID)}, toAttributes(props)...)
	span.AddEvent(event, trace.WithAttributes(attrs...))
}

func (s *TraceSink) Identify(ctx context.Context, distinctID string, props Properties) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("enduser.id", distinctID))
	span.SetAttributes(toAttributes(props)...)
}

func (s *TraceSink) IsFeatureEnabled(ctx context.Context, flag, distinctID string) bool {
	v, ok := s.flags[flag]
	return ok && v != "" && v != "false" && v != "0"
}

func (s *TraceSink) FeatureFlag(ctx context.Context, flag, distinctID string) (string, bool) {
	v, ok := s.flags[flag]
	return v, ok
}

func (s *TraceSink) Shutdown(context.Context) error { return nil }

func toAttributes(props Properties) []attribute.KeyValue {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(props))
	for _, k := range keys {
		switch v := props[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return attrs
}

// NewSink selects the sink for a telemetry mode. Anything other than
// "trace" yields the no-op sink.
func NewSink(mode string, flags map[string]string) Sink {
	if mode == "trace" {
		return NewTraceSink(flags)
	}
	return Noop{}
}
