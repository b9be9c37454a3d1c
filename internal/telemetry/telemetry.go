// Package telemetry wraps OpenTelemetry tracing and metrics behind narrow
// interfaces, the way the teacher framework's runtime/agent/telemetry package
// wraps goa.design/clue + otel. Export transport is explicitly out of scope
// (spec §1): this package only creates spans/metrics against whatever
// TracerProvider/MeterProvider the host process has configured globally; it
// never constructs an OTLP exporter itself.
package telemetry

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Span is a narrow handle over an active trace span.
type Span interface {
	End()
	AddEvent(name string, keyvals ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error)
	SpanContext() trace.SpanContext
}

// Tracer starts spans under a fixed instrumentation scope name.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, Span)
}

// Counter records monotonically increasing values (e.g. agent usage tokens,
// steps executed).
type Counter interface {
	Add(ctx context.Context, value float64, tags ...string)
}

// Histogram records a distribution of values (e.g. step duration).
type Histogram interface {
	Record(ctx context.Context, value float64, tags ...string)
}

const scopeName = "github.com/polos-dev/polos-sub001"

type otelTracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer bound to the globally configured
// TracerProvider. Call otel.SetTracerProvider before invoking runtime
// methods if distributed tracing is desired; otherwise spans are no-ops.
func NewTracer() Tracer {
	return otelTracer{tracer: otel.Tracer(scopeName)}
}

func (t otelTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name)
	return newCtx, otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End() { s.span.End() }

func (s otelSpan) AddEvent(name string, keyvals ...any) {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, toAttr(k, keyvals[i+1]))
	}
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

func (s otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}

func (s otelSpan) SpanContext() trace.SpanContext {
	return s.span.SpanContext()
}

func toAttr(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, "")
	}
}

type meterMetrics struct {
	meter metric.Meter
}

// NewCounter returns a Counter backed by the globally configured
// MeterProvider.
func NewCounter(name string) Counter {
	m := otel.Meter(scopeName)
	c, err := m.Float64Counter(name)
	if err != nil {
		return noopCounter{}
	}
	return otelCounter{counter: c}
}

// NewHistogram returns a Histogram backed by the globally configured
// MeterProvider.
func NewHistogram(name string) Histogram {
	m := otel.Meter(scopeName)
	h, err := m.Float64Histogram(name)
	if err != nil {
		return noopHistogram{}
	}
	return otelHistogram{histogram: h}
}

type otelCounter struct {
	counter metric.Float64Counter
}

func (c otelCounter) Add(ctx context.Context, value float64, tags ...string) {
	c.counter.Add(ctx, value, metric.WithAttributes(tagAttrs(tags)...))
}

type otelHistogram struct {
	histogram metric.Float64Histogram
}

func (h otelHistogram) Record(ctx context.Context, value float64, tags ...string) {
	h.histogram.Record(ctx, value, metric.WithAttributes(tagAttrs(tags)...))
}

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}

type noopCounter struct{}

func (noopCounter) Add(context.Context, float64, ...string) {}

type noopHistogram struct{}

func (noopHistogram) Record(context.Context, float64, ...string) {}

// DeterministicTraceID derives an OTel trace id from a root execution UUID by
// stripping hyphens, per spec §6. execctx.New calls it for root executions
// only; a child execution's trace id is left zero.
func DeterministicTraceID(rootExecutionID string) (trace.TraceID, bool) {
	hexStr := strings.ReplaceAll(rootExecutionID, "-", "")
	if len(hexStr) != 32 {
		return trace.TraceID{}, false
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return trace.TraceID{}, false
	}
	var id trace.TraceID
	copy(id[:], raw)
	return id, true
}

// SpanKind infers the span kind from a dotted span name prefix, per spec §6
// ("workflow.", "agent.", "tool.", "step.").
func SpanKind(name string) string {
	switch {
	case strings.HasPrefix(name, "workflow."):
		return "workflow"
	case strings.HasPrefix(name, "agent."):
		return "agent"
	case strings.HasPrefix(name, "tool."):
		return "tool"
	case strings.HasPrefix(name, "step."):
		return "step"
	default:
		return "unknown"
	}
}

// Since is a small helper used by callers that want to record a duration
// metric for a span that just ended.
func Since(start time.Time) time.Duration {
	return time.Since(start)
}
