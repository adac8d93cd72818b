package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// CallMeta describes one resilient provider call for telemetry purposes.
type CallMeta struct {
	Provider  string // Provider name (required)
	PaneID    string // Pane the call streams into (optional)
	SessionID string // Session the pane belongs to (optional)
}

// SpanName returns the deterministic span name for this call.
// Format: provider.call.<provider>
func (m CallMeta) SpanName() string {
	return "provider.call." + m.Provider
}

// Fields returns the non-empty identifiers as log fields.
func (m CallMeta) Fields() []Field {
	fields := make([]Field, 0, 3)
	if m.SessionID != "" {
		fields = append(fields, Field{Key: "session_id", Value: m.SessionID})
	}
	if m.PaneID != "" {
		fields = append(fields, Field{Key: "pane_id", Value: m.PaneID})
	}
	if m.Provider != "" {
		fields = append(fields, Field{Key: "provider", Value: m.Provider})
	}
	return fields
}

// Tracer wraps OpenTelemetry tracing with call-specific span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for a provider call.
	StartSpan(ctx context.Context, meta CallMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer wrapping the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

func (t *tracerImpl) StartSpan(ctx context.Context, meta CallMeta) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("provider.name", meta.Provider),
		attribute.Bool("call.error", false),
	}
	if meta.PaneID != "" {
		attrs = append(attrs, attribute.String("pane.id", meta.PaneID))
	}
	if meta.SessionID != "" {
		attrs = append(attrs, attribute.String("session.id", meta.SessionID))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.Bool("call.error", true))
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type noopTracer struct {
	noop trace.Tracer
}

// NopTracer returns a Tracer whose spans are never recorded.
func NopTracer() Tracer {
	return &noopTracer{noop: tracenoop.NewTracerProvider().Tracer("noop")}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta CallMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, _ error) {
	span.End()
}
