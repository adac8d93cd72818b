package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records resilience and fan-out measurements.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordCall records a finished call with its attempt count and outcome.
	RecordCall(ctx context.Context, meta CallMeta, attempts int, duration time.Duration, err error)

	// RecordRetry records a scheduled retry for a classified failure.
	RecordRetry(ctx context.Context, meta CallMeta, kind string, delay time.Duration)

	// RecordFailure records a call that exhausted its retry budget.
	RecordFailure(ctx context.Context, meta CallMeta, kind string)

	// RecordBlocked records a call rejected by an open circuit.
	RecordBlocked(ctx context.Context, meta CallMeta)

	// RecordBreakerTransition records a circuit breaker state change.
	RecordBreakerTransition(ctx context.Context, provider, from, to string)

	// RecordSend records one delivery attempt to a subscriber connection.
	RecordSend(ctx context.Context, err error)

	// RecordConnections adjusts the live connection gauge by delta.
	RecordConnections(ctx context.Context, delta int64)

	// RecordDisconnect records a connection removal and its reason.
	RecordDisconnect(ctx context.Context, reason string)
}

type metricsImpl struct {
	callCount    metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	attemptsHist metric.Int64Histogram
	retryCount   metric.Int64Counter
	failureCount metric.Int64Counter
	blockedCount metric.Int64Counter
	transitions  metric.Int64Counter
	sendCount    metric.Int64Counter
	connections  metric.Int64UpDownCounter
	disconnects  metric.Int64Counter
}

// NewMetrics creates the instruments on the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	var (
		m   metricsImpl
		err error
	)

	if m.callCount, err = meter.Int64Counter("provider.call.total",
		metric.WithDescription("Total number of resilient provider calls"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.errorCount, err = meter.Int64Counter("provider.call.errors",
		metric.WithDescription("Provider calls that ended in an error"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.durationHist, err = meter.Float64Histogram("provider.call.duration_ms",
		metric.WithDescription("Provider call duration including retries in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.attemptsHist, err = meter.Int64Histogram("provider.call.attempts",
		metric.WithDescription("Attempts made per provider call"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if m.retryCount, err = meter.Int64Counter("provider.call.retries",
		metric.WithDescription("Retries scheduled, by error kind"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return nil, err
	}
	if m.failureCount, err = meter.Int64Counter("provider.call.failures",
		metric.WithDescription("Calls that exhausted their retry budget, by error kind"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.blockedCount, err = meter.Int64Counter("provider.call.blocked",
		metric.WithDescription("Calls rejected by an open circuit breaker"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.sendCount, err = meter.Int64Counter("fanout.sends",
		metric.WithDescription("Event deliveries to subscriber connections"),
		metric.WithUnit("{send}"),
	); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64UpDownCounter("fanout.connections",
		metric.WithDescription("Live subscriber connections"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, err
	}
	if m.disconnects, err = meter.Int64Counter("fanout.disconnects",
		metric.WithDescription("Subscriber connections removed, by reason"),
		metric.WithUnit("{connection}"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

func providerAttr(meta CallMeta) attribute.KeyValue {
	return attribute.String("provider.name", meta.Provider)
}

func (m *metricsImpl) RecordCall(ctx context.Context, meta CallMeta, attempts int, duration time.Duration, err error) {
	opt := metric.WithAttributes(providerAttr(meta))

	m.callCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}
	m.attemptsHist.Record(ctx, int64(attempts), opt)
	m.durationHist.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordRetry(ctx context.Context, meta CallMeta, kind string, _ time.Duration) {
	m.retryCount.Add(ctx, 1, metric.WithAttributes(
		providerAttr(meta),
		attribute.String("error.kind", kind),
	))
}

func (m *metricsImpl) RecordFailure(ctx context.Context, meta CallMeta, kind string) {
	m.failureCount.Add(ctx, 1, metric.WithAttributes(
		providerAttr(meta),
		attribute.String("error.kind", kind),
	))
}

func (m *metricsImpl) RecordBlocked(ctx context.Context, meta CallMeta) {
	m.blockedCount.Add(ctx, 1, metric.WithAttributes(providerAttr(meta)))
}

func (m *metricsImpl) RecordBreakerTransition(ctx context.Context, provider, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider.name", provider),
		attribute.String("circuit.from", from),
		attribute.String("circuit.to", to),
	))
}

func (m *metricsImpl) RecordSend(ctx context.Context, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.sendCount.Add(ctx, 1, metric.WithAttributes(attribute.String("send.outcome", outcome)))
}

func (m *metricsImpl) RecordConnections(ctx context.Context, delta int64) {
	m.connections.Add(ctx, delta)
}

func (m *metricsImpl) RecordDisconnect(ctx context.Context, reason string) {
	m.disconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("disconnect.reason", reason)))
}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return noopMetrics{} }

type noopMetrics struct{}

func (noopMetrics) RecordCall(context.Context, CallMeta, int, time.Duration, error) {}
func (noopMetrics) RecordRetry(context.Context, CallMeta, string, time.Duration)    {}
func (noopMetrics) RecordFailure(context.Context, CallMeta, string)                 {}
func (noopMetrics) RecordBlocked(context.Context, CallMeta)                         {}
func (noopMetrics) RecordBreakerTransition(context.Context, string, string, string) {}
func (noopMetrics) RecordSend(context.Context, error)                               {}
func (noopMetrics) RecordConnections(context.Context, int64)                        {}
func (noopMetrics) RecordDisconnect(context.Context, string)                        {}
