package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonwraymond/paneflow/observe"
	"github.com/jonwraymond/paneflow/stream"
)

// Call identifies one logical operation for breaker lookup and telemetry.
type Call struct {
	Provider  string
	PaneID    string
	SessionID string
}

func (c Call) meta() observe.CallMeta {
	return observe.CallMeta{Provider: c.Provider, PaneID: c.PaneID, SessionID: c.SessionID}
}

// Executor runs operations under the retry policy table and the provider's
// circuit breaker.
type Executor struct {
	policies PolicyTable
	breakers *BreakerSet
	logger   observe.Logger
	metrics  observe.Metrics
	tracer   observe.Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates a new resilient executor. Without options it uses the
// default policy table, a private BreakerSet with default config and no-op
// telemetry.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		policies: DefaultPolicies(),
		logger:   observe.NopLogger(),
		metrics:  observe.NopMetrics(),
		tracer:   observe.NopTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breakers == nil {
		e.breakers = NewBreakerSet(CircuitBreakerConfig{}, nil)
	}
	return e
}

// WithPolicies sets the retry policy table.
func WithPolicies(t PolicyTable) ExecutorOption {
	return func(e *Executor) {
		e.policies = t
	}
}

// WithBreakers sets the provider breaker set. Share one set between every
// executor that calls the same providers.
func WithBreakers(s *BreakerSet) ExecutorOption {
	return func(e *Executor) {
		e.breakers = s
	}
}

// WithLogger sets the logger.
func WithLogger(l observe.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observe.Metrics) ExecutorOption {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t observe.Tracer) ExecutorOption {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithTelemetry sets tracer, metrics and logger at once.
func WithTelemetry(t observe.Telemetry) ExecutorOption {
	return func(e *Executor) {
		WithTracer(t.Tracer)(e)
		WithMetrics(t.Metrics)(e)
		WithLogger(t.Logger)(e)
	}
}

// Breakers returns the executor's breaker set.
func (e *Executor) Breakers() *BreakerSet { return e.breakers }

// Policies returns the executor's policy table.
func (e *Executor) Policies() PolicyTable { return e.policies }

// Execute runs op for call. See Submit.
func (e *Executor) Execute(ctx context.Context, call Call, op func(context.Context) error) error {
	_, err := Submit(ctx, e, call, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Submit runs op under the provider's circuit breaker and the retry table.
//
// A denied breaker check fails immediately with an error matching
// ErrCircuitOpen. Each failure is classified; while the attempt index is
// below the kind's MaxRetries the call sleeps for the policy delay and tries
// again. Every kind shares one attempt counter. When the budget is exhausted
// one breaker failure is recorded and a *Failure wrapping the last error is
// returned. A success records a breaker success. When ctx is done the
// context error is returned and nothing is recorded on the breaker.
func Submit[T any](ctx context.Context, e *Executor, call Call, op func(context.Context) (T, error)) (T, error) {
	meta := call.meta()
	ctx, span := e.tracer.StartSpan(ctx, meta)
	start := time.Now()

	result, attempts, err := run(ctx, e, call, meta, op)

	e.tracer.EndSpan(span, err)
	e.metrics.RecordCall(ctx, meta, attempts, time.Since(start), err)
	return result, err
}

func run[T any](ctx context.Context, e *Executor, call Call, meta observe.CallMeta, op func(context.Context) (T, error)) (T, int, error) {
	var zero T
	log := e.logger.With(meta.Fields()...)
	breaker := e.breakers.Get(call.Provider)

	if !breaker.CanExecute() {
		log.Error(ctx, "circuit breaker open, operation blocked")
		e.metrics.RecordBlocked(ctx, meta)
		return zero, 0, fmt.Errorf("%w for provider %s", ErrCircuitOpen, call.Provider)
	}

	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			breaker.RecordSuccess()
			if attempt > 0 {
				log.Info(ctx, "operation succeeded after retries", observe.Field{Key: "attempt", Value: attempt})
			}
			return result, attempt + 1, nil
		}

		if ctx.Err() != nil {
			return zero, attempt + 1, err
		}

		kind := ClassifyError(err)
		policy := e.policies.For(kind)

		log.Warn(ctx, "operation failed",
			observe.Field{Key: "attempt", Value: attempt},
			observe.Field{Key: "error_type", Value: kind.String()},
			observe.Field{Key: "error", Value: err},
		)

		if attempt >= policy.MaxRetries {
			breaker.RecordFailure()
			e.metrics.RecordFailure(ctx, meta, kind.String())
			log.Error(ctx, "operation failed after all retries",
				observe.Field{Key: "attempts", Value: attempt + 1},
				observe.Field{Key: "error_type", Value: kind.String()},
				observe.Field{Key: "error", Value: err},
			)
			return zero, attempt + 1, &Failure{Kind: kind, Provider: call.Provider, Attempts: attempt + 1, Err: err}
		}

		delay := policy.Delay(attempt)
		log.Info(ctx, "retrying operation",
			observe.Field{Key: "attempt", Value: attempt},
			observe.Field{Key: "delay_ms", Value: delay.Milliseconds()},
		)
		e.metrics.RecordRetry(ctx, meta, kind.String(), delay)

		if err := sleep(ctx, delay); err != nil {
			return zero, attempt + 1, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// KindOf returns the classified kind of err. A *Failure reports the kind
// that exhausted its budget.
func KindOf(err error) ErrorKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ClassifyError(err)
}

// ErrorEvent converts err into the error event shown in a pane. The code is
// the classified kind and Retryable follows that kind's policy. A *Failure
// contributes the text of the provider's last error.
func (e *Executor) ErrorEvent(paneID string, err error) stream.Event {
	kind := KindOf(err)
	msg := err.Error()

	var f *Failure
	if errors.As(err, &f) && f.Err != nil {
		msg = f.Err.Error()
	}

	return stream.NewError(paneID, msg, kind.String(), e.policies.Retryable(kind))
}
