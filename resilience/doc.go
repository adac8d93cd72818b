// Package resilience runs provider calls under retry and circuit-breaker
// discipline.
//
// # Classification
//
// Classify maps a failure to one of seven ErrorKinds. An HTTP status code
// takes priority; adapters attach one with WithStatus. Without a status the
// error text is matched case-insensitively.
//
// # Retry
//
// A PolicyTable holds one RetryPolicy per kind. Auth and validation errors
// never retry. Delays grow exponentially up to a cap and are jittered into
// [0.5d, d].
//
// # Circuit breaking
//
// A BreakerSet holds one CircuitBreaker per provider, created lazily. After
// FailureThreshold recorded failures the breaker opens and blocks calls until
// RecoveryTimeout has elapsed, then lets a single probe through.
//
// # Usage
//
//	exec := resilience.NewExecutor(
//	    resilience.WithBreakers(resilience.NewBreakerSet(resilience.CircuitBreakerConfig{}, nil)),
//	    resilience.WithLogger(logger),
//	)
//
//	s, err := resilience.Submit(ctx, exec, resilience.Call{Provider: "openai", PaneID: pane},
//	    func(ctx context.Context) (stream.Stream, error) {
//	        return adapter.Stream(ctx, messages, model, pane)
//	    })
//	if err != nil {
//	    manager.Broadcast(ctx, session, exec.ErrorEvent(pane, err))
//	}
package resilience
