package observe

// Telemetry bundles the three instruments components accept.
type Telemetry struct {
	Tracer  Tracer
	Metrics Metrics
	Logger  Logger
}

// NewTelemetry builds Telemetry from a configured Observer.
func NewTelemetry(obs Observer) (Telemetry, error) {
	if obs == nil {
		return Telemetry{}, ErrNilObserver
	}

	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return Telemetry{}, err
	}

	return Telemetry{
		Tracer:  NewTracer(obs.Tracer()),
		Metrics: metrics,
		Logger:  obs.Logger(),
	}, nil
}

// NopTelemetry returns Telemetry whose instruments do nothing.
func NopTelemetry() Telemetry {
	return Telemetry{
		Tracer:  NopTracer(),
		Metrics: NopMetrics(),
		Logger:  NopLogger(),
	}
}
