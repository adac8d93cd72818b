package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jonwraymond/paneflow/resilience"
)

// BreakerSource exposes the circuit breaker state of every known provider.
type BreakerSource interface {
	Snapshot() map[string]resilience.CircuitBreakerMetrics
}

// ProviderStatus is the health view of one provider's circuit.
type ProviderStatus struct {
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	LastFailure  *time.Time `json:"last_failure"`
	Healthy      bool       `json:"healthy"`
}

// ProviderHealth returns the status of every provider in src.
func ProviderHealth(src BreakerSource) map[string]ProviderStatus {
	snap := src.Snapshot()
	out := make(map[string]ProviderStatus, len(snap))
	for provider, m := range snap {
		ps := ProviderStatus{
			State:        m.State.String(),
			FailureCount: m.Failures,
			Healthy:      m.Healthy(),
		}
		if !m.LastFailure.IsZero() {
			t := m.LastFailure.UTC()
			ps.LastFailure = &t
		}
		out[provider] = ps
	}
	return out
}

// ProviderChecker reports degraded while any provider circuit is not closed
// and unhealthy once every known provider is blocked.
type ProviderChecker struct {
	src BreakerSource
}

// NewProviderChecker creates a checker over src.
func NewProviderChecker(src BreakerSource) *ProviderChecker {
	return &ProviderChecker{src: src}
}

// Name returns "providers".
func (c *ProviderChecker) Name() string { return "providers" }

// Check inspects every provider circuit.
func (c *ProviderChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}

	statuses := ProviderHealth(c.src)
	details := make(map[string]any, len(statuses))
	var open int
	for provider, ps := range statuses {
		details[provider] = ps
		if !ps.Healthy {
			open++
		}
	}

	switch {
	case len(statuses) == 0:
		return Healthy("no providers called yet")
	case open == 0:
		return Healthy(fmt.Sprintf("%d providers closed", len(statuses))).WithDetails(details)
	case open == len(statuses):
		return Unhealthy("all provider circuits open", ErrCheckFailed).WithDetails(details)
	default:
		return Degraded(fmt.Sprintf("%d of %d provider circuits open", open, len(statuses))).WithDetails(details)
	}
}
