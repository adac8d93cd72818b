package health

import (
	"context"
	"fmt"

	"github.com/jonwraymond/paneflow/fanout"
)

// StatsSource exposes connection table statistics.
type StatsSource interface {
	Stats() fanout.Stats
}

// ConnectionCheckerConfig configures the connection checker.
type ConnectionCheckerConfig struct {
	// DegradedRatio is the share of unhealthy connections at or above which
	// the check reports degraded.
	// Default: 0.5
	DegradedRatio float64
}

// ConnectionChecker reports the health of subscriber connections.
type ConnectionChecker struct {
	src    StatsSource
	config ConnectionCheckerConfig
}

// NewConnectionChecker creates a checker over src.
func NewConnectionChecker(src StatsSource, config ConnectionCheckerConfig) *ConnectionChecker {
	if config.DegradedRatio <= 0 || config.DegradedRatio > 1 {
		config.DegradedRatio = 0.5
	}
	return &ConnectionChecker{src: src, config: config}
}

// Name returns "connections".
func (c *ConnectionChecker) Name() string { return "connections" }

// Check compares unhealthy connections against the configured ratio.
func (c *ConnectionChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}

	s := c.src.Stats()
	details := map[string]any{
		"total_connections":      s.TotalConnections,
		"healthy_connections":    s.HealthyConnections,
		"unhealthy_connections":  s.UnhealthyConnections,
		"active_sessions":        s.ActiveSessions,
		"average_connection_age": s.AverageConnectionAge,
	}

	if s.TotalConnections == 0 {
		return Healthy("no connections").WithDetails(details)
	}

	ratio := float64(s.UnhealthyConnections) / float64(s.TotalConnections)
	if ratio >= c.config.DegradedRatio {
		return Degraded(fmt.Sprintf("%d of %d connections failing sends",
			s.UnhealthyConnections, s.TotalConnections)).WithDetails(details)
	}
	return Healthy(fmt.Sprintf("%d connections in %d sessions",
		s.TotalConnections, s.ActiveSessions)).WithDetails(details)
}
