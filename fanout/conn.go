package fanout

import (
	"context"
	"time"
)

// Conn is the transport handle of one subscriber.
//
// Contract:
// - Accept completes the transport handshake and is called once, before any send.
// - SendText writes one text frame and must honor ctx cancellation/deadlines.
//   The Manager never calls SendText concurrently on the same Conn.
// - Close releases the transport and may be called concurrently with SendText.
type Conn interface {
	Accept(ctx context.Context) error
	SendText(ctx context.Context, data []byte) error
	Close() error
}

// ConnectionInfo is a snapshot of one registered connection.
type ConnectionInfo struct {
	ID          string
	SessionID   string
	ConnectedAt time.Time
	LastPing    time.Time
	FailedSends int
	Alive       bool
}

// Stats summarizes the connection table.
type Stats struct {
	TotalConnections     int     `json:"total_connections"`
	HealthyConnections   int     `json:"healthy_connections"`
	ActiveSessions       int     `json:"active_sessions"`
	UnhealthyConnections int     `json:"unhealthy_connections"`
	AverageConnectionAge float64 `json:"average_connection_age"` // seconds
}
