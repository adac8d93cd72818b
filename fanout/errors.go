package fanout

import "errors"

var (
	// ErrDisconnected is returned by a Conn whose peer has gone away.
	ErrDisconnected = errors.New("fanout: connection closed by peer")

	// ErrPongTimeout is returned by a read loop whose peer stopped answering
	// pings.
	ErrPongTimeout = errors.New("fanout: peer stopped answering pings")

	// ErrUnknownConnection is returned for an id not in the connection table.
	ErrUnknownConnection = errors.New("fanout: unknown connection")

	// ErrManagerClosed is returned by Register after Close.
	ErrManagerClosed = errors.New("fanout: manager closed")

	// ErrMissingSession is returned by Register for an empty session id.
	ErrMissingSession = errors.New("fanout: session id is required")
)

// Disconnect reasons reported to logs and metrics.
const (
	ReasonClientClose      = "client_disconnect"
	ReasonSendFailure      = "send_failure"
	ReasonBroadcastFailure = "broadcast_failure"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonShutdown         = "shutdown"
)
