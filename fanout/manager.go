package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/paneflow/observe"
	"github.com/jonwraymond/paneflow/stream"
)

// ManagerConfig configures the fan-out manager.
type ManagerConfig struct {
	// HeartbeatInterval is the period of the heartbeat loop. Connections not
	// pinged for twice this long are probed and dropped if the probe fails.
	// Default: 30 seconds
	HeartbeatInterval time.Duration

	// CleanupInterval is the period of the loop that prunes empty sessions.
	// Default: 300 seconds
	CleanupInterval time.Duration

	// MaxFailedSends is the number of consecutive failed sends after which a
	// connection is dropped.
	// Default: 3
	MaxFailedSends int

	// SendTimeout bounds a single write to one connection.
	// Default: 10 seconds
	SendTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt observe.Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// WithTelemetry sets the logger and metrics from t.
func WithTelemetry(t observe.Telemetry) Option {
	return func(m *Manager) {
		WithLogger(t.Logger)(m)
		WithMetrics(t.Metrics)(m)
	}
}

type connection struct {
	id        string
	sessionID string
	conn      Conn

	// sendMu serializes writes on conn.
	sendMu sync.Mutex

	// Guarded by Manager.mu.
	connectedAt time.Time
	lastPing    time.Time
	failedSends int
	alive       bool
}

func (c *connection) info() ConnectionInfo {
	return ConnectionInfo{
		ID:          c.id,
		SessionID:   c.sessionID,
		ConnectedAt: c.connectedAt,
		LastPing:    c.lastPing,
		FailedSends: c.failedSends,
		Alive:       c.alive,
	}
}

// Manager tracks live subscriber connections per session.
//
// Contract:
// - Concurrency: all methods are safe for concurrent use.
// - The connection table and session index change together under one lock;
//   every indexed id is in the table and every table entry is indexed.
// - Sends run outside the lock, so a slow subscriber delays only itself.
type Manager struct {
	config  ManagerConfig
	logger  observe.Logger
	metrics observe.Metrics

	mu       sync.Mutex
	conns    map[string]*connection
	sessions map[string]map[string]struct{}
	closed   bool
	done     chan struct{}
}

// NewManager creates a new fan-out manager.
func NewManager(config ManagerConfig, opts ...Option) *Manager {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 300 * time.Second
	}
	if config.MaxFailedSends <= 0 {
		config.MaxFailedSends = 3
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}

	m := &Manager{
		config:   config,
		logger:   observe.NopLogger(),
		metrics:  observe.NopMetrics(),
		conns:    make(map[string]*connection),
		sessions: make(map[string]map[string]struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register accepts conn and subscribes it to sessionID. It returns the new
// connection id.
func (m *Manager) Register(ctx context.Context, conn Conn, sessionID string) (string, error) {
	if sessionID == "" {
		return "", ErrMissingSession
	}

	if err := conn.Accept(ctx); err != nil {
		m.logger.Error(ctx, "failed to accept connection",
			observe.Field{Key: "session_id", Value: sessionID},
			observe.Field{Key: "error", Value: err},
		)
		return "", fmt.Errorf("fanout: accept: %w", err)
	}

	now := time.Now()
	c := &connection{
		id:          uuid.NewString(),
		sessionID:   sessionID,
		conn:        conn,
		connectedAt: now,
		lastPing:    now,
		alive:       true,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return "", ErrManagerClosed
	}
	m.conns[c.id] = c
	set, ok := m.sessions[sessionID]
	if !ok {
		set = make(map[string]struct{})
		m.sessions[sessionID] = set
	}
	set[c.id] = struct{}{}
	total := len(m.conns)
	m.verifyLocked(ctx, "register")
	m.mu.Unlock()

	m.metrics.RecordConnections(ctx, 1)
	m.logger.Info(ctx, "connection registered",
		observe.Field{Key: "session_id", Value: sessionID},
		observe.Field{Key: "connection_id", Value: c.id},
		observe.Field{Key: "total_connections", Value: total},
	)
	return c.id, nil
}

// Unregister removes a connection and closes its transport. It reports
// whether the connection was present; removing an unknown id is a no-op.
// The session's index entry is kept, possibly empty, until the next cleanup.
func (m *Manager) Unregister(id, reason string) bool {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, id)
	if set, ok := m.sessions[c.sessionID]; ok {
		delete(set, id)
	}
	c.alive = false
	m.verifyLocked(context.Background(), "unregister")
	m.mu.Unlock()

	_ = c.conn.Close()

	ctx := context.Background()
	m.metrics.RecordConnections(ctx, -1)
	m.metrics.RecordDisconnect(ctx, reason)
	m.logger.Info(ctx, "connection unregistered",
		observe.Field{Key: "session_id", Value: c.sessionID},
		observe.Field{Key: "connection_id", Value: id},
		observe.Field{Key: "reason", Value: reason},
		observe.Field{Key: "duration_s", Value: time.Since(c.connectedAt).Seconds()},
	)
	return true
}

// Broadcast sends ev to every connection subscribed to sessionID and
// reports whether at least one send succeeded. A session without
// connections yields false and no error. The only error is an event that
// cannot be encoded. Sends that fail after ctx is done are not counted
// against their connections.
func (m *Manager) Broadcast(ctx context.Context, sessionID string, ev stream.Event) (bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("fanout: encode event: %w", err)
	}

	targets := m.sessionTargets(sessionID)
	if len(targets) == 0 {
		m.logger.Debug(ctx, "no connections for session",
			observe.Field{Key: "session_id", Value: sessionID},
			observe.Field{Key: "event_type", Value: string(ev.Type())},
		)
		return false, nil
	}

	results := m.sendAll(ctx, targets, data)
	canceled := ctx.Err() != nil

	var delivered int
	var dead []string
	m.mu.Lock()
	for i, c := range targets {
		if m.conns[c.id] != c {
			continue
		}
		if results[i] == nil {
			c.failedSends = 0
			delivered++
			continue
		}
		if canceled {
			continue
		}
		c.failedSends++
		if c.failedSends >= m.config.MaxFailedSends {
			c.alive = false
			dead = append(dead, c.id)
		}
	}
	m.mu.Unlock()

	for i, c := range targets {
		if results[i] != nil {
			m.logger.Warn(ctx, "failed to send event",
				observe.Field{Key: "session_id", Value: sessionID},
				observe.Field{Key: "connection_id", Value: c.id},
				observe.Field{Key: "event_type", Value: string(ev.Type())},
				observe.Field{Key: "error", Value: results[i]},
			)
		}
	}
	for _, id := range dead {
		m.Unregister(id, ReasonSendFailure)
	}

	if delivered == 0 {
		m.logger.Error(ctx, "failed to send event to any connection",
			observe.Field{Key: "session_id", Value: sessionID},
			observe.Field{Key: "event_type", Value: string(ev.Type())},
			observe.Field{Key: "attempted_connections", Value: len(targets)},
		)
	}
	return delivered > 0, nil
}

// SendTo sends payload, encoded as JSON, to a single connection with the
// same failure accounting as Broadcast.
func (m *Manager) SendTo(ctx context.Context, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fanout: encode payload: %w", err)
	}

	m.mu.Lock()
	c, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}

	sendErr := m.send(ctx, c, data)

	m.mu.Lock()
	drop := false
	if m.conns[id] == c && (sendErr == nil || ctx.Err() == nil) {
		if sendErr == nil {
			c.failedSends = 0
		} else {
			c.failedSends++
			if c.failedSends >= m.config.MaxFailedSends {
				c.alive = false
				drop = true
			}
		}
	}
	failed := c.failedSends
	m.mu.Unlock()

	if sendErr != nil {
		m.logger.Warn(ctx, "failed to send to connection",
			observe.Field{Key: "session_id", Value: c.sessionID},
			observe.Field{Key: "connection_id", Value: id},
			observe.Field{Key: "failed_sends", Value: failed},
			observe.Field{Key: "error", Value: sendErr},
		)
	}
	if drop {
		m.Unregister(id, ReasonSendFailure)
	}
	return sendErr
}

// BroadcastAll sends payload to every connection and returns the number of
// successful sends. Any connection that fails is dropped immediately, unless
// ctx is done.
func (m *Manager) BroadcastAll(ctx context.Context, payload any) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("fanout: encode payload: %w", err)
	}

	m.mu.Lock()
	targets := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	results := m.sendAll(ctx, targets, data)

	var delivered int
	for i, c := range targets {
		if results[i] == nil {
			delivered++
			continue
		}
		if ctx.Err() == nil {
			m.Unregister(c.id, ReasonBroadcastFailure)
		}
	}
	return delivered, nil
}

type pingMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Ping sends a liveness probe to one connection and refreshes its last ping
// time on success.
func (m *Manager) Ping(ctx context.Context, id string) error {
	if err := m.SendTo(ctx, id, pingMessage{Type: "ping", Timestamp: time.Now().UTC()}); err != nil {
		return err
	}

	m.mu.Lock()
	if c, ok := m.conns[id]; ok {
		c.lastPing = time.Now()
	}
	m.mu.Unlock()
	return nil
}

// Heartbeat runs one heartbeat pass and returns the number of connections
// dropped. Connections whose last ping is older than twice the heartbeat
// interval are pinged; those whose ping fails are unregistered.
func (m *Manager) Heartbeat(ctx context.Context) int {
	threshold := 2 * m.config.HeartbeatInterval

	m.mu.Lock()
	var stale []string
	for id, c := range m.conns {
		if time.Since(c.lastPing) > threshold {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	var dropped int
	for _, id := range stale {
		if err := m.Ping(ctx, id); err != nil {
			if ctx.Err() != nil {
				break
			}
			if m.Unregister(id, ReasonHeartbeatTimeout) {
				dropped++
			}
		}
	}

	if dropped > 0 {
		m.logger.Info(ctx, "cleaned up stale connections",
			observe.Field{Key: "stale_count", Value: dropped},
		)
	}
	return dropped
}

// Cleanup removes session index entries with no connections and returns
// how many were removed.
func (m *Manager) Cleanup(ctx context.Context) int {
	m.mu.Lock()
	var removed int
	for sessionID, set := range m.sessions {
		if len(set) == 0 {
			delete(m.sessions, sessionID)
			removed++
		}
	}
	m.verifyLocked(ctx, "cleanup")
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info(ctx, "cleaned up empty sessions",
			observe.Field{Key: "cleaned_sessions", Value: removed},
		)
	}
	return removed
}

// Run drives the heartbeat and cleanup loops until ctx is done or the
// manager is closed.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.every(ctx, m.config.HeartbeatInterval, func() { m.Heartbeat(ctx) })
	})
	g.Go(func() error {
		return m.every(ctx, m.config.CleanupInterval, func() { m.Cleanup(ctx) })
	})

	return g.Wait()
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// Close unregisters every connection and stops Run. Later registrations
// fail with ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unregister(id, ReasonShutdown)
	}
	return nil
}

// SessionConnections returns the number of connections subscribed to
// sessionID.
func (m *Manager) SessionConnections(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions[sessionID])
}

// Info returns a snapshot of one connection.
func (m *Manager) Info(id string) (ConnectionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return c.info(), true
}

// Stats summarizes the connection table. A connection is healthy while it
// is alive and its last send succeeded.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	s.TotalConnections = len(m.conns)
	for _, set := range m.sessions {
		if len(set) > 0 {
			s.ActiveSessions++
		}
	}

	now := time.Now()
	var age time.Duration
	for _, c := range m.conns {
		if c.alive && c.failedSends == 0 {
			s.HealthyConnections++
		}
		age += now.Sub(c.connectedAt)
	}
	s.UnhealthyConnections = s.TotalConnections - s.HealthyConnections
	if s.TotalConnections > 0 {
		s.AverageConnectionAge = age.Seconds() / float64(s.TotalConnections)
	}
	return s
}

// Check verifies that the session index and the connection table agree.
func (m *Manager) Check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked()
}

func (m *Manager) checkLocked() error {
	indexed := 0
	for sessionID, set := range m.sessions {
		for id := range set {
			c, ok := m.conns[id]
			if !ok {
				return fmt.Errorf("fanout: session %s indexes unknown connection %s", sessionID, id)
			}
			if c.sessionID != sessionID {
				return fmt.Errorf("fanout: connection %s indexed under %s, belongs to %s", id, sessionID, c.sessionID)
			}
			indexed++
		}
	}
	if indexed != len(m.conns) {
		return fmt.Errorf("fanout: %d connections but %d indexed", len(m.conns), indexed)
	}
	return nil
}

func (m *Manager) verifyLocked(ctx context.Context, op string) {
	if err := m.checkLocked(); err != nil {
		m.logger.Error(ctx, "connection index inconsistent",
			observe.Field{Key: "operation", Value: op},
			observe.Field{Key: "error", Value: err},
		)
	}
}

func (m *Manager) sessionTargets(sessionID string) []*connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sessions[sessionID]
	targets := make([]*connection, 0, len(set))
	for id := range set {
		if c, ok := m.conns[id]; ok && c.alive {
			targets = append(targets, c)
		}
	}
	return targets
}

// sendAll writes data to every target concurrently and returns one result
// per target. A failing target never cancels the others.
func (m *Manager) sendAll(ctx context.Context, targets []*connection, data []byte) []error {
	results := make([]error, len(targets))

	var g errgroup.Group
	for i, c := range targets {
		g.Go(func() error {
			results[i] = m.send(ctx, c, data)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (m *Manager) send(ctx context.Context, c *connection, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.SendTimeout)
	defer cancel()

	c.sendMu.Lock()
	err := c.conn.SendText(ctx, data)
	c.sendMu.Unlock()

	m.metrics.RecordSend(ctx, err)
	return err
}
