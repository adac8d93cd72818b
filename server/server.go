package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jonwraymond/paneflow/adapter"
	"github.com/jonwraymond/paneflow/fanout"
	"github.com/jonwraymond/paneflow/health"
	"github.com/jonwraymond/paneflow/observe"
	"github.com/jonwraymond/paneflow/relay"
	"github.com/jonwraymond/paneflow/resilience"
)

// Config configures the server.
type Config struct {
	// ServiceName labels the detailed health report.
	// Default: "paneflow"
	ServiceName string

	// BroadcastTimeout bounds one broadcast, across all of its panes.
	// Default: 5 minutes
	BroadcastTimeout time.Duration

	// CheckOrigin validates the Origin header of WebSocket upgrades.
	// Default: every origin is accepted
	CheckOrigin func(r *http.Request) bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithHealth sets the health aggregator. The default aggregator checks
// provider breakers and connections.
func WithHealth(agg *health.Aggregator) Option {
	return func(s *Server) {
		if agg != nil {
			s.health = agg
		}
	}
}

// Server routes HTTP and WebSocket requests to the broadcast layer.
type Server struct {
	config   Config
	manager  *fanout.Manager
	relay    *relay.Relay
	registry *adapter.Registry
	breakers *resilience.BreakerSet
	health   *health.Aggregator
	metrics  http.Handler
	logger   observe.Logger
	upgrader *websocket.Upgrader
	mux      *http.ServeMux

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server.
func New(config Config, manager *fanout.Manager, rel *relay.Relay, registry *adapter.Registry, breakers *resilience.BreakerSet, opts ...Option) *Server {
	if config.ServiceName == "" {
		config.ServiceName = "paneflow"
	}
	if config.BroadcastTimeout <= 0 {
		config.BroadcastTimeout = 5 * time.Minute
	}
	if config.CheckOrigin == nil {
		config.CheckOrigin = func(*http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		manager:  manager,
		relay:    rel,
		registry: registry,
		breakers: breakers,
		logger:   observe.NopLogger(),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     config.CheckOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = health.NewAggregator(health.AggregatorConfig{})
		s.health.Register(health.NewProviderChecker(breakers))
		s.health.Register(health.NewConnectionChecker(manager, health.ConnectionCheckerConfig{}))
	}

	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ws/{session_id}", s.handleWebSocket)
	s.mux.HandleFunc("POST /broadcast", s.handleBroadcast)
	s.mux.HandleFunc("GET /providers/health", s.handleProviderHealth)
	s.mux.HandleFunc("GET /connections/stats", s.handleConnectionStats)
	s.mux.HandleFunc("GET /models", s.handleModels)
	health.RegisterHandlers(s.mux, s.health, s.config.ServiceName)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// Shutdown cancels running broadcasts and waits for them to finish or for
// ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every running broadcast has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "request served",
			observe.Field{Key: "method", Value: r.Method},
			observe.Field{Key: "path", Value: r.URL.Path},
			observe.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
		)
	})
}

// clientMessage is a frame sent by a subscriber.
type clientMessage struct {
	Type string `json:"type"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	conn := fanout.NewWebSocketConn(w, r, s.upgrader)

	id, err := s.manager.Register(r.Context(), conn, sessionID)
	if err != nil {
		// A failed upgrade has already answered the request.
		return
	}
	log := s.logger.With(
		observe.Field{Key: "session_id", Value: sessionID},
		observe.Field{Key: "connection_id", Value: id},
	)

	err = conn.ReadLoop(s.ctx, func(data []byte) {
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug(r.Context(), "ignoring malformed client message")
			return
		}
		if msg.Type == "pong" {
			log.Debug(r.Context(), "pong received")
		}
	})
	reason := fanout.ReasonClientClose
	switch {
	case errors.Is(err, fanout.ErrPongTimeout):
		reason = fanout.ReasonHeartbeatTimeout
	case err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, fanout.ErrDisconnected):
		log.Warn(r.Context(), "websocket read failed", observe.Field{Key: "error", Value: err})
	}
	s.manager.Unregister(id, reason)
}

// ModelSelection names one model of a broadcast.
type ModelSelection struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
}

// BroadcastRequest is the body of POST /broadcast.
type BroadcastRequest struct {
	SessionID string           `json:"session_id"`
	Prompt    string           `json:"prompt"`
	Models    []ModelSelection `json:"models"`
}

// BroadcastResponse answers POST /broadcast.
type BroadcastResponse struct {
	SessionID     string   `json:"session_id"`
	PaneIDs       []string `json:"pane_ids"`
	Status        string   `json:"status"`
	UserMessageID string   `json:"user_message_id"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch {
	case req.SessionID == "":
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	case req.Prompt == "":
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	case len(req.Models) == 0:
		writeError(w, http.StatusBadRequest, "at least one model is required")
		return
	}

	panes := make([]relay.Pane, 0, len(req.Models))
	for _, m := range req.Models {
		id := adapter.FormatModelID(m.ProviderID, m.ModelID)
		if !s.registry.ValidateModel(r.Context(), id) {
			writeError(w, http.StatusBadRequest, "unknown model "+id)
			return
		}
		panes = append(panes, relay.Pane{ID: uuid.NewString(), ModelID: id})
	}

	msg := adapter.Message{
		ID:        uuid.NewString(),
		Role:      adapter.RoleUser,
		Content:   req.Prompt,
		Timestamp: time.Now(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.config.BroadcastTimeout)
		defer cancel()

		results, err := s.relay.Run(ctx, req.SessionID, panes, []adapter.Message{msg})
		if err != nil {
			s.logger.Warn(ctx, "broadcast finished with failures",
				observe.Field{Key: "session_id", Value: req.SessionID},
				observe.Field{Key: "panes", Value: len(results)},
				observe.Field{Key: "error", Value: err},
			)
		}
	}()

	resp := BroadcastResponse{
		SessionID:     req.SessionID,
		PaneIDs:       make([]string, len(panes)),
		Status:        "streaming",
		UserMessageID: msg.ID,
	}
	for i, p := range panes {
		resp.PaneIDs[i] = p.ID
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, health.ProviderHealth(s.breakers))
}

func (s *Server) handleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.DiscoverModels(r.Context()))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
