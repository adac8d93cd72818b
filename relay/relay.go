package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/paneflow/adapter"
	"github.com/jonwraymond/paneflow/observe"
	"github.com/jonwraymond/paneflow/resilience"
	"github.com/jonwraymond/paneflow/stream"
)

// ErrEmptyStream is returned when an adapter stream ends before its first
// event.
var ErrEmptyStream = errors.New("relay: stream ended without events")

// ErrNoSubscribers is returned when a pane's events stop reaching any
// subscriber of its session.
var ErrNoSubscribers = errors.New("relay: no subscribers for session")

// StatusCanceled is the Result status of a pane whose context ended or whose
// session lost every subscriber.
const StatusCanceled = "canceled"

// DefaultMaxUndelivered is the default number of consecutive adapter events
// no subscriber received after which a pane stream is abandoned.
const DefaultMaxUndelivered = 32

// Broadcaster delivers an event to every subscriber of a session.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string, ev stream.Event) (bool, error)
}

// Pane selects the model a pane streams from. An empty ID is generated.
type Pane struct {
	ID      string `json:"pane_id,omitempty"`
	ModelID string `json:"model_id"`
}

// Result summarizes one pane run.
type Result struct {
	PaneID    string `json:"pane_id"`
	ModelID   string `json:"model_id"`
	Events    int    `json:"events"`
	Delivered int    `json:"delivered"`
	Content   string `json:"content,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMaxUndelivered sets how many consecutive adapter events may reach no
// subscriber before the pane's stream is closed. Zero or less never
// abandons a stream.
func WithMaxUndelivered(n int) Option {
	return func(r *Relay) {
		r.maxUndelivered = n
	}
}

// Relay streams panes from their adapters to session subscribers.
//
// Opening a pane stream and reading its first event run under the executor,
// so they are retried and guarded by the provider's breaker. A failure after
// the first event has been forwarded is not retried: it is recorded on the
// breaker and surfaced as an error event.
type Relay struct {
	exec     *resilience.Executor
	registry *adapter.Registry
	out      Broadcaster
	logger   observe.Logger

	maxUndelivered int
}

// New creates a Relay.
func New(exec *resilience.Executor, registry *adapter.Registry, out Broadcaster, opts ...Option) *Relay {
	r := &Relay{
		exec:     exec,
		registry: registry,
		out:      out,
		logger:   observe.NopLogger(),

		maxUndelivered: DefaultMaxUndelivered,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type opened struct {
	s     stream.Stream
	first stream.Event
}

// RunPane streams one pane and broadcasts its events to sessionID. The
// session sees status{streaming}, the adapter's events, then either
// status{completed} or an error event. The returned error is the pane's
// failure, or nil when it completed.
func (r *Relay) RunPane(ctx context.Context, sessionID string, pane Pane, messages []adapter.Message) (Result, error) {
	if pane.ID == "" {
		pane.ID = uuid.NewString()
	}
	res := Result{PaneID: pane.ID, ModelID: pane.ModelID}
	log := r.logger.With(
		observe.Field{Key: "session_id", Value: sessionID},
		observe.Field{Key: "pane_id", Value: pane.ID},
		observe.Field{Key: "model_id", Value: pane.ModelID},
	)

	provider, model, a, err := r.resolve(pane.ModelID)
	if err != nil {
		r.fail(ctx, sessionID, &res, resilience.WithStatus(err, 404))
		return res, err
	}

	r.emit(ctx, sessionID, &res, stream.NewStatus(pane.ID, stream.StatusStreaming, ""))

	call := resilience.Call{Provider: provider, PaneID: pane.ID, SessionID: sessionID}
	start := time.Now()
	o, err := resilience.Submit(ctx, r.exec, call, func(ctx context.Context) (opened, error) {
		s, err := a.Stream(ctx, messages, model, pane.ID)
		if err != nil {
			return opened{}, err
		}
		first, err := s.Recv()
		if err != nil {
			_ = s.Close()
			if errors.Is(err, io.EOF) {
				err = ErrEmptyStream
			}
			return opened{}, err
		}
		return opened{s: s, first: first}, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return r.canceled(res, ctx.Err())
		}
		r.fail(ctx, sessionID, &res, err)
		return res, err
	}
	defer o.s.Close()

	err = r.forward(ctx, sessionID, pane.ID, o, &res)
	switch {
	case err == nil:
		if res.Status != stream.StatusFailed {
			res.Status = stream.StatusCompleted
			r.emit(ctx, sessionID, &res, stream.NewStatus(pane.ID, stream.StatusCompleted, ""))
		}
		log.Info(ctx, "pane stream finished",
			observe.Field{Key: "status", Value: res.Status},
			observe.Field{Key: "events", Value: res.Events},
			observe.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
		)
		return res, nil
	case ctx.Err() != nil:
		return r.canceled(res, ctx.Err())
	case errors.Is(err, ErrNoSubscribers):
		log.Info(ctx, "pane stream abandoned",
			observe.Field{Key: "events", Value: res.Events},
			observe.Field{Key: "delivered", Value: res.Delivered},
		)
		return r.canceled(res, err)
	default:
		r.exec.Breakers().Get(provider).RecordFailure()
		log.Error(ctx, "pane stream failed",
			observe.Field{Key: "events", Value: res.Events},
			observe.Field{Key: "error", Value: err},
		)
		r.fail(ctx, sessionID, &res, err)
		return res, err
	}
}

func (r *Relay) resolve(modelID string) (string, string, adapter.Adapter, error) {
	provider, model, err := adapter.ParseModelID(modelID)
	if err != nil {
		return "", "", nil, err
	}
	a, err := r.registry.Get(provider)
	if err != nil {
		return "", "", nil, err
	}
	return provider, model, a, nil
}

// forward broadcasts the first event and the rest of the stream until a
// terminal event or io.EOF. An adapter error event is forwarded as is and
// marks the pane failed without a further error event. After
// maxUndelivered consecutive events reach nobody, forward gives up with
// ErrNoSubscribers and the caller's Close stops the adapter.
func (r *Relay) forward(ctx context.Context, sessionID, paneID string, o opened, res *Result) error {
	ev := o.first
	var content strings.Builder
	var missed int
	for {
		if ev.PaneID != paneID {
			return fmt.Errorf("%w: got %q, want %q", adapter.ErrPaneMismatch, ev.PaneID, paneID)
		}
		if r.emit(ctx, sessionID, res, ev) {
			missed = 0
		} else {
			missed++
		}

		switch d := ev.Data.(type) {
		case stream.TokenData:
			content.WriteString(d.Text)
		case stream.FinalData:
			res.Content = d.Content
			return nil
		case stream.ErrorData:
			res.Status = stream.StatusFailed
			res.Error = d.Message
			return nil
		}
		if r.maxUndelivered > 0 && missed >= r.maxUndelivered {
			res.Content = content.String()
			return fmt.Errorf("%w %s after %d events", ErrNoSubscribers, sessionID, missed)
		}

		var err error
		ev, err = o.s.Recv()
		if errors.Is(err, io.EOF) {
			res.Content = content.String()
			return nil
		}
		if err != nil {
			res.Content = content.String()
			return err
		}
	}
}

// emit broadcasts ev and reports whether any subscriber received it.
func (r *Relay) emit(ctx context.Context, sessionID string, res *Result, ev stream.Event) bool {
	res.Events++
	ok, err := r.out.Broadcast(ctx, sessionID, ev)
	if err != nil {
		r.logger.Error(ctx, "failed to broadcast event",
			observe.Field{Key: "session_id", Value: sessionID},
			observe.Field{Key: "pane_id", Value: ev.PaneID},
			observe.Field{Key: "error", Value: err},
		)
		return false
	}
	if ok {
		res.Delivered++
	}
	return ok
}

func (r *Relay) fail(ctx context.Context, sessionID string, res *Result, err error) {
	res.Status = stream.StatusFailed
	res.Error = err.Error()
	r.emit(ctx, sessionID, res, r.exec.ErrorEvent(res.PaneID, err))
}

func (r *Relay) canceled(res Result, err error) (Result, error) {
	res.Status = StatusCanceled
	res.Error = err.Error()
	return res, err
}

// Run streams every pane concurrently and waits for all of them. One
// pane's failure does not stop the others; the returned error joins every
// pane failure.
func (r *Relay) Run(ctx context.Context, sessionID string, panes []Pane, messages []adapter.Message) ([]Result, error) {
	results := make([]Result, len(panes))
	errs := make([]error, len(panes))

	var g errgroup.Group
	for i, pane := range panes {
		g.Go(func() error {
			results[i], errs[i] = r.RunPane(ctx, sessionID, pane, messages)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}
