package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// Stream is a lazy, finite, non-restartable sequence of events for one pane.
//
// Contract:
//   - Recv returns events in production order, then io.EOF after the final
//     event. Any other error ends the stream with a failure.
//   - Close stops the producer and releases its transport. It is idempotent
//     and safe to call concurrently with Recv.
//   - Recv after Close returns ErrClosed.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// EmitFunc hands one event to the consumer. It blocks until the consumer
// receives the event or the stream is cancelled, returning the context error
// in the latter case.
type EmitFunc func(Event) error

// ProduceFunc produces events for a Pipe. Returning nil ends the stream with
// io.EOF; returning an error ends it with that error.
type ProduceFunc func(ctx context.Context, emit EmitFunc) error

type pipe struct {
	events chan Event
	done   chan struct{}
	err    error
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewPipe runs produce on its own goroutine and exposes its events as a
// Stream. Hand-off is unbuffered, so the producer never runs ahead of the
// consumer by more than one event. Cancelling ctx or calling Close cancels
// the context passed to produce.
func NewPipe(ctx context.Context, produce ProduceFunc) Stream {
	ctx, cancel := context.WithCancel(ctx)
	p := &pipe{
		events: make(chan Event),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(p.done)
		defer cancel()
		p.err = produce(ctx, func(ev Event) error {
			select {
			case p.events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	return p
}

func (p *pipe) Recv() (Event, error) {
	if p.closed.Load() {
		return Event{}, ErrClosed
	}
	select {
	case ev := <-p.events:
		return ev, nil
	case <-p.done:
		if p.closed.Load() {
			return Event{}, ErrClosed
		}
		if p.err != nil {
			return Event{}, p.err
		}
		return Event{}, io.EOF
	}
}

func (p *pipe) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
	})
	<-p.done
	return nil
}

// FromEvents returns a Stream that yields events in order and then ends with
// err, or io.EOF when err is nil.
func FromEvents(ctx context.Context, err error, events ...Event) Stream {
	return NewPipe(ctx, func(ctx context.Context, emit EmitFunc) error {
		for _, ev := range events {
			if e := emit(ev); e != nil {
				return e
			}
		}
		return err
	})
}

// Collect reads s until it ends and closes it. It returns the events read
// and the terminal error, or nil when the stream ended with io.EOF.
func Collect(s Stream) ([]Event, error) {
	defer s.Close()

	var events []Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
