package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestPipe_DeliversInOrderThenEOF(t *testing.T) {
	s := FromEvents(context.Background(), nil,
		NewToken("p1", "a", 0),
		NewToken("p1", "b", 1),
		NewFinal("p1", "ab", "stop", ""),
	)

	events, err := Collect(s)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, want := range []Type{TypeToken, TypeToken, TypeFinal} {
		if events[i].Type() != want {
			t.Errorf("events[%d].Type() = %v, want %v", i, events[i].Type(), want)
		}
	}
	if tok := events[1].Data.(TokenData); tok.Text != "b" || tok.Position != 1 {
		t.Errorf("events[1] = %+v", tok)
	}
}

func TestPipe_ProducerError(t *testing.T) {
	boom := errors.New("connection reset")
	s := FromEvents(context.Background(), boom, NewToken("p1", "a", 0))

	events, err := Collect(s)
	if !errors.Is(err, boom) {
		t.Errorf("Collect() error = %v, want %v", err, boom)
	}
	if len(events) != 1 {
		t.Errorf("got %d events before failure, want 1", len(events))
	}
}

func TestPipe_CloseStopsProducer(t *testing.T) {
	stopped := make(chan struct{})

	s := NewPipe(context.Background(), func(ctx context.Context, emit EmitFunc) error {
		defer close(stopped)
		for i := 0; ; i++ {
			if err := emit(NewToken("p1", "x", i)); err != nil {
				return err
			}
		}
	})

	if _, err := s.Recv(); err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("producer still running after Close")
	}

	if _, err := s.Recv(); !errors.Is(err, ErrClosed) {
		t.Errorf("Recv() after Close = %v, want ErrClosed", err)
	}
	// Idempotent.
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestPipe_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	s := NewPipe(ctx, func(ctx context.Context, emit EmitFunc) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()

	_, err := s.Recv()
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Recv() error = %v, want context.Canceled", err)
	}
	_ = s.Close()
}

func TestPipe_EmptyStream(t *testing.T) {
	s := FromEvents(context.Background(), nil)
	defer s.Close()

	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("Recv() error = %v, want io.EOF", err)
	}
}
