package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/paneflow/adapter"
	"github.com/jonwraymond/paneflow/resilience"
	"github.com/jonwraymond/paneflow/stream"
)

// recorder is a Broadcaster that keeps every event per session.
type recorder struct {
	mu     sync.Mutex
	events map[string][]stream.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]stream.Event)}
}

func (r *recorder) Broadcast(_ context.Context, sessionID string, ev stream.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[sessionID] = append(r.events[sessionID], ev)
	return true, nil
}

func (r *recorder) pane(sessionID, paneID string) []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []stream.Event
	for _, ev := range r.events[sessionID] {
		if ev.PaneID == paneID {
			out = append(out, ev)
		}
	}
	return out
}

func types(events []stream.Event) string {
	parts := make([]string, len(events))
	for i, ev := range events {
		parts[i] = string(ev.Type())
		if s, ok := ev.Data.(stream.StatusData); ok {
			parts[i] += ":" + s.Status
		}
	}
	return strings.Join(parts, ",")
}

// flaky fails the first n Stream calls with err, then delegates.
type flaky struct {
	adapter.Adapter
	n     int32
	err   error
	calls atomic.Int32
}

func (f *flaky) Stream(ctx context.Context, msgs []adapter.Message, model, paneID string) (stream.Stream, error) {
	if f.calls.Add(1) <= f.n {
		return nil, f.err
	}
	return f.Adapter.Stream(ctx, msgs, model, paneID)
}

// scripted replays fixed events regardless of the request.
type scripted struct {
	name   string
	events []stream.Event
}

func (s scripted) Name() string { return s.name }

func (s scripted) Models(context.Context) ([]adapter.ModelInfo, error) {
	return []adapter.ModelInfo{{ID: "m", Provider: s.name}}, nil
}

func (s scripted) Stream(ctx context.Context, _ []adapter.Message, _, _ string) (stream.Stream, error) {
	return stream.FromEvents(ctx, nil, s.events...), nil
}

func fastExecutor(threshold int) *resilience.Executor {
	def := resilience.DefaultPolicies()
	overrides := make(map[resilience.ErrorKind]resilience.RetryPolicy)
	for _, k := range resilience.Kinds() {
		p := def.For(k)
		p.BaseDelay = time.Millisecond
		p.MaxDelay = time.Millisecond
		overrides[k] = p
	}
	return resilience.NewExecutor(
		resilience.WithPolicies(resilience.NewPolicyTable(overrides)),
		resilience.WithBreakers(resilience.NewBreakerSet(resilience.CircuitBreakerConfig{
			FailureThreshold: threshold,
			RecoveryTimeout:  time.Minute,
		}, nil)),
	)
}

func newRelay(t *testing.T, threshold int, adapters ...adapter.Adapter) (*Relay, *recorder, *resilience.Executor) {
	t.Helper()

	reg := adapter.NewRegistry()
	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	rec := newRecorder()
	exec := fastExecutor(threshold)
	return New(exec, reg, rec), rec, exec
}

var prompt = []adapter.Message{{Role: adapter.RoleUser, Content: "hello world"}}

func TestRunPane_Completes(t *testing.T) {
	r, rec, _ := newRelay(t, 5, adapter.NewEcho(adapter.EchoConfig{}))

	res, err := r.RunPane(context.Background(), "S", Pane{ID: "p1", ModelID: "echo:echo-1"}, prompt)
	if err != nil {
		t.Fatalf("RunPane() error = %v", err)
	}

	want := "status:streaming,token,token,meter,final,status:completed"
	if got := types(rec.pane("S", "p1")); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
	if res.Status != stream.StatusCompleted || res.Content != "hello world" {
		t.Errorf("Result = %+v", res)
	}
	if res.Events != 6 || res.Delivered != 6 {
		t.Errorf("Events, Delivered = %d, %d; want 6, 6", res.Events, res.Delivered)
	}
}

func TestRunPane_GeneratesPaneID(t *testing.T) {
	r, rec, _ := newRelay(t, 5, adapter.NewEcho(adapter.EchoConfig{}))

	res, err := r.RunPane(context.Background(), "S", Pane{ModelID: "echo:echo-1"}, prompt)
	if err != nil {
		t.Fatalf("RunPane() error = %v", err)
	}
	if res.PaneID == "" {
		t.Fatal("PaneID not generated")
	}
	if n := len(rec.pane("S", res.PaneID)); n != 6 {
		t.Errorf("events for generated pane = %d, want 6", n)
	}
}

func TestRunPane_RetriesOpenFailures(t *testing.T) {
	a := &flaky{
		Adapter: adapter.NewEcho(adapter.EchoConfig{}),
		n:       2,
		err:     resilience.WithStatus(errors.New("upstream unavailable"), 503),
	}
	r, rec, exec := newRelay(t, 5, a)

	if _, err := r.RunPane(context.Background(), "S", Pane{ID: "p1", ModelID: "echo:echo-1"}, prompt); err != nil {
		t.Fatalf("RunPane() error = %v", err)
	}
	if got := a.calls.Load(); got != 3 {
		t.Errorf("Stream calls = %d, want 3", got)
	}
	if got := types(rec.pane("S", "p1")); strings.Contains(got, "error") {
		t.Errorf("events = %s, want no error event", got)
	}
	if m := exec.Breakers().Get("echo").Metrics(); m.Failures != 0 {
		t.Errorf("breaker failures = %d, want 0", m.Failures)
	}
}

func TestRunPane_OpenExhausted(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		calls     int32
		code      string
		retryable bool
	}{
		{"service", resilience.WithStatus(errors.New("overloaded"), 503), 4, "service_error", true},
		{"auth", resilience.WithStatus(errors.New("bad key"), 401), 1, "auth_error", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &flaky{Adapter: adapter.NewEcho(adapter.EchoConfig{}), n: 100, err: tt.err}
			r, rec, exec := newRelay(t, 5, a)

			res, err := r.RunPane(context.Background(), "S", Pane{ID: "p1", ModelID: "echo:echo-1"}, prompt)
			if !errors.Is(err, resilience.ErrMaxRetriesExceeded) {
				t.Fatalf("RunPane() error = %v, want *Failure", err)
			}
			if got := a.calls.Load(); got != tt.calls {
				t.Errorf("Stream calls = %d, want %d", got, tt.calls)
			}

			events := rec.pane("S", "p1")
			if got := types(events); got != "status:streaming,error" {
				t.Fatalf("events = %s", got)
			}
			ed := events[1].Data.(stream.ErrorData)
			if ed.Code != tt.code || ed.Retryable != tt.retryable {
				t.Errorf("error event = %+v, want code %s retryable %v", ed, tt.code, tt.retryable)
			}
			if res.Status != stream.StatusFailed {
				t.Errorf("Status = %s, want failed", res.Status)
			}
			if m := exec.Breakers().Get("echo").Metrics(); m.Failures != 1 {
				t.Errorf("breaker failures = %d, want 1", m.Failures)
			}
		})
	}
}

func TestRunPane_BlockedByOpenCircuit(t *testing.T) {
	a := &flaky{
		Adapter: adapter.NewEcho(adapter.EchoConfig{}),
		n:       100,
		err:     resilience.WithStatus(errors.New("bad request"), 400),
	}
	r, rec, exec := newRelay(t, 1, a)
	ctx := context.Background()

	_, _ = r.RunPane(ctx, "S", Pane{ID: "p1", ModelID: "echo:echo-1"}, prompt)
	if s := exec.Breakers().Get("echo").State(); s != resilience.StateOpen {
		t.Fatalf("breaker state = %s, want open", s)
	}

	_, err := r.RunPane(ctx, "S", Pane{ID: "p2", ModelID: "echo:echo-1"}, prompt)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("RunPane() error = %v, want ErrCircuitOpen", err)
	}
	if got := a.calls.Load(); got != 1 {
		t.Errorf("Stream calls = %d, want 1", got)
	}

	events := rec.pane("S", "p2")
	if got := types(events); got != "status:streaming,error" {
		t.Fatalf("events = %s", got)
	}
	if ed := events[1].Data.(stream.ErrorData); !strings.Contains(ed.Message, "circuit breaker") {
		t.Errorf("error message = %q", ed.Message)
	}
}

func TestRunPane_MidStreamFailureNotRetried(t *testing.T) {
	echo := adapter.NewEcho(adapter.EchoConfig{FailAfter: 2})
	a := &flaky{Adapter: echo}
	r, rec, exec := newRelay(t, 5, a)

	res, err := r.RunPane(context.Background(), "S", Pane{ID: "p1", ModelID: "echo:echo-1"},
		[]adapter.Message{{Role: adapter.RoleUser, Content: "one two three"}})
	if err == nil {
		t.Fatal("RunPane() error = nil, want mid-stream failure")
	}
	if got := a.calls.Load(); got != 1 {
		t.Errorf("Stream calls = %d, want 1", got)
	}

	events := rec.pane("S", "p1")
	if got := types(events); got != "status:streaming,token,token,error" {
		t.Errorf("events = %s", got)
	}
	if ed := events[len(events)-1].Data.(stream.ErrorData); ed.Code != "service_error" {
		t.Errorf("error code = %s, want service_error", ed.Code)
	}
	if res.Content != "one two " {
		t.Errorf("Content = %q", res.Content)
	}
	if m := exec.Breakers().Get("echo").Metrics(); m.Failures != 1 {
		t.Errorf("breaker failures = %d, want 1", m.Failures)
	}
}

func TestRunPane_PaneMismatch(t *testing.T) {
	a := scripted{name: "bad", events: []stream.Event{
		stream.NewToken("p1", "a", 0),
		stream.NewToken("other", "b", 1),
	}}
	r, rec, _ := newRelay(t, 5, a)

	_, err := r.RunPane(context.Background(), "S", Pane{ID: "p1", ModelID: "bad:m"}, prompt)
	if !errors.Is(err, adapter.ErrPaneMismatch) {
		t.Fatalf("RunPane() error = %v, want ErrPaneMismatch", err)
	}
	if got := types(rec.pane("S", "p1")); got != "status:streaming,token,error" {
		t.Errorf("events = %s", got)
	}
	if n := len(rec.pane("S", "other")); n != 0 {
		t.Errorf("foreign pane received %d events, want 0", n)
	}
}

func TestRunPane_AdapterErrorEvent(t *testing.T) {
	a := scripted{name: "x", events: []stream.Event{
		stream.NewToken("p1", "a", 0),
		stream.NewError("p1", "content filtered", "validation_error", false),
	}}
	r, rec, _ := newRelay(t, 5, a)

	res, err := r.RunPane(context.Background(), "S", Pane{ID: "p1", ModelID: "x:m"}, prompt)
	if err != nil {
		t.Fatalf("RunPane() error = %v", err)
	}
	if got := types(rec.pane("S", "p1")); got != "status:streaming,token,error" {
		t.Errorf("events = %s", got)
	}
	if res.Status != stream.StatusFailed || res.Error != "content filtered" {
		t.Errorf("Result = %+v", res)
	}
}

func TestRunPane_UnknownProvider(t *testing.T) {
	r, rec, _ := newRelay(t, 5)

	_, err := r.RunPane(context.Background(), "S", Pane{ID: "p1", ModelID: "nope:m"}, prompt)
	if !errors.Is(err, adapter.ErrUnknownProvider) {
		t.Fatalf("RunPane() error = %v, want ErrUnknownProvider", err)
	}

	events := rec.pane("S", "p1")
	if got := types(events); got != "error" {
		t.Fatalf("events = %s, want a single error", got)
	}
	if ed := events[0].Data.(stream.ErrorData); ed.Code != "validation_error" || ed.Retryable {
		t.Errorf("error event = %+v", ed)
	}
}

func TestRunPane_Canceled(t *testing.T) {
	r, rec, exec := newRelay(t, 5, adapter.NewEcho(adapter.EchoConfig{TokenDelay: time.Hour}))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	res, err := r.RunPane(ctx, "S", Pane{ID: "p1", ModelID: "echo:echo-1"}, prompt)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunPane() error = %v, want context.Canceled", err)
	}
	if res.Status != StatusCanceled {
		t.Errorf("Status = %s, want %s", res.Status, StatusCanceled)
	}
	if got := types(rec.pane("S", "p1")); strings.Contains(got, "error") {
		t.Errorf("events = %s, want no error event", got)
	}
	if m := exec.Breakers().Get("echo").Metrics(); m.Failures != 0 {
		t.Errorf("breaker failures = %d, want 0", m.Failures)
	}
}

func TestRun_FansOutToPanes(t *testing.T) {
	failing := adapter.NewEcho(adapter.EchoConfig{
		Name:    "down",
		OpenErr: resilience.WithStatus(errors.New("forbidden"), 403),
	})
	r, rec, _ := newRelay(t, 5, adapter.NewEcho(adapter.EchoConfig{}), failing)

	panes := []Pane{
		{ID: "a", ModelID: "echo:echo-1"},
		{ID: "b", ModelID: "echo:echo-1"},
		{ID: "c", ModelID: "down:echo-1"},
	}
	results, err := r.Run(context.Background(), "S", panes, prompt)
	if err == nil {
		t.Fatal("Run() error = nil, want failure of pane c")
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}

	for i, want := range []string{stream.StatusCompleted, stream.StatusCompleted, stream.StatusFailed} {
		if results[i].PaneID != panes[i].ID || results[i].Status != want {
			t.Errorf("results[%d] = %+v, want pane %s %s", i, results[i], panes[i].ID, want)
		}
	}
	if got := types(rec.pane("S", "a")); !strings.HasSuffix(got, "final,status:completed") {
		t.Errorf("pane a events = %s", got)
	}
}

// nobody is a Broadcaster for a session without subscribers.
type nobody struct{ calls atomic.Int32 }

func (n *nobody) Broadcast(context.Context, string, stream.Event) (bool, error) {
	n.calls.Add(1)
	return false, nil
}

func TestRunPane_AbandonedWithoutSubscribers(t *testing.T) {
	reg := adapter.NewRegistry()
	if err := reg.Register(adapter.NewEcho(adapter.EchoConfig{})); err != nil {
		t.Fatal(err)
	}
	exec := fastExecutor(1)
	out := &nobody{}
	r := New(exec, reg, out, WithMaxUndelivered(3))

	long := []adapter.Message{{Role: adapter.RoleUser, Content: strings.Repeat("word ", 50)}}
	res, err := r.RunPane(context.Background(), "S", Pane{ID: "p1", ModelID: "echo:echo-1"}, long)
	if !errors.Is(err, ErrNoSubscribers) {
		t.Fatalf("RunPane() error = %v, want ErrNoSubscribers", err)
	}
	if res.Status != StatusCanceled {
		t.Errorf("Status = %q, want %q", res.Status, StatusCanceled)
	}
	// status{streaming} plus three undelivered adapter events.
	if res.Events != 4 || res.Delivered != 0 {
		t.Errorf("Events, Delivered = %d, %d; want 4, 0", res.Events, res.Delivered)
	}
	if got := out.calls.Load(); got != 4 {
		t.Errorf("Broadcast calls = %d, want 4", got)
	}
	if st := exec.Breakers().Get("echo").State(); st != resilience.StateClosed {
		t.Errorf("breaker state = %v, want closed", st)
	}
}

func TestRunPane_NeverAbandonedWhenDisabled(t *testing.T) {
	reg := adapter.NewRegistry()
	if err := reg.Register(adapter.NewEcho(adapter.EchoConfig{})); err != nil {
		t.Fatal(err)
	}
	r := New(fastExecutor(1), reg, &nobody{}, WithMaxUndelivered(0))

	res, err := r.RunPane(context.Background(), "S", Pane{ID: "p1", ModelID: "echo:echo-1"}, prompt)
	if err != nil {
		t.Fatalf("RunPane() error = %v", err)
	}
	if res.Status != stream.StatusCompleted || res.Delivered != 0 {
		t.Errorf("Result = %+v", res)
	}
}
