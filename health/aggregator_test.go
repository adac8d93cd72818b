package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fixed(name string, r Result) Checker {
	return NewCheckerFunc(name, func(context.Context) Result { return r })
}

func TestNewAggregator_DefaultTimeout(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	if agg.config.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", agg.config.Timeout)
	}
}

func TestAggregator_RegisterKeepsOrder(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	agg.Register(fixed("b", Healthy("ok")))
	agg.Register(fixed("a", Healthy("ok")))
	agg.Register(fixed("b", Degraded("replaced")))

	names := agg.Names()
	if len(names) != 2 || names[0] != "b" || names[1] != "a" {
		t.Errorf("Names() = %v, want [b a]", names)
	}

	r, err := agg.Check(context.Background(), "b")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if r.Status != StatusDegraded {
		t.Errorf("Status = %v, want degraded after replacement", r.Status)
	}
}

func TestAggregator_CheckUnknown(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	if _, err := agg.Check(context.Background(), "missing"); !errors.Is(err, ErrCheckerNotFound) {
		t.Errorf("Check(missing) error = %v, want ErrCheckerNotFound", err)
	}
}

func TestAggregator_CheckAll(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{})
	agg.Register(fixed("a", Healthy("ok")))
	agg.Register(fixed("b", Degraded("slow")))

	results := agg.CheckAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results["b"].Status != StatusDegraded {
		t.Errorf("b = %v, want degraded", results["b"].Status)
	}
	if results["a"].Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestAggregator_Timeout(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Timeout: 20 * time.Millisecond})
	agg.Register(NewCheckerFunc("stuck", func(ctx context.Context) Result {
		time.Sleep(time.Second)
		return Healthy("late")
	}))

	start := time.Now()
	results := agg.CheckAll(context.Background())
	if time.Since(start) > 500*time.Millisecond {
		t.Error("CheckAll did not honor the timeout")
	}
	r := results["stuck"]
	if r.Status != StatusUnhealthy || !errors.Is(r.Error, ErrCheckTimeout) {
		t.Errorf("result = %+v, want timeout", r)
	}
}

func TestOverall(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]Result
		want    Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", map[string]Result{"a": Healthy(""), "b": Healthy("")}, StatusHealthy},
		{"one degraded", map[string]Result{"a": Healthy(""), "b": Degraded("")}, StatusDegraded},
		{"one unhealthy", map[string]Result{"a": Degraded(""), "b": Unhealthy("", nil)}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overall(tt.results); got != tt.want {
				t.Errorf("Overall() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatus_String(t *testing.T) {
	tests := map[Status]string{
		StatusHealthy:   "healthy",
		StatusDegraded:  "degraded",
		StatusUnhealthy: "unhealthy",
		Status(42):      "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %s, want %s", s, got, want)
		}
	}
}
