package resilience

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	for _, err := range []error{ErrCircuitOpen, ErrMaxRetriesExceeded} {
		if !strings.HasPrefix(err.Error(), "resilience: ") {
			t.Errorf("%q lacks package prefix", err)
		}
	}
}

func TestFailure_Unwrap(t *testing.T) {
	cause := errors.New("upstream 503")
	var err error = &Failure{Kind: KindService, Provider: "openai", Attempts: 4, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("Failure should unwrap to its cause")
	}
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Error("Failure should match ErrMaxRetriesExceeded")
	}
	if errors.Is(err, ErrCircuitOpen) {
		t.Error("Failure must not match ErrCircuitOpen")
	}
	if !strings.Contains(err.Error(), "service_error") || !strings.Contains(err.Error(), "4 attempt") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestStatusCodeOf(t *testing.T) {
	base := errors.New("bad request")

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", base, 0},
		{"direct", WithStatus(base, 400), 400},
		{"wrapped", fmt.Errorf("openai: %w", WithStatus(base, 429)), 429},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusCodeOf(tt.err); got != tt.want {
				t.Errorf("StatusCodeOf() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWithStatus_Nil(t *testing.T) {
	if WithStatus(nil, 500) != nil {
		t.Error("WithStatus(nil) should be nil")
	}
}
