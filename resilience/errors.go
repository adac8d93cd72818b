package resilience

import (
	"errors"
	"fmt"
)

// Sentinel errors for resilience operations.
var (
	// ErrCircuitOpen is returned when a provider's circuit breaker blocks a
	// call. No attempt is made and no retry is counted.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrMaxRetriesExceeded matches every *Failure.
	ErrMaxRetriesExceeded = errors.New("resilience: max retries exceeded")
)

// Failure is the result of a call that exhausted the retry budget of its
// last classified error kind.
type Failure struct {
	Kind     ErrorKind
	Provider string
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("resilience: %s failed after %d attempt(s) (%s): %v", f.Provider, f.Attempts, f.Kind, f.Err)
}

// Unwrap returns the last error the operation reported.
func (f *Failure) Unwrap() error { return f.Err }

// Is reports whether target is ErrMaxRetriesExceeded.
func (f *Failure) Is(target error) bool { return target == ErrMaxRetriesExceeded }

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// StatusError attaches an HTTP status code to an error.
type StatusError struct {
	Code int
	Err  error
}

// WithStatus wraps err with an HTTP status code. A nil err stays nil.
func WithStatus(err error, code int) error {
	if err == nil {
		return nil
	}
	return &StatusError{Code: code, Err: err}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode returns the attached status code.
func (e *StatusError) StatusCode() int { return e.Code }

// StatusCodeOf returns the first status code found in err's chain, or 0.
func StatusCodeOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}
