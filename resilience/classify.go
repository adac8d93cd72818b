package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorKind is the closed set of failure categories.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimit
	KindTimeout
	KindAuth
	KindService
	KindNetwork
	KindValidation

	numKinds
)

var kindNames = [numKinds]string{
	KindUnknown:    "unknown",
	KindRateLimit:  "rate_limit",
	KindTimeout:    "timeout",
	KindAuth:       "auth_error",
	KindService:    "service_error",
	KindNetwork:    "network_error",
	KindValidation: "validation_error",
}

// String returns the wire code of the kind, as used in error events.
func (k ErrorKind) String() string {
	if k < 0 || k >= numKinds {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// ParseErrorKind returns the kind for a wire code.
func ParseErrorKind(s string) (ErrorKind, bool) {
	for k, name := range kindNames {
		if name == s {
			return ErrorKind(k), true
		}
	}
	return KindUnknown, false
}

// Kinds returns every ErrorKind in declaration order.
func Kinds() []ErrorKind {
	out := make([]ErrorKind, numKinds)
	for i := range out {
		out[i] = ErrorKind(i)
	}
	return out
}

// Classify maps err and an optional HTTP status code (0 for none) to an
// ErrorKind. A recognized status code always wins over the error text.
// Classify is pure: the same inputs always give the same kind.
func Classify(err error, statusCode int) ErrorKind {
	switch {
	case statusCode == 429:
		return KindRateLimit
	case statusCode == 401 || statusCode == 403:
		return KindAuth
	case statusCode >= 500:
		return KindService
	case statusCode >= 400:
		return KindValidation
	}

	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return KindRateLimit
	case strings.Contains(msg, "auth") || strings.Contains(msg, "unauthorized"):
		return KindAuth
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		return KindNetwork
	}

	if netErr != nil {
		return KindNetwork
	}
	return KindUnknown
}

// ClassifyError classifies err using the status code carried in its chain.
func ClassifyError(err error) ErrorKind {
	return Classify(err, StatusCodeOf(err))
}
