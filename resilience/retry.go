package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures backoff for one ErrorKind.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the unjittered delay.
	MaxDelay time.Duration

	// ExponentialBase is the per-attempt growth factor.
	ExponentialBase float64

	// Jitter scales each delay by a uniform factor in [0.5, 1.0].
	Jitter bool
}

// DefaultRetryPolicy is the template every table entry starts from.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      3,
	BaseDelay:       time.Second,
	MaxDelay:        60 * time.Second,
	ExponentialBase: 2.0,
	Jitter:          true,
}

// Delay returns the backoff before retry number attempt (0-indexed):
// min(BaseDelay * ExponentialBase^attempt, MaxDelay), jittered if enabled.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.baseDelay(attempt)
	if p.Jitter && d > 0 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		d = time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
	}
	return d
}

func (p RetryPolicy) baseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.ExponentialBase <= 0 {
		p.ExponentialBase = DefaultRetryPolicy.ExponentialBase
	}
	return p
}

// PolicyTable maps every ErrorKind to its RetryPolicy. Tables are values
// and never change after construction; the zero value behaves like
// DefaultPolicies.
type PolicyTable struct {
	policies [numKinds]RetryPolicy
	set      bool
}

func policy(maxRetries int, base, maxDelay time.Duration) RetryPolicy {
	p := DefaultRetryPolicy
	p.MaxRetries = maxRetries
	p.BaseDelay = base
	p.MaxDelay = maxDelay
	return p
}

// DefaultPolicies returns the built-in table.
func DefaultPolicies() PolicyTable {
	var t PolicyTable
	t.policies[KindRateLimit] = policy(5, 2*time.Second, 120*time.Second)
	t.policies[KindTimeout] = policy(3, time.Second, 30*time.Second)
	t.policies[KindService] = policy(3, 5*time.Second, 60*time.Second)
	t.policies[KindNetwork] = policy(4, time.Second, 30*time.Second)
	t.policies[KindAuth] = policy(0, time.Second, 60*time.Second)
	t.policies[KindValidation] = policy(0, time.Second, 60*time.Second)
	t.policies[KindUnknown] = policy(2, 2*time.Second, 30*time.Second)
	t.set = true
	return t
}

// NewPolicyTable returns the default table with overrides applied. Zero
// durations and bases in an override fall back to DefaultRetryPolicy. Auth
// and validation kinds always get zero retries.
func NewPolicyTable(overrides map[ErrorKind]RetryPolicy) PolicyTable {
	t := DefaultPolicies()
	for kind, p := range overrides {
		if kind < 0 || kind >= numKinds {
			continue
		}
		t.policies[kind] = p.withDefaults()
	}
	t.policies[KindAuth].MaxRetries = 0
	t.policies[KindValidation].MaxRetries = 0
	return t
}

// For returns the policy for kind. Out-of-range kinds use the unknown policy.
func (t PolicyTable) For(kind ErrorKind) RetryPolicy {
	if !t.set {
		t = DefaultPolicies()
	}
	if kind < 0 || kind >= numKinds {
		kind = KindUnknown
	}
	return t.policies[kind]
}

// Retryable reports whether kind allows at least one retry.
func (t PolicyTable) Retryable(kind ErrorKind) bool {
	return t.For(kind).MaxRetries > 0
}
