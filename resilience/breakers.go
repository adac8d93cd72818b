package resilience

import (
	"sort"
	"sync"
)

// BreakerSet holds one CircuitBreaker per provider. Breakers are created on
// first reference and live as long as the set. Calls against different
// providers never share a breaker lock.
type BreakerSet struct {
	config   CircuitBreakerConfig
	onChange func(provider string, from, to State)

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set. Every breaker it creates uses config;
// onChange, if non-nil, observes transitions of all of them.
func NewBreakerSet(config CircuitBreakerConfig, onChange func(provider string, from, to State)) *BreakerSet {
	return &BreakerSet{
		config:   config,
		onChange: onChange,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for provider, creating it if needed.
func (s *BreakerSet) Get(provider string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[provider]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[provider]; ok {
		return cb
	}

	cfg := s.config
	if s.onChange != nil {
		user := cfg.OnStateChange
		cfg.OnStateChange = func(from, to State) {
			if user != nil {
				user(from, to)
			}
			s.onChange(provider, from, to)
		}
	}

	cb = NewCircuitBreaker(cfg)
	s.breakers[provider] = cb
	return cb
}

// Providers returns the providers with a breaker, sorted.
func (s *BreakerSet) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the metrics of every known breaker keyed by provider.
func (s *BreakerSet) Snapshot() map[string]CircuitBreakerMetrics {
	s.mu.RLock()
	breakers := make(map[string]*CircuitBreaker, len(s.breakers))
	for name, cb := range s.breakers {
		breakers[name] = cb
	}
	s.mu.RUnlock()

	out := make(map[string]CircuitBreakerMetrics, len(breakers))
	for name, cb := range breakers {
		out[name] = cb.Metrics()
	}
	return out
}
