package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// BreakerState is the state of a handler circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails calls without running the handler.
	BreakerOpen
	// BreakerHalfOpen lets trial calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerSettings configures the per-handler circuit breakers. A zero
// FailureThreshold disables them.
type BreakerSettings struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// circuitBreaker trips after consecutive handler failures so a broken
// handler fails its tasks fast instead of running inside every
// transaction.
type circuitBreaker struct {
	mu               sync.Mutex
	clock            clockwork.Clock
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
}

func newCircuitBreaker(s BreakerSettings, clock clockwork.Clock) *circuitBreaker {
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 1
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	return &circuitBreaker{
		clock:            clock,
		failureThreshold: s.FailureThreshold,
		successThreshold: s.SuccessThreshold,
		timeout:          s.OpenTimeout,
	}
}

// Allow returns an error while the breaker is open.
func (cb *circuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen {
		if cb.clock.Since(cb.openedAt) <= cb.timeout {
			return fmt.Errorf("circuit breaker is open")
		}
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
	return nil
}

func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = BreakerOpen
			cb.openedAt = cb.clock.Now()
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.openedAt = cb.clock.Now()
		cb.successes = 0
	}
}

// State returns the current state, moving an expired open breaker to
// half-open.
func (cb *circuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.clock.Since(cb.openedAt) > cb.timeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
	return cb.state
}

// breakers holds one circuit breaker per handler name.
type breakers struct {
	mu       sync.Mutex
	settings BreakerSettings
	clock    clockwork.Clock
	byName   map[string]*circuitBreaker
}

func newBreakers(s BreakerSettings, clock clockwork.Clock) *breakers {
	return &breakers{settings: s, clock: clock, byName: make(map[string]*circuitBreaker)}
}

// get returns the breaker for name, or nil when breakers are disabled.
func (b *breakers) get(name string) *circuitBreaker {
	if b == nil || b.settings.FailureThreshold < 1 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byName[name]
	if !ok {
		cb = newCircuitBreaker(b.settings, b.clock)
		b.byName[name] = cb
	}
	return cb
}
