package graderouter

import (
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
)

func (s BreakerState) String() string {
	if s == BreakerOpen {
		return "open"
	}
	return "closed"
}

type breakerEvent int

const (
	eventTrip breakerEvent = iota
	eventSuccess
	eventRecovered
)

// breakerTransitions lists every legal transition. Events with no entry for
// the current state are ignored.
var breakerTransitions = map[BreakerState]map[breakerEvent]BreakerState{
	BreakerClosed: {
		eventTrip:    BreakerOpen,
		eventSuccess: BreakerClosed,
	},
	BreakerOpen: {
		eventRecovered: BreakerClosed,
	},
}

// CircuitBreaker gates calls to one remote tier. It opens after
// FailureThreshold counted failures within Window and closes again once
// RecoveryTimeout has elapsed.
type CircuitBreaker struct {
	mu       sync.Mutex
	tier     Tier
	cfg      BreakerConfig
	now      func() time.Time
	state    BreakerState
	failures []time.Time // sliding window of failure timestamps
	openedAt time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the breaker's clock.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// NewCircuitBreaker creates a closed breaker for a tier.
func NewCircuitBreaker(t Tier, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		tier: t,
		cfg:  cfg,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Tier returns the tier this breaker guards.
func (b *CircuitBreaker) Tier() Tier { return b.tier }

// State returns the current state, applying recovery if it is due.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recoverIfDue(b.now())
	return b.state
}

// Allow reports whether a call may proceed.
func (b *CircuitBreaker) Allow() bool {
	return b.State() == BreakerClosed
}

// RecordFailure records a counted failure. It returns true if this failure
// tripped the breaker.
func (b *CircuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.recoverIfDue(now)
	if b.state == BreakerOpen {
		return false
	}

	// Prune old failures outside the window.
	cutoff := now.Add(-b.cfg.Window)
	valid := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	b.failures = append(valid, now)

	if len(b.failures) >= b.cfg.FailureThreshold {
		b.apply(eventTrip, now)
		return true
	}
	return false
}

// RecordSuccess records a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.recoverIfDue(now)
	b.apply(eventSuccess, now)
}

// Failures returns the number of failures in the current window.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failures)
}

// recoverIfDue must be called with mu held.
func (b *CircuitBreaker) recoverIfDue(now time.Time) {
	if b.state == BreakerOpen && now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.apply(eventRecovered, now)
	}
}

// apply must be called with mu held.
func (b *CircuitBreaker) apply(ev breakerEvent, now time.Time) {
	next, ok := breakerTransitions[b.state][ev]
	if !ok {
		return
	}
	switch ev {
	case eventTrip:
		b.openedAt = now
	case eventSuccess, eventRecovered:
		b.failures = b.failures[:0]
	}
	b.state = next
}
