package breaker

import (
	"time"

	"github.com/pollbridge/pollbridge/pkg/types"
)

const (
	// FailureThreshold consecutive hard failures trip the breaker
	FailureThreshold = 5

	// RecoveryTimeout is how long an open breaker blocks upstream traffic
	RecoveryTimeout = 120 * time.Second

	// SuccessThreshold half-open probe successes close the breaker again
	SuccessThreshold = 2
)

// Breaker is the per-connection failure gate. Its fields are loaded from and
// flushed back to the connection row; the worker reports exactly one success
// or failure per executed cycle.
type Breaker struct {
	state             types.BreakerState
	failures          int
	halfOpenSuccesses int
	earliestRetryAt   time.Time

	now func() time.Time
}

// New creates a closed breaker
func New() *Breaker {
	return &Breaker{
		state: types.BreakerClosed,
		now:   time.Now,
	}
}

// Load restores a breaker from persisted connection fields
func Load(state types.BreakerState, failures, halfOpenSuccesses int, earliestRetryAt time.Time) *Breaker {
	if state == "" {
		state = types.BreakerClosed
	}
	return &Breaker{
		state:             state,
		failures:          failures,
		halfOpenSuccesses: halfOpenSuccesses,
		earliestRetryAt:   earliestRetryAt,
		now:               time.Now,
	}
}

// WithClock overrides the time source for tests
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a cycle may run. An open breaker whose recovery
// deadline has passed transitions to half-open and admits exactly one probe.
func (b *Breaker) Allow() bool {
	if b.state == types.BreakerOpen && !b.now().Before(b.earliestRetryAt) {
		b.state = types.BreakerHalfOpen
		b.halfOpenSuccesses = 0
	}
	return b.state != types.BreakerOpen
}

// Success records a successfully completed cycle
func (b *Breaker) Success() {
	switch b.state {
	case types.BreakerHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= SuccessThreshold {
			b.state = types.BreakerClosed
			b.failures = 0
			b.halfOpenSuccesses = 0
			b.earliestRetryAt = time.Time{}
		}
	case types.BreakerClosed:
		b.failures = 0
	}
}

// Failure records a hard upstream failure
func (b *Breaker) Failure() {
	b.failures++
	switch b.state {
	case types.BreakerHalfOpen:
		b.trip()
	case types.BreakerClosed:
		if b.failures >= FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = types.BreakerOpen
	b.halfOpenSuccesses = 0
	b.earliestRetryAt = b.now().Add(RecoveryTimeout)
}

// Reset returns the breaker to closed with cleared counters (operator action)
func (b *Breaker) Reset() {
	b.state = types.BreakerClosed
	b.failures = 0
	b.halfOpenSuccesses = 0
	b.earliestRetryAt = time.Time{}
}

// State returns the current state without side effects
func (b *Breaker) State() types.BreakerState {
	return b.state
}

// Failures returns the consecutive failure count
func (b *Breaker) Failures() int {
	return b.failures
}

// HalfOpenSuccesses returns the probe success count
func (b *Breaker) HalfOpenSuccesses() int {
	return b.halfOpenSuccesses
}

// EarliestRetryAt returns when an open breaker will admit a probe
func (b *Breaker) EarliestRetryAt() time.Time {
	return b.earliestRetryAt
}
