package routing

import (
	"time"

	"github.com/nulpointcorp/llm-router/internal/store"
)

// BreakerStatus is the observable state of a provider's circuit breaker.
type BreakerStatus string

const (
	StatusClosed   BreakerStatus = "CLOSED"
	StatusOpen     BreakerStatus = "OPEN"
	StatusHalfOpen BreakerStatus = "HALF_OPEN"
)

// Default breaker parameters (overridden from configuration).
const (
	DefaultFailureThreshold = 3
	DefaultOpenDuration     = 60 * time.Second
)

// CircuitBreaker is a per-provider state machine layered over the state
// store's (consecutive_failures, open_until, half_open_probe) tuple:
//
//	CLOSED    — failures below threshold; all requests pass.
//	OPEN      — failures at/above threshold and the open window has not
//	            elapsed; all requests are rejected.
//	HALF_OPEN — the open window has elapsed; exactly one probe request is
//	            admitted at a time.
//
// The breaker holds no state of its own — everything lives in the store,
// so any number of breaker values over the same store agree.
type CircuitBreaker struct {
	st        *store.MemoryStore
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

// BreakerOption customises a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock replaces the breaker's time source for tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker creates a breaker over st. Non-positive parameters fall
// back to the package defaults.
func NewCircuitBreaker(st *store.MemoryStore, threshold int, openFor time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if openFor <= 0 {
		openFor = DefaultOpenDuration
	}
	cb := &CircuitBreaker{
		st:        st,
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// Allow reports whether name may receive the next request. In HALF_OPEN it
// atomically claims the single probe token, so under concurrent callers
// exactly one Allow returns true per open window until an outcome is
// recorded.
func (cb *CircuitBreaker) Allow(name string) bool {
	snap := cb.st.GetProviderState(name)

	if snap.ConsecutiveFailures < cb.threshold {
		return true // CLOSED
	}
	if snap.OpenUntil.IsZero() {
		return true
	}
	if cb.now().Before(snap.OpenUntil) {
		return false // OPEN
	}

	// HALF_OPEN — admit a single probe.
	return cb.st.AcquireHalfOpenProbe(name)
}

// Available is the observational twin of Allow: the same truth table, but
// it never claims the probe token. Health checks and status endpoints use
// this so that reads cannot starve the recovery probe.
func (cb *CircuitBreaker) Available(name string) bool {
	snap := cb.st.GetProviderState(name)

	if snap.ConsecutiveFailures < cb.threshold {
		return true
	}
	if snap.OpenUntil.IsZero() {
		return true
	}
	if cb.now().Before(snap.OpenUntil) {
		return false
	}
	return !snap.HalfOpenProbeInFlight
}

// RecordOutcome feeds one provider call result into the breaker.
//
// Success collapses the breaker to CLOSED: failures, the open window, and
// the probe token are all cleared. Failure increments the consecutive
// counter and — whenever the counter is at or above the threshold — re-arms
// the open window to now+openFor. Re-arming on every such failure (not only
// the crossing one) means a failed half-open probe buys the provider a full
// cool-down before the next probe.
func (cb *CircuitBreaker) RecordOutcome(name string, success bool) {
	if success {
		cb.st.RecordSuccess(name)
		cb.st.ClearCircuitOpen(name)
		cb.st.SetHalfOpenProbe(name, false)
		return
	}

	failures := cb.st.RecordFailure(name)
	if failures >= cb.threshold {
		cb.st.SetCircuitOpen(name, cb.now().Add(cb.openFor))
	}
	cb.st.SetHalfOpenProbe(name, false)
}

// Status returns the breaker state for name without side effects.
func (cb *CircuitBreaker) Status(name string) BreakerStatus {
	snap := cb.st.GetProviderState(name)

	if snap.ConsecutiveFailures < cb.threshold {
		return StatusClosed
	}
	if snap.OpenUntil.IsZero() {
		return StatusClosed
	}
	if cb.now().Before(snap.OpenUntil) {
		return StatusOpen
	}
	return StatusHalfOpen
}
