package routing

import (
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/store"
)

// fakeClock is a mutable time source shared by a store and breaker in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T) (*CircuitBreaker, *store.MemoryStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := store.New(store.WithClock(clock.Now))
	cb := NewCircuitBreaker(st, 3, 60*time.Second, WithBreakerClock(clock.Now))
	return cb, st, clock
}

func TestBreaker_InitialState(t *testing.T) {
	cb, _, _ := newTestBreaker(t)

	if cb.Status("openai") != StatusClosed {
		t.Errorf("new provider should start CLOSED, got %s", cb.Status("openai"))
	}
	if !cb.Allow("openai") {
		t.Error("closed breaker should allow requests")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _, _ := newTestBreaker(t)

	cb.RecordOutcome("openai", false)
	cb.RecordOutcome("openai", false)
	if cb.Status("openai") != StatusClosed {
		t.Fatal("should remain CLOSED below threshold")
	}

	cb.RecordOutcome("openai", false)
	if cb.Status("openai") != StatusOpen {
		t.Errorf("should be OPEN after 3 failures, got %s", cb.Status("openai"))
	}
	if cb.Allow("openai") {
		t.Error("open breaker should reject requests")
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	cb, st, _ := newTestBreaker(t)

	cb.RecordOutcome("openai", false)
	cb.RecordOutcome("openai", false)
	cb.RecordOutcome("openai", true)

	state := st.GetProviderState("openai")
	if state.ConsecutiveFailures != 0 {
		t.Errorf("success should reset failures, got %d", state.ConsecutiveFailures)
	}
	if !state.OpenUntil.IsZero() {
		t.Error("success should clear the open timestamp")
	}
	if state.HalfOpenProbeInFlight {
		t.Error("success should release the probe token")
	}
	if cb.Status("openai") != StatusClosed {
		t.Error("should be CLOSED after success")
	}
}

func TestBreaker_HalfOpenAfterDuration(t *testing.T) {
	cb, _, clock := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordOutcome("openai", false)
	}
	if cb.Status("openai") != StatusOpen {
		t.Fatal("expected OPEN")
	}

	clock.Advance(61 * time.Second)

	if cb.Status("openai") != StatusHalfOpen {
		t.Errorf("expected HALF_OPEN after open duration, got %s", cb.Status("openai"))
	}

	// First Allow claims the probe; second is rejected.
	if !cb.Allow("openai") {
		t.Error("first caller should get the half-open probe")
	}
	if cb.Allow("openai") {
		t.Error("second caller should be rejected while the probe is in flight")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb, _, clock := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordOutcome("openai", false)
	}
	clock.Advance(61 * time.Second)
	cb.Allow("openai") // claim the probe

	cb.RecordOutcome("openai", true)

	if cb.Status("openai") != StatusClosed {
		t.Error("probe success should close the breaker")
	}
	if !cb.Allow("openai") {
		t.Error("closed breaker should allow requests again")
	}
}

func TestBreaker_HalfOpenFailureRearms(t *testing.T) {
	cb, _, clock := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordOutcome("openai", false)
	}
	clock.Advance(61 * time.Second)
	cb.Allow("openai") // claim the probe

	// The probe fails: the open window re-arms from now, so the provider
	// gets a full cool-down before the next probe.
	cb.RecordOutcome("openai", false)

	if cb.Status("openai") != StatusOpen {
		t.Errorf("probe failure should reopen, got %s", cb.Status("openai"))
	}
	if cb.Allow("openai") {
		t.Error("re-armed breaker should reject immediately after a failed probe")
	}

	clock.Advance(59 * time.Second)
	if cb.Status("openai") != StatusOpen {
		t.Error("should still be OPEN before the re-armed window elapses")
	}

	clock.Advance(2 * time.Second)
	if cb.Status("openai") != StatusHalfOpen {
		t.Error("should probe again after the re-armed window elapses")
	}
	if !cb.Allow("openai") {
		t.Error("new probe should be admitted after the cool-down")
	}
}

func TestBreaker_HalfOpenSingleProbeUnderConcurrency(t *testing.T) {
	cb, _, clock := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordOutcome("openai", false)
	}
	clock.Advance(61 * time.Second)

	const callers = 32
	var wg sync.WaitGroup
	admitted := make(chan bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.Allow("openai") {
				admitted <- true
			}
		}()
	}
	wg.Wait()
	close(admitted)

	if got := len(admitted); got != 1 {
		t.Errorf("exactly one concurrent caller should be admitted in HALF_OPEN, got %d", got)
	}
}

func TestBreaker_AvailableIsObservational(t *testing.T) {
	cb, st, clock := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordOutcome("openai", false)
	}
	clock.Advance(61 * time.Second)

	// Available must not claim the probe token.
	for i := 0; i < 5; i++ {
		if !cb.Available("openai") {
			t.Fatal("half-open with no probe in flight should be available")
		}
	}
	if st.GetProviderState("openai").HalfOpenProbeInFlight {
		t.Error("Available must not set the probe flag")
	}

	// Once a probe is in flight, Available reports false.
	cb.Allow("openai")
	if cb.Available("openai") {
		t.Error("half-open with a probe in flight should not be available")
	}
}

func TestBreaker_IndependentProviders(t *testing.T) {
	cb, _, _ := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordOutcome("openai", false)
	}

	if cb.Status("openai") != StatusOpen {
		t.Error("openai should be OPEN")
	}
	if cb.Status("google") != StatusClosed {
		t.Error("google should remain CLOSED")
	}
	if !cb.Allow("google") {
		t.Error("google should still allow requests")
	}
}

func TestBreaker_StatusHasNoSideEffects(t *testing.T) {
	cb, st, clock := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		cb.RecordOutcome("openai", false)
	}
	clock.Advance(61 * time.Second)

	for i := 0; i < 3; i++ {
		if cb.Status("openai") != StatusHalfOpen {
			t.Fatal("expected HALF_OPEN")
		}
	}
	if st.GetProviderState("openai").HalfOpenProbeInFlight {
		t.Error("Status must never claim the probe token")
	}
}
