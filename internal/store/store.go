// Package store holds all mutable routing state in a single process-local
// structure: provider health flags, circuit-breaker counters, per-provider
// rate-limit windows, request metrics, and per-user spend.
//
// Every exported method is atomic with respect to every other — one mutex
// guards the whole store. The critical sections are a handful of map reads
// and writes, so coarse locking is cheaper than sharding and makes the
// cross-field invariants (failures vs. open timestamps, success vs. latency
// sums) trivially serialisable.
//
// All state is created lazily on first reference with zero-value defaults
// and lives until process exit or Reset.
package store

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned by CheckAndIncrementRateLimit when a provider's
// rolling window is exhausted. It is a normal control-flow signal: the
// caller is expected to move on to the next candidate, not to treat the
// provider as unhealthy.
var ErrRateLimited = errors.New("rate limit exceeded")

// rateWindow is the fixed-start rolling window length for per-provider
// rate limiting.
const rateWindow = 60 * time.Second

// ProviderState is a point-in-time snapshot of one provider's dynamic state.
type ProviderState struct {
	// IsDown is the administrative down flag (set via the failure
	// simulation endpoint).
	IsDown bool

	// ConsecutiveFailures counts provider failures since the last success.
	ConsecutiveFailures int

	// OpenUntil is the instant the breaker's open phase ends. The zero
	// value means the circuit is not open.
	OpenUntil time.Time

	// HalfOpenProbeInFlight is true while a half-open probe request is
	// outstanding for this provider.
	HalfOpenProbeInFlight bool
}

// GlobalMetrics aggregates request outcomes across all providers.
// SuccessRate and AvgLatencyMs are derived at read time.
type GlobalMetrics struct {
	TotalRequests int     `json:"total_requests"`
	TotalSuccess  int     `json:"total_success"`
	TotalFailures int     `json:"total_failures"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	TotalCost     float64 `json:"total_cost"`
	SuccessRate   float64 `json:"success_rate"`
}

// ProviderMetrics aggregates request outcomes for a single provider.
type ProviderMetrics struct {
	Requests     int     `json:"requests"`
	Success      int     `json:"success"`
	Failures     int     `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// providerEntry is the mutable per-provider record behind the lock.
type providerEntry struct {
	isDown              bool
	consecutiveFailures int
	openUntil           time.Time
	halfOpenProbe       bool

	rateWindowStart time.Time
	rateWindowCount int

	requests   int
	success    int
	failures   int
	latencySum float64
}

// MemoryStore is the process-wide state store. It is safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	providers map[string]*providerEntry
	userSpend map[string]float64

	totalRequests   int
	totalSuccess    int
	totalFailures   int
	totalLatencySum float64
	totalCost       float64

	now func() time.Time
}

// Option customises a MemoryStore.
type Option func(*MemoryStore)

// WithClock replaces the store's time source. Tests use this to drive the
// rate-limit windows deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// New creates an empty MemoryStore.
func New(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		providers: make(map[string]*providerEntry),
		userSpend: make(map[string]float64),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// entry returns the provider record for name, creating it lazily.
// Callers must hold s.mu.
func (s *MemoryStore) entry(name string) *providerEntry {
	e, ok := s.providers[name]
	if !ok {
		e = &providerEntry{}
		s.providers[name] = e
	}
	return e
}

// GetProviderState returns a snapshot copy of name's dynamic state.
// Unknown providers report the zero-value defaults.
func (s *MemoryStore) GetProviderState(name string) ProviderState {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(name)
	return ProviderState{
		IsDown:                e.isDown,
		ConsecutiveFailures:   e.consecutiveFailures,
		OpenUntil:             e.openUntil,
		HalfOpenProbeInFlight: e.halfOpenProbe,
	}
}

// SetProviderDown sets the administrative down flag for name.
func (s *MemoryStore) SetProviderDown(name string, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(name).isDown = down
}

// RecordFailure increments name's consecutive-failure counter and returns
// the new value, so the circuit breaker can trip in the same breath.
func (s *MemoryStore) RecordFailure(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(name)
	e.consecutiveFailures++
	return e.consecutiveFailures
}

// RecordSuccess resets name's consecutive-failure counter.
func (s *MemoryStore) RecordSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(name).consecutiveFailures = 0
}

// SetCircuitOpen marks name's circuit open until the given instant.
func (s *MemoryStore) SetCircuitOpen(name string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(name).openUntil = until
}

// ClearCircuitOpen clears name's open-until timestamp.
func (s *MemoryStore) ClearCircuitOpen(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(name).openUntil = time.Time{}
}

// SetHalfOpenProbe sets name's half-open probe flag unconditionally.
func (s *MemoryStore) SetHalfOpenProbe(name string, inFlight bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(name).halfOpenProbe = inFlight
}

// AcquireHalfOpenProbe atomically claims name's half-open probe token.
// It returns true for exactly one caller until the token is released by
// SetHalfOpenProbe(name, false) — this is what guarantees a single probe
// per open window under concurrent callers.
func (s *MemoryStore) AcquireHalfOpenProbe(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(name)
	if e.halfOpenProbe {
		return false
	}
	e.halfOpenProbe = true
	return true
}

// GetUserSpend returns the total recorded spend for uid (0 for new users).
func (s *MemoryStore) GetUserSpend(uid string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userSpend[uid]
}

// AddUserSpend adds cost to uid's total spend.
func (s *MemoryStore) AddUserSpend(uid string, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userSpend[uid] += cost
}

// RecordRequestMetrics records one routed request outcome for name.
// Latency and cost only accumulate on success; failed attempts count
// toward request and failure totals only.
func (s *MemoryStore) RecordRequestMetrics(name string, latencyMs int64, cost float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(name)
	s.totalRequests++
	e.requests++

	if success {
		s.totalSuccess++
		e.success++
		s.totalLatencySum += float64(latencyMs)
		e.latencySum += float64(latencyMs)
		s.totalCost += cost
	} else {
		s.totalFailures++
		e.failures++
	}
}

// CheckAndIncrementRateLimit admits one call against name's rolling
// 60-second window and returns ErrRateLimited when the window already
// holds rpm admitted calls. The window is fixed-start: it restarts when
// 60 seconds have elapsed since its first call, trading edge precision
// for O(1) state.
func (s *MemoryStore) CheckAndIncrementRateLimit(name string, rpm int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(name)
	now := s.now()

	if e.rateWindowStart.IsZero() || now.Sub(e.rateWindowStart) >= rateWindow {
		e.rateWindowStart = now
		e.rateWindowCount = 0
	}

	e.rateWindowCount++
	if e.rateWindowCount > rpm {
		return ErrRateLimited
	}
	return nil
}

// GetGlobalMetrics returns the global aggregates with derived rates.
// SuccessRate is 1.0 when no requests have been recorded.
func (s *MemoryStore) GetGlobalMetrics() GlobalMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := GlobalMetrics{
		TotalRequests: s.totalRequests,
		TotalSuccess:  s.totalSuccess,
		TotalFailures: s.totalFailures,
		TotalCost:     s.totalCost,
		SuccessRate:   1.0,
	}
	if s.totalRequests > 0 {
		m.SuccessRate = float64(s.totalSuccess) / float64(s.totalRequests)
	}
	if s.totalSuccess > 0 {
		m.AvgLatencyMs = s.totalLatencySum / float64(s.totalSuccess)
	}
	return m
}

// GetProviderMetrics returns per-provider aggregates for every provider
// that has handled at least one request.
func (s *MemoryStore) GetProviderMetrics() map[string]ProviderMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]ProviderMetrics)
	for name, e := range s.providers {
		if e.requests == 0 {
			continue
		}
		m := ProviderMetrics{
			Requests:    e.requests,
			Success:     e.success,
			Failures:    e.failures,
			SuccessRate: float64(e.success) / float64(e.requests),
		}
		if e.success > 0 {
			m.AvgLatencyMs = e.latencySum / float64(e.success)
		}
		out[name] = m
	}
	return out
}

// Reset zeroes the entire store. Test hook.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.providers = make(map[string]*providerEntry)
	s.userSpend = make(map[string]float64)
	s.totalRequests = 0
	s.totalSuccess = 0
	s.totalFailures = 0
	s.totalLatencySum = 0
	s.totalCost = 0
}
