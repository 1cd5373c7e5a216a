package routing

import (
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// ProviderMetrics is the store's per-provider aggregate enriched at read
// time with the provider's administrative flag and live breaker status.
type ProviderMetrics struct {
	store.ProviderMetrics
	IsDown        bool          `json:"is_down"`
	CircuitStatus BreakerStatus `json:"circuit_status"`
}

// MetricsService is a thin facade over the store's metrics operations. It
// also mirrors every outcome into the Prometheus registry when one is
// configured — the registry feeds /metrics, the store feeds
// /routing/analytics.
type MetricsService struct {
	st      *store.MemoryStore
	breaker *CircuitBreaker
	prom    *metrics.Registry // nil-safe
}

// NewMetricsService creates a MetricsService. prom may be nil.
func NewMetricsService(st *store.MemoryStore, breaker *CircuitBreaker, prom *metrics.Registry) *MetricsService {
	return &MetricsService{st: st, breaker: breaker, prom: prom}
}

// Record stores one request outcome for name.
func (m *MetricsService) Record(name string, latencyMs int64, cost float64, success bool) {
	m.st.RecordRequestMetrics(name, latencyMs, cost, success)

	if m.prom != nil {
		outcome := "failure"
		if success {
			outcome = "success"
		}
		m.prom.RecordOutcome(name, outcome)
		if success {
			m.prom.AddLatency(name, latencyMs)
			m.prom.AddCost(name, cost)
		}
	}
}

// GlobalMetrics returns the global aggregates.
func (m *MetricsService) GlobalMetrics() store.GlobalMetrics {
	return m.st.GetGlobalMetrics()
}

// ProviderMetrics returns per-provider aggregates for every provider that
// has handled at least one request, enriched with is_down and the live
// circuit status.
func (m *MetricsService) ProviderMetrics() map[string]ProviderMetrics {
	raw := m.st.GetProviderMetrics()

	out := make(map[string]ProviderMetrics, len(raw))
	for name, pm := range raw {
		state := m.st.GetProviderState(name)
		out[name] = ProviderMetrics{
			ProviderMetrics: pm,
			IsDown:          state.IsDown,
			CircuitStatus:   m.breaker.Status(name),
		}
	}
	return out
}
