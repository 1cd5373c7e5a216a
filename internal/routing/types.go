// Package routing is the core decision pipeline: prompt classification,
// provider selection, circuit breaking, metrics aggregation, and the
// fallback orchestrator that ties them together.
package routing

import "time"

// defaultTimeoutMs is applied when a request does not set timeout_ms.
const defaultTimeoutMs = 5000

// Priority is the user's routing preference.
type Priority string

const (
	PriorityCost    Priority = "cost"
	PrioritySpeed   Priority = "speed"
	PriorityQuality Priority = "quality"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCost, PrioritySpeed, PriorityQuality:
		return true
	}
	return false
}

// UserPreference carries the per-request routing knobs.
type UserPreference struct {
	// Priority selects the ranking dimension. Empty defaults to cost.
	Priority Priority `json:"priority"`

	// MaxCostPerRequest filters out providers whose estimated cost for
	// this prompt exceeds the limit. Nil disables the filter.
	MaxCostPerRequest *float64 `json:"max_cost_per_request,omitempty"`

	// TimeoutMs bounds each provider attempt. 0 defaults to 5000.
	TimeoutMs int `json:"timeout_ms"`
}

// Normalize fills in defaults for zero-valued fields.
func (p *UserPreference) Normalize() {
	if p.Priority == "" {
		p.Priority = PriorityCost
	}
	if p.TimeoutMs == 0 {
		p.TimeoutMs = defaultTimeoutMs
	}
}

// Timeout returns the per-attempt timeout as a duration.
func (p *UserPreference) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// ChatRequest is one routed chat-completion request.
type ChatRequest struct {
	Prompt      string         `json:"prompt"`
	Preferences UserPreference `json:"preferences"`
	UserID      string         `json:"user_id,omitempty"`
}

// ChatResponse is the client-facing result of a routed request.
type ChatResponse struct {
	ProviderUsed string  `json:"provider_used"`
	Content      string  `json:"content"`
	LatencyMs    int64   `json:"latency_ms"`
	Cost         float64 `json:"cost"`

	// FellBack is true when a non-primary provider served the request.
	// Internal observability signal — not part of the wire shape.
	FellBack bool `json:"-"`
}
