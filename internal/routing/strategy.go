package routing

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/store"
	"github.com/nulpointcorp/llm-router/internal/tokens"
)

// Default specialty boosts (overridden from configuration).
const (
	DefaultQualityBoost   = 1.1
	DefaultCostSpeedBoost = 0.9
)

// Strategy ranks catalog providers for a request: it classifies the prompt,
// filters out down / circuit-rejected / over-budget providers, scores the
// rest by the user's priority, and boosts specialists.
type Strategy struct {
	st         *store.MemoryStore
	breaker    *CircuitBreaker
	classifier *Classifier

	qualityBoost   float64
	costSpeedBoost float64
}

// NewStrategy creates a Strategy. Non-positive boosts fall back to the
// package defaults.
func NewStrategy(st *store.MemoryStore, breaker *CircuitBreaker, classifier *Classifier, qualityBoost, costSpeedBoost float64) *Strategy {
	if qualityBoost <= 0 {
		qualityBoost = DefaultQualityBoost
	}
	if costSpeedBoost <= 0 {
		costSpeedBoost = DefaultCostSpeedBoost
	}
	return &Strategy{
		st:             st,
		breaker:        breaker,
		classifier:     classifier,
		qualityBoost:   qualityBoost,
		costSpeedBoost: costSpeedBoost,
	}
}

// candidate is one provider that survived filtering, with its estimated
// request cost.
type candidate struct {
	spec config.ProviderSpec
	cost float64
}

// SelectProviders returns the ranked fallback chain for prompt under prefs.
// The result may be empty. Ranking is deterministic: a stable ascending
// sort on the boosted score, with catalog order breaking ties.
//
// The per-provider eligibility reads fan out concurrently — the store
// serialises them anyway, but the shape keeps selection latency flat if
// the state ever moves out of process.
func (s *Strategy) SelectProviders(ctx context.Context, prompt string, prefs UserPreference, catalog []config.ProviderSpec) []config.ProviderSpec {
	requestType := s.classifier.Classify(prompt)

	results := make([]*candidate, len(catalog))

	g, _ := errgroup.WithContext(ctx)
	for i := range catalog {
		spec := catalog[i]
		g.Go(func() error {
			state := s.st.GetProviderState(spec.Name)
			if state.IsDown {
				return nil
			}
			if !s.breaker.Allow(spec.Name) {
				return nil
			}

			cost := tokens.Cost(&spec, prompt)
			if prefs.MaxCostPerRequest != nil && cost > *prefs.MaxCostPerRequest {
				return nil
			}

			results[i] = &candidate{spec: spec, cost: cost}
			return nil
		})
	}
	_ = g.Wait() // goroutines only write their own slot and never error

	// Collapse in catalog order so the stable sort ties break on it.
	candidates := make([]candidate, 0, len(catalog))
	for _, c := range results {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return s.score(&candidates[i], prefs.Priority, requestType) <
			s.score(&candidates[j], prefs.Priority, requestType)
	})

	ranked := make([]config.ProviderSpec, len(candidates))
	for i, c := range candidates {
		ranked[i] = c.spec
	}
	return ranked
}

// score computes the lower-is-better rank value for one candidate.
//
//	cost    → estimated request cost
//	speed   → nominal latency
//	quality → negated quality score (more negative wins)
//
// Specialists get a multiplicative boost: quality scores grow more
// negative (×qualityBoost), cost/speed scores shrink (×costSpeedBoost).
func (s *Strategy) score(c *candidate, priority Priority, requestType string) float64 {
	var score float64
	switch priority {
	case PrioritySpeed:
		score = float64(c.spec.LatencyMs)
	case PriorityQuality:
		score = -c.spec.QualityScore
	default: // cost
		score = c.cost
	}

	if c.spec.HasSpecialty(requestType) {
		if priority == PriorityQuality {
			score *= s.qualityBoost
		} else {
			score *= s.costSpeedBoost
		}
	}
	return score
}
