package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// DefaultUserBudgetCap is the per-user spending ceiling in USD.
const DefaultUserBudgetCap = 1.00

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrBudgetExceeded means the user's recorded spend is above the cap.
	// No provider is contacted.
	ErrBudgetExceeded = errors.New("user budget exceeded")

	// ErrNoProviders means every candidate was filtered out or failed.
	ErrNoProviders = errors.New("all providers unavailable")
)

// Router orchestrates one request end to end: budget gate, provider
// ranking, and the fallback loop with differential failure handling.
type Router struct {
	st       *store.MemoryStore
	breaker  *CircuitBreaker
	strategy *Strategy
	metrics  *MetricsService

	catalog []config.ProviderSpec
	clients map[string]providers.Client

	budgetCap float64
	log       *slog.Logger
	prom      *metrics.Registry // nil-safe
}

// RouterOptions holds optional Router settings.
type RouterOptions struct {
	// BudgetCap is the per-user spending ceiling. ≤0 uses the default.
	BudgetCap float64

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger

	// Prom enables Prometheus mirroring. May be nil.
	Prom *metrics.Registry
}

// NewRouter creates a Router over the given components. clients must hold
// one entry per catalog name (the factory builds it once at startup).
func NewRouter(
	st *store.MemoryStore,
	breaker *CircuitBreaker,
	strategy *Strategy,
	metricsSvc *MetricsService,
	catalog []config.ProviderSpec,
	clients map[string]providers.Client,
	opts RouterOptions,
) *Router {
	budgetCap := opts.BudgetCap
	if budgetCap <= 0 {
		budgetCap = DefaultUserBudgetCap
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Router{
		st:        st,
		breaker:   breaker,
		strategy:  strategy,
		metrics:   metricsSvc,
		catalog:   catalog,
		clients:   clients,
		budgetCap: budgetCap,
		log:       log,
		prom:      opts.Prom,
	}
}

// HandleRequest routes req to the best available provider, falling back
// through the ranked chain until one succeeds.
//
// Returns ErrBudgetExceeded when the user's spend is already above the cap
// (a soft gate: the check runs before the request, so a request that pushes
// the user over is still admitted), or ErrNoProviders when the chain is
// empty or exhausted.
func (r *Router) HandleRequest(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	req.Preferences.Normalize()

	// 1. Budget gate.
	if req.UserID != "" {
		spend := r.st.GetUserSpend(req.UserID)
		if spend > r.budgetCap {
			r.log.WarnContext(ctx, "budget_exceeded",
				slog.String("user_id", req.UserID),
				slog.Float64("spend", spend),
			)
			if r.prom != nil {
				r.prom.RecordBudgetRejection()
			}
			return nil, ErrBudgetExceeded
		}
	}

	// 2. Rank the candidates.
	ranked := r.strategy.SelectProviders(ctx, req.Prompt, req.Preferences, r.catalog)
	if len(ranked) == 0 {
		r.log.ErrorContext(ctx, "no_providers_available")
		return nil, ErrNoProviders
	}

	primary := ranked[0].Name

	// 3. Fallback loop.
	for _, spec := range ranked {
		client, ok := r.clients[spec.Name]
		if !ok {
			continue // catalog entry with no client — skip
		}

		start := time.Now()
		resp, err := client.Chat(ctx, req.Prompt, req.Preferences.Timeout())
		latencyMs := time.Since(start).Milliseconds()

		if err == nil {
			// ── Success ───────────────────────────────────────────────────────
			fellBack := spec.Name != primary

			r.breaker.RecordOutcome(spec.Name, true)
			if req.UserID != "" {
				r.st.AddUserSpend(req.UserID, resp.Cost)
			}
			r.metrics.Record(spec.Name, resp.LatencyMs, resp.Cost, true)

			if r.prom != nil {
				r.prom.SetCircuitBreaker(spec.Name, 0)
				if fellBack {
					r.prom.RecordFailoverSuccess(primary, spec.Name)
				}
			}

			r.log.InfoContext(ctx, "provider_success",
				slog.String("provider", spec.Name),
				slog.Int64("latency_ms", resp.LatencyMs),
				slog.Float64("cost", resp.Cost),
				slog.Bool("fell_back", fellBack),
			)

			return &ChatResponse{
				ProviderUsed: resp.Provider,
				Content:      resp.Content,
				LatencyMs:    resp.LatencyMs,
				Cost:         resp.Cost,
				FellBack:     fellBack,
			}, nil
		}

		if providers.IsRateLimit(err) {
			// ── Rate limited ──────────────────────────────────────────────────
			// Quota, not ill health: the breaker must not see this.
			r.metrics.Record(spec.Name, 0, 0, false)
			if r.prom != nil {
				r.prom.RecordRateLimit(spec.Name)
				r.prom.RecordFailover(spec.Name, "rate_limited")
			}
			r.log.WarnContext(ctx, "provider_rate_limited",
				slog.String("provider", spec.Name),
			)
			continue
		}

		// ── Other failure ─────────────────────────────────────────────────────
		r.breaker.RecordOutcome(spec.Name, false)
		r.metrics.Record(spec.Name, 0, 0, false)
		if r.prom != nil {
			r.prom.SetCircuitBreaker(spec.Name, breakerGauge(r.breaker.Status(spec.Name)))
			r.prom.RecordFailover(spec.Name, "error")
		}
		r.log.ErrorContext(ctx, "provider_failed",
			slog.String("provider", spec.Name),
			slog.Int64("latency_ms", latencyMs),
			slog.String("error", err.Error()),
		)
	}

	// 4. Exhausted.
	r.log.ErrorContext(ctx, "all_providers_failed",
		slog.String("primary", primary),
	)
	if r.prom != nil {
		r.prom.RecordFailoverExhausted(primary)
	}
	return nil, ErrNoProviders
}

// breakerGauge maps a breaker status to the Prometheus gauge encoding
// (0=closed, 1=open, 2=half-open).
func breakerGauge(s BreakerStatus) int64 {
	switch s {
	case StatusOpen:
		return 1
	case StatusHalfOpen:
		return 2
	default:
		return 0
	}
}
