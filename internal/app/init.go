package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	anthropicprov "github.com/nulpointcorp/llm-router/internal/providers/anthropic"
	googleprov "github.com/nulpointcorp/llm-router/internal/providers/google"
	mockprov "github.com/nulpointcorp/llm-router/internal/providers/mock"
	openaiprov "github.com/nulpointcorp/llm-router/internal/providers/openai"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// initInfra establishes optional external connections.
// Redis is only required for the redis cache backend or the global RPM limit.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initCatalog loads the provider catalog — a missing or invalid catalog is
// fatal — and builds one client per entry. Clients are constructed exactly
// once and cached in the name-keyed map for the life of the process.
func (a *App) initCatalog(ctx context.Context) error {
	catalog, err := config.LoadCatalog(a.cfg.ProvidersFile)
	if err != nil {
		return err
	}
	a.catalog = catalog

	names := make([]string, 0, len(catalog))
	for i := range catalog {
		names = append(names, catalog[i].Name)
	}
	a.log.Info("catalog loaded",
		slog.String("file", a.cfg.ProvidersFile),
		slog.Any("providers", names),
	)

	// The state store is created before the clients because every client is
	// wrapped with the store-backed per-provider rate limiter.
	a.st = store.New()

	a.clients, err = buildClients(ctx, a.cfg, catalog, a.st, a.log)
	if err != nil {
		return err
	}

	return nil
}

// initServices creates the routing pipeline and the Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.breaker = routing.NewCircuitBreaker(a.st,
		a.cfg.CircuitBreaker.FailureThreshold,
		a.cfg.CircuitBreaker.OpenDuration,
	)
	a.classifier = routing.NewClassifier(routing.DefaultKeywords)
	a.strategy = routing.NewStrategy(a.st, a.breaker, a.classifier,
		a.cfg.Strategy.QualityBoost,
		a.cfg.Strategy.CostSpeedBoost,
	)
	a.metricsSvc = routing.NewMetricsService(a.st, a.breaker, a.prom)

	a.router = routing.NewRouter(a.st, a.breaker, a.strategy, a.metricsSvc,
		a.catalog, a.clients,
		routing.RouterOptions{
			BudgetCap: a.cfg.UserBudgetCap,
			Logger:    a.log,
			Prom:      a.prom,
		},
	)

	// Async request logger — batched slog output off the hot path.
	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	gw := proxy.NewGateway(a.baseCtx,
		a.router, a.st, a.breaker, a.metricsSvc, a.classifier, a.catalog,
		proxy.GatewayOptions{
			Logger:   a.log,
			Metrics:  a.prom,
			Version:  a.version,
			CacheTTL: a.cfg.Cache.TTL,
		},
	)

	// ── Optional subsystems ──────────────────────────────────────────────────

	switch a.cfg.Cache.Mode {
	case "redis":
		gw.SetCache(npCache.NewExactCacheFromClient(a.rdb), redisPinger(a.baseCtx, a.rdb))
	case "memory":
		gw.SetCache(a.memCache, func() bool { return true })
	}

	if len(a.cfg.Cache.ExcludeTypes) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeTypes, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// Global rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("global rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetRequestLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// buildClients constructs one provider client per catalog entry, selected by
// provider_class, each wrapped with the store-backed per-provider rate
// limiter. Entries with no usable credentials (or MOCK=true) are served by
// the in-process mock.
func buildClients(
	ctx context.Context,
	cfg *config.Config,
	catalog []config.ProviderSpec,
	st *store.MemoryStore,
	log *slog.Logger,
) (map[string]providers.Client, error) {
	clients := make(map[string]providers.Client, len(catalog))

	for i := range catalog {
		spec := catalog[i]

		var client providers.Client
		if !cfg.Mock {
			switch spec.ProviderClass {
			case "openai":
				if cfg.OpenAI.APIKey != "" {
					client = openaiprov.New(spec, cfg.OpenAI.APIKey)
				}
			case "google":
				if cfg.Google.APIKey != "" {
					c, err := googleprov.New(ctx, spec, cfg.Google.APIKey)
					if err != nil {
						return nil, fmt.Errorf("provider %s: %w", spec.Name, err)
					}
					client = c
				}
			case "anthropic":
				if cfg.Anthropic.APIKey != "" {
					client = anthropicprov.New(spec, cfg.Anthropic.APIKey)
				}
			}
		}

		if client == nil {
			if !cfg.Mock {
				log.Warn("no credentials for provider; using mock client",
					slog.String("provider", spec.Name),
					slog.String("class", spec.ProviderClass),
				)
			}
			client = mockprov.New(spec, cfg.MockFailureRate)
		}

		clients[spec.Name] = providers.WithRateLimit(client, st, &spec)
	}

	return clients, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
