// Package proxy is the HTTP surface of the router.
//
// The Gateway parses and validates incoming requests, applies the optional
// global rate limit and response cache, delegates the routing decision to
// routing.Router, and maps domain errors onto HTTP statuses.
//
// Key design constraints:
//   - Logger, cache, rate limiter, and Prometheus registry are optional and
//     nil-safe.
//   - All provider I/O goes through routing.Router; handlers never talk to
//     upstreams directly.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/store"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// Version is reported by / and /health.
	Version string

	// CacheTTL controls the default TTL for cached responses. Default: 1h.
	CacheTTL time.Duration
}

// Gateway is the HTTP front of the router — all dependencies are injected
// via the constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	router     *routing.Router
	st         *store.MemoryStore
	breaker    *routing.CircuitBreaker
	metricsSvc *routing.MetricsService
	classifier *routing.Classifier
	catalog    []config.ProviderSpec

	baseCtx context.Context
	log     *slog.Logger
	prom    *metrics.Registry
	version string

	// Optional dependencies — nil-safe when not configured.
	cache           cache.Cache
	cacheTTL        time.Duration
	cacheExclusions *cache.ExclusionList
	cacheReady      func() bool
	rpmLimiter      *ratelimit.RPMLimiter
	reqLogger       *logger.Logger

	// CORS allowed origins. Nil, empty, or ["*"] means allow all.
	corsOrigins []string
}

// NewGateway creates a fully configured Gateway.
func NewGateway(
	baseCtx context.Context,
	rt *routing.Router,
	st *store.MemoryStore,
	breaker *routing.CircuitBreaker,
	metricsSvc *routing.MetricsService,
	classifier *routing.Classifier,
	catalog []config.ProviderSpec,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	version := opts.Version
	if version == "" {
		version = "0.0.0"
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	return &Gateway{
		router:     rt,
		st:         st,
		breaker:    breaker,
		metricsSvc: metricsSvc,
		classifier: classifier,
		catalog:    catalog,
		baseCtx:    baseCtx,
		log:        log,
		prom:       opts.Metrics,
		version:    version,
		cacheTTL:   cacheTTL,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetCache injects the response cache. ready is an optional probe used by
// GET /readiness (nil means "always ready").
func (g *Gateway) SetCache(c cache.Cache, ready func() bool) {
	g.cache = c
	g.cacheReady = ready
}

// SetCacheExclusions injects the cache exclusion list. Matching requests
// skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// SetRateLimiter injects the optional global RPM limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetRequestLogger injects the async request logger.
func (g *Gateway) SetRequestLogger(l *logger.Logger) {
	g.reqLogger = l
}

// ── Chat completions ──────────────────────────────────────────────────────────

// dispatchChat is the handler for POST /chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"

	if g.prom != nil {
		g.prom.IncInFlight()
	}
	defer func() {
		if g.prom == nil {
			return
		}
		g.prom.DecInFlight()
		g.prom.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse and validate the request body.
	var req routing.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if msg := validateChatRequest(&req); msg != "" {
		apierr.WriteValidation(ctx, msg)
		return
	}

	g.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.Int("prompt_length", len(req.Prompt)),
		slog.String("priority", string(req.Preferences.Priority)),
		slog.String("user_id", req.UserID),
	)

	// 2. Global rate limit (deployment-wide, distinct from per-provider windows).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			g.log.WarnContext(ctx, "global_rate_limit_exceeded",
				slog.String("request_id", reqID),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	// 3. Cache lookup.
	requestType := g.classifier.Classify(req.Prompt)
	cacheEligible := g.cache != nil && !g.cacheExclusions.Matches(requestType, req.Prompt)
	cacheKey := ""
	if cacheEligible {
		cacheKey = buildCacheKey(&req)
		if cached, ok := g.cache.Get(ctx, cacheKey); ok {
			g.log.DebugContext(ctx, "cache_hit", slog.String("request_id", reqID))
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetContentType("application/json")
			ctx.SetBody(cached)
			return
		}
	}

	// 4. Route with fallback.
	resp, err := g.router.HandleRequest(ctx, &req)
	if err != nil {
		g.writeRoutingError(ctx, reqID, req.UserID, requestType, err, start)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize response")
		return
	}

	// 5. Populate cache for future identical requests.
	if cacheEligible {
		_ = g.cache.Set(ctx, cacheKey, body, g.cacheTTL)
	}

	// 6. Emit the request log entry asynchronously.
	g.logRequest(reqID, resp.ProviderUsed, requestType, req.UserID,
		resp.LatencyMs, resp.Cost, fasthttp.StatusOK, resp.FellBack)

	if cacheEligible {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// validateChatRequest returns a human-readable message for the first
// violated constraint, or "" when the request is valid.
func validateChatRequest(req *routing.ChatRequest) string {
	if strings.TrimSpace(req.Prompt) == "" {
		return "field 'prompt' is required"
	}
	if p := req.Preferences.Priority; p != "" && !p.Valid() {
		return fmt.Sprintf("invalid priority %q; must be one of: cost, speed, quality", p)
	}
	if mc := req.Preferences.MaxCostPerRequest; mc != nil && *mc <= 0 {
		return "max_cost_per_request must be > 0"
	}
	if req.Preferences.TimeoutMs < 0 {
		return "timeout_ms must be ≥ 0"
	}
	return ""
}

// writeRoutingError maps routing errors to the appropriate HTTP response.
//
//	ErrBudgetExceeded → 402
//	ErrNoProviders    → 503
//	anything else     → 500
func (g *Gateway) writeRoutingError(ctx *fasthttp.RequestCtx, reqID, userID, requestType string, err error, start time.Time) {
	switch {
	case errors.Is(err, routing.ErrBudgetExceeded):
		apierr.WriteBudgetExceeded(ctx)
	case errors.Is(err, routing.ErrNoProviders):
		apierr.WriteUnavailable(ctx)
	default:
		g.log.ErrorContext(ctx, "routing_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteInternal(ctx, err.Error())
	}
	g.logRequest(reqID, "", requestType, userID, 0, 0, ctx.Response.StatusCode(), false)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(requestID, provider, requestType, userID string, latencyMs int64, cost float64, status int, fellBack bool) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	g.reqLogger.Log(logger.RequestLog{
		ID:          reqUUID,
		Provider:    provider,
		RequestType: requestType,
		UserID:      userID,
		LatencyMs:   latencyMs,
		Cost:        cost,
		Status:      uint16(status),
		FellBack:    fellBack,
		CreatedAt:   time.Now(),
	})
}

// buildCacheKey returns a deterministic SHA-256 cache key for the request.
// The user ID is included so budget-scoped users never share entries.
func buildCacheKey(req *routing.ChatRequest) string {
	maxCost := ""
	if req.Preferences.MaxCostPerRequest != nil {
		maxCost = fmt.Sprintf("%.8f", *req.Preferences.MaxCostPerRequest)
	}
	data, _ := json.Marshal(struct {
		U  string `json:"u"`
		P  string `json:"p"`
		Pr string `json:"pr"`
		MC string `json:"mc"`
	}{
		req.UserID,
		req.Prompt,
		string(req.Preferences.Priority),
		maxCost,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

// ── Service info, health, admin ───────────────────────────────────────────────

// handleRoot serves GET / with basic service information.
func (g *Gateway) handleRoot(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"message": "Welcome to LLM Routing Service",
		"version": g.version,
		"endpoints": map[string]string{
			"chat":      "/chat/completions",
			"providers": "/providers",
			"analytics": "/routing/analytics",
			"health":    "/health",
			"metrics":   "/metrics",
		},
	})
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status             string `json:"status"`
	ProvidersAvailable int    `json:"providers_available"`
	ProvidersTotal     int    `json:"providers_total"`
	Version            string `json:"version"`
}

// handleHealth reports healthy when at least one provider is administratively
// up and its breaker admits traffic. Availability is read observationally so
// health checks can never starve a half-open recovery probe.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	available := 0
	for i := range g.catalog {
		name := g.catalog[i].Name
		state := g.st.GetProviderState(name)
		if !state.IsDown && g.breaker.Available(name) {
			available++
		}
	}

	status := "healthy"
	if available == 0 {
		status = "degraded"
	}

	writeJSON(ctx, healthResponse{
		Status:             status,
		ProvidersAvailable: available,
		ProvidersTotal:     len(g.catalog),
		Version:            g.version,
	})
}

// handleReadiness reports whether the gateway's backing services are usable.
// Only the cache backend has a meaningful probe; everything else is
// in-process.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.cacheReady == nil || g.cacheReady() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// ProviderStatus is one GET /providers entry: the static catalog spec plus
// live health, breaker state, and success rate.
type ProviderStatus struct {
	config.ProviderSpec
	IsDown        bool                  `json:"is_down"`
	CircuitStatus routing.BreakerStatus `json:"circuit_status"`
	SuccessRate   float64               `json:"success_rate"`
}

// handleProviders serves GET /providers.
func (g *Gateway) handleProviders(ctx *fasthttp.RequestCtx) {
	providerMetrics := g.metricsSvc.ProviderMetrics()

	result := make([]ProviderStatus, 0, len(g.catalog))
	for i := range g.catalog {
		spec := g.catalog[i]
		state := g.st.GetProviderState(spec.Name)

		successRate := 1.0
		if m, ok := providerMetrics[spec.Name]; ok {
			successRate = m.SuccessRate
		}

		result = append(result, ProviderStatus{
			ProviderSpec:  spec,
			IsDown:        state.IsDown,
			CircuitStatus: g.breaker.Status(spec.Name),
			SuccessRate:   successRate,
		})
	}

	writeJSON(ctx, result)
}

// analyticsResponse is the GET /routing/analytics body.
type analyticsResponse struct {
	Global    store.GlobalMetrics                `json:"global"`
	Providers map[string]routing.ProviderMetrics `json:"providers"`
}

// handleAnalytics serves GET /routing/analytics.
func (g *Gateway) handleAnalytics(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, analyticsResponse{
		Global:    g.metricsSvc.GlobalMetrics(),
		Providers: g.metricsSvc.ProviderMetrics(),
	})
}

// failureSimulationRequest is the POST /simulate/failure body.
type failureSimulationRequest struct {
	Provider string `json:"provider"`
	Down     bool   `json:"down"`
}

// handleSimulateFailure marks a provider administratively down (or up) for
// failover and breaker testing.
func (g *Gateway) handleSimulateFailure(ctx *fasthttp.RequestCtx) {
	var req failureSimulationRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Provider == "" {
		apierr.WriteValidation(ctx, "field 'provider' is required")
		return
	}

	name := strings.ToLower(req.Provider)
	if !g.knownProvider(name) {
		apierr.WriteNotFound(ctx, fmt.Sprintf("unknown provider: %s", name))
		return
	}

	g.st.SetProviderDown(name, req.Down)
	if g.prom != nil {
		g.prom.SetProviderDown(name, req.Down)
	}

	g.log.InfoContext(ctx, "provider_down_flag_set",
		slog.String("provider", name),
		slog.Bool("down", req.Down),
	)

	writeJSON(ctx, map[string]string{
		"message": fmt.Sprintf("Provider %s set to down=%v", name, req.Down),
	})
}

func (g *Gateway) knownProvider(name string) bool {
	for i := range g.catalog {
		if g.catalog[i].Name == name {
			return true
		}
	}
	return false
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
