// Package metrics provides a Prometheus metrics registry for the router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// These series complement the in-store aggregates served by
// /routing/analytics; the store remains the source of truth for the
// routing decision itself.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_requests_total{provider,outcome}
	requestsTotal *prometheus.CounterVec

	// router_latency_ms_total{provider} — sum of successful-call latency
	latencyTotal *prometheus.CounterVec

	// router_cost_dollars_total{provider}
	costTotal *prometheus.CounterVec

	// circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// router_circuit_breaker_transitions_total{provider,to_state}
	cbTransitions *prometheus.CounterVec

	// router_failover_events_total{provider,reason}
	failoverEvents *prometheus.CounterVec

	// router_failover_success_total{primary,to}
	failoverSuccess *prometheus.CounterVec

	// router_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// router_ratelimit_total{provider}
	rateLimitTotal *prometheus.CounterVec

	// router_budget_rejections_total
	budgetRejections prometheus.Counter

	// router_provider_down{provider} — administrative down flag
	providerDown *prometheus.GaugeVec

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes fallback attempts)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_requests_total",
				Help: "Provider call outcomes recorded by the routing pipeline",
			},
			[]string{"provider", "outcome"},
		),

		latencyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_latency_ms_total",
				Help: "Sum of successful provider-call latency in ms (compute avg externally)",
			},
			[]string{"provider"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_cost_dollars_total",
				Help: "Estimated spend in USD accumulated per provider",
			},
			[]string{"provider"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_events_total",
				Help: "Provider attempts that failed and moved the request down the fallback chain",
			},
			[]string{"provider", "reason"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_success_total",
				Help: "Requests served by a non-primary provider",
			},
			[]string{"primary", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_exhausted_total",
				Help: "Requests that exhausted the fallback chain without success",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_ratelimit_total",
				Help: "Provider attempts rejected by rate limiting (local window or upstream 429)",
			},
			[]string{"provider"},
		),

		budgetRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_budget_rejections_total",
			Help: "Requests refused pre-flight because the user exceeded the budget cap",
		}),

		providerDown: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_provider_down",
				Help: "Administrative down flag per provider (1=down, 0=up)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.latencyTotal,
		r.costTotal,
		r.circuitBreakerState,
		r.cbTransitions,
		r.failoverEvents,
		r.failoverSuccess,
		r.failoverExhausted,
		r.rateLimitTotal,
		r.budgetRejections,
		r.providerDown,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordOutcome counts one provider call outcome ("success" or "failure").
func (r *Registry) RecordOutcome(provider, outcome string) {
	r.requestsTotal.WithLabelValues(provider, outcome).Inc()
}

func (r *Registry) AddLatency(provider string, latencyMs int64) {
	r.latencyTotal.WithLabelValues(provider).Add(float64(latencyMs))
}

func (r *Registry) AddCost(provider string, cost float64) {
	r.costTotal.WithLabelValues(provider).Add(cost)
}

// RecordFailover counts one failed attempt that pushed the request to the
// next candidate. reason is "error" or "rate_limited".
func (r *Registry) RecordFailover(provider, reason string) {
	r.failoverEvents.WithLabelValues(provider, reason).Inc()
}

func (r *Registry) RecordFailoverSuccess(primary, to string) {
	r.failoverSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(provider string) {
	r.rateLimitTotal.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordBudgetRejection() {
	r.budgetRejections.Inc()
}

func (r *Registry) SetProviderDown(provider string, down bool) {
	if down {
		r.providerDown.WithLabelValues(provider).Set(1)
		return
	}
	r.providerDown.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(provider, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
