package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// --- helpers ----------------------------------------------------------------

// funcClient is a providers.Client driven by a closure, with a call counter.
type funcClient struct {
	name   string
	calls  atomic.Int64
	chatFn func(ctx context.Context, prompt string) (*providers.Result, error)
}

func (c *funcClient) Name() string { return c.name }

func (c *funcClient) Chat(ctx context.Context, prompt string, _ time.Duration) (*providers.Result, error) {
	c.calls.Add(1)
	return c.chatFn(ctx, prompt)
}

func okClient(name string, cost float64) *funcClient {
	return &funcClient{
		name: name,
		chatFn: func(_ context.Context, _ string) (*providers.Result, error) {
			return &providers.Result{
				Provider:  name,
				Content:   "hello from " + name,
				LatencyMs: 100,
				Cost:      cost,
			}, nil
		},
	}
}

func failClient(name string) *funcClient {
	return &funcClient{
		name: name,
		chatFn: func(_ context.Context, _ string) (*providers.Result, error) {
			return nil, &providers.ProviderError{Provider: name, Err: fmt.Errorf("boom")}
		},
	}
}

func testCatalog() []config.ProviderSpec {
	return []config.ProviderSpec{
		{
			Name: "alpha", Model: "mock-alpha", CostPerToken: 0.001,
			LatencyMs: 100, RateLimitRPM: 100, QualityScore: 0.9,
			Specialties: []string{"code"},
		},
		{
			Name: "beta", Model: "mock-beta", CostPerToken: 0.002,
			LatencyMs: 50, RateLimitRPM: 100, QualityScore: 0.8,
			Specialties: []string{"writing"},
		},
	}
}

// testEnv bundles a Gateway with the pieces tests poke at directly.
type testEnv struct {
	gw      *Gateway
	st      *store.MemoryStore
	breaker *routing.CircuitBreaker
}

func newTestGateway(t *testing.T, clients map[string]providers.Client) *testEnv {
	t.Helper()

	catalog := testCatalog()
	st := store.New()
	breaker := routing.NewCircuitBreaker(st, 3, 60*time.Second)
	classifier := routing.NewClassifier(routing.DefaultKeywords)
	strategy := routing.NewStrategy(st, breaker, classifier, 1.1, 0.9)
	metricsSvc := routing.NewMetricsService(st, breaker, nil)
	rt := routing.NewRouter(st, breaker, strategy, metricsSvc, catalog, clients,
		routing.RouterOptions{BudgetCap: 1.00})

	gw := NewGateway(context.Background(), rt, st, breaker, metricsSvc, classifier, catalog,
		GatewayOptions{Version: "test"})

	return &testEnv{gw: gw, st: st, breaker: breaker}
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's service routes (no /metrics) behind the recovery, request-ID and
// timing middleware. Returns an HTTP client
// that routes to it, and a cleanup function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := applyMiddleware(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/":
				gw.handleRoot(ctx)
			case "/health":
				gw.handleHealth(ctx)
			case "/readiness":
				gw.handleReadiness(ctx)
			case "/chat/completions":
				gw.dispatchChat(ctx)
			case "/providers":
				gw.handleProviders(ctx)
			case "/routing/analytics":
				gw.handleAnalytics(ctx)
			case "/simulate/failure":
				gw.handleSimulateFailure(ctx)
			default:
				ctx.SetStatusCode(404)
			}
		},
		recovery,
		requestID,
		timing,
	)

	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func doGet(t *testing.T, client *http.Client, path string) *http.Response {
	t.Helper()
	resp, err := client.Get("http://test" + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.Unmarshal(readBody(t, resp), v); err != nil {
		t.Fatal(err)
	}
}

func chatBody(t *testing.T, prompt, userID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"prompt":  prompt,
		"user_id": userID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

// --- tests ------------------------------------------------------------------

func TestChatCompletions_HappyPath(t *testing.T) {
	env := newTestGateway(t, map[string]providers.Client{
		"alpha": okClient("alpha", 0.01),
		"beta":  okClient("beta", 0.02),
	})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	resp := doPost(t, client, "/chat/completions", chatBody(t, "hello there", ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}

	var out routing.ChatResponse
	decodeJSON(t, resp, &out)
	if out.ProviderUsed != "alpha" {
		t.Errorf("cheapest provider should serve, got %s", out.ProviderUsed)
	}
	if out.Content == "" {
		t.Error("content should not be empty")
	}
}

func TestChatCompletions_ValidationErrors(t *testing.T) {
	env := newTestGateway(t, map[string]providers.Client{"alpha": okClient("alpha", 0.01)})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	cases := []struct {
		name string
		body string
	}{
		{"empty prompt", `{"prompt": ""}`},
		{"whitespace prompt", `{"prompt": "   "}`},
		{"malformed json", `{"prompt": `},
		{"bad priority", `{"prompt": "x", "preferences": {"priority": "cheapest"}}`},
		{"zero max cost", `{"prompt": "x", "preferences": {"max_cost_per_request": 0}}`},
		{"negative timeout", `{"prompt": "x", "preferences": {"timeout_ms": -1}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doPost(t, client, "/chat/completions", []byte(tc.body))
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Errorf("expected 422, got %d: %s", resp.StatusCode, readBody(t, resp))
			}
		})
	}
}

func TestChatCompletions_BudgetExceeded(t *testing.T) {
	alpha := okClient("alpha", 0.01)
	env := newTestGateway(t, map[string]providers.Client{"alpha": alpha})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	env.st.AddUserSpend("u1", 1.50)

	resp := doPost(t, client, "/chat/completions", chatBody(t, "hello", "u1"))
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if alpha.calls.Load() != 0 {
		t.Error("provider call count must be unchanged on a budget rejection")
	}
}

func TestChatCompletions_AllProvidersDown(t *testing.T) {
	env := newTestGateway(t, map[string]providers.Client{
		"alpha": okClient("alpha", 0.01),
		"beta":  okClient("beta", 0.02),
	})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	for _, name := range []string{"alpha", "beta"} {
		resp := doPost(t, client, "/simulate/failure",
			[]byte(fmt.Sprintf(`{"provider": %q, "down": true}`, name)))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("simulate/failure failed: %d", resp.StatusCode)
		}
		readBody(t, resp)
	}

	resp := doPost(t, client, "/chat/completions", chatBody(t, "hello", ""))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestChatCompletions_FallbackAfterSimulatedFailure(t *testing.T) {
	alpha := okClient("alpha", 0.01)
	beta := okClient("beta", 0.02)
	env := newTestGateway(t, map[string]providers.Client{"alpha": alpha, "beta": beta})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	// Baseline: both providers available.
	var health healthResponse
	decodeJSON(t, doGet(t, client, "/health"), &health)
	if health.ProvidersAvailable != 2 || health.Status != "healthy" {
		t.Fatalf("unexpected baseline health: %+v", health)
	}

	// Mark the primary down.
	readBody(t, doPost(t, client, "/simulate/failure", []byte(`{"provider": "alpha", "down": true}`)))

	var out routing.ChatResponse
	decodeJSON(t, doPost(t, client, "/chat/completions", chatBody(t, "hello", "")), &out)
	if out.ProviderUsed != "beta" {
		t.Errorf("secondary provider should serve, got %s", out.ProviderUsed)
	}
	if alpha.calls.Load() != 0 {
		t.Error("a down provider must not be invoked")
	}

	// providers_available drops by one.
	decodeJSON(t, doGet(t, client, "/health"), &health)
	if health.ProvidersAvailable != 1 {
		t.Errorf("expected 1 available provider, got %d", health.ProvidersAvailable)
	}
	if health.Status != "healthy" {
		t.Errorf("one provider up should still be healthy, got %s", health.Status)
	}
}

func TestHealth_DegradedWhenAllDown(t *testing.T) {
	env := newTestGateway(t, map[string]providers.Client{
		"alpha": okClient("alpha", 0.01),
		"beta":  okClient("beta", 0.02),
	})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	env.st.SetProviderDown("alpha", true)
	env.st.SetProviderDown("beta", true)

	var health healthResponse
	decodeJSON(t, doGet(t, client, "/health"), &health)
	if health.Status != "degraded" {
		t.Errorf("expected degraded, got %s", health.Status)
	}
	if health.ProvidersAvailable != 0 {
		t.Errorf("expected 0 available, got %d", health.ProvidersAvailable)
	}
	if health.ProvidersTotal != 2 {
		t.Errorf("expected 2 total, got %d", health.ProvidersTotal)
	}
}

func TestProviders_Listing(t *testing.T) {
	env := newTestGateway(t, map[string]providers.Client{
		"alpha": failClient("alpha"),
		"beta":  okClient("beta", 0.02),
	})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	// Trip alpha's breaker and flag beta down.
	for i := 0; i < 3; i++ {
		env.breaker.RecordOutcome("alpha", false)
	}
	env.st.SetProviderDown("beta", true)

	var list []ProviderStatus
	decodeJSON(t, doGet(t, client, "/providers"), &list)

	if len(list) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(list))
	}

	byName := map[string]ProviderStatus{}
	for _, p := range list {
		byName[p.Name] = p
	}

	if byName["alpha"].CircuitStatus != routing.StatusOpen {
		t.Errorf("alpha should be OPEN, got %s", byName["alpha"].CircuitStatus)
	}
	if byName["alpha"].IsDown {
		t.Error("alpha is not administratively down")
	}
	if !byName["beta"].IsDown {
		t.Error("beta should be administratively down")
	}
	if byName["beta"].CircuitStatus != routing.StatusClosed {
		t.Errorf("beta's breaker should be CLOSED, got %s", byName["beta"].CircuitStatus)
	}
	if byName["alpha"].SuccessRate != 1.0 {
		// No requests have been routed, so the default applies.
		t.Errorf("expected default success rate 1.0, got %v", byName["alpha"].SuccessRate)
	}
	if byName["alpha"].Model != "mock-alpha" {
		t.Errorf("catalog spec fields should be included, got %q", byName["alpha"].Model)
	}
}

func TestSimulateFailure_UnknownProvider(t *testing.T) {
	env := newTestGateway(t, map[string]providers.Client{"alpha": okClient("alpha", 0.01)})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	resp := doPost(t, client, "/simulate/failure", []byte(`{"provider": "nope", "down": true}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSimulateFailure_Recovery(t *testing.T) {
	env := newTestGateway(t, map[string]providers.Client{"alpha": okClient("alpha", 0.01)})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	readBody(t, doPost(t, client, "/simulate/failure", []byte(`{"provider": "alpha", "down": true}`)))
	if !env.st.GetProviderState("alpha").IsDown {
		t.Fatal("alpha should be down")
	}

	var out map[string]string
	decodeJSON(t, doPost(t, client, "/simulate/failure", []byte(`{"provider": "alpha", "down": false}`)), &out)
	if env.st.GetProviderState("alpha").IsDown {
		t.Error("alpha should be back up")
	}
	if out["message"] == "" {
		t.Error("response should carry a message")
	}
}

func TestRoutingAnalytics(t *testing.T) {
	env := newTestGateway(t, map[string]providers.Client{
		"alpha": okClient("alpha", 0.25),
		"beta":  okClient("beta", 0.5),
	})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	for i := 0; i < 3; i++ {
		resp := doPost(t, client, "/chat/completions", chatBody(t, "hello", ""))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("chat failed: %d", resp.StatusCode)
		}
		readBody(t, resp)
	}

	var analytics struct {
		Global    store.GlobalMetrics                `json:"global"`
		Providers map[string]routing.ProviderMetrics `json:"providers"`
	}
	decodeJSON(t, doGet(t, client, "/routing/analytics"), &analytics)

	if analytics.Global.TotalRequests != 3 || analytics.Global.TotalSuccess != 3 {
		t.Errorf("unexpected global metrics: %+v", analytics.Global)
	}
	if analytics.Global.TotalCost != 0.75 {
		t.Errorf("expected total cost 0.75, got %v", analytics.Global.TotalCost)
	}

	pm, ok := analytics.Providers["alpha"]
	if !ok {
		t.Fatal("alpha should appear in provider metrics")
	}
	if pm.Requests != 3 || pm.SuccessRate != 1.0 {
		t.Errorf("unexpected provider metrics: %+v", pm)
	}
	if pm.CircuitStatus != routing.StatusClosed {
		t.Errorf("expected CLOSED, got %s", pm.CircuitStatus)
	}
}

func TestRoot_ServiceInfo(t *testing.T) {
	env := newTestGateway(t, map[string]providers.Client{"alpha": okClient("alpha", 0.01)})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	var info map[string]any
	decodeJSON(t, doGet(t, client, "/"), &info)
	if info["message"] == "" {
		t.Error("root should carry a message")
	}
	if info["version"] != "test" {
		t.Errorf("expected version test, got %v", info["version"])
	}
}

func TestReadiness_OKWithoutCache(t *testing.T) {
	env := newTestGateway(t, map[string]providers.Client{"alpha": okClient("alpha", 0.01)})
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	resp := doGet(t, client, "/readiness")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestReadiness_UnavailableWhenProbeFails(t *testing.T) {
	env := newTestGateway(t, map[string]providers.Client{"alpha": okClient("alpha", 0.01)})
	env.gw.SetCache(cache.NewMemoryCache(context.Background()), func() bool { return false })
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	resp := doGet(t, client, "/readiness")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestChatCompletions_CacheHitSkipsRouting(t *testing.T) {
	alpha := okClient("alpha", 0.01)
	env := newTestGateway(t, map[string]providers.Client{"alpha": alpha})
	env.gw.SetCache(cache.NewMemoryCache(context.Background()), nil)
	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	body := chatBody(t, "same prompt", "")

	first := doPost(t, client, "/chat/completions", body)
	if first.Header.Get("X-Cache") != "MISS" {
		t.Errorf("first request should be a MISS, got %q", first.Header.Get("X-Cache"))
	}
	readBody(t, first)

	second := doPost(t, client, "/chat/completions", body)
	if second.Header.Get("X-Cache") != "HIT" {
		t.Errorf("second request should be a HIT, got %q", second.Header.Get("X-Cache"))
	}
	var out routing.ChatResponse
	decodeJSON(t, second, &out)
	if out.ProviderUsed != "alpha" {
		t.Errorf("cached body should round-trip, got %s", out.ProviderUsed)
	}

	if alpha.calls.Load() != 1 {
		t.Errorf("cache hit must not invoke a provider, got %d calls", alpha.calls.Load())
	}
}

func TestChatCompletions_CacheExclusionBypasses(t *testing.T) {
	alpha := okClient("alpha", 0.01)
	env := newTestGateway(t, map[string]providers.Client{"alpha": alpha})
	env.gw.SetCache(cache.NewMemoryCache(context.Background()), nil)

	el, err := cache.NewExclusionList([]string{"code"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	env.gw.SetCacheExclusions(el)

	client, cleanup := serveGateway(t, env.gw)
	defer cleanup()

	body := chatBody(t, "import this module", "") // classifies as code

	readBody(t, doPost(t, client, "/chat/completions", body))
	readBody(t, doPost(t, client, "/chat/completions", body))

	if alpha.calls.Load() != 2 {
		t.Errorf("excluded requests must always route, got %d calls", alpha.calls.Load())
	}
}
