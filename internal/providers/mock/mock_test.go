package mock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/tokens"
)

func spec() config.ProviderSpec {
	return config.ProviderSpec{
		Name:         "mockprov",
		Model:        "mock-1",
		CostPerToken: 0.001,
		LatencyMs:    5,
		RateLimitRPM: 60,
		QualityScore: 0.5,
	}
}

// noSleep skips the latency simulation in tests.
func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestChat_Success(t *testing.T) {
	c := New(spec(), 0, WithSleep(noSleep))

	prompt := "hello mock world"
	res, err := c.Chat(context.Background(), prompt, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if res.Provider != "mockprov" {
		t.Errorf("unexpected provider: %s", res.Provider)
	}
	if !strings.HasPrefix(res.Content, "Mock response from mockprov: ") {
		t.Errorf("unexpected content: %q", res.Content)
	}
	if !strings.Contains(res.Content, prompt) {
		t.Errorf("short prompts should be echoed whole, got %q", res.Content)
	}

	s := spec()
	if want := tokens.Cost(&s, prompt); res.Cost != want {
		t.Errorf("cost should come from the shared estimator: got %v, want %v", res.Cost, want)
	}
}

func TestChat_TruncatesLongPrompts(t *testing.T) {
	c := New(spec(), 0, WithSleep(noSleep))

	prompt := strings.Repeat("a", 200)
	res, err := c.Chat(context.Background(), prompt, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if want := "Mock response from mockprov: " + strings.Repeat("a", 50) + "..."; res.Content != want {
		t.Errorf("prompt echo should truncate at 50 chars, got %q", res.Content)
	}
}

func TestChat_FailureRate(t *testing.T) {
	// Force the failure branch.
	c := New(spec(), 1.0, WithSleep(noSleep), WithRandFloat(func() float64 { return 0.5 }))

	_, err := c.Chat(context.Background(), "x", time.Second)
	if err == nil {
		t.Fatal("failure rate 1.0 should always fail")
	}

	var perr *providers.ProviderError
	if !errors.As(err, &perr) {
		t.Errorf("mock failures should be provider errors, got %v", err)
	}
	if providers.IsRateLimit(err) {
		t.Error("mock failures must not read as rate limits")
	}
}

func TestChat_ZeroFailureRateNeverFails(t *testing.T) {
	c := New(spec(), 0, WithSleep(noSleep))

	for i := 0; i < 50; i++ {
		if _, err := c.Chat(context.Background(), "x", time.Second); err != nil {
			t.Fatalf("failure rate 0 must never fail, got %v on call %d", err, i)
		}
	}
}

func TestChat_TimeoutCancelsSleep(t *testing.T) {
	s := spec()
	s.LatencyMs = 5000 // nominal latency far above the timeout

	c := New(s, 0)

	start := time.Now()
	_, err := c.Chat(context.Background(), "x", 20*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var perr *providers.ProviderError
	if !errors.As(err, &perr) {
		t.Errorf("timeouts should surface as provider errors, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("cause should be the context deadline, got %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("call should return promptly on timeout, took %v", elapsed)
	}
}

func TestChat_ContextCancellation(t *testing.T) {
	s := spec()
	s.LatencyMs = 5000

	c := New(s, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Chat(ctx, "x", time.Minute)
	if err == nil {
		t.Fatal("client disconnect should abort the in-flight call")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cause should be the cancelled context, got %v", err)
	}
}
