// Package providers defines the provider client capability used by the
// router and the error taxonomy shared by all implementations.
//
// Each concrete client lives in its own sub-package (openai, google,
// anthropic, mock) and implements Client. Clients are constructed once per
// catalog entry at startup and must be safe for concurrent use.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// Result is the normalised outcome of one successful provider call.
type Result struct {
	// Provider is the catalog name of the provider that served the call.
	Provider string

	// Content is the completion text.
	Content string

	// LatencyMs is the observed wall-clock latency of the call.
	LatencyMs int64

	// Cost is the estimated cost of the call in USD.
	Cost float64
}

// Client is the capability the router depends on: something that can chat.
//
// Chat must honour timeout (and ctx cancellation), return a RateLimitError
// when the provider's quota is exhausted, and a ProviderError (or any other
// error) for genuine failures. Implementations are expected to apply the
// per-provider rate limit on entry — see WithRateLimit.
type Client interface {
	Name() string
	Chat(ctx context.Context, prompt string, timeout time.Duration) (*Result, error)
}

// RateLimitError signals an exhausted quota — the per-provider rolling
// window or an upstream 429. It is a routing signal, not a health signal:
// the circuit breaker must not see it.
type RateLimitError struct {
	Provider string
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// ProviderError is any non-quota upstream failure (network, 5xx, timeout,
// malformed response). Repeated ProviderErrors open the circuit breaker.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: provider error (status=%d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRateLimit reports whether err is a rate-limit signal from any layer —
// the store's rolling window or an upstream 429 mapped by a client.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl) || errors.Is(err, store.ErrRateLimited)
}

// rateLimitedClient enforces the catalog's per-provider RPM budget before
// delegating to the wrapped client.
type rateLimitedClient struct {
	inner Client
	st    *store.MemoryStore
	rpm   int
}

// WithRateLimit wraps client so that every Chat call first claims a slot in
// the provider's rolling 60-second window. Exhausted windows fail with a
// RateLimitError without touching the upstream.
func WithRateLimit(client Client, st *store.MemoryStore, spec *config.ProviderSpec) Client {
	return &rateLimitedClient{inner: client, st: st, rpm: spec.RateLimitRPM}
}

func (c *rateLimitedClient) Name() string { return c.inner.Name() }

func (c *rateLimitedClient) Chat(ctx context.Context, prompt string, timeout time.Duration) (*Result, error) {
	if err := c.st.CheckAndIncrementRateLimit(c.inner.Name(), c.rpm); err != nil {
		return nil, &RateLimitError{Provider: c.inner.Name(), Err: err}
	}
	return c.inner.Chat(ctx, prompt, timeout)
}
