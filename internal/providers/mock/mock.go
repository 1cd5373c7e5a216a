// Package mock implements an in-process provider client that simulates an
// upstream LLM: it sleeps for the catalog's nominal latency, fails with a
// configurable probability, and prices the call with the shared estimator.
//
// The mock serves every catalog entry when MOCK=true, which makes the whole
// router runnable (and load-testable) with no credentials or network.
package mock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/tokens"
)

// contentPreview is how much of the prompt is echoed back in the mock reply.
const contentPreview = 50

// Client is a mock provider for a single catalog entry.
// It is safe for concurrent use.
type Client struct {
	spec        config.ProviderSpec
	failureRate float64
	randFloat   func() float64
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithRandFloat replaces the failure-roll source. Tests use this to force
// deterministic success or failure.
func WithRandFloat(f func() float64) Option {
	return func(c *Client) { c.randFloat = f }
}

// WithSleep replaces the latency simulation. Tests use this to avoid real
// delays.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = f }
}

// New creates a mock client for spec failing with probability failureRate.
func New(spec config.ProviderSpec, failureRate float64, opts ...Option) *Client {
	c := &Client{
		spec:        spec,
		failureRate: failureRate,
		randFloat:   rand.Float64,
		sleep:       ctxSleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return c.spec.Name }

// Chat simulates one provider call: it sleeps for the spec's nominal
// latency (bounded by timeout and ctx), then either fails with a provider
// error or returns an echo response priced by the shared estimator.
func (c *Client) Chat(ctx context.Context, prompt string, timeout time.Duration) (*providers.Result, error) {
	start := time.Now()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.sleep(ctx, time.Duration(c.spec.LatencyMs)*time.Millisecond); err != nil {
		return nil, &providers.ProviderError{Provider: c.spec.Name, Err: err}
	}

	if c.randFloat() < c.failureRate {
		return nil, &providers.ProviderError{
			Provider: c.spec.Name,
			Err:      fmt.Errorf("simulated failure"),
		}
	}

	preview := prompt
	if len(preview) > contentPreview {
		preview = preview[:contentPreview]
	}

	return &providers.Result{
		Provider:  c.spec.Name,
		Content:   fmt.Sprintf("Mock response from %s: %s...", c.spec.Name, preview),
		LatencyMs: time.Since(start).Milliseconds(),
		Cost:      tokens.Cost(&c.spec, prompt),
	}, nil
}

// ctxSleep sleeps for d or until ctx is done, whichever comes first.
func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
