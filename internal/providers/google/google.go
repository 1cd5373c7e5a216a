// Package google implements the provider client for Google Gemini models
// using the official GenAI SDK.
package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/tokens"
)

// Client implements providers.Client for Google Gemini.
type Client struct {
	spec   config.ProviderSpec
	client *genai.Client
}

// New creates a Gemini client for the given catalog entry.
func New(ctx context.Context, spec config.ProviderSpec, apiKey string) (*Client, error) {
	if ctx == nil {
		return nil, fmt.Errorf("google: context must not be nil")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}

	return &Client{spec: spec, client: client}, nil
}

func (c *Client) Name() string { return c.spec.Name }

// Chat sends prompt to the catalog model as a single user turn.
func (c *Client) Chat(ctx context.Context, prompt string, timeout time.Duration) (*providers.Result, error) {
	start := time.Now()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	resp, err := c.client.Models.GenerateContent(ctx, c.spec.Model, contents, nil)
	if err != nil {
		return nil, c.toError(err)
	}

	return &providers.Result{
		Provider:  c.spec.Name,
		Content:   resp.Text(),
		LatencyMs: time.Since(start).Milliseconds(),
		Cost:      tokens.Cost(&c.spec, prompt),
	}, nil
}

// toError maps SDK errors to the shared taxonomy: RESOURCE_EXHAUSTED (429)
// → RateLimitError, everything else → ProviderError.
func (c *Client) toError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 {
			return &providers.RateLimitError{Provider: c.spec.Name, Err: err}
		}
		return &providers.ProviderError{
			Provider:   c.spec.Name,
			StatusCode: apiErr.Code,
			Err:        fmt.Errorf("google api error: %w", err),
		}
	}
	return &providers.ProviderError{Provider: c.spec.Name, Err: err}
}
