// Package anthropic implements the provider client for Anthropic models
// using the official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/tokens"
)

// defaultMaxTokens bounds completions; the Messages API requires a value.
const defaultMaxTokens = 4096

// Client implements providers.Client for Anthropic.
type Client struct {
	spec   config.ProviderSpec
	client anthropicSDK.Client
}

// New creates an Anthropic client for the given catalog entry.
func New(spec config.ProviderSpec, apiKey string) *Client {
	return &Client{
		spec:   spec,
		client: anthropicSDK.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (c *Client) Name() string { return c.spec.Name }

// Chat sends prompt as a single user message to the catalog model.
func (c *Client) Chat(ctx context.Context, prompt string, timeout time.Duration) (*providers.Result, error) {
	start := time.Now()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := c.client.Messages.New(ctx, anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(c.spec.Model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropicSDK.MessageParam{
			anthropicSDK.NewUserMessage(anthropicSDK.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, c.toError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.Result{
		Provider:  c.spec.Name,
		Content:   sb.String(),
		LatencyMs: time.Since(start).Milliseconds(),
		Cost:      tokens.Cost(&c.spec, prompt),
	}, nil
}

// toError maps SDK errors to the shared taxonomy: 429 → RateLimitError,
// everything else → ProviderError.
func (c *Client) toError(err error) error {
	var apierr *anthropicSDK.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 {
			return &providers.RateLimitError{Provider: c.spec.Name, Err: err}
		}
		return &providers.ProviderError{
			Provider:   c.spec.Name,
			StatusCode: apierr.StatusCode,
			Err:        fmt.Errorf("anthropic api error: %w", err),
		}
	}
	return &providers.ProviderError{Provider: c.spec.Name, Err: err}
}
