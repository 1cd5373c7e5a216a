// Package openai implements the provider client for OpenAI models using the
// official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/tokens"
)

// Client implements providers.Client for OpenAI.
type Client struct {
	spec   config.ProviderSpec
	client openaiSDK.Client
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL string
}

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(c *clientConfig) { c.baseURL = u }
}

// New creates an OpenAI client for the given catalog entry.
func New(spec config.ProviderSpec, apiKey string, opts ...Option) *Client {
	var cc clientConfig
	for _, o := range opts {
		o(&cc)
	}

	sdkOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cc.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(cc.baseURL))
	}

	return &Client{
		spec:   spec,
		client: openaiSDK.NewClient(sdkOpts...),
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

	resp, err := c.client.Chat.Completions.New(ctx, openaiSDK.ChatCompletionNewParams{
		Model:    c.spec.Model,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{openaiSDK.UserMessage(prompt)},
	})
	if err != nil {
		return nil, c.toError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &providers.Result{
		Provider:  c.spec.Name,
		Content:   content,
		LatencyMs: time.Since(start).Milliseconds(),
		Cost:      tokens.Cost(&c.spec, prompt),
	}, nil
}

// toError maps SDK errors to the shared taxonomy: 429 → RateLimitError,
// everything else → ProviderError.
func (c *Client) toError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 {
			return &providers.RateLimitError{Provider: c.spec.Name, Err: err}
		}
		return &providers.ProviderError{
			Provider:   c.spec.Name,
			StatusCode: apierr.StatusCode,
			Err:        fmt.Errorf("openai api error: %w", err),
		}
	}
	return &providers.ProviderError{Provider: c.spec.Name, Err: err}
}
