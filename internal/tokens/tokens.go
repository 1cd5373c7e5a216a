// Package tokens estimates prompt token counts and converts them into
// per-provider request costs.
//
// Estimates use the model's real tokenizer encoding when one can be
// resolved; otherwise they fall back to the ceil(len/4) heuristic (roughly
// four characters per token for English text). Both paths are deterministic
// for a given input, which the selection strategy relies on.
package tokens

import (
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nulpointcorp/llm-router/internal/config"
)

// encoderCache memoises tiktoken encoders per model. Resolution is attempted
// once; models with no known encoding (or no local BPE data) are cached as
// nil and served by the heuristic from then on.
var encoderCache sync.Map // model → *tiktoken.Tiktoken (nil when unavailable)

// Estimate returns the estimated token count of text for model.
// Never returns an error: unknown models use the heuristic.
func Estimate(text, model string) int {
	if enc := encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return heuristic(text)
}

// Cost returns the estimated cost in USD of sending prompt to the provider
// described by spec.
func Cost(spec *config.ProviderSpec, prompt string) float64 {
	return float64(Estimate(prompt, spec.Model)) * spec.CostPerToken
}

func encoderFor(model string) *tiktoken.Tiktoken {
	if v, ok := encoderCache.Load(model); ok {
		enc, _ := v.(*tiktoken.Tiktoken)
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc = nil
	}

	// Two goroutines may race here; both compute the same value.
	encoderCache.Store(model, enc)
	return enc
}

// heuristic approximates GPT-family tokenisation as ~4 characters per token.
func heuristic(text string) int {
	return int(math.Ceil(float64(len(text)) / 4))
}
