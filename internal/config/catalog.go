package config

import (
	"fmt"
	"slices"

	"github.com/spf13/viper"
)

// RequestTypes are the prompt classifications a provider can specialise in.
var RequestTypes = []string{"code", "writing", "analysis"}

// ProviderSpec is one static catalog entry. The dynamic state (health,
// breaker counters, rate windows, metrics) lives in the state store.
type ProviderSpec struct {
	// Name uniquely identifies the provider across the whole system.
	Name string `mapstructure:"name" json:"name"`

	// Model is the provider-native model identifier.
	Model string `mapstructure:"model" json:"model"`

	// CostPerToken is the per-token price in USD. Must be > 0.
	CostPerToken float64 `mapstructure:"cost_per_token" json:"cost_per_token"`

	// LatencyMs is the nominal response latency used for speed ranking
	// (and as the mock client's simulated delay). Must be > 0.
	LatencyMs int `mapstructure:"latency_ms" json:"latency_ms"`

	// RateLimitRPM is the per-provider requests-per-minute budget enforced
	// by the state store's rolling window. Must be > 0.
	RateLimitRPM int `mapstructure:"rate_limit_rpm" json:"rate_limit_rpm"`

	// Specialties is a subset of RequestTypes that earns the provider a
	// score boost for matching prompts.
	Specialties []string `mapstructure:"specialties" json:"specialties"`

	// QualityScore ranks the provider for quality priority. Range [0,1].
	QualityScore float64 `mapstructure:"quality_score" json:"quality_score"`

	// ProviderClass selects the client implementation: openai, google,
	// anthropic. Empty or unknown classes fall back to the mock client.
	ProviderClass string `mapstructure:"provider_class" json:"-"`

	// APIKeyVar names the environment variable holding the provider's key.
	// Informational; key resolution happens in config.
	APIKeyVar string `mapstructure:"api_key_var" json:"-"`
}

// HasSpecialty reports whether requestType is one of the spec's specialties.
func (s *ProviderSpec) HasSpecialty(requestType string) bool {
	return slices.Contains(s.Specialties, requestType)
}

// LoadCatalog reads the provider catalog from path. The file must exist —
// a router with no catalog cannot serve anything, so a missing or empty
// catalog is a startup error.
//
// The returned slice preserves file order; the selection strategy relies on
// it as the stable tie-break order.
func LoadCatalog(path string) ([]ProviderSpec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("catalog: failed to read %s: %w", path, err)
	}

	var specs []ProviderSpec
	if err := v.UnmarshalKey("providers", &specs); err != nil {
		return nil, fmt.Errorf("catalog: failed to parse %s: %w", path, err)
	}

	if len(specs) == 0 {
		return nil, fmt.Errorf("catalog: %s defines no providers", path)
	}

	seen := make(map[string]bool, len(specs))
	for i := range specs {
		if err := validateSpec(&specs[i]); err != nil {
			return nil, fmt.Errorf("catalog: provider %d: %w", i, err)
		}
		if seen[specs[i].Name] {
			return nil, fmt.Errorf("catalog: duplicate provider name %q", specs[i].Name)
		}
		seen[specs[i].Name] = true
	}

	return specs, nil
}

func validateSpec(s *ProviderSpec) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Model == "" {
		return fmt.Errorf("%s: model is required", s.Name)
	}
	if s.CostPerToken <= 0 {
		return fmt.Errorf("%s: cost_per_token must be > 0, got %v", s.Name, s.CostPerToken)
	}
	if s.LatencyMs <= 0 {
		return fmt.Errorf("%s: latency_ms must be > 0, got %d", s.Name, s.LatencyMs)
	}
	if s.RateLimitRPM <= 0 {
		return fmt.Errorf("%s: rate_limit_rpm must be > 0, got %d", s.Name, s.RateLimitRPM)
	}
	if s.QualityScore < 0 || s.QualityScore > 1 {
		return fmt.Errorf("%s: quality_score must be in [0,1], got %v", s.Name, s.QualityScore)
	}
	for _, sp := range s.Specialties {
		if !slices.Contains(RequestTypes, sp) {
			return fmt.Errorf("%s: unknown specialty %q", s.Name, sp)
		}
	}
	return nil
}
