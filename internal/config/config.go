// Package config loads and validates all runtime configuration for the router.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file in the working directory is
// loaded into the environment first when present.
//
// The provider catalog is a separate declarative file (providers.yaml by
// default) loaded by LoadCatalog — see catalog.go.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// ProvidersFile is the path to the provider catalog. Default: providers.yaml.
	// A missing catalog is fatal at startup.
	ProvidersFile string

	// Mock replaces every provider client with the in-process mock regardless
	// of the catalog's provider_class. Default: true — the router is fully
	// functional with no upstream credentials.
	Mock bool

	// MockFailureRate is the probability in [0,1] that a mock provider call
	// fails with a provider error. Default: 0.1.
	MockFailureRate float64

	// UserBudgetCap is the per-user spending ceiling in USD. Requests from a
	// user whose recorded spend exceeds the cap are refused pre-flight.
	// Default: 1.00.
	UserBudgetCap float64

	// CircuitBreaker controls the per-provider breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Strategy controls the selection strategy's specialty boosts.
	Strategy StrategyConfig

	// Provider API keys — only consulted when Mock is false.
	OpenAI    ProviderConfig
	Google    ProviderConfig
	Anthropic ProviderConfig

	// Redis holds the connection URL for the optional Redis-backed cache and
	// global rate limiter. Required only when CacheMode is "redis" or
	// RPMLimit > 0.
	Redis RedisConfig

	// Cache controls the optional response cache.
	Cache CacheConfig

	// RateLimit controls the optional gateway-wide RPM limit (distinct from
	// the per-provider rolling windows enforced by the state store).
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// ProviderConfig holds credentials for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider
	// (its catalog entry then falls back to the mock client).
	APIKey string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker. Default: 3.
	FailureThreshold int

	// OpenDuration is how long the breaker stays open before allowing a
	// single probe request. Default: 60s.
	OpenDuration time.Duration
}

// StrategyConfig controls the selection strategy's score adjustments.
type StrategyConfig struct {
	// QualityBoost multiplies the (negative) quality score of a specialist
	// provider, improving its rank. Default: 1.1.
	QualityBoost float64

	// CostSpeedBoost multiplies the cost or latency score of a specialist
	// provider, improving its rank. Default: 0.9.
	CostSpeedBoost float64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the optional response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "none"   — cache disabled (default; every request is routed).
	//   "memory" — in-process TTL cache. No external deps.
	//   "redis"  — Redis-backed exact cache (requires REDIS_URL).
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeTypes lists request classifications (code, writing, analysis)
	// that must never be cached.
	ExcludeTypes []string

	// ExcludePatterns lists Go regular expressions matched against prompts.
	// Requests whose prompt matches any pattern are not cached.
	ExcludePatterns []string
}

// RateLimitConfig controls the gateway-wide request-rate limit.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute admitted into routing,
	// across all providers. 0 disables the global limit. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PROVIDERS_FILE", "providers.yaml")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("MOCK", true)
	v.SetDefault("MOCK_FAILURE_RATE", 0.1)

	v.SetDefault("USER_BUDGET_CAP", 1.00)

	v.SetDefault("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 3)
	v.SetDefault("CIRCUIT_BREAKER_OPEN_DURATION_S", 60)

	v.SetDefault("STRATEGY_QUALITY_BOOST", 1.1)
	v.SetDefault("STRATEGY_COST_SPEED_BOOST", 0.9)

	v.SetDefault("CACHE_MODE", "none")
	v.SetDefault("CACHE_TTL", "1h")

	// Global RPM limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:          v.GetInt("PORT"),
		LogLevel:      strings.ToLower(v.GetString("LOG_LEVEL")),
		ProvidersFile: v.GetString("PROVIDERS_FILE"),

		Mock:            v.GetBool("MOCK"),
		MockFailureRate: v.GetFloat64("MOCK_FAILURE_RATE"),

		UserBudgetCap: v.GetFloat64("USER_BUDGET_CAP"),

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD"),
			OpenDuration:     time.Duration(v.GetInt("CIRCUIT_BREAKER_OPEN_DURATION_S")) * time.Second,
		},

		Strategy: StrategyConfig{
			QualityBoost:   v.GetFloat64("STRATEGY_QUALITY_BOOST"),
			CostSpeedBoost: v.GetFloat64("STRATEGY_COST_SPEED_BOOST"),
		},

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY")},
		Google:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeTypes:    v.GetStringSlice("CACHE_EXCLUDE_TYPES"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.UserBudgetCap <= 0 {
		return fmt.Errorf("config: USER_BUDGET_CAP must be > 0, got %v", c.UserBudgetCap)
	}

	if c.MockFailureRate < 0 || c.MockFailureRate > 1 {
		return fmt.Errorf("config: MOCK_FAILURE_RATE must be in [0,1], got %v", c.MockFailureRate)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_FAILURE_THRESHOLD must be ≥ 1, got %d",
			c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.OpenDuration <= 0 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_OPEN_DURATION_S must be a positive duration")
	}

	if c.Strategy.QualityBoost <= 0 {
		return fmt.Errorf("config: STRATEGY_QUALITY_BOOST must be > 0, got %v", c.Strategy.QualityBoost)
	}
	if c.Strategy.CostSpeedBoost <= 0 {
		return fmt.Errorf("config: STRATEGY_COST_SPEED_BOOST must be > 0, got %v", c.Strategy.CostSpeedBoost)
	}

	switch c.Cache.Mode {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: none, memory, redis",
			c.Cache.Mode,
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
