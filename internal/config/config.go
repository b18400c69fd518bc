// Package config loads and validates all runtime configuration for the
// proxy.
//
// Configuration is read from environment variables, with an optional .env
// file in the working directory loaded first (lower precedence than real
// environment variables). Nested settings use a double-underscore
// delimiter, e.g. RATE_LIMIT__REQUESTS_PER_MINUTE, mirroring the reference
// service's env_nested_delimiter convention.
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
	LogLevel string
	// Debug adds source locations to log lines when true.
	Debug bool
	// Environment is a free-form deployment label (e.g. "production", "dev").
	Environment string

	// OpenAIAPIBase is the upstream base URL. Default: https://api.openai.com/v1.
	OpenAIAPIBase string
	// OpenAIAPIKey is the default upstream credential. Required.
	OpenAIAPIKey string

	// ClientAPIKeys is the accepted set of proxy-issued bearer tokens.
	// Empty means accept any bearer string (open mode).
	ClientAPIKeys []string
	// APIKeyMapping is the raw JSON object mapping proxy key -> upstream key.
	// Empty string means every client uses OpenAIAPIKey.
	APIKeyMapping string

	RateLimit RateLimitConfig
	Cache     CacheConfig
	Retry     RetryConfig

	// CORSOrigins is the list of allowed CORS origins ("*" allows any).
	CORSOrigins []string
}

// RateLimitConfig controls the per-client sliding-window limits (C2).
type RateLimitConfig struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// CacheConfig controls the response cache (C3).
type CacheConfig struct {
	RedisURL      string
	EmbeddingsTTL time.Duration
	DefaultTTL    time.Duration

	// ExcludeExact and ExcludePatterns are an operator escape hatch on top
	// of the admission predicate's defaults — endpoints (or regexes over
	// endpoint names) that should never be cached regardless of what the
	// predicate would otherwise allow. Both default empty.
	ExcludeExact    []string
	ExcludePatterns []string
}

// RetryConfig controls the upstream client's retry/backoff (C5).
type RetryConfig struct {
	MaxAttempts   int
	BackoffFactor float64
}

// Load reads configuration from environment variables (and an optional
// .env file) and validates it.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEBUG", false)
	v.SetDefault("ENVIRONMENT", "production")

	v.SetDefault("OPENAI_API_BASE", "https://api.openai.com/v1")
	v.SetDefault("OPENAI_API_KEY", "")

	v.SetDefault("CLIENT_API_KEYS", "")
	v.SetDefault("API_KEY_MAPPING", "")

	v.SetDefault("RATE_LIMIT__REQUESTS_PER_MINUTE", 60)
	v.SetDefault("RATE_LIMIT__TOKENS_PER_MINUTE", 100000)

	v.SetDefault("CACHE__REDIS_URL", "redis://localhost:6379")
	v.SetDefault("CACHE__EMBEDDINGS_TTL", 3600)
	v.SetDefault("CACHE__DEFAULT_TTL", 300)
	v.SetDefault("CACHE__EXCLUDE_EXACT", "")
	v.SetDefault("CACHE__EXCLUDE_PATTERNS", "")

	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BACKOFF_FACTOR", 2.0)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	clientKeys := splitNonEmpty(v.GetString("CLIENT_API_KEYS"), ",")

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		Debug:       v.GetBool("DEBUG"),
		Environment: v.GetString("ENVIRONMENT"),

		OpenAIAPIBase: v.GetString("OPENAI_API_BASE"),
		OpenAIAPIKey:  v.GetString("OPENAI_API_KEY"),

		ClientAPIKeys: clientKeys,
		APIKeyMapping: v.GetString("API_KEY_MAPPING"),

		RateLimit: RateLimitConfig{
			RequestsPerMinute: v.GetInt("RATE_LIMIT__REQUESTS_PER_MINUTE"),
			TokensPerMinute:   v.GetInt("RATE_LIMIT__TOKENS_PER_MINUTE"),
		},

		Cache: CacheConfig{
			RedisURL:        v.GetString("CACHE__REDIS_URL"),
			EmbeddingsTTL:   time.Duration(v.GetInt("CACHE__EMBEDDINGS_TTL")) * time.Second,
			DefaultTTL:      time.Duration(v.GetInt("CACHE__DEFAULT_TTL")) * time.Second,
			ExcludeExact:    splitNonEmpty(v.GetString("CACHE__EXCLUDE_EXACT"), ","),
			ExcludePatterns: splitNonEmpty(v.GetString("CACHE__EXCLUDE_PATTERNS"), ","),
		},

		Retry: RetryConfig{
			MaxAttempts:   v.GetInt("RETRY_MAX_ATTEMPTS"),
			BackoffFactor: v.GetFloat64("RETRY_BACKOFF_FACTOR"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("config: OPENAI_API_KEY is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.TokensPerMinute < 0 {
		return fmt.Errorf("config: rate limit values must be non-negative")
	}
	return nil
}

func splitNonEmpty(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
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
