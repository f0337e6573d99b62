// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example JWT_SECRET becomes jwt_secret in
// YAML. The backend list can only be given in YAML under the "backends" key.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Backend kinds understood by the registry.
const (
	KindOpenAI           = "openai"
	KindOpenAICompatible = "openai_compatible"
	KindAzure            = "azure"
	KindAnthropic        = "anthropic"
	KindGemini           = "gemini"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string

	Auth           AuthConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	Ledger         LedgerConfig
	Routing        RoutingConfig
	CircuitBreaker CircuitBreakerConfig
	RateLimit      RateLimitConfig
	Metering       MeteringConfig
	Analytics      AnalyticsConfig
	Telemetry      TelemetryConfig

	// ProviderTimeout bounds a single upstream completion call. Default: 60s.
	ProviderTimeout time.Duration

	// Backends is the ordered list of model backends. Order matters: it is
	// the order intents appear in the classification prompt.
	Backends []BackendConfig
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	// Secret is the HMAC key tokens are signed with. Required.
	Secret string
	// Algorithm is one of HS256, HS384, HS512. Default: HS256.
	Algorithm string
	// Audience, when set, must appear in the token's aud claim.
	Audience string
}

// DatabaseConfig selects the ledger store.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite". Default: sqlite.
	Driver string
	// URL is a postgres:// DSN or a SQLite file path. Default: llmhub.db.
	URL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Optional; enables the shared
	// decision cache, the distributed rate limiter and the metering journal.
	URL string
}

// LedgerConfig holds billing thresholds.
type LedgerConfig struct {
	// MinBalance is the credit balance below which requests are refused
	// with 402. Default: 0.50.
	MinBalance decimal.Decimal
	// ClassifierSurcharge is added to the cost of every auto-routed call.
	// Default: 0.
	ClassifierSurcharge decimal.Decimal
}

// RoutingConfig controls model selection.
type RoutingConfig struct {
	// ClassifierBackend is the label of the backend asked to classify
	// prompts. Default: "router".
	ClassifierBackend string
	// DefaultLabel is used when classification fails. Default: the first
	// public backend.
	DefaultLabel string
	// Timeout bounds one classifier call. Default: 10s.
	Timeout time.Duration
	// CacheTTL keeps classifier decisions for identical messages.
	// 0 disables the decision cache. Default: 10m.
	CacheTTL time.Duration
}

// CircuitBreakerConfig controls per-backend circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed per user.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// MeteringConfig controls how usage is written to the ledger.
type MeteringConfig struct {
	// Mode is "async" (background workers) or "sync" (before responding).
	// Default: async.
	Mode string
	// Workers is the number of background ledger writers. Default: 4.
	Workers int
	// MaxAttempts bounds retries of one ledger write. Default: 5.
	MaxAttempts int
}

// AnalyticsConfig controls request analytics.
type AnalyticsConfig struct {
	// ClickHouseDSN, when set, ships request analytics to ClickHouse instead
	// of the structured log.
	ClickHouseDSN string
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	// Exporter is one of none, stdout, otlp. Default: none.
	Exporter string
	// Endpoint is the OTLP gRPC collector address. Default: localhost:4317.
	Endpoint string
	// ServiceName is reported on every span. Default: llmhub.
	ServiceName string
}

// BackendConfig describes one model backend.
type BackendConfig struct {
	Label       string
	Kind        string
	Endpoint    string
	APIKey      string
	APIVersion  string
	Model       string
	PriceInput  decimal.Decimal // per million prompt tokens
	PriceOutput decimal.Decimal // per million completion tokens
	Intent      string
	OwnedBy     string
	Internal    bool
}

// rawBackend is the YAML shape; prices are decoded as text so they never
// pass through a float.
type rawBackend struct {
	Label       string `mapstructure:"label"`
	Kind        string `mapstructure:"kind"`
	Endpoint    string `mapstructure:"endpoint"`
	APIKey      string `mapstructure:"api_key"`
	APIVersion  string `mapstructure:"api_version"`
	Model       string `mapstructure:"model"`
	PriceInput  string `mapstructure:"price_input"`
	PriceOutput string `mapstructure:"price_output"`
	Intent      string `mapstructure:"intent"`
	OwnedBy     string `mapstructure:"owned_by"`
	Internal    bool   `mapstructure:"internal"`
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

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("JWT_ALGORITHM", "HS256")

	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "llmhub.db")

	v.SetDefault("MIN_BALANCE", "0.50")
	v.SetDefault("CLASSIFIER_SURCHARGE", "0")

	v.SetDefault("CLASSIFIER_BACKEND", "router")
	v.SetDefault("CLASSIFIER_TIMEOUT", "10s")
	v.SetDefault("ROUTING_CACHE_TTL", "10m")

	v.SetDefault("PROVIDER_TIMEOUT", "60s")

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("METERING_MODE", "async")
	v.SetDefault("METERING_WORKERS", 4)
	v.SetDefault("METERING_MAX_ATTEMPTS", 5)

	v.SetDefault("OTEL_EXPORTER", "none")
	v.SetDefault("OTEL_ENDPOINT", "localhost:4317")
	v.SetDefault("OTEL_SERVICE_NAME", "llmhub")
}

func fromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	minBalance, err := decimal.NewFromString(v.GetString("MIN_BALANCE"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid MIN_BALANCE %q: %w", v.GetString("MIN_BALANCE"), err)
	}
	surcharge, err := decimal.NewFromString(v.GetString("CLASSIFIER_SURCHARGE"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid CLASSIFIER_SURCHARGE %q: %w", v.GetString("CLASSIFIER_SURCHARGE"), err)
	}

	backends, err := decodeBackends(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		Auth: AuthConfig{
			Secret:    v.GetString("JWT_SECRET"),
			Algorithm: strings.ToUpper(v.GetString("JWT_ALGORITHM")),
			Audience:  v.GetString("JWT_AUDIENCE"),
		},

		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("DATABASE_DRIVER")),
			URL:    v.GetString("DATABASE_URL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Ledger: LedgerConfig{
			MinBalance:          minBalance,
			ClassifierSurcharge: surcharge,
		},

		Routing: RoutingConfig{
			ClassifierBackend: v.GetString("CLASSIFIER_BACKEND"),
			DefaultLabel:      v.GetString("DEFAULT_LABEL"),
			Timeout:           v.GetDuration("CLASSIFIER_TIMEOUT"),
			CacheTTL:          v.GetDuration("ROUTING_CACHE_TTL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Metering: MeteringConfig{
			Mode:        strings.ToLower(v.GetString("METERING_MODE")),
			Workers:     v.GetInt("METERING_WORKERS"),
			MaxAttempts: v.GetInt("METERING_MAX_ATTEMPTS"),
		},

		Analytics: AnalyticsConfig{ClickHouseDSN: v.GetString("CLICKHOUSE_DSN")},

		Telemetry: TelemetryConfig{
			Exporter:    strings.ToLower(v.GetString("OTEL_EXPORTER")),
			Endpoint:    v.GetString("OTEL_ENDPOINT"),
			ServiceName: v.GetString("OTEL_SERVICE_NAME"),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		Backends:        backends,
	}

	if cfg.Routing.DefaultLabel == "" {
		cfg.Routing.DefaultLabel = cfg.firstPublicLabel()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decodeBackends(v *viper.Viper) ([]BackendConfig, error) {
	var raw []rawBackend
	if err := v.UnmarshalKey("backends", &raw); err != nil {
		return nil, fmt.Errorf("config: decode backends: %w", err)
	}

	out := make([]BackendConfig, 0, len(raw))
	for i, r := range raw {
		in, err := parsePrice(r.PriceInput)
		if err != nil {
			return nil, fmt.Errorf("config: backends[%d] (%s): invalid price_input: %w", i, r.Label, err)
		}
		outPrice, err := parsePrice(r.PriceOutput)
		if err != nil {
			return nil, fmt.Errorf("config: backends[%d] (%s): invalid price_output: %w", i, r.Label, err)
		}

		kind := strings.ToLower(strings.TrimSpace(r.Kind))
		if kind == "" {
			kind = KindOpenAICompatible
		}

		out = append(out, BackendConfig{
			Label:       strings.TrimSpace(r.Label),
			Kind:        kind,
			Endpoint:    strings.TrimSpace(r.Endpoint),
			APIKey:      os.ExpandEnv(r.APIKey),
			APIVersion:  r.APIVersion,
			Model:       r.Model,
			PriceInput:  in,
			PriceOutput: outPrice,
			Intent:      strings.TrimSpace(r.Intent),
			OwnedBy:     r.OwnedBy,
			Internal:    r.Internal,
		})
	}
	return out, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative, got %s", s)
	}
	return d, nil
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

	if c.Auth.Secret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	switch c.Auth.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("config: invalid JWT_ALGORITHM %q; must be one of: HS256, HS384, HS512", c.Auth.Algorithm)
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: invalid DATABASE_DRIVER %q; must be one of: postgres, sqlite", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}

	if c.Ledger.MinBalance.IsNegative() {
		return fmt.Errorf("config: MIN_BALANCE must not be negative")
	}
	if c.Ledger.ClassifierSurcharge.IsNegative() {
		return fmt.Errorf("config: CLASSIFIER_SURCHARGE must not be negative")
	}

	if err := c.validateBackends(); err != nil {
		return err
	}

	if c.Routing.Timeout <= 0 {
		return fmt.Errorf("config: CLASSIFIER_TIMEOUT must be a positive duration")
	}
	if c.Routing.CacheTTL < 0 {
		return fmt.Errorf("config: ROUTING_CACHE_TTL must not be negative")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}

	switch c.Metering.Mode {
	case "async", "sync":
	default:
		return fmt.Errorf("config: invalid METERING_MODE %q; must be one of: async, sync", c.Metering.Mode)
	}
	if c.Metering.Workers < 1 {
		return fmt.Errorf("config: METERING_WORKERS must be ≥ 1, got %d", c.Metering.Workers)
	}
	if c.Metering.MaxAttempts < 1 {
		return fmt.Errorf("config: METERING_MAX_ATTEMPTS must be ≥ 1, got %d", c.Metering.MaxAttempts)
	}

	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("config: invalid OTEL_EXPORTER %q; must be one of: none, stdout, otlp", c.Telemetry.Exporter)
	}

	return nil
}

func (c *Config) validateBackends() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one entry under \"backends\" is required")
	}

	seen := make(map[string]bool, len(c.Backends))
	intents := 0
	for i, b := range c.Backends {
		if b.Label == "" {
			return fmt.Errorf("config: backends[%d]: label is required", i)
		}
		if seen[b.Label] {
			return fmt.Errorf("config: backends[%d]: duplicate label %q", i, b.Label)
		}
		seen[b.Label] = true

		switch b.Kind {
		case KindOpenAI, KindOpenAICompatible, KindAzure, KindAnthropic, KindGemini:
		default:
			return fmt.Errorf("config: backends[%d] (%s): unknown kind %q", i, b.Label, b.Kind)
		}
		if b.Endpoint == "" {
			return fmt.Errorf("config: backends[%d] (%s): endpoint is required", i, b.Label)
		}
		if b.APIKey == "" {
			return fmt.Errorf("config: backends[%d] (%s): api_key is required", i, b.Label)
		}
		if b.Model == "" {
			return fmt.Errorf("config: backends[%d] (%s): model is required", i, b.Label)
		}
		if b.Intent != "" && !b.Internal {
			intents++
		}
	}

	if !seen[c.Routing.ClassifierBackend] {
		return fmt.Errorf("config: CLASSIFIER_BACKEND %q does not name a configured backend", c.Routing.ClassifierBackend)
	}
	if intents == 0 {
		return fmt.Errorf("config: at least one public backend must declare an intent")
	}
	if c.Routing.DefaultLabel == "" || !seen[c.Routing.DefaultLabel] {
		return fmt.Errorf("config: DEFAULT_LABEL %q does not name a configured backend", c.Routing.DefaultLabel)
	}
	for _, b := range c.Backends {
		if b.Label == c.Routing.DefaultLabel && b.Internal {
			return fmt.Errorf("config: DEFAULT_LABEL %q names an internal backend", b.Label)
		}
	}

	return nil
}

func (c *Config) firstPublicLabel() string {
	for _, b := range c.Backends {
		if !b.Internal && b.Label != c.Routing.ClassifierBackend {
			return b.Label
		}
	}
	return ""
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
