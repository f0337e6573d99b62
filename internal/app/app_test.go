package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llmhub/internal/config"
	"github.com/nulpointcorp/llmhub/internal/ledger"
	"github.com/nulpointcorp/llmhub/internal/providers"
)

type stubProvider struct{ name string }

func (p stubProvider) Name() string { return p.name }

func (p stubProvider) Request(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return &providers.ProxyResponse{Choices: []providers.Choice{{Content: "chat"}}}, nil
}

func (p stubProvider) HealthCheck(context.Context) error { return nil }

func stubFactory(_ context.Context, b config.BackendConfig) (providers.Provider, error) {
	return stubProvider{name: b.Kind}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:        0,
		LogLevel:    "info",
		CORSOrigins: []string{"*"},
		Auth:        config.AuthConfig{Secret: "s3cret", Algorithm: "HS256"},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			URL:    filepath.Join(t.TempDir(), "llmhub.db"),
		},
		Ledger: config.LedgerConfig{MinBalance: decimal.RequireFromString("0.50")},
		Routing: config.RoutingConfig{
			ClassifierBackend: "router",
			DefaultLabel:      "chat",
			Timeout:           time.Second,
			CacheTTL:          time.Minute,
		},
		CircuitBreaker:  config.CircuitBreakerConfig{ErrorThreshold: 5, TimeWindow: time.Minute, HalfOpenTimeout: time.Second},
		RateLimit:       config.RateLimitConfig{RPMLimit: 60},
		Metering:        config.MeteringConfig{Mode: "async", Workers: 1, MaxAttempts: 2},
		Telemetry:       config.TelemetryConfig{Exporter: "none"},
		ProviderTimeout: time.Second,
		Backends: []config.BackendConfig{
			{Label: "router", Kind: config.KindOpenAICompatible, Model: "deepseek-chat", Internal: true},
			{Label: "chat", Kind: config.KindOpenAI, Model: "gpt-4o-mini", Intent: "general conversation",
				PriceInput: decimal.RequireFromString("0.15"), PriceOutput: decimal.RequireFromString("0.60")},
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_WiresEverything(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), quietLogger(), "test", WithProviderFactory(stubFactory))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	if a.Gateway() == nil || a.reg == nil || a.recorder == nil || a.health == nil {
		t.Fatal("subsystems must be initialised")
	}
	if a.memCache == nil {
		t.Fatal("without redis the decision cache is in memory")
	}
	if a.local == nil {
		t.Fatal("rate limiting must fall back to the local limiter")
	}
	if got := a.reg.Classifier().Label; got != "router" {
		t.Fatalf("classifier: %s", got)
	}
	if snap := a.health.Snapshot(); snap.Services.Database != "up" || snap.Services.Redis != "disabled" {
		t.Fatalf("health: %+v", snap.Services)
	}
}

func TestNew_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()

	a, err := New(context.Background(), cfg, quietLogger(), "test", WithProviderFactory(stubFactory))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.Close)

	if a.rdb == nil || a.memCache != nil {
		t.Fatal("redis must back the decision cache")
	}
	if snap := a.health.Snapshot(); snap.Services.Redis != "up" {
		t.Fatalf("redis health: %s", snap.Services.Redis)
	}
}

func TestNew_UnknownClassifierFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Routing.ClassifierBackend = "missing"

	if _, err := New(context.Background(), cfg, quietLogger(), "test", WithProviderFactory(stubFactory)); err == nil {
		t.Fatal("expected error for unknown classifier backend")
	}
}

func TestNew_BadRedisFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://127.0.0.1:1"

	if _, err := New(context.Background(), cfg, quietLogger(), "test", WithProviderFactory(stubFactory)); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), quietLogger(), "test", WithProviderFactory(stubFactory))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Close()
	a.Close()
}

func TestMigrate_SQLite(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	if err := Migrate(ctx, cfg, quietLogger()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	store, err := ledger.OpenSQLite(ctx, cfg.Database.URL)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer store.Close()
	if err := store.SetBalance(ctx, "u1", decimal.NewFromInt(1)); err != nil {
		t.Fatalf("schema must exist after migrate: %v", err)
	}
}

func TestRedactURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"redis://:secret@localhost:6379", "redis://***@localhost:6379"},
		{"postgres://user:pw@db:5432/llmhub", "postgres://***@db:5432/llmhub"},
		{"llmhub.db", "llmhub.db"},
	}
	for _, tc := range tests {
		if got := redactURL(tc.in); got != tc.want {
			t.Errorf("redactURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
