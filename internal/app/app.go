// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initTelemetry: global tracer provider
//  2. initInfra: ledger database, Redis when configured
//  3. initRegistry: one provider handle per configured backend
//  4. initServices: metrics, ledger, metering, analytics, health probes
//  5. initGateway: decision cache, rate limiter, HTTP surface
//
// Close releases everything in reverse order.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llmhub/internal/analytics"
	"github.com/nulpointcorp/llmhub/internal/cache"
	"github.com/nulpointcorp/llmhub/internal/config"
	"github.com/nulpointcorp/llmhub/internal/ledger"
	"github.com/nulpointcorp/llmhub/internal/metering"
	"github.com/nulpointcorp/llmhub/internal/metrics"
	"github.com/nulpointcorp/llmhub/internal/proxy"
	"github.com/nulpointcorp/llmhub/internal/ratelimit"
	"github.com/nulpointcorp/llmhub/internal/registry"
	"github.com/nulpointcorp/llmhub/internal/telemetry"
)

const (
	shutdownTimeout = 15 * time.Second
	pingTimeout     = 5 * time.Second
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// factory builds provider handles; tests replace it with fakes.
	factory registry.ProviderFactory
	// traceOut receives spans when the stdout exporter is selected.
	traceOut io.Writer

	shutdownTracer telemetry.ShutdownFunc

	store ledger.Store
	// Optional external connection, nil when REDIS_URL is empty.
	rdb *redis.Client

	reg *registry.Registry

	prom      *metrics.Registry
	memCache  *cache.MemoryCache
	local     *ratelimit.LocalLimiter
	ledger    *ledger.Ledger
	recorder  *metering.Recorder
	analytics *analytics.Logger
	health    *proxy.HealthChecker

	gw *proxy.Gateway

	closeOnce sync.Once
}

// Option customises App construction.
type Option func(*App)

// WithProviderFactory replaces the factory used to build backend providers.
func WithProviderFactory(f registry.ProviderFactory) Option {
	return func(a *App) { a.factory = f }
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string, opts ...Option) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{
		cfg:      cfg,
		version:  version,
		baseCtx:  ctx,
		log:      log,
		factory:  registry.NewProvider,
		traceOut: os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"telemetry", a.initTelemetry},
		{"infra", a.initInfra},
		{"registry", a.initRegistry},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Gateway returns the HTTP surface.
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. In-flight requests get shutdownTimeout to finish, then the app is
// closed.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("database", a.cfg.Database.Driver),
		slog.Bool("redis", a.rdb != nil),
		slog.String("metering", a.cfg.Metering.Mode),
		slog.Any("labels", a.reg.Labels()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.gw.Shutdown(sctx); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.recorder != nil {
		// Drains queued usage before the database goes away.
		if err := a.recorder.Close(); err != nil {
			a.log.Error("metering close error", slog.String("error", err.Error()))
		}
	}
	if a.analytics != nil {
		if err := a.analytics.Close(); err != nil {
			a.log.Error("analytics close error", slog.String("error", err.Error()))
		}
	}
	if a.health != nil {
		a.health.Close()
	}
	if a.local != nil {
		a.local.Stop()
	}
	if a.memCache != nil {
		a.memCache.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("database close error", slog.String("error", err.Error()))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	if a.shutdownTracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := a.shutdownTracer(ctx); err != nil {
			a.log.Error("tracer shutdown error", slog.String("error", err.Error()))
		}
	}
}

// Migrate applies the ledger schema for the configured driver.
func Migrate(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	store, err := ledger.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("app: open ledger: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("app: migrate: %w", err)
	}
	log.Info("ledger schema applied",
		slog.String("driver", cfg.Database.Driver),
		slog.String("url", redactURL(cfg.Database.URL)),
	)
	return nil
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisProbe adapts the client to a health probe. Reuses the existing
// client, no new connections.
func redisProbe(rdb *redis.Client) proxy.Probe {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
