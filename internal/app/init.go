package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llmhub/internal/analytics"
	"github.com/nulpointcorp/llmhub/internal/auth"
	"github.com/nulpointcorp/llmhub/internal/cache"
	"github.com/nulpointcorp/llmhub/internal/dispatch"
	"github.com/nulpointcorp/llmhub/internal/ledger"
	"github.com/nulpointcorp/llmhub/internal/metering"
	"github.com/nulpointcorp/llmhub/internal/metrics"
	"github.com/nulpointcorp/llmhub/internal/providers"
	"github.com/nulpointcorp/llmhub/internal/proxy"
	"github.com/nulpointcorp/llmhub/internal/ratelimit"
	"github.com/nulpointcorp/llmhub/internal/registry"
	"github.com/nulpointcorp/llmhub/internal/routing"
	"github.com/nulpointcorp/llmhub/internal/telemetry"
)

// initTelemetry installs the tracer provider selected by OTEL_EXPORTER.
func (a *App) initTelemetry(ctx context.Context) error {
	shutdown, err := telemetry.InitTracer(ctx, a.cfg.Telemetry, a.version, a.traceOut)
	if err != nil {
		return err
	}
	a.shutdownTracer = shutdown
	if a.cfg.Telemetry.Exporter != "none" {
		a.log.Info("tracing enabled",
			slog.String("exporter", a.cfg.Telemetry.Exporter),
			slog.String("endpoint", a.cfg.Telemetry.Endpoint),
		)
	}
	return nil
}

// initInfra opens the ledger database and, when configured, Redis.
// SQLite files are migrated on open; a Postgres schema is applied with
// `gateway migrate`.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("opening ledger",
		slog.String("driver", a.cfg.Database.Driver),
		slog.String("url", redactURL(a.cfg.Database.URL)),
	)
	store, err := ledger.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	a.store = store

	if a.cfg.Database.Driver == "sqlite" {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}

	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initRegistry builds one provider handle per configured backend. The
// registry is immutable from here on.
func (a *App) initRegistry(ctx context.Context) error {
	reg, err := registry.NewBuilder(a.cfg.Backends, a.cfg.Routing.ClassifierBackend, a.factory).Get(ctx)
	if err != nil {
		return err
	}
	a.reg = reg
	a.log.Info("backends loaded",
		slog.Any("labels", reg.Labels()),
		slog.String("classifier", reg.Classifier().Label),
	)
	return nil
}

// initServices creates everything the gateway depends on.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.ledger = ledger.New(a.store, ledger.Options{
		MinBalance:          a.cfg.Ledger.MinBalance,
		ClassifierSurcharge: a.cfg.Ledger.ClassifierSurcharge,
	})

	var journal *metering.Journal
	if a.rdb != nil {
		journal = metering.NewJournal(a.rdb)
	}
	rec, err := metering.New(metering.Options{
		Ledger:      a.ledger,
		Journal:     journal,
		Workers:     a.cfg.Metering.Workers,
		MaxAttempts: a.cfg.Metering.MaxAttempts,
		Metrics:     a.prom,
		Logger:      a.log,
	})
	if err != nil {
		return err
	}
	a.recorder = rec

	// Usage journaled by a previous process that died before writing it.
	if n, err := a.recorder.Replay(ctx); err != nil {
		a.log.Warn("metering replay incomplete", slog.Int("jobs", n), slog.String("error", err.Error()))
	}

	sink, err := a.analyticsSink(ctx)
	if err != nil {
		return err
	}
	a.analytics, err = analytics.New(a.baseCtx, sink, a.log)
	if err != nil {
		return fmt.Errorf("analytics: %w", err)
	}

	backends := make(map[string]providers.Provider)
	for _, e := range a.reg.Entries() {
		backends[e.Label] = e.Provider
	}
	opts := proxy.HealthOptions{
		Backends: backends,
		Database: a.store.Ping,
		Metrics:  a.prom,
	}
	if a.rdb != nil {
		opts.Redis = redisProbe(a.rdb)
	}
	a.health = proxy.NewHealthChecker(a.baseCtx, opts)

	return nil
}

// analyticsSink returns the ClickHouse sink when CLICKHOUSE_DSN is set, or
// nil for the structured-log default.
func (a *App) analyticsSink(ctx context.Context) (analytics.Sink, error) {
	if a.cfg.Analytics.ClickHouseDSN == "" {
		a.log.Info("analytics sink: log")
		return nil, nil
	}
	sink, err := analytics.OpenClickHouse(ctx, a.cfg.Analytics.ClickHouseDSN)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: %w", err)
	}
	a.log.Info("analytics sink: clickhouse")
	return sink, nil
}

// initGateway wires the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	authn, err := auth.New(a.cfg.Auth.Secret, a.cfg.Auth.Algorithm, a.cfg.Auth.Audience)
	if err != nil {
		return err
	}

	// ── Decision cache ───────────────────────────────────────────────────────
	var decisions cache.Cache
	switch {
	case a.cfg.Routing.CacheTTL == 0:
		a.log.Info("decision cache: disabled")
	case a.rdb != nil:
		decisions = cache.NewRedisCache(a.rdb)
		a.log.Info("decision cache: redis")
	default:
		// Not shared across replicas.
		a.memCache = cache.NewMemoryCache(a.baseCtx, 0)
		decisions = a.memCache
		a.log.Info("decision cache: memory (in-process)")
	}

	router, err := routing.New(routing.Options{
		Registry:     a.reg,
		DefaultLabel: a.cfg.Routing.DefaultLabel,
		Timeout:      a.cfg.Routing.Timeout,
		Cache:        decisions,
		CacheTTL:     a.cfg.Routing.CacheTTL,
		Metrics:      a.prom,
		Logger:       a.log,
	})
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(dispatch.Options{
		Registry: a.reg,
		Breaker: dispatch.NewCircuitBreaker(dispatch.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		}),
		Timeout: a.cfg.ProviderTimeout,
		Metrics: a.prom,
		Logger:  a.log,
	})

	// ── Rate limiting ────────────────────────────────────────────────────────
	var limiter ratelimit.Limiter
	if rpm := a.cfg.RateLimit.RPMLimit; rpm > 0 {
		a.local = ratelimit.NewLocalLimiter(rpm)
		limiter = a.local
		if a.rdb != nil {
			// Shared window across replicas; the local bucket covers Redis
			// outages.
			limiter = ratelimit.NewRPMLimiter(a.rdb, rpm, a.local)
		}
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", rpm), slog.Bool("distributed", a.rdb != nil))
	}

	gw, err := proxy.NewGateway(proxy.GatewayOptions{
		Auth:         authn,
		Registry:     a.reg,
		Router:       router,
		Dispatcher:   dispatcher,
		Ledger:       a.ledger,
		Recorder:     a.recorder,
		SyncMetering: a.cfg.Metering.Mode == "sync",
		Limiter:      limiter,
		Analytics:    a.analytics,
		Health:       a.health,
		Metrics:      a.prom,
		Logger:       a.log,
		CORSOrigins:  a.cfg.CORSOrigins,
		Version:      a.version,
	})
	if err != nil {
		return err
	}
	a.gw = gw

	return nil
}
