package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llmhub/internal/metrics"
	"github.com/nulpointcorp/llmhub/internal/providers"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "up" | "down" | "disabled"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthOptions lists what the checker probes. Database is required for a
// healthy status; a nil Redis probe is reported as disabled.
type HealthOptions struct {
	Backends map[string]providers.Provider
	Database Probe
	Redis    Probe
	Metrics  *metrics.Registry
	Interval time.Duration
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	backends map[string]providers.Provider
	database Probe
	redis    Probe
	baseCtx  context.Context
	metrics  *metrics.Registry
	interval time.Duration

	backendStatuses map[string]*componentStatus
	dbStatus        componentStatus
	redisStatus     componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes.
func NewHealthChecker(ctx context.Context, opts HealthOptions) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		backends:        opts.Backends,
		database:        opts.Database,
		redis:           opts.Redis,
		baseCtx:         ctx,
		metrics:         opts.Metrics,
		interval:        opts.Interval,
		backendStatuses: make(map[string]*componentStatus, len(opts.Backends)),
		startTime:       time.Now(),
		done:            make(chan struct{}),
	}
	if hc.interval <= 0 {
		hc.interval = healthProbeInterval
	}

	for label := range opts.Backends {
		hc.backendStatuses[label] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// Services is the per-dependency part of GET /health.
type Services struct {
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Services      Services          `json:"services"`
	Backends      map[string]string `json:"backends"`
}

// Snapshot builds a snapshot from the latest probe results. A down database
// makes the gateway unhealthy; unreachable backends or Redis only degrade
// it.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	backends := make(map[string]string, len(hc.backendStatuses))
	for label, s := range hc.backendStatuses {
		st := s.get()
		backends[label] = st
		if st != "up" {
			overall = "degraded"
		}
	}

	redis := hc.redisStatus.get()
	if redis == "down" {
		overall = "degraded"
	}

	db := hc.dbStatus.get()
	if db != "up" {
		overall = "unhealthy"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Services:      Services{Database: db, Redis: redis},
		Backends:      backends,
	}
}

// ReadinessOK returns true when the ledger database is reachable.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "up"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Backend probes run in parallel.
	var wg sync.WaitGroup
	for label, prov := range hc.backends {
		s := hc.backendStatuses[label]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := prov.HealthCheck(ctx)
			if err != nil {
				s.set("down")
			} else {
				s.set("up")
			}
			hc.metrics.SetBackendHealth(label, err == nil)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		hc.dbStatus.set(probeStatus(ctx, hc.database, "down"))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		hc.redisStatus.set(probeStatus(ctx, hc.redis, "disabled"))
	}()

	wg.Wait()
}

func probeStatus(ctx context.Context, p Probe, missing string) string {
	if p == nil {
		return missing
	}
	if err := p(ctx); err != nil {
		return "down"
	}
	return "up"
}
