package dispatch

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llmhub/internal/providers"
)

// cbState represents the operational state of a per-backend circuit breaker.
//
//	cbClosed: normal operation; all requests pass through.
//	cbOpen: backend is failing; requests are rejected immediately.
//	cbHalfOpen: recovery probe; one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the defaults in providers/provider.go.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: providers.CBErrorThreshold (5).
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	// Default: providers.CBTimeWindow (60s).
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: providers.CBHalfOpenTimeout (30s).
	HalfOpenTimeout time.Duration
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return providers.CBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return providers.CBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return providers.CBHalfOpenTimeout
}

// backendCB holds per-backend circuit breaker state.
type backendCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent breakers keyed by backend label.
// Breakers are created on first use. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*backendCB
	cfg      CBConfig
	now      func() time.Time
}

func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*backendCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow reports whether the backend should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(label string) bool {
	b := cb.get(label)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case cbOpen:
		if cb.now().Sub(b.openedAt) >= cb.cfg.halfOpenTimeout() {
			b.state = cbHalfOpen
			b.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if b.probeInflight {
			return false
		}
		b.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(label string) {
	b := cb.get(label)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = cbClosed
	b.errorCount = 0
	b.probeInflight = false
	b.windowStart = cb.now()
}

// RecordFailure increments the error counter. When the counter reaches
// ErrorThreshold within TimeWindow, or a half-open probe fails, the breaker
// opens.
func (cb *CircuitBreaker) RecordFailure(label string) {
	b := cb.get(label)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := cb.now()

	if now.Sub(b.windowStart) > cb.cfg.timeWindow() {
		b.errorCount = 0
		b.windowStart = now
	}

	b.errorCount++

	if b.state == cbHalfOpen || b.errorCount >= cb.cfg.errorThreshold() {
		b.state = cbOpen
		b.openedAt = now
	}
	b.probeInflight = false
}

// Release frees a half-open probe slot without judging the backend, e.g.
// when the caller went away or the request itself was bad.
func (cb *CircuitBreaker) Release(label string) {
	b := cb.get(label)

	b.mu.Lock()
	b.probeInflight = false
	b.mu.Unlock()
}

// State returns the current cbState for label.
func (cb *CircuitBreaker) State(label string) cbState {
	b := cb.get(label)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(label string) string {
	switch cb.State(label) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(label string) *backendCB {
	cb.mu.RLock()
	b, ok := cb.breakers[label]
	cb.mu.RUnlock()
	if ok {
		return b
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if b, ok = cb.breakers[label]; ok {
		return b
	}
	b = &backendCB{state: cbClosed, windowStart: cb.now()}
	cb.breakers[label] = b
	return b
}
