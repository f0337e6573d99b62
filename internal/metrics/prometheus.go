// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Every method accepts a nil receiver and does nothing, so components can
// run without metrics in tests.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// llmhub_inflight_requests
	inFlight prometheus.Gauge

	// llmhub_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// llmhub_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// llmhub_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// llmhub_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// llmhub_completions_total{backend,status}
	completionsTotal *prometheus.CounterVec

	// llmhub_upstream_attempts_total{backend,outcome}
	upstreamAttempts *prometheus.CounterVec

	// llmhub_upstream_attempt_duration_seconds{backend,outcome}
	upstreamDuration *prometheus.HistogramVec

	// llmhub_routing_decisions_total{outcome}
	routingDecisions *prometheus.CounterVec

	// llmhub_classifier_duration_seconds{outcome}
	classifierDuration *prometheus.HistogramVec

	// llmhub_route_cache_operations_total{op,result}
	routeCacheOps *prometheus.CounterVec

	// llmhub_provider_errors_total{backend,error_type}
	providerErrors *prometheus.CounterVec

	// llmhub_circuit_breaker_state{backend}: 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// llmhub_circuit_breaker_transitions_total{backend,to_state}
	cbTransitions *prometheus.CounterVec

	// llmhub_circuit_breaker_rejections_total{backend,state}
	cbRejections *prometheus.CounterVec

	// llmhub_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// llmhub_tokens_total{backend,direction}
	tokensTotal *prometheus.CounterVec

	// llmhub_credits_debited_total{backend}
	creditsDebited *prometheus.CounterVec

	// llmhub_ledger_writes_total{result}
	ledgerWrites *prometheus.CounterVec

	// llmhub_metering_queue_depth
	meteringQueue prometheus.Gauge

	// llmhub_backend_health{backend}
	backendHealth *prometheus.GaugeVec

	// llmhub_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmhub_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmhub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes routing + upstream)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmhub_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmhub_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		completionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_completions_total",
				Help: "Chat completion requests by serving backend and status",
			},
			[]string{"backend", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_upstream_attempts_total",
				Help: "Upstream backend calls, classifier calls included",
			},
			[]string{"backend", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmhub_upstream_attempt_duration_seconds",
				Help:    "Upstream backend call duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"backend", "outcome"},
		),

		routingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_routing_decisions_total",
				Help: "Model selection outcomes (explicit, classified, cached, retried, fallback)",
			},
			[]string{"outcome"},
		),

		classifierDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmhub_classifier_duration_seconds",
				Help:    "Classifier call duration in seconds",
				Buckets: durationBuckets,
			},
			[]string{"outcome"},
		),

		routeCacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_route_cache_operations_total",
				Help: "Routing decision cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"backend", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmhub_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"backend"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"backend", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"backend", "state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"backend", "direction"},
		),

		creditsDebited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_credits_debited_total",
				Help: "Credits debited from caller balances",
			},
			[]string{"backend"},
		),

		ledgerWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmhub_ledger_writes_total",
				Help: "Ledger write attempts by result (ok, retry, insufficient, dead_letter)",
			},
			[]string{"result"},
		),

		meteringQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmhub_metering_queue_depth",
			Help: "Usage records waiting for a ledger writer",
		}),

		backendHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmhub_backend_health",
				Help: "Backend health status (1=ok, 0=degraded)",
			},
			[]string{"backend"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmhub_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.completionsTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.routingDecisions,
		r.classifierDuration,
		r.routeCacheOps,
		r.providerErrors,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.rateLimitTotal,
		r.tokensTotal,
		r.creditsDebited,
		r.ledgerWrites,
		r.meteringQueue,
		r.backendHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	if r == nil {
		return
	}
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// RecordCompletion counts one chat completion by serving backend.
func (r *Registry) RecordCompletion(backend string, statusCode int) {
	if r == nil {
		return
	}
	r.completionsTotal.WithLabelValues(backend, strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstreamAttempt records one upstream backend call.
func (r *Registry) ObserveUpstreamAttempt(backend, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(backend, outcome).Inc()
	r.upstreamDuration.WithLabelValues(backend, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordRouting(outcome string) {
	if r == nil {
		return
	}
	r.routingDecisions.WithLabelValues(outcome).Inc()
}

func (r *Registry) ObserveClassifier(outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.classifierDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}

func (r *Registry) RouteCacheHit() {
	if r != nil {
		r.routeCacheOps.WithLabelValues("get", "hit").Inc()
	}
}

func (r *Registry) RouteCacheMiss() {
	if r != nil {
		r.routeCacheOps.WithLabelValues("get", "miss").Inc()
	}
}

func (r *Registry) RouteCacheSet() {
	if r != nil {
		r.routeCacheOps.WithLabelValues("set", "ok").Inc()
	}
}

func (r *Registry) RecordRateLimit(result string) {
	if r == nil {
		return
	}
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(backend string, promptTokens, completionTokens int) {
	if r == nil {
		return
	}
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "output").Add(float64(completionTokens))
	}
	if promptTokens+completionTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "total").Add(float64(promptTokens + completionTokens))
	}
}

// AddCredits records a committed debit. The float conversion only feeds the
// metric; balances never leave decimal.
func (r *Registry) AddCredits(backend string, credits decimal.Decimal) {
	if r == nil || !credits.IsPositive() {
		return
	}
	r.creditsDebited.WithLabelValues(backend).Add(credits.InexactFloat64())
}

func (r *Registry) RecordLedger(result string) {
	if r == nil {
		return
	}
	r.ledgerWrites.WithLabelValues(result).Inc()
}

func (r *Registry) SetMeteringQueue(depth int) {
	if r == nil {
		return
	}
	r.meteringQueue.Set(float64(depth))
}

func (r *Registry) SetBackendHealth(backend string, ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.backendHealth.WithLabelValues(backend).Set(1)
		return
	}
	r.backendHealth.WithLabelValues(backend).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	if r == nil {
		return
	}
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(backend, errType string) {
	if r == nil {
		return
	}
	r.providerErrors.WithLabelValues(backend, errType).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(backend string, state int64) {
	if r == nil {
		return
	}
	r.circuitBreakerState.WithLabelValues(backend).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[backend]
	if !ok || prev != float64(state) {
		r.lastCBState[backend] = float64(state)
		r.cbTransitions.WithLabelValues(backend, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(backend, state string) {
	if r == nil {
		return
	}
	r.cbRejections.WithLabelValues(backend, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
