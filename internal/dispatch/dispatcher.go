// Package dispatch sends a validated chat request to the backend a model
// label resolves to and normalizes the answer.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llmhub/internal/chat"
	"github.com/nulpointcorp/llmhub/internal/metrics"
	"github.com/nulpointcorp/llmhub/internal/providers"
	"github.com/nulpointcorp/llmhub/internal/registry"
	"github.com/nulpointcorp/llmhub/pkg/apierr"
)

// ErrCircuitOpen is returned when the backend's breaker rejects the call.
var ErrCircuitOpen = errors.New("dispatch: circuit breaker open")

// Options configures a Dispatcher. Registry is required.
type Options struct {
	Registry *registry.Registry
	Breaker  *CircuitBreaker
	// Timeout bounds one upstream call. Default: providers.ProviderTimeout.
	Timeout time.Duration
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

type Dispatcher struct {
	reg     *registry.Registry
	cb      *CircuitBreaker
	timeout time.Duration
	metrics *metrics.Registry
	log     *slog.Logger
}

// Result is a completed dispatch.
type Result struct {
	Response *chat.Response
	// Entry is the backend that served the call. Its pricing is what the
	// ledger charges.
	Entry *registry.Entry
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		reg:     opts.Registry,
		cb:      opts.Breaker,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
	if d.timeout <= 0 {
		d.timeout = providers.ProviderTimeout
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Dispatch resolves label through the registry (unknown labels resolve to
// the classifier entry) and performs one non-streaming completion.
// Failures are tagged apierr.KindUpstream.
func (d *Dispatcher) Dispatch(ctx context.Context, label string, req *chat.Request, requestID string) (*Result, error) {
	entry := d.reg.Lookup(label)
	if entry.Label != label {
		d.log.WarnContext(ctx, "dispatch_label_unknown",
			slog.String("request_id", requestID),
			slog.String("label", label),
			slog.String("resolved", entry.Label),
		)
	}

	if d.cb != nil && !d.cb.Allow(entry.Label) {
		d.log.WarnContext(ctx, "circuit_breaker_open",
			slog.String("request_id", requestID),
			slog.String("backend", entry.Label),
		)
		d.metrics.RecordCircuitBreakerRejection(entry.Label, d.cb.StateLabel(entry.Label))
		d.metrics.ObserveUpstreamAttempt(entry.Label, "circuit_reject", 0)
		return nil, apierr.Wrap(apierr.KindUpstream, "backend unavailable", ErrCircuitOpen)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	resp, err := entry.Provider.Request(callCtx, req.ProxyRequest(entry.ProviderModel, requestID))
	dur := time.Since(start)

	if err == nil && resp == nil {
		err = errors.New("provider returned an empty response")
	}
	if err != nil {
		d.recordFailure(ctx, entry.Label, err)
		reason := providers.ErrorClass(err)
		d.metrics.ObserveUpstreamAttempt(entry.Label, reason, dur)
		d.metrics.RecordError(entry.Label, reason)
		d.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", requestID),
			slog.String("backend", entry.Label),
			slog.String("provider", entry.Provider.Name()),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)
		return nil, apierr.Wrap(apierr.KindUpstream, "provider call failed", err)
	}

	if d.cb != nil {
		d.cb.RecordSuccess(entry.Label)
		d.metrics.SetCircuitBreaker(entry.Label, int64(d.cb.State(entry.Label)))
	}
	d.metrics.ObserveUpstreamAttempt(entry.Label, "success", dur)
	d.metrics.AddTokens(entry.Label, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return &Result{
		Response: chat.FromProxyResponse(resp, entry.Label),
		Entry:    entry,
	}, nil
}

// recordFailure only counts errors that say something about the backend.
// A caller disconnect or a rejected request leaves the breaker alone.
func (d *Dispatcher) recordFailure(ctx context.Context, label string, err error) {
	if d.cb == nil {
		return
	}
	if ctx.Err() != nil || !providers.Transient(err) {
		d.cb.Release(label)
		return
	}
	d.cb.RecordFailure(label)
	d.metrics.SetCircuitBreaker(label, int64(d.cb.State(label)))
}
