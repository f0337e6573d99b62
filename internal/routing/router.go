// Package routing picks the backend label for an auto-routed request by
// asking the classifier backend which configured intent the latest user
// message belongs to.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llmhub/internal/auth"
	"github.com/nulpointcorp/llmhub/internal/cache"
	"github.com/nulpointcorp/llmhub/internal/metrics"
	"github.com/nulpointcorp/llmhub/internal/providers"
	"github.com/nulpointcorp/llmhub/internal/registry"
	"github.com/nulpointcorp/llmhub/pkg/apierr"
)

const (
	defaultTimeout = 10 * time.Second
	maxAttempts    = 2
)

// Options configures a Router. Registry is required.
type Options struct {
	Registry *registry.Registry
	// DefaultLabel is served when classification fails. Default: the first
	// public label.
	DefaultLabel string
	// Timeout bounds one classifier call. Default: 10s.
	Timeout time.Duration
	// Cache and CacheTTL enable decision reuse; nil or 0 disables it.
	Cache    cache.Cache
	CacheTTL time.Duration
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

// Decision is the outcome of Route.
type Decision struct {
	Label string
	// Classified is true when the classifier was called for this request,
	// including calls that ended in a fallback.
	Classified bool
	// Cached is true when Label came from the decision cache.
	Cached bool
	// Fallback is true when classification failed and DefaultLabel was used.
	Fallback bool
	// Reason holds the classification error behind a fallback.
	Reason string
}

type Router struct {
	reg          *registry.Registry
	prompt       string
	defaultLabel string
	timeout      time.Duration
	cache        cache.Cache
	cacheTTL     time.Duration
	metrics      *metrics.Registry
	log          *slog.Logger
}

func New(opts Options) (*Router, error) {
	if opts.Registry == nil {
		return nil, errors.New("routing: registry is required")
	}
	prompt, err := BuildPrompt(opts.Registry.Intents())
	if err != nil {
		return nil, err
	}

	r := &Router{
		reg:          opts.Registry,
		prompt:       prompt,
		defaultLabel: opts.DefaultLabel,
		timeout:      opts.Timeout,
		cache:        opts.Cache,
		cacheTTL:     opts.CacheTTL,
		metrics:      opts.Metrics,
		log:          opts.Logger,
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.defaultLabel == "" {
		if labels := r.reg.Labels(); len(labels) > 0 {
			r.defaultLabel = labels[0]
		}
	}
	if !r.reg.Has(r.defaultLabel) {
		return nil, fmt.Errorf("routing: default label %q is not a public backend", r.defaultLabel)
	}
	return r, nil
}

// Prompt returns the classifier system prompt.
func (r *Router) Prompt() string { return r.prompt }

// Route returns the label that should serve message. Classifier failures,
// including timeouts and labels outside the configured set, never fail the
// request: after one retry the default label is returned. The only error is
// the caller's own context ending.
func (r *Router) Route(ctx context.Context, message string) (Decision, error) {
	var key string
	if r.cache != nil && r.cacheTTL > 0 {
		key = cache.DecisionKey(message)
		if b, ok := r.cache.Get(ctx, key); ok {
			if label := string(b); r.reg.Has(label) {
				r.metrics.RouteCacheHit()
				r.metrics.RecordRouting("cached")
				return Decision{Label: label, Cached: true}, nil
			}
		}
		r.metrics.RouteCacheMiss()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		label, err := r.classify(ctx, message)
		if err == nil {
			outcome := "classified"
			if attempt > 1 {
				outcome = "retried"
			}
			r.metrics.RecordRouting(outcome)
			if key != "" {
				_ = r.cache.Set(ctx, key, []byte(label), r.cacheTTL)
				r.metrics.RouteCacheSet()
			}
			return Decision{Label: label, Classified: true}, nil
		}
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}

		lastErr = err
		r.log.WarnContext(ctx, "classification_failed",
			slog.String("request_id", auth.GetRequestID(ctx)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		// A timed-out classifier is unlikely to answer faster on a retry.
		if errors.Is(err, context.DeadlineExceeded) {
			break
		}
	}

	r.log.WarnContext(ctx, "routing_fallback",
		slog.String("request_id", auth.GetRequestID(ctx)),
		slog.String("label", r.defaultLabel),
		slog.String("reason", lastErr.Error()),
	)
	r.metrics.RecordRouting("fallback")
	return Decision{
		Label:      r.defaultLabel,
		Classified: true,
		Fallback:   true,
		Reason:     lastErr.Error(),
	}, nil
}

// classify performs one classifier round trip. Errors are tagged
// apierr.KindRouting.
func (r *Router) classify(ctx context.Context, message string) (string, error) {
	entry := r.reg.Classifier()

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := entry.Provider.Request(callCtx, &providers.ProxyRequest{
		Model: entry.ProviderModel,
		Messages: []providers.Message{
			{Role: "system", Content: r.prompt},
			{Role: "user", Content: message},
		},
		RequestID: auth.GetRequestID(ctx),
	})
	dur := time.Since(start)

	if err == nil && resp == nil {
		err = errors.New("classifier returned an empty response")
	}
	if err != nil {
		reason := providers.ErrorClass(err)
		r.metrics.ObserveUpstreamAttempt(entry.Label, reason, dur)
		r.metrics.ObserveClassifier(reason, dur)
		r.metrics.RecordError(entry.Label, reason)
		return "", apierr.Wrap(apierr.KindRouting, "classifier call failed", err)
	}
	r.metrics.ObserveUpstreamAttempt(entry.Label, "success", dur)
	r.metrics.AddTokens(entry.Label, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	raw := resp.Content()
	label := normalizeLabel(raw)
	if label == "" {
		r.metrics.ObserveClassifier("empty", dur)
		return "", apierr.New(apierr.KindRouting, "classifier returned no content")
	}
	if resolved, ok := r.resolve(label); ok {
		r.metrics.ObserveClassifier("ok", dur)
		return resolved, nil
	}
	r.metrics.ObserveClassifier("unknown_label", dur)
	return "", apierr.New(apierr.KindRouting, fmt.Sprintf("classifier returned unknown label %q", truncate(raw, 64)))
}

// resolve matches label against the public labels, ignoring case.
func (r *Router) resolve(label string) (string, bool) {
	if r.reg.Has(label) {
		return label, true
	}
	for _, l := range r.reg.Labels() {
		if strings.EqualFold(l, label) {
			return l, true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
