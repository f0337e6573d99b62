// Package proxy is the HTTP surface of the gateway.
//
// The Gateway receives an OpenAI-compatible chat-completion request and runs
// it through a fixed pipeline:
//
//	authenticate → rate limit → balance precheck → validate →
//	route (classifier or explicit label) → dispatch → meter → respond
//
// Every failure is mapped to the uniform error envelope by apierr.WriteError.
// Metering runs after the response is computed; a ledger failure is logged
// and counted but never turns a successful completion into an error.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nulpointcorp/llmhub/internal/analytics"
	"github.com/nulpointcorp/llmhub/internal/auth"
	"github.com/nulpointcorp/llmhub/internal/chat"
	"github.com/nulpointcorp/llmhub/internal/dispatch"
	"github.com/nulpointcorp/llmhub/internal/ledger"
	"github.com/nulpointcorp/llmhub/internal/metering"
	"github.com/nulpointcorp/llmhub/internal/metrics"
	"github.com/nulpointcorp/llmhub/internal/ratelimit"
	"github.com/nulpointcorp/llmhub/internal/registry"
	"github.com/nulpointcorp/llmhub/internal/routing"
	"github.com/nulpointcorp/llmhub/pkg/apierr"
)

const tracerName = "github.com/nulpointcorp/llmhub/internal/proxy"

// Routing outcomes reported in X-Routing and analytics.
const (
	routingExplicit   = "explicit"
	routingClassified = "classified"
	routingCached     = "cached"
	routingFallback   = "fallback"
)

// GatewayOptions wires the gateway's collaborators. Auth, Registry, Router,
// Dispatcher, Ledger and Recorder are required; the rest are optional and
// nil-safe.
type GatewayOptions struct {
	Auth       *auth.Authenticator
	Registry   *registry.Registry
	Router     *routing.Router
	Dispatcher *dispatch.Dispatcher
	Ledger     *ledger.Ledger
	Recorder   *metering.Recorder

	// SyncMetering writes usage before responding instead of handing it to
	// the background workers.
	SyncMetering bool

	Limiter   ratelimit.Limiter
	Analytics *analytics.Logger
	Health    *HealthChecker
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	Tracer    trace.Tracer

	// CORSOrigins is the list of allowed origins. Empty or ["*"] allows all.
	CORSOrigins []string
	Version     string
}

// Gateway is the GatewayController: all dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Gateway struct {
	auth       *auth.Authenticator
	registry   *registry.Registry
	router     *routing.Router
	dispatcher *dispatch.Dispatcher
	ledger     *ledger.Ledger
	recorder   *metering.Recorder
	syncMeter  bool

	limiter   ratelimit.Limiter
	analytics *analytics.Logger
	health    *HealthChecker
	metrics   *metrics.Registry
	log       *slog.Logger
	tracer    trace.Tracer

	corsOrigins []string
	version     string

	srvOnce sync.Once
	srv     *fasthttp.Server
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	switch {
	case opts.Auth == nil:
		return nil, errors.New("gateway: authenticator is required")
	case opts.Registry == nil:
		return nil, errors.New("gateway: registry is required")
	case opts.Router == nil:
		return nil, errors.New("gateway: router is required")
	case opts.Dispatcher == nil:
		return nil, errors.New("gateway: dispatcher is required")
	case opts.Ledger == nil:
		return nil, errors.New("gateway: ledger is required")
	case opts.Recorder == nil:
		return nil, errors.New("gateway: metering recorder is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Gateway{
		auth:        opts.Auth,
		registry:    opts.Registry,
		router:      opts.Router,
		dispatcher:  opts.Dispatcher,
		ledger:      opts.Ledger,
		recorder:    opts.Recorder,
		syncMeter:   opts.SyncMetering,
		limiter:     opts.Limiter,
		analytics:   opts.Analytics,
		health:      opts.Health,
		metrics:     opts.Metrics,
		log:         log,
		tracer:      tracer,
		corsOrigins: opts.CORSOrigins,
		version:     version,
	}, nil
}

// requestState carries what the deferred bookkeeping of one completion needs.
type requestState struct {
	reqID    string
	userID   string
	label    string
	routing  string
	decision routing.Decision
	usage    chat.Usage
}

// handleChatCompletions serves POST /v1/chat/completions.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqBytes := len(ctx.PostBody())
	st := &requestState{routing: routingExplicit}
	st.reqID, _ = ctx.UserValue(requestIDKey).(string)

	g.metrics.IncInFlight()
	defer func() {
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		g.metrics.ObserveHTTP("chat_completions", status, dur, reqBytes, len(ctx.Response.Body()))
		if st.label != "" {
			g.metrics.RecordCompletion(st.label, status)
		}
		g.record(st, status, dur)
	}()

	rctx := otel.GetTextMapPropagator().Extract(auth.WithRequestID(ctx, st.reqID), headerCarrier{h: &ctx.Request.Header})
	rctx, span := g.tracer.Start(rctx, "gateway.chat_completions", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(attribute.String("request_id", st.reqID))

	fail := func(err error) {
		p := apierr.WriteError(ctx, err)
		span.SetStatus(codes.Error, p.Title)
		span.RecordError(err)
	}

	// 1. Authenticate.
	caller, err := g.auth.Authenticate(string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.log.InfoContext(rctx, "auth_failed",
			slog.String("request_id", st.reqID),
			slog.String("error", err.Error()),
		)
		fail(err)
		return
	}
	st.userID = caller.UserID
	rctx = auth.WithCaller(rctx, caller)
	span.SetAttributes(attribute.String("user_id", caller.UserID))

	// 2. Per-user rate limit.
	if err := g.checkRateLimit(rctx, st.reqID, caller.UserID); err != nil {
		fail(err)
		return
	}

	// 3. Balance precheck. No provider is contacted for a caller who cannot
	// pay.
	if err := g.checkBalance(rctx, st.reqID, caller.UserID); err != nil {
		fail(err)
		return
	}

	// 4. Decode and validate.
	var req chat.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		fail(apierr.Wrap(apierr.KindValidation, fmt.Sprintf("invalid JSON: %s", err.Error()), err))
		return
	}
	if err := req.Validate(); err != nil {
		fail(err)
		return
	}

	// 5. Route.
	if err := g.selectLabel(rctx, st, &req); err != nil {
		fail(err)
		return
	}
	span.SetAttributes(
		attribute.String("label", st.label),
		attribute.String("routing", st.routing),
	)

	g.log.InfoContext(rctx, "request",
		slog.String("request_id", st.reqID),
		slog.String("user_id", caller.UserID),
		slog.String("label", st.label),
		slog.String("routing", st.routing),
		slog.Int("messages", len(req.Messages)),
	)

	// 6. Dispatch.
	dctx, dspan := g.tracer.Start(rctx, "gateway.dispatch", trace.WithAttributes(attribute.String("label", st.label)))
	res, err := g.dispatcher.Dispatch(dctx, st.label, &req, st.reqID)
	if err != nil {
		dspan.RecordError(err)
		dspan.SetStatus(codes.Error, "dispatch failed")
		dspan.End()
		fail(err)
		return
	}
	dspan.End()
	st.label = res.Entry.Label
	st.usage = res.Response.Usage

	body, err := json.Marshal(res.Response)
	if err != nil {
		fail(apierr.Wrap(apierr.KindInternal, "failed to serialize response", err))
		return
	}

	// 7. Meter.
	credits := g.meter(rctx, st, res, caller)

	g.log.DebugContext(rctx, "response_ok",
		slog.String("request_id", st.reqID),
		slog.String("label", st.label),
		slog.Int("prompt_tokens", st.usage.PromptTokens),
		slog.Int("completion_tokens", st.usage.CompletionTokens),
		slog.String("credits_used", credits),
		slog.Duration("elapsed", time.Since(start)),
	)

	// 8. Respond.
	ctx.Response.Header.Set("X-Model-Label", st.label)
	ctx.Response.Header.Set("X-Routing", st.routing)
	ctx.Response.Header.Set("X-Credits-Used", credits)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (g *Gateway) checkRateLimit(ctx context.Context, reqID, userID string) error {
	if g.limiter == nil {
		return nil
	}
	allowed, err := g.limiter.Allow(ctx, userID)
	switch {
	case err != nil:
		g.metrics.RecordRateLimit("error")
		g.log.WarnContext(ctx, "rate_limit_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
	case allowed:
		g.metrics.RecordRateLimit("allowed")
	}
	if allowed {
		return nil
	}
	g.metrics.RecordRateLimit("blocked")
	g.log.WarnContext(ctx, "rate_limit_exceeded",
		slog.String("request_id", reqID),
		slog.String("user_id", userID),
	)
	return apierr.New(apierr.KindRateLimited, "rate limit exceeded, retry after 60 seconds")
}

func (g *Gateway) checkBalance(ctx context.Context, reqID, userID string) error {
	ctx, span := g.tracer.Start(ctx, "gateway.check_balance")
	defer span.End()

	bal, err := g.ledger.CheckBalance(ctx, userID)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	if apierr.Is(err, apierr.KindLedger) {
		g.log.ErrorContext(ctx, "balance_check_error",
			slog.String("request_id", reqID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else {
		g.log.InfoContext(ctx, "insufficient_balance",
			slog.String("request_id", reqID),
			slog.String("user_id", userID),
			slog.String("balance", bal.String()),
		)
	}
	return err
}

// selectLabel fills st.label: an explicit public label is used as is, an
// empty or "auto" model goes through the classifier.
func (g *Gateway) selectLabel(ctx context.Context, st *requestState, req *chat.Request) error {
	if !req.AutoRoute() {
		if !g.registry.Has(req.Model) {
			return apierr.Validation(fmt.Sprintf("model %q is not available", req.Model))
		}
		st.label = req.Model
		g.metrics.RecordRouting(routingExplicit)
		return nil
	}

	ctx, span := g.tracer.Start(ctx, "gateway.route")
	defer span.End()

	d, err := g.router.Route(ctx, req.LastUserMessage())
	if err != nil {
		span.RecordError(err)
		return apierr.Wrap(apierr.KindRouting, "routing was interrupted", err)
	}
	st.decision = d
	st.label = d.Label
	switch {
	case d.Fallback:
		st.routing = routingFallback
	case d.Cached:
		st.routing = routingCached
	default:
		st.routing = routingClassified
	}
	span.SetAttributes(
		attribute.String("label", d.Label),
		attribute.Bool("cached", d.Cached),
		attribute.Bool("fallback", d.Fallback),
	)
	return nil
}

// meter prices the completion and hands it to the recorder. It returns the
// credits charged, formatted for the X-Credits-Used header.
func (g *Gateway) meter(ctx context.Context, st *requestState, res *dispatch.Result, caller auth.Caller) string {
	ctx, span := g.tracer.Start(ctx, "gateway.meter")
	defer span.End()

	log := g.ledger.NewLog(res.Entry, res.Response, caller.UserID, caller.APIKeyID, st.decision.Classified)
	job := metering.Job{Log: log, RequestID: st.reqID}
	span.SetAttributes(
		attribute.String("log_id", log.ID),
		attribute.String("credits_used", log.CreditsUsed.String()),
	)

	var err error
	if g.syncMeter {
		err = g.recorder.Record(ctx, job)
	} else {
		err = g.recorder.Submit(ctx, job)
	}
	if err != nil {
		// The recorder has already logged and dead-lettered the job; the
		// caller still gets the completion it paid for upstream.
		span.RecordError(err)
		g.log.ErrorContext(ctx, "metering_error",
			slog.String("request_id", st.reqID),
			slog.String("log_id", log.ID),
			slog.String("error", err.Error()),
		)
	}
	return log.CreditsUsed.StringFixed(ledger.CreditPrecision)
}

// record emits the analytics event for a finished completion request.
func (g *Gateway) record(st *requestState, status int, dur time.Duration) {
	if g.analytics == nil {
		return
	}
	latency := dur.Milliseconds()
	if latency > int64(^uint32(0)) {
		latency = int64(^uint32(0))
	}
	g.analytics.Log(analytics.Event{
		RequestID:        st.reqID,
		UserID:           st.userID,
		Label:            st.label,
		Routed:           st.routing != routingExplicit,
		DecisionCached:   st.decision.Cached,
		Status:           uint16(status),
		LatencyMs:        uint32(latency),
		PromptTokens:     uint32(st.usage.PromptTokens),
		CompletionTokens: uint32(st.usage.CompletionTokens),
		CreatedAt:        time.Now(),
	})
}

type (
	modelPricing struct {
		Input  json.Number `json:"input"`
		Output json.Number `json:"output"`
	}

	modelView struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		OwnedBy string       `json:"owned_by"`
		Pricing modelPricing `json:"pricing"`
	}

	modelList struct {
		Object string      `json:"object"`
		Data   []modelView `json:"data"`
	}
)

// handleModels serves GET /v1/models: public backends with per-token
// pricing, classifier excluded.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	defer func() {
		g.metrics.ObserveHTTP("models", ctx.Response.StatusCode(), time.Since(start), 0, len(ctx.Response.Body()))
	}()

	if _, err := g.auth.Authenticate(string(ctx.Request.Header.Peek("Authorization"))); err != nil {
		apierr.WriteError(ctx, err)
		return
	}

	models := g.registry.Models()
	out := modelList{Object: "list", Data: make([]modelView, 0, len(models))}
	for _, m := range models {
		out.Data = append(out.Data, modelView{
			ID:      m.ID,
			Object:  m.Object,
			Created: m.Created,
			OwnedBy: m.OwnedBy,
			Pricing: modelPricing{
				Input:  json.Number(m.Pricing.Input.String()),
				Output: json.Number(m.Pricing.Output.String()),
			},
		})
	}
	writeJSON(ctx, out)
}

// headerCarrier adapts fasthttp request headers to the OpenTelemetry
// propagation.TextMapCarrier interface.
type headerCarrier struct {
	h *fasthttp.RequestHeader
}

func (c headerCarrier) Get(key string) string { return string(c.h.Peek(key)) }

func (c headerCarrier) Set(key, value string) { c.h.Set(key, value) }

func (c headerCarrier) Keys() []string {
	var keys []string
	c.h.VisitAll(func(k, _ []byte) {
		keys = append(keys, string(k))
	})
	return keys
}
