package proxy

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 120 * time.Second
)

// Handler returns the routed handler wrapped in the middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		apiHeaders,
		corsHandler(g.corsOrigins),
	)
}

func (g *Gateway) server() *fasthttp.Server {
	g.srvOnce.Do(func() {
		g.srv = &fasthttp.Server{
			Handler:      g.Handler(),
			Name:         "llmhub",
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		}
	})
	return g.srv
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks until it
// stops.
func (g *Gateway) Start(addr string) error {
	return g.server().ListenAndServe(addr)
}

// Serve serves on an existing listener.
func (g *Gateway) Serve(ln net.Listener) error {
	return g.server().Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server().ShutdownWithContext(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": g.version})
		return
	}
	snap := g.health.Snapshot()
	if snap.Services.Database != "up" {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
