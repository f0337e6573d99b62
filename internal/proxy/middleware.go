package proxy

import (
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llmhub/pkg/apierr"
)

// requestIDKey is the fasthttp user value holding the request id.
const requestIDKey = "request_id"

// maxRequestIDLen bounds caller-supplied ids; they end up in logs, ledger
// rows and error details.
const maxRequestIDLen = 128

// Headers a browser client may read from a completion response.
var exposedHeaders = strings.Join([]string{
	"X-Request-ID",
	"X-Model-Label",
	"X-Routing",
	"X-Credits-Used",
	"X-Response-Time",
	"Retry-After",
}, ", ")

// recovery catches panics in any handler and answers with the internal error
// envelope instead of crashing the server process. The panic value is logged
// at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				reqID, _ := ctx.UserValue(requestIDKey).(string)
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("request_id", reqID),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.WriteError(ctx, apierr.New(apierr.KindInternal, "handler panic"))
			}
		}()
		next(ctx)
	}
}

// requestID keeps a well-formed X-Request-ID from the caller and mints a UUID
// otherwise. The id is echoed in the response and stored under requestIDKey.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if !validRequestID(id) {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue(requestIDKey, id)
		next(ctx)
	}
}

// validRequestID accepts short ids made of letters, digits and "-_.:".
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.', c == ':':
		default:
			return false
		}
	}
	return true
}

// apiHeaders stamps every response with its handler duration and keeps
// proxies from caching bodies that carry balances and completions.
func apiHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Response-Time", time.Since(start).String())
		h.Set("Cache-Control", "no-store")
		h.Set("X-Content-Type-Options", "nosniff")
	}
}

// corsHandler returns a CORS middleware for the given allowed origins.
// An empty list or "*" allows any origin. Otherwise the request Origin is
// echoed only when it is on the list, and responses vary by Origin.
// OPTIONS preflights are answered with 204 and no body.
func corsHandler(origins []string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	open := len(origins) == 0 || slices.Contains(origins, "*")
	maxAge := strconv.Itoa(int((10 * time.Minute).Seconds()))

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			switch origin := string(ctx.Request.Header.Peek("Origin")); {
			case open:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			default:
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Expose-Headers", exposedHeaders)

			if string(ctx.Method()) == fasthttp.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				h.Set("Access-Control-Max-Age", maxAge)
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// applyMiddleware wraps h so that the first middleware is the outermost:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...func(fasthttp.RequestHandler) fasthttp.RequestHandler) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
