// Package apierr defines the gateway's error kinds and the single mapping
// from an error to an HTTP status and problem envelope.
//
// Every handler reports failures through WriteError so callers always
// receive the same body shape:
//
//	{"type":"Error","title":"...","status":402,"detail":"...","instance":"/v1/chat/completions","method":"POST"}
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind tags an error with the gateway stage that produced it.
type Kind string

const (
	KindAuth                Kind = "auth"
	KindForbidden           Kind = "forbidden"
	KindValidation          Kind = "validation"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindRateLimited         Kind = "rate_limited"
	KindRouting             Kind = "routing"
	KindUpstream            Kind = "upstream"
	KindLedger              Kind = "ledger"
	KindInternal            Kind = "internal"
)

// Error is a kind-tagged error. Detail is safe to show to callers only for
// the client-facing kinds; see Public.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error of kind k with a caller-visible detail.
func New(k Kind, detail string) *Error {
	return &Error{Kind: k, Detail: detail}
}

// Wrap tags err with kind k.
func Wrap(k Kind, detail string, err error) *Error {
	return &Error{Kind: k, Detail: detail, Err: err}
}

// Auth, Validation and friends are shorthands used on the hot path.
func Auth(detail string) *Error       { return New(KindAuth, detail) }
func Forbidden(detail string) *Error  { return New(KindForbidden, detail) }
func Validation(detail string) *Error { return New(KindValidation, detail) }

func InsufficientBalance(detail string) *Error {
	return New(KindInsufficientBalance, detail)
}

// KindOf reports the kind of err, or KindInternal when err is not tagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Problem is the uniform error envelope.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance"`
	Method   string `json:"method"`
}

type mapping struct {
	status int
	title  string
	public bool
}

var kinds = map[Kind]mapping{
	KindAuth:                {fasthttp.StatusUnauthorized, "Unauthorized", true},
	KindForbidden:           {fasthttp.StatusForbidden, "Forbidden", true},
	KindValidation:          {fasthttp.StatusBadRequest, "Bad Request", true},
	KindInsufficientBalance: {fasthttp.StatusPaymentRequired, "Payment Required", true},
	KindRateLimited:         {fasthttp.StatusTooManyRequests, "Too Many Requests", true},
	KindRouting:             {fasthttp.StatusBadGateway, "Bad Gateway", false},
	KindUpstream:            {fasthttp.StatusBadGateway, "Bad Gateway", false},
	KindLedger:              {fasthttp.StatusInternalServerError, "Internal Server Error", false},
	KindInternal:            {fasthttp.StatusInternalServerError, "Internal Server Error", false},
}

// Status returns the HTTP status for kind k.
func Status(k Kind) int {
	if m, ok := kinds[k]; ok {
		return m.status
	}
	return fasthttp.StatusInternalServerError
}

// Public reports whether errors of kind k may expose their detail.
func Public(k Kind) bool {
	return kinds[k].public
}

// FromError maps err to a problem envelope. Upstream, ledger and internal
// failures get a generic detail that carries only the request id.
func FromError(err error, requestID, instance, method string) Problem {
	k := KindOf(err)
	m, ok := kinds[k]
	if !ok {
		m = kinds[KindInternal]
	}

	detail := "internal error"
	if m.public {
		var e *Error
		if errors.As(err, &e) && e.Detail != "" {
			detail = e.Detail
		}
	} else {
		switch k {
		case KindUpstream, KindRouting:
			detail = "the upstream model provider failed to complete the request"
		default:
			detail = "the request could not be completed"
		}
		if requestID != "" {
			detail += " (request_id: " + requestID + ")"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) && !m.public {
		m.status = fasthttp.StatusGatewayTimeout
		m.title = "Gateway Timeout"
	}

	return Problem{
		Type:     "Error",
		Title:    m.title,
		Status:   m.status,
		Detail:   detail,
		Instance: instance,
		Method:   method,
	}
}

// WriteError writes err to ctx as a problem envelope.
func WriteError(ctx *fasthttp.RequestCtx, err error) Problem {
	reqID, _ := ctx.UserValue("request_id").(string)
	p := FromError(err, reqID, string(ctx.Path()), string(ctx.Method()))
	if p.Status == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	Write(ctx, p)
	return p
}

// Write serialises p with its status code.
func Write(ctx *fasthttp.RequestCtx, p Problem) {
	ctx.SetStatusCode(p.Status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(p)
	ctx.SetBody(body)
}
