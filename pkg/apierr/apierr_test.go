package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestFromError_StatusPerKind(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindAuth, 401},
		{KindForbidden, 403},
		{KindValidation, 400},
		{KindInsufficientBalance, 402},
		{KindRateLimited, 429},
		{KindUpstream, 502},
		{KindLedger, 500},
		{KindInternal, 500},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			p := FromError(New(tc.kind, "x"), "req-1", "/v1/chat/completions", "POST")
			if p.Status != tc.status {
				t.Errorf("status: got %d, want %d", p.Status, tc.status)
			}
			if p.Type != "Error" {
				t.Errorf("type: got %q", p.Type)
			}
			if p.Instance != "/v1/chat/completions" || p.Method != "POST" {
				t.Errorf("instance/method not propagated: %+v", p)
			}
		})
	}
}

func TestFromError_PublicDetailIsKept(t *testing.T) {
	p := FromError(Validation("temperature must be between 0 and 2"), "", "/", "POST")
	if p.Detail != "temperature must be between 0 and 2" {
		t.Fatalf("detail: got %q", p.Detail)
	}
}

func TestFromError_UpstreamDetailIsGeneric(t *testing.T) {
	cause := errors.New("openai: secret-internal-host returned 500")
	p := FromError(Wrap(KindUpstream, "dispatch failed", cause), "req-42", "/", "POST")
	if strings.Contains(p.Detail, "secret-internal-host") {
		t.Fatalf("detail leaks provider error: %q", p.Detail)
	}
	if !strings.Contains(p.Detail, "req-42") {
		t.Fatalf("detail must carry the request id, got %q", p.Detail)
	}
}

func TestFromError_UntaggedIsInternal(t *testing.T) {
	p := FromError(errors.New("boom"), "r", "/", "GET")
	if p.Status != 500 {
		t.Fatalf("got %d", p.Status)
	}
	if strings.Contains(p.Detail, "boom") {
		t.Fatalf("internal detail leaked: %q", p.Detail)
	}
}

func TestFromError_UpstreamTimeout(t *testing.T) {
	err := Wrap(KindUpstream, "", fmt.Errorf("call: %w", context.DeadlineExceeded))
	p := FromError(err, "", "/", "POST")
	if p.Status != 504 {
		t.Fatalf("got %d, want 504", p.Status)
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", InsufficientBalance("low"))
	if KindOf(err) != KindInsufficientBalance {
		t.Fatalf("got %s", KindOf(err))
	}
	if !Is(err, KindInsufficientBalance) {
		t.Fatal("Is should match wrapped kind")
	}
	if Is(nil, KindInternal) {
		t.Fatal("nil error has no kind")
	}
}

func TestWriteError_Envelope(t *testing.T) {
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/v1/models")
	ctx.Request.Header.SetMethod("GET")
	ctx.SetUserValue("request_id", "abc")

	WriteError(&ctx, New(KindRateLimited, "slow down"))

	if ctx.Response.StatusCode() != 429 {
		t.Fatalf("status: %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.Peek("Retry-After")) != "60" {
		t.Error("missing Retry-After")
	}
	var p Problem
	if err := json.Unmarshal(ctx.Response.Body(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Detail != "slow down" || p.Instance != "/v1/models" || p.Method != "GET" {
		t.Fatalf("unexpected envelope: %+v", p)
	}
}
