package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nulpointcorp/llmhub/internal/providers"
)

func TestProvider_Request_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "deepseek-chat" {
			t.Errorf("model: %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "ds-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "deepseek-chat",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": " v1 \n"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4},
		})
	}))
	defer srv.Close()

	p := New("deepseek", "k", srv.URL+"/v1")
	if p.Name() != "deepseek" {
		t.Fatalf("name: %q", p.Name())
	}
	resp, err := p.Request(context.Background(), &providers.ProxyRequest{
		Model:    "deepseek-chat",
		Messages: []providers.Message{{Role: "system", Content: "route"}, {Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content() != " v1 \n" {
		t.Errorf("content must be returned untouched, got %q", resp.Content())
	}
}

func TestProvider_Request_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	p := New("mistral", "k", srv.URL)
	_, err := p.Request(context.Background(), &providers.ProxyRequest{
		Model:    "mistral-large",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if pe.HTTPStatus() != http.StatusServiceUnavailable || pe.Name != "mistral" {
		t.Errorf("unexpected error: %+v", pe)
	}
}

func TestProvider_Request_HonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := New("slow", "k", srv.URL).Request(ctx, &providers.ProxyRequest{
		Model:    "d",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error once the deadline passed")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("call outlived its deadline: %s", elapsed)
	}
}
