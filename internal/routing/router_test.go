package routing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/llmhub/internal/cache"
	"github.com/nulpointcorp/llmhub/internal/providers"
	"github.com/nulpointcorp/llmhub/internal/registry"
)

// scriptedClassifier answers each call with the next reply; an empty reply
// with a non-nil error fails the call.
type scriptedClassifier struct {
	mu      sync.Mutex
	replies []reply
	calls   int
	last    *providers.ProxyRequest
	delay   time.Duration
}

type reply struct {
	content string
	err     error
	// empty makes the call succeed with a nil response.
	empty bool
}

func (s *scriptedClassifier) Name() string { return "classifier" }

func (s *scriptedClassifier) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.last = req
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r := s.replies[len(s.replies)-1]
	if i < len(s.replies) {
		r = s.replies[i]
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.empty {
		return nil, nil
	}
	return &providers.ProxyResponse{Choices: []providers.Choice{{Content: r.content}}}, nil
}

func (s *scriptedClassifier) HealthCheck(context.Context) error { return nil }

type noopProvider struct{}

func (noopProvider) Name() string { return "noop" }
func (noopProvider) Request(context.Context, *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return &providers.ProxyResponse{}, nil
}
func (noopProvider) HealthCheck(context.Context) error { return nil }

func newTestRouter(t *testing.T, cls *scriptedClassifier, opts Options) *Router {
	t.Helper()
	reg, err := registry.New([]registry.Entry{
		{Label: "router", Provider: cls, ProviderModel: "deepseek-chat", Internal: true},
		{Label: "claude-3.5-sonnet", Provider: noopProvider{}, Intent: "coding"},
		{Label: "mistral-nemo", Provider: noopProvider{}, Intent: "general"},
		{Label: "gpt-4o-mini", Provider: noopProvider{}, Intent: "reasoning"},
	}, "router")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	opts.Registry = reg
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestBuildPrompt(t *testing.T) {
	got, err := BuildPrompt([]registry.Intent{
		{Intent: "coding", Label: "claude-3.5-sonnet"},
		{Intent: "general", Label: "mistral-nemo"},
	})
	if err != nil {
		t.Fatalf("BuildPrompt: %v", err)
	}
	want := "You are a routing agent. Based on the provided instruction, " +
		"if the instruction is related to coding, output 'claude-3.5-sonnet'. " +
		"if the instruction is related to general, output 'mistral-nemo'. " +
		"Do not include any additional text or information in your response. " +
		"Your output must strictly be one of the following with no extra characters: " +
		`"claude-3.5-sonnet", "mistral-nemo".`
	if got != want {
		t.Fatalf("prompt mismatch:\n got: %s\nwant: %s", got, want)
	}

	if _, err := BuildPrompt(nil); err == nil {
		t.Fatal("expected error for empty intents")
	}
}

func TestRoute_CodingIntent(t *testing.T) {
	cls := &scriptedClassifier{replies: []reply{{content: "  claude-3.5-sonnet\n"}}}
	r := newTestRouter(t, cls, Options{})

	d, err := r.Route(context.Background(), "write a function to reverse a linked list")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Label != "claude-3.5-sonnet" || !d.Classified || d.Fallback {
		t.Fatalf("decision: %+v", d)
	}

	msgs := cls.last.Messages
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("classifier messages: %+v", msgs)
	}
	if msgs[0].Content != r.Prompt() || !strings.Contains(msgs[0].Content, "coding") {
		t.Fatal("system message must be the classification prompt")
	}
	if msgs[1].Content != "write a function to reverse a linked list" {
		t.Fatalf("user message: %q", msgs[1].Content)
	}
	if cls.last.Model != "deepseek-chat" {
		t.Fatalf("classifier model: %q", cls.last.Model)
	}
}

func TestRoute_NormalizesQuotesAndCase(t *testing.T) {
	cls := &scriptedClassifier{replies: []reply{{content: `"GPT-4o-mini".`}}}
	r := newTestRouter(t, cls, Options{})

	d, _ := r.Route(context.Background(), "prove sqrt(2) is irrational")
	if d.Label != "gpt-4o-mini" {
		t.Fatalf("label: %q", d.Label)
	}
}

func TestRoute_RetriesOnceThenSucceeds(t *testing.T) {
	cls := &scriptedClassifier{replies: []reply{{err: errors.New("connection reset")}, {content: "mistral-nemo"}}}
	r := newTestRouter(t, cls, Options{})

	d, err := r.Route(context.Background(), "hello there")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Label != "mistral-nemo" || d.Fallback || cls.calls != 2 {
		t.Fatalf("decision %+v after %d calls", d, cls.calls)
	}
}

func TestRoute_FallbackOnUnknownLabel(t *testing.T) {
	cls := &scriptedClassifier{replies: []reply{{content: "gpt-5-ultra"}}}
	r := newTestRouter(t, cls, Options{DefaultLabel: "mistral-nemo"})

	d, err := r.Route(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Label != "mistral-nemo" || !d.Fallback || !d.Classified {
		t.Fatalf("decision: %+v", d)
	}
	if cls.calls != maxAttempts {
		t.Fatalf("calls: %d", cls.calls)
	}
	if !strings.Contains(d.Reason, "unknown label") {
		t.Fatalf("reason: %q", d.Reason)
	}
}

func TestRoute_FallbackOnEmptyContent(t *testing.T) {
	cls := &scriptedClassifier{replies: []reply{{content: "   "}}}
	r := newTestRouter(t, cls, Options{})

	d, _ := r.Route(context.Background(), "hi")
	if d.Label != "claude-3.5-sonnet" || !d.Fallback {
		t.Fatalf("default must be the first public label, got %+v", d)
	}
}

func TestRoute_FallbackOnNilResponse(t *testing.T) {
	cls := &scriptedClassifier{replies: []reply{{empty: true}}}
	r := newTestRouter(t, cls, Options{DefaultLabel: "mistral-nemo"})

	d, err := r.Route(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Label != "mistral-nemo" || !d.Fallback || cls.calls != maxAttempts {
		t.Fatalf("decision %+v after %d calls", d, cls.calls)
	}
}

func TestNormalizeLabel(t *testing.T) {
	tests := []struct{ in, want string }{
		{" mistral-nemo\n", "mistral-nemo"},
		{"mistral-nemo.", "mistral-nemo"},
		{`"mistral-nemo."`, "mistral-nemo"},
		{`"mistral-nemo".`, "mistral-nemo"},
		{"'claude-3.5-sonnet'", "claude-3.5-sonnet"},
		{"`gpt-4o-mini` ", "gpt-4o-mini"},
		{"  ", ""},
	}
	for _, tc := range tests {
		if got := normalizeLabel(tc.in); got != tc.want {
			t.Errorf("normalizeLabel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRoute_TimeoutFallsBackWithoutRetry(t *testing.T) {
	cls := &scriptedClassifier{replies: []reply{{content: "gpt-4o-mini"}}, delay: time.Second}
	r := newTestRouter(t, cls, Options{Timeout: 20 * time.Millisecond, DefaultLabel: "mistral-nemo"})

	d, err := r.Route(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Label != "mistral-nemo" || !d.Fallback || cls.calls != 1 {
		t.Fatalf("decision %+v after %d calls", d, cls.calls)
	}
}

func TestRoute_CallerCancelled(t *testing.T) {
	cls := &scriptedClassifier{replies: []reply{{content: "gpt-4o-mini"}}, delay: time.Second}
	r := newTestRouter(t, cls, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Route(ctx, "hi"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRoute_CachesDecisions(t *testing.T) {
	ctx := context.Background()
	mc := cache.NewMemoryCache(ctx, 100)
	defer mc.Close()

	cls := &scriptedClassifier{replies: []reply{{content: "gpt-4o-mini"}}}
	r := newTestRouter(t, cls, Options{Cache: mc, CacheTTL: time.Minute})

	first, _ := r.Route(ctx, "explain monads")
	second, _ := r.Route(ctx, "explain monads")

	if cls.calls != 1 {
		t.Fatalf("classifier should be called once, got %d", cls.calls)
	}
	if !second.Cached || second.Classified || second.Label != first.Label {
		t.Fatalf("second decision: %+v", second)
	}
}

func TestRoute_FallbackIsNotCached(t *testing.T) {
	ctx := context.Background()
	mc := cache.NewMemoryCache(ctx, 100)
	defer mc.Close()

	cls := &scriptedClassifier{replies: []reply{{content: "nonsense"}, {content: "nonsense"}, {content: "gpt-4o-mini"}}}
	r := newTestRouter(t, cls, Options{Cache: mc, CacheTTL: time.Minute})

	if d, _ := r.Route(ctx, "q"); !d.Fallback {
		t.Fatalf("expected fallback, got %+v", d)
	}
	if d, _ := r.Route(ctx, "q"); d.Cached || d.Label != "gpt-4o-mini" {
		t.Fatalf("fallback label must not be cached, got %+v", d)
	}
}

func TestNew_RejectsInternalDefault(t *testing.T) {
	reg, _ := registry.New([]registry.Entry{
		{Label: "router", Provider: noopProvider{}, Internal: true},
		{Label: "a", Provider: noopProvider{}, Intent: "general"},
	}, "router")
	if _, err := New(Options{Registry: reg, DefaultLabel: "router"}); err == nil {
		t.Fatal("classifier label must not be accepted as default")
	}
}
