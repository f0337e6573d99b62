// Package providers defines the capability interface every backend model
// service is reached through, plus the normalized request and response
// shapes shared by the adapters (OpenAI, OpenAI-compatible, Azure,
// Anthropic, Gemini).
//
// Optional sampling fields are pointers: nil means "not set by the caller"
// and adapters must not send the corresponding key upstream.
package providers

import (
	"context"
	"time"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage: token usage stats.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
	}

	// ProxyRequest: normalized chat completion request.
	ProxyRequest struct {
		Model    string
		Messages []Message

		Temperature         *float64
		TopP                *float64
		N                   *int
		Logprobs            *bool
		TopLogprobs         *int
		PresencePenalty     *float64
		FrequencyPenalty    *float64
		MaxCompletionTokens *int
		Stop                []string
		User                string

		RequestID string
	}

	// Choice is one completion alternative.
	Choice struct {
		Index        int
		Role         string
		Content      string
		FinishReason string
	}

	// ProxyResponse: normalized provider response.
	ProxyResponse struct {
		ID                string
		Model             string
		Created           int64
		SystemFingerprint string
		Choices           []Choice
		Usage             Usage
	}
)

// Total returns prompt + completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Content returns the first choice's text, or "" when there is none.
func (r *ProxyResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Content
}

// Provider: create-chat-completion capability of a backend.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// Default circuit breaker and timeout constants. ProviderTimeout is the
// dispatcher's default per-call deadline; adapters set no client timeout of
// their own.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	ProviderTimeout   = 60 * time.Second
)

// StatusCoder is implemented by provider errors that carry an upstream
// HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
