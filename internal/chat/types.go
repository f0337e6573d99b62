// Package chat holds the chat-completion wire contracts accepted and returned
// by the gateway, plus request validation.
package chat

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/nulpointcorp/llmhub/internal/providers"
)

// AutoModel values ask the gateway to pick a backend with the classifier.
var autoModels = map[string]struct{}{
	"":          {},
	"auto":      {},
	"automatic": {},
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stop accepts either a single string or an array of strings.
type Stop []string

func (s *Stop) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*s = Stop{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

// Request is the body of POST /v1/chat/completions. Optional sampling fields
// are pointers so an explicit zero can be told apart from an absent value.
type Request struct {
	Model               string    `json:"model,omitempty"`
	Messages            []Message `json:"messages"`
	Temperature         *float64  `json:"temperature,omitempty"`
	TopP                *float64  `json:"top_p,omitempty"`
	N                   *int      `json:"n,omitempty"`
	Logprobs            *bool     `json:"logprobs,omitempty"`
	TopLogprobs         *int      `json:"top_logprobs,omitempty"`
	PresencePenalty     *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64  `json:"frequency_penalty,omitempty"`
	MaxCompletionTokens *int      `json:"max_completion_tokens,omitempty"`
	Stop                Stop      `json:"stop,omitempty"`
	ToolChoice          *string   `json:"tool_choice,omitempty"`
	Stream              bool      `json:"stream,omitempty"`
	User                string    `json:"user,omitempty"`
}

// AutoRoute reports whether the caller left backend selection to the gateway.
func (r *Request) AutoRoute() bool {
	_, ok := autoModels[strings.ToLower(strings.TrimSpace(r.Model))]
	return ok
}

// LastUserMessage returns the content of the final message, which Validate
// guarantees is a user turn.
func (r *Request) LastUserMessage() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// ProxyRequest converts r into the provider-neutral request. Stream and
// tool_choice are never forwarded.
func (r *Request) ProxyRequest(providerModel, requestID string) *providers.ProxyRequest {
	msgs := make([]providers.Message, len(r.Messages))
	for i, m := range r.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return &providers.ProxyRequest{
		Model:               providerModel,
		Messages:            msgs,
		Temperature:         r.Temperature,
		TopP:                r.TopP,
		N:                   r.N,
		Logprobs:            r.Logprobs,
		TopLogprobs:         r.TopLogprobs,
		PresencePenalty:     r.PresencePenalty,
		FrequencyPenalty:    r.FrequencyPenalty,
		MaxCompletionTokens: r.MaxCompletionTokens,
		Stop:                r.Stop,
		User:                r.User,
		RequestID:           requestID,
	}
}

type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the canonical completion returned to callers.
type Response struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
	SystemFingerprint string   `json:"system_fingerprint"`
}

// FromProxyResponse builds the canonical response. model is the public
// backend label, not the provider's internal model id.
func FromProxyResponse(resp *providers.ProxyResponse, model string) *Response {
	choices := make([]Choice, len(resp.Choices))
	for i, c := range resp.Choices {
		role := c.Role
		if role == "" {
			role = "assistant"
		}
		choices[i] = Choice{
			Index:        c.Index,
			Message:      ResponseMessage{Role: role, Content: c.Content},
			FinishReason: c.FinishReason,
		}
	}
	return &Response{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   model,
		Choices: choices,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.Total(),
		},
		SystemFingerprint: resp.SystemFingerprint,
	}
}
