// Package openaicompat provides a generic OpenAI-compatible backend.
// Use it for any service that implements the OpenAI chat completions API
// (DeepSeek, Azure AI model-as-a-service endpoints such as Meta Llama or
// Mistral, Groq, Together AI, a local vLLM, etc.).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nulpointcorp/llmhub/internal/providers"
	"github.com/nulpointcorp/llmhub/internal/providers/openai"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Provider is a configurable OpenAI-compatible backend.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates a new OpenAI-compatible Provider.
//
//   - name: identifier used in logs and provider errors.
//   - apiKey: API key sent as "Authorization: Bearer <key>".
//   - baseURL: API base URL, e.g. "https://api.deepseek.com/v1".
func New(name, apiKey, baseURL string) *Provider {
	p := &Provider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{}),
	}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(opts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%s: no API key configured", p.name)
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatParams(req))
	if err != nil {
		return nil, p.toProviderError(err)
	}
	return openai.ToProxyResponse(resp), nil
}

// ProviderError is a structured error returned by an OpenAI-compatible API.
type ProviderError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			Name:       p.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
