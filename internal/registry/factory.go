package registry

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/llmhub/internal/config"
	"github.com/nulpointcorp/llmhub/internal/providers"
	"github.com/nulpointcorp/llmhub/internal/providers/anthropic"
	"github.com/nulpointcorp/llmhub/internal/providers/azure"
	"github.com/nulpointcorp/llmhub/internal/providers/gemini"
	"github.com/nulpointcorp/llmhub/internal/providers/openai"
	"github.com/nulpointcorp/llmhub/internal/providers/openaicompat"
)

// NewProvider builds the adapter matching b.Kind.
func NewProvider(ctx context.Context, b config.BackendConfig) (providers.Provider, error) {
	if b.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if b.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	switch b.Kind {
	case config.KindOpenAI:
		return openai.New(b.APIKey, openai.WithBaseURL(b.Endpoint)), nil
	case config.KindOpenAICompatible:
		return openaicompat.New(b.Label, b.APIKey, b.Endpoint), nil
	case config.KindAzure:
		return azure.New(b.Endpoint, b.APIKey, b.APIVersion), nil
	case config.KindAnthropic:
		return anthropic.New(b.APIKey, anthropic.WithBaseURL(b.Endpoint)), nil
	case config.KindGemini:
		return gemini.New(ctx, b.APIKey, gemini.WithBaseURL(b.Endpoint)), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", b.Kind)
	}
}
