package llm

import (
	"context"
	"fmt"
	"sort"
)

// OpenRouterBaseURL is the OpenAI-compatible endpoint OpenRouter exposes.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// Provider is an interface for LLM API providers
type Provider interface {
	// Call makes one decision call.
	Call(ctx context.Context, request Request) (*Response, error)

	// Provider returns the provider name
	Provider() string
}

// Factory creates providers from profiles.
type Factory struct{}

// NewProvider creates a provider for a profile. "openrouter" is the OpenAI
// provider pointed at the OpenRouter endpoint.
func (f *Factory) NewProvider(profile Profile) (Provider, error) {
	switch profile.Provider {
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	case "openrouter":
		baseURL := profile.BaseURL
		if baseURL == "" {
			baseURL = OpenRouterBaseURL
		}
		return NewOpenAIProvider(profile.APIKey, baseURL), nil
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// SortProfilesByPriority orders profiles lowest priority value first.
func SortProfilesByPriority(profiles []Profile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
