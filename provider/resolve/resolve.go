// Package resolve creates a chat provider from provider-agnostic
// configuration. Every supported backend speaks the OpenAI chat
// completions API; known provider names get their base URL filled in
// automatically.
package resolve

import (
	"fmt"

	"github.com/tabletalk/tabletalk"
	"github.com/tabletalk/tabletalk/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a Provider.
type Config struct {
	Provider string // "openai", "openrouter", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // overrides the default for the named provider

	// Common options (nil = provider default).
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// Provider creates a tabletalk.Provider from a Config.
func Provider(cfg Config) (tabletalk.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown provider %q and no base URL given", cfg.Provider)
	}

	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens > 0 {
		reqOpts = append(reqOpts, openaicompat.WithMaxTokens(cfg.MaxTokens))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}

	return openaicompat.New(cfg.APIKey, cfg.Model, baseURL, provOpts...), nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
