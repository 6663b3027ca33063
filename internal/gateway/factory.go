package gateway

import "fmt"

// ProviderConfig selects and parameterizes a backend.
type ProviderConfig struct {
	// Provider is one of "gemini", "openai", "anthropic". Empty means gemini.
	Provider string

	APIKey string
	Model  string

	// BaseURL applies to openai (compatible endpoints) and gemini (tests).
	BaseURL string
}

// NewClient builds the configured backend client.
func NewClient(cfg ProviderConfig) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gateway: missing API key for provider %q", cfg.Provider)
	}
	switch cfg.Provider {
	case "", "gemini":
		var opts []GeminiOption
		if cfg.BaseURL != "" {
			opts = append(opts, WithGeminiBaseURL(cfg.BaseURL))
		}
		return NewGeminiClient(cfg.APIKey, cfg.Model, opts...), nil
	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("gateway: unknown provider %q", cfg.Provider)
	}
}
