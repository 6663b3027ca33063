// Package config reads the service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration. Every field has an environment
// default so a bare `PRISM_GEMINI_API_KEY=... prism-api` run works.
type Config struct {
	Port     string
	LogLevel string

	DatabasePath string

	// AllowedOrigins are the extension origins permitted by CORS and the
	// WebSocket upgrade check.
	AllowedOrigins []string

	// LLMProvider selects the gateway backend: gemini, openai, anthropic.
	LLMProvider string

	GeminiAPIKey string
	GeminiModel  string

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	AnthropicAPIKey string
	AnthropicModel  string

	GitHubClientID     string
	GitHubClientSecret string
	GitHubRedirectURI  string

	// StreamIdleTimeout cancels a model stream after this much silence.
	StreamIdleTimeout time.Duration
	// DripInterval is the per-character pacing of streamed replies.
	DripInterval time.Duration
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// Load reads all env vars and builds the config.
func Load() *Config {
	return &Config{
		Port:     getEnv("PRISM_PORT", "8787"),
		LogLevel: getEnv("PRISM_LOG_LEVEL", "info"),

		DatabasePath: getEnv("PRISM_DB_PATH", "prism.db"),

		AllowedOrigins: splitOrigins(getEnv("PRISM_ALLOWED_ORIGINS", "")),

		LLMProvider: getEnv("PRISM_LLM_PROVIDER", "gemini"),

		GeminiAPIKey: getEnv("PRISM_GEMINI_API_KEY", ""),
		GeminiModel:  getEnv("PRISM_GEMINI_MODEL", "gemini-1.5-flash-latest"),

		OpenAIAPIKey:  getEnv("PRISM_OPENAI_API_KEY", ""),
		OpenAIModel:   getEnv("PRISM_OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getEnv("PRISM_OPENAI_BASE_URL", ""),

		AnthropicAPIKey: getEnv("PRISM_ANTHROPIC_API_KEY", ""),
		AnthropicModel:  getEnv("PRISM_ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),

		GitHubClientID:     getEnv("PRISM_GITHUB_CLIENT_ID", ""),
		GitHubClientSecret: getEnv("PRISM_GITHUB_CLIENT_SECRET", ""),
		GitHubRedirectURI:  getEnv("PRISM_GITHUB_REDIRECT_URI", ""),

		StreamIdleTimeout: getDurationEnv("PRISM_STREAM_IDLE_TIMEOUT", 15*time.Second),
		DripInterval:      getDurationEnv("PRISM_DRIP_INTERVAL", 25*time.Millisecond),
	}
}

// ProviderAPIKey returns the key for the configured provider.
func (c *Config) ProviderAPIKey() string {
	switch c.LLMProvider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	default:
		return c.GeminiAPIKey
	}
}

// ProviderModel returns the model for the configured provider.
func (c *Config) ProviderModel() string {
	switch c.LLMProvider {
	case "openai":
		return c.OpenAIModel
	case "anthropic":
		return c.AnthropicModel
	default:
		return c.GeminiModel
	}
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
