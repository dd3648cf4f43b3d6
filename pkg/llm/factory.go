package llm

import (
	"fmt"

	"conductor/pkg/config"
)

// API key environment/secret names per provider.
const (
	SecretAnthropicKey = "ANTHROPIC_API_KEY"
	SecretOpenAIKey    = "OPENAI_API_KEY"
	SecretGeminiKey    = "GEMINI_API_KEY"
)

// NewFromConfig builds the configured provider client, already wrapped with
// timeout and observation middleware. observer may be nil.
func NewFromConfig(cfg config.LLMConfig, observer Observer) (Client, error) {
	var raw Client
	switch cfg.Provider {
	case "anthropic":
		key, err := config.GetSecret(SecretAnthropicKey)
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		raw = NewClaudeClient(key, cfg.Model)
	case "openai":
		key, err := config.GetSecret(SecretOpenAIKey)
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		raw = NewOpenAIClient(key, cfg.Model)
	case "gemini":
		key, err := config.GetSecret(SecretGeminiKey)
		if err != nil {
			return nil, fmt.Errorf("gemini provider: %w", err)
		}
		raw = NewGeminiClient(key, cfg.Model)
	case "ollama":
		host := cfg.OllamaHost
		if host == "" {
			host = "http://localhost:11434"
		}
		raw = NewOllamaClient(host, cfg.Model)
	case "mock":
		raw = NewMockClient()
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	return Wrap(raw, cfg.Provider, cfg.Timeout, observer), nil
}
