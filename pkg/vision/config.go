package vision

import (
	"fmt"
	"time"
)

// Config holds vision provider configuration.
type Config struct {
	Provider  string // "local", "openai", "anthropic"
	Model     string
	APIKey    string
	APIURL    string
	MaxTokens int
	Timeout   time.Duration
}

// NewProvider creates a vision provider based on the config.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "local", "ollama", "":
		return NewLocalProvider(cfg), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an api key")
		}
		return NewOpenAIProvider(cfg), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an api key")
		}
		return NewAnthropicProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown vision provider: %s", cfg.Provider)
	}
}
