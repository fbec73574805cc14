package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/conchshell/conch/internal/config"
)

// Client is the interface every provider implements. Tools are passed
// in the OpenAI function-calling format; providers that speak a
// different dialect convert at their boundary.
type Client interface {
	// Chat sends one chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks whether the provider is reachable with the current
	// credentials.
	Ping(ctx context.Context) error
}

// Default API key environment variables per provider.
const (
	defaultOpenAIKeyEnv    = "OPENAI_API_KEY"
	defaultAnthropicKeyEnv = "ANTHROPIC_API_KEY"
)

// New builds the provider client selected by the config. OpenAI and
// Anthropic require an API key in the configured environment variable;
// Ollama needs only a base URL.
func New(cfg *config.Config, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "", "openai":
		key, err := apiKey(cfg.APIKeyEnv, defaultOpenAIKeyEnv)
		if err != nil {
			return nil, err
		}
		return NewOpenAIClient(key, cfg.BaseURL, logger), nil

	case "anthropic":
		key, err := apiKey(cfg.APIKeyEnv, defaultAnthropicKeyEnv)
		if err != nil {
			return nil, err
		}
		return NewAnthropicClient(key, logger), nil

	case "ollama":
		base := cfg.BaseURL
		if base == "" {
			base = os.Getenv("OLLAMA_HOST")
		}
		return NewOllamaClient(base, logger), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func apiKey(envName, fallback string) (string, error) {
	if envName == "" {
		envName = fallback
	}
	key := strings.TrimSpace(os.Getenv(envName))
	if key == "" {
		return "", fmt.Errorf("%s not set", envName)
	}
	return key, nil
}
