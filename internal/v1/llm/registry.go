package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/config"
	"github.com/parleyhq/parley/internal/v1/logging"
)

// NewRegistryFromConfig builds a registry from validated environment
// configuration. Providers without credentials stay unregistered, so agents
// pointing at them fall back to mock.
func NewRegistryFromConfig(ctx context.Context, cfg *config.Config) *Registry {
	registry := NewRegistry()

	if cfg.OpenAIAPIKey != "" {
		registry.Register(NewOpenAI(cfg.OpenAIAPIKey))
	}
	if cfg.GeminiAPIKey != "" {
		registry.Register(NewGemini(cfg.GeminiAPIKey))
	}
	if cfg.AnthropicAPIKey != "" {
		registry.Register(NewAnthropic(cfg.AnthropicAPIKey))
	}
	if cfg.OllamaBaseURL != "" {
		registry.Register(NewOllama(cfg.OllamaBaseURL))
	}

	logging.Info(ctx, "Language model providers registered",
		zap.Strings("providers", registry.Available()))
	return registry
}
