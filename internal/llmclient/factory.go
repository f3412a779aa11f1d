package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/relayloop/actiongate/api/schemas"
	"github.com/relayloop/actiongate/internal/config"
)

// NewClientForModel builds a provider-specific client for one model config.
func NewClientForModel(cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini, "":
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// NewRouterFromConfig wires a tier router from the router configuration.
func NewRouterFromConfig(cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	fastCfg, ok := cfg.Models[cfg.DefaultFastModel]
	if !ok {
		return nil, fmt.Errorf("no model configuration for fast model %q", cfg.DefaultFastModel)
	}
	powerfulCfg, ok := cfg.Models[cfg.DefaultPowerfulModel]
	if !ok {
		return nil, fmt.Errorf("no model configuration for powerful model %q", cfg.DefaultPowerfulModel)
	}

	fast, err := NewClientForModel(fastCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("building fast tier client: %w", err)
	}
	powerful, err := NewClientForModel(powerfulCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("building powerful tier client: %w", err)
	}

	return NewLLMRouter(logger, fast, powerful)
}
