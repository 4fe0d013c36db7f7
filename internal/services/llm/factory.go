package llm

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/skillforge/internal/common"
	"github.com/ternarybob/skillforge/internal/interfaces"
)

// NewLLMService creates the configured provider, wrapped with the
// process-wide rate limit. The scripted provider has no LLM client:
// callers get nil and use the deterministic pipeline steps instead.
func NewLLMService(cfg *common.Config, logger arbor.ILogger) (interfaces.LLMService, error) {
	var interval time.Duration
	if cfg.LLM.RateLimit != "" {
		parsed, err := time.ParseDuration(cfg.LLM.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid llm.rate_limit %q: %w", cfg.LLM.RateLimit, err)
		}
		interval = parsed
	}

	logger.Info().Str("provider", string(cfg.LLM.DefaultProvider)).Msg("Initializing LLM service")

	switch cfg.LLM.DefaultProvider {
	case common.LLMProviderClaude:
		service, err := NewClaudeService(&cfg.Claude, logger)
		if err != nil {
			return nil, err
		}
		return WithRateLimit(service, interval), nil

	case common.LLMProviderGemini:
		service, err := NewGeminiService(&cfg.Gemini, logger)
		if err != nil {
			return nil, err
		}
		return WithRateLimit(service, interval), nil

	case common.LLMProviderScripted:
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.DefaultProvider)
	}
}
