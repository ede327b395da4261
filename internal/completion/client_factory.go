package completion

import (
	"context"
	"fmt"
	"time"

	"lateraltutor/internal/config"
	"lateraltutor/internal/logging"
)

// NewFromConfig builds a Client for the configured provider.
func NewFromConfig(ctx context.Context, cfg *config.Config, system string) (*Client, error) {
	llm := cfg.LLM
	var backend Backend
	switch llm.Provider {
	case "openrouter", "openai":
		orCfg := DefaultOpenRouterConfig(llm.APIKey)
		if llm.BaseURL != "" {
			orCfg.BaseURL = llm.BaseURL
		}
		if llm.Model != "" {
			orCfg.Model = llm.Model
		}
		orCfg.Temperature = config.ClampTemperature(llm.Temperature)
		orCfg.Timeout = cfg.GetLLMTimeout()
		orCfg.SiteURL = llm.SiteURL
		if llm.SiteName != "" {
			orCfg.SiteName = llm.SiteName
		}
		backend = NewOpenRouterBackend(orCfg)
	case "gemini":
		gb, err := NewGeminiBackend(ctx, GeminiConfig{
			APIKey:      llm.APIKey,
			Model:       llm.Model,
			Temperature: config.ClampTemperature(llm.Temperature),
		})
		if err != nil {
			return nil, err
		}
		backend = gb
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", llm.Provider)
	}

	retry := DefaultRetrier()
	if cfg.Retry.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Retry.MaxAttempts
		retry.Backoff = Backoff{
			Base:   time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
			Jitter: time.Duration(cfg.Retry.JitterMs) * time.Millisecond,
		}
	}

	logging.Boot("Completion client: provider=%s model=%s attempts=%d", llm.Provider, backend.Model(), retry.MaxAttempts)
	return NewClient(backend, Options{
		System:         system,
		Retry:          retry,
		MaxWebChars:    cfg.Web.MaxChars,
		AttemptTimeout: cfg.GetLLMTimeout(),
	}), nil
}
