package config

import "fmt"

// LLMConfig configures the completion service.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // openrouter, openai, gemini
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"` // 0-2
	Timeout     string  `yaml:"timeout"`
	SiteURL     string  `yaml:"site_url"`  // OpenRouter HTTP-Referer
	SiteName    string  `yaml:"site_name"` // OpenRouter X-Title
}

// RetryConfig bounds the rate-limit retry loop.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"` // total attempts, including the first
	BaseDelayMs int `yaml:"base_delay_ms"`
	JitterMs    int `yaml:"jitter_ms"`
}

// ValidProviders lists the supported completion providers.
var ValidProviders = []string{"openrouter", "openai", "gemini"}

// DefaultLLMConfig returns the OpenRouter defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:    "openrouter",
		Model:       "google/gemini-2.5-flash-lite-preview-09-2025",
		BaseURL:     "https://openrouter.ai/api/v1",
		Temperature: 0.1,
		Timeout:     "120s",
		SiteName:    "Lateral Reading Tutor",
	}
}

// DefaultRetryConfig returns three attempts spaced 2-3 seconds apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelayMs: 2000,
		JitterMs:    1000,
	}
}

// ClampTemperature keeps t within the provider range [0, 2].
func ClampTemperature(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 2 {
		return 2
	}
	return t
}

// Validate checks provider and credentials.
func (c LLMConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set OPENROUTER_API_KEY or GEMINI_API_KEY)")
	}
	for _, p := range ValidProviders {
		if c.Provider == p {
			return nil
		}
	}
	return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.Provider, ValidProviders)
}
