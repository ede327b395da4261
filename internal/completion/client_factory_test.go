package completion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lateraltutor/internal/config"
)

func TestNewFromConfigOpenRouter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.APIKey = "k"
	cfg.LLM.Model = "some/model"
	cfg.Retry = config.RetryConfig{MaxAttempts: 5, BaseDelayMs: 10, JitterMs: 0}

	client, err := NewFromConfig(context.Background(), cfg, "SYS")
	require.NoError(t, err)
	assert.Equal(t, "some/model", client.Model())
	assert.Equal(t, 5, client.retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, client.retry.Backoff.Delay(1))
	assert.Equal(t, 8000, client.maxWebChars)
}

func TestNewFromConfigUnknownProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LLM.Provider = "smoke-signals"
	_, err := NewFromConfig(context.Background(), cfg, "SYS")
	assert.Error(t, err)
}
