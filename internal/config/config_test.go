package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "TradeFabric", cfg.App.Name)
	assert.Equal(t, "paper_mock", cfg.Mode.Initial)
	assert.Equal(t, "NIFTY", cfg.Market.Instrument)
	assert.Equal(t, "09:15", cfg.Market.Calendar.Open)
	assert.Equal(t, "15:30", cfg.Market.Calendar.Close)
	assert.Equal(t, 15*time.Minute, cfg.Cycle.Interval)
	assert.Equal(t, 0.7, cfg.Cycle.MinConfidence)
	assert.Equal(t, 2, cfg.LLM.FailureThreshold)
	assert.Equal(t, 30, cfg.LLM.CooldownSeconds)
	assert.Equal(t, 0.10, cfg.Risk.CircuitBreakerLossPct)
	assert.Equal(t, 100000.0, cfg.Portfolio.InitialCapital)
	assert.False(t, cfg.Database.Enabled)
	assert.Contains(t, cfg.Gateway.Roles, "user")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
app:
  log_level: debug
mode:
  initial: paper_live
cycle:
  interval: 5m
  min_confidence: 0.8
llm:
  providers:
    - name: openrouter
      priority: 1
      model: meta-llama/llama-3.3-70b
      endpoint: https://openrouter.ai/api/v1/chat/completions
      per_minute_limit: 20
      per_day_limit: 1000
    - name: groq
      priority: 2
      model: llama-3.3-70b-versatile
      endpoint: https://api.groq.com/openai/v1/chat/completions
      per_minute_limit: 30
      per_day_limit: 14400
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "paper_live", cfg.Mode.Initial)
	assert.Equal(t, 5*time.Minute, cfg.Cycle.Interval)
	assert.Equal(t, 0.8, cfg.Cycle.MinConfidence)
	require.Len(t, cfg.LLM.Providers, 2)
	assert.Equal(t, "openrouter", cfg.LLM.Providers[0].Name)
	assert.Equal(t, 20, cfg.LLM.Providers[0].PerMinuteLimit)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid mode",
			mutate:  func(c *Config) { c.Mode.Initial = "turbo" },
			wantErr: "invalid mode.initial",
		},
		{
			name: "duplicate provider",
			mutate: func(c *Config) {
				c.LLM.Providers = []ProviderConfig{{Name: "a"}, {Name: "a"}}
			},
			wantErr: "duplicate llm provider",
		},
		{
			name:    "confidence out of range",
			mutate:  func(c *Config) { c.Cycle.MinConfidence = 1.5 },
			wantErr: "min_confidence",
		},
		{
			name:    "bad reset hour",
			mutate:  func(c *Config) { c.Risk.DailyResetHour = 24 },
			wantErr: "daily_reset_hour",
		},
		{
			name:    "zero capital",
			mutate:  func(c *Config) { c.Portfolio.InitialCapital = 0 },
			wantErr: "initial_capital",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsPlaceholder(t *testing.T) {
	assert.True(t, IsPlaceholder(""))
	assert.True(t, IsPlaceholder("changeme"))
	assert.True(t, IsPlaceholder("YOUR_API_KEY"))
	assert.False(t, IsPlaceholder("sk-or-v1-8f2a91"))
}

func TestLoadSecretsEnvFallback(t *testing.T) {
	t.Setenv("TEST_ROUTER_KEY", "sk-live-abc")
	t.Setenv("TELEGRAM_BOT_TOKEN", "12345:token")

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.LLM.Providers = []ProviderConfig{{Name: "openrouter", APIKeyEnv: "TEST_ROUTER_KEY"}}
	cfg.Alerts.Telegram.Enabled = true

	secrets, err := LoadSecrets(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abc", cfg.LLM.Providers[0].APIKey)
	assert.Equal(t, "12345:token", secrets.TelegramBotToken)
}

func TestGetDSN(t *testing.T) {
	db := DatabaseConfig{
		Host: "localhost", Port: 5432,
		User: "postgres", Password: "pw",
		Database: "tradefabric", SSLMode: "disable",
	}
	assert.Equal(t, "postgres://postgres:pw@localhost:5432/tradefabric?sslmode=disable", db.GetDSN())
}
