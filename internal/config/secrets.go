package config

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tradefabric/tradefabric/internal/vault"
)

// Secrets holds credentials resolved at startup for components that do not
// read them from Config directly.
type Secrets struct {
	TelegramBotToken string
	SMTPUser         string
	SMTPPassword     string
}

// Placeholder values that indicate an unset secret rather than a real one.
var secretPlaceholders = []string{
	"changeme",
	"your_api_key",
	"your_secret",
	"example",
	"sample",
	"placeholder",
	"xxx",
}

// IsPlaceholder reports whether a secret value looks like an unset template
// value.
func IsPlaceholder(value string) bool {
	lower := strings.ToLower(strings.TrimSpace(value))
	if lower == "" {
		return true
	}
	for _, p := range secretPlaceholders {
		if lower == p || strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// LoadSecrets resolves provider API keys and sink credentials, preferring
// Vault when enabled and falling back to environment variables. Provider keys
// are written back into cfg; sink credentials are returned. Resolution
// failures degrade to env lookup with a warning so a missing Vault deployment
// never blocks development.
func LoadSecrets(ctx context.Context, cfg *Config) (*Secrets, error) {
	var vc *vault.Client
	if cfg.Vault.Enabled {
		client, err := vault.NewClient(vault.Config{
			Address:    cfg.Vault.Address,
			Token:      cfg.Vault.Token,
			MountPath:  cfg.Vault.MountPath,
			SecretPath: cfg.Vault.SecretPath,
		})
		if err != nil {
			return nil, err
		}
		vc = client
	} else {
		log.Info().Msg("Vault integration disabled - using environment variables for secrets")
	}

	resolve := func(path, name string) string {
		if name == "" {
			return ""
		}
		if vc != nil {
			if value, err := vc.GetString(ctx, path, name); err == nil {
				return value
			} else {
				log.Warn().Err(err).Str("name", name).Msg("Vault lookup failed, falling back to environment")
			}
		}
		return os.Getenv(name)
	}

	// Provider API keys
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.APIKey != "" {
			continue
		}
		p.APIKey = resolve("llm", p.APIKeyEnv)
		if p.APIKey != "" && IsPlaceholder(p.APIKey) {
			log.Warn().Str("provider", p.Name).Msg("Provider API key looks like a placeholder value")
		}
	}

	// Database password
	if cfg.Database.Enabled && cfg.Database.Password == "" && vc != nil {
		if password, err := vc.GetString(ctx, "database", "password"); err == nil {
			cfg.Database.Password = password
		} else {
			log.Warn().Err(err).Msg("Failed to load database password from Vault")
		}
	}

	secrets := &Secrets{}
	if cfg.Alerts.Telegram.Enabled {
		secrets.TelegramBotToken = resolve("alerts", cfg.Alerts.Telegram.BotTokenEnv)
	}
	if cfg.Alerts.SMTP.Enabled {
		secrets.SMTPUser = resolve("alerts", cfg.Alerts.SMTP.UserEnv)
		secrets.SMTPPassword = resolve("alerts", cfg.Alerts.SMTP.PasswordEnv)
	}

	return secrets, nil
}
