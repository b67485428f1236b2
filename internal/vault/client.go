// Package vault retrieves secrets from HashiCorp Vault.
//
// Secrets are read from the KV v2 engine under a configurable mount and base
// path and cached briefly so hot paths (provider key resolution at startup,
// periodic reloads) do not hammer the server. Development setups without a
// Vault deployment should leave the integration disabled and rely on
// environment variables instead.
package vault

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// Config holds Vault client configuration.
type Config struct {
	Address    string        // Vault server address (default: http://localhost:8200)
	Token      string        // authentication token; falls back to VAULT_TOKEN
	MountPath  string        // KV v2 mount (default: "secret")
	SecretPath string        // base path for this application's secrets
	CacheTTL   time.Duration // how long to cache secrets (default: 5 minutes)
}

// Client reads application secrets from Vault KV v2.
type Client struct {
	api        *vaultapi.Client
	mountPath  string
	secretPath string

	cacheMu  sync.RWMutex
	cache    map[string]cachedSecret
	cacheTTL time.Duration
}

type cachedSecret struct {
	data      map[string]interface{}
	expiresAt time.Time
}

// NewClient creates a Vault client authenticated by token.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		cfg.Address = os.Getenv("VAULT_ADDR")
		if cfg.Address == "" {
			cfg.Address = "http://localhost:8200"
		}
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("VAULT_TOKEN")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required (set vault.token or VAULT_TOKEN)")
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Address

	api, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	api.SetToken(cfg.Token)

	log.Info().
		Str("vault_addr", cfg.Address).
		Str("mount_path", cfg.MountPath).
		Str("secret_path", cfg.SecretPath).
		Dur("cache_ttl", cfg.CacheTTL).
		Msg("Vault client initialized")

	return &Client{
		api:        api,
		mountPath:  cfg.MountPath,
		secretPath: cfg.SecretPath,
		cache:      make(map[string]cachedSecret),
		cacheTTL:   cfg.CacheTTL,
	}, nil
}

// GetSecret retrieves a secret relative to the configured base path,
// e.g. GetSecret(ctx, "llm") reads <mount>/data/<base>/llm.
func (c *Client) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	if cached := c.getCached(path); cached != nil {
		return cached, nil
	}

	fullPath := fmt.Sprintf("%s/data/%s/%s", c.mountPath, c.secretPath, path)

	secret, err := c.api.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	// KV v2 nests the payload under "data"
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	c.putCached(path, data)
	return data, nil
}

// GetString retrieves a single string field of a secret.
func (c *Client) GetString(ctx context.Context, path, key string) (string, error) {
	data, err := c.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}
	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("secret key %q not found or not a string at path %q", key, path)
	}
	return value, nil
}

func (c *Client) getCached(path string) map[string]interface{} {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	entry, ok := c.cache[path]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.data
}

func (c *Client) putCached(path string, data map[string]interface{}) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[path] = cachedSecret{data: data, expiresAt: time.Now().Add(c.cacheTTL)}
}

// InvalidateCache clears all cached secrets, forcing fresh reads.
func (c *Client) InvalidateCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = make(map[string]cachedSecret)
}
