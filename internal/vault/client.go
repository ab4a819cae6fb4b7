// Package vault loads exchange API credentials from HashiCorp Vault, with
// an environment fallback when Vault is disabled.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Credentials are the exchange API keys used for signed requests.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Config holds the Vault connection settings.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	TLSEnabled bool
	CACert     string

	// Fallback credentials used when Vault is disabled.
	FallbackAPIKey    string
	FallbackSecretKey string
}

// Client wraps the HashiCorp Vault client with a read-through cache.
type Client struct {
	client *api.Client
	config Config

	mu    sync.RWMutex
	cache map[string]*Credentials
}

// NewClient creates a Vault client. When Vault is disabled the client only
// serves the fallback credentials from configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	c := &Client{config: cfg, cache: make(map[string]*Credentials)}

	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.client = client
	return c, nil
}

// GetCredentials loads the credentials for an account, preferring the
// cache, then Vault, then the configured fallback.
func (c *Client) GetCredentials(ctx context.Context, account string, testnet bool) (*Credentials, error) {
	key := c.cacheKey(account, testnet)

	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		if c.config.FallbackAPIKey == "" || c.config.FallbackSecretKey == "" {
			return nil, fmt.Errorf("vault is disabled and no fallback credentials configured")
		}
		creds := &Credentials{
			APIKey:    c.config.FallbackAPIKey,
			SecretKey: c.config.FallbackSecretKey,
			IsTestnet: testnet,
		}
		c.store(key, creds)
		return creds, nil
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(account, testnet))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("credentials not found for account %q", account)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format for account %q", account)
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("incomplete credentials for account %q", account)
	}

	c.store(key, creds)
	return creds, nil
}

// StoreCredentials writes credentials for an account into Vault.
func (c *Client) StoreCredentials(ctx context.Context, account string, creds Credentials) error {
	if !c.config.Enabled {
		c.store(c.cacheKey(account, creds.IsTestnet), &creds)
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
			"is_testnet": creds.IsTestnet,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(account, creds.IsTestnet), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.store(c.cacheKey(account, creds.IsTestnet), &creds)
	return nil
}

// InvalidateCache drops cached credentials for an account.
func (c *Client) InvalidateCache(account string, testnet bool) {
	c.mu.Lock()
	delete(c.cache, c.cacheKey(account, testnet))
	c.mu.Unlock()
}

func (c *Client) store(key string, creds *Credentials) {
	c.mu.Lock()
	c.cache[key] = creds
	c.mu.Unlock()
}

func (c *Client) cacheKey(account string, testnet bool) string {
	env := "mainnet"
	if testnet {
		env = "testnet"
	}
	return account + ":" + env
}

func (c *Client) secretPath(account string, testnet bool) string {
	env := "mainnet"
	if testnet {
		env = "testnet"
	}
	return fmt.Sprintf("%s/data/engine/%s/%s", c.config.MountPath, account, env)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}
