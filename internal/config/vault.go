package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/vault/api"
)

// SecretManager wraps the Vault API client for reading secrets.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address
// and authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map,
// unwrapping the v2 envelope automatically.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// ApplyVault overlays credentials from a Vault KV2 secret onto the config
// when VAULT_ADDR is set; otherwise the env-derived values stand. Recognised
// keys: NATS_URL, DB_HOST, DB_PORT, DB_NAME, DB_USER, DB_PASSWORD.
func (c *Config) ApplyVault() error {
	vaultAddr := os.Getenv("VAULT_ADDR")
	if vaultAddr == "" {
		return nil
	}
	vaultToken := os.Getenv("VAULT_TOKEN")
	if vaultToken == "" {
		vaultToken = "root"
	}
	secretPath := os.Getenv("VAULT_SECRET_PATH")
	if secretPath == "" {
		secretPath = "secret/data/network-builder"
	}

	mgr, err := NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		return err
	}
	secrets, err := mgr.GetKV2(secretPath)
	if err != nil {
		return fmt.Errorf("failed to load secrets from Vault: %w", err)
	}

	if v, ok := secrets["NATS_URL"].(string); ok && v != "" {
		c.NATSURL = v
	}
	if v, ok := secrets["DB_HOST"].(string); ok && v != "" {
		c.DBHost = v
	}
	if v, ok := secrets["DB_PORT"].(string); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("vault DB_PORT: %w", err)
		}
		c.DBPort = port
	}
	if v, ok := secrets["DB_NAME"].(string); ok && v != "" {
		c.DBName = v
	}
	if v, ok := secrets["DB_USER"].(string); ok && v != "" {
		c.DBUser = v
	}
	if v, ok := secrets["DB_PASSWORD"].(string); ok && v != "" {
		c.DBPassword = v
	}
	return nil
}
