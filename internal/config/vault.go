package config

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// VaultClient wraps HashiCorp Vault client
type VaultClient struct {
	client *vault.Client
	mount  string
}

// NewVaultClient creates a new Vault client. It returns nil when Vault is
// disabled.
func NewVaultClient(cfg *VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	token, err := cfg.GetVaultToken()
	if err != nil {
		return nil, err
	}
	client.SetToken(token)

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}

	return &VaultClient{client: client, mount: mount}, nil
}

// GetSecret retrieves a KVv2 secret from Vault
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	if vc == nil {
		return nil, fmt.Errorf("vault client is not initialized")
	}

	secret, err := vc.client.KVv2(vc.mount).Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret not found: %s", path)
	}

	return secret.Data, nil
}

// SecretSource reads secrets by path
type SecretSource interface {
	GetSecret(ctx context.Context, path string) (map[string]interface{}, error)
}

// ApplyVaultSecrets overrides broker and MinIO credentials with the secrets
// stored at their vault paths. A nil source leaves cfg untouched.
func ApplyVaultSecrets(ctx context.Context, cfg *Config, source SecretSource) error {
	if source == nil {
		return nil
	}
	if vc, ok := source.(*VaultClient); ok && vc == nil {
		return nil
	}

	if cfg.Broker.VaultPath != "" {
		secret, err := source.GetSecret(ctx, cfg.Broker.VaultPath)
		if err != nil {
			return fmt.Errorf("failed to get broker secrets: %w", err)
		}

		if user, ok := secret["user"].(string); ok {
			cfg.Broker.User = user
		}
		if password, ok := secret["password"].(string); ok {
			cfg.Broker.Password = password
		}
		if token, ok := secret["token"].(string); ok {
			cfg.Broker.Token = token
		}
	}

	if cfg.MinIO.VaultPath != "" {
		secret, err := source.GetSecret(ctx, cfg.MinIO.VaultPath)
		if err != nil {
			return fmt.Errorf("failed to get minio secrets: %w", err)
		}

		if accessKey, ok := secret["access_key_id"].(string); ok {
			cfg.MinIO.AccessKeyID = accessKey
		}
		if secretKey, ok := secret["secret_access_key"].(string); ok {
			cfg.MinIO.SecretAccessKey = secretKey
		}
	}

	return nil
}
