package secrets

import (
	"context"
	"fmt"

	"github.com/securebridge/dicom-bridge/pkg/config"
	"github.com/sirupsen/logrus"
)

// NewBackend creates the configured secret backend. Callers only ever see
// the Backend interface.
func NewBackend(ctx context.Context, cfg config.SecretsConfig, logger *logrus.Logger) (Backend, error) {
	logger.WithField("provider", cfg.Provider).Debug("Creating secret backend")

	var backend Backend
	var err error

	switch cfg.Provider {
	case config.SecretsProviderVault:
		backend, err = NewVaultBackend(VaultOptions{
			Address:    cfg.Vault.Address,
			Mount:      cfg.Vault.Mount,
			Namespace:  cfg.Vault.Namespace,
			AuthMethod: cfg.Vault.AuthMethod,
			RoleID:     cfg.Vault.RoleID,
			SecretID:   cfg.Vault.SecretID,
			Token:      cfg.Vault.Token,
			CAFile:     cfg.Vault.CAFile,
			Logger:     logger,
		})

	case config.SecretsProviderAWS:
		backend, err = NewAWSSecretsManagerBackend(ctx, AWSOptions{
			Region:          cfg.AWS.Region,
			Endpoint:        cfg.AWS.Endpoint,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			Prefix:          cfg.AWS.Prefix,
		})

	case config.SecretsProviderGCP:
		backend, err = NewGCPSecretManagerBackend(ctx, GCPOptions{
			ProjectID:       cfg.GCP.ProjectID,
			CredentialsFile: cfg.GCP.CredentialsFile,
		})

	case config.SecretsProviderAzure:
		backend, err = NewAzureKeyVaultBackend(AzureOptions{
			VaultURL:     cfg.Azure.VaultURL,
			TenantID:     cfg.Azure.TenantID,
			ClientID:     cfg.Azure.ClientID,
			ClientSecret: cfg.Azure.ClientSecret,
		})

	case config.SecretsProviderMemory:
		backend = NewMemoryBackend(nil)

	default:
		return nil, fmt.Errorf("unsupported secrets provider: %s", cfg.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", cfg.Provider, err)
	}

	logger.WithField("provider", backend.Name()).Info("Secret backend created")
	return backend, nil
}
