package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

const azureBackendName = "azure-keyvault"

// AzureOptions configures the Key Vault backend
type AzureOptions struct {
	VaultURL     string
	TenantID     string
	ClientID     string
	ClientSecret string
}

// AzureKeyVaultBackend stores each bundle as one JSON secret value
type AzureKeyVaultBackend struct {
	client *azsecrets.Client
}

// NewAzureKeyVaultBackend authenticates with a service principal when client
// credentials are set, or the default Azure credential chain otherwise
func NewAzureKeyVaultBackend(opts AzureOptions) (*AzureKeyVaultBackend, error) {
	if opts.VaultURL == "" {
		return nil, fmt.Errorf("azure vault_url is required")
	}

	var cred azcore.TokenCredential
	var err error
	if opts.TenantID != "" && opts.ClientID != "" && opts.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(opts.TenantID, opts.ClientID, opts.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(opts.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create key vault client: %w", err)
	}
	return &AzureKeyVaultBackend{client: client}, nil
}

func (b *AzureKeyVaultBackend) Name() string {
	return azureBackendName
}

func (b *AzureKeyVaultBackend) Get(ctx context.Context, path string) (map[string]string, error) {
	resp, err := b.client.GetSecret(ctx, azureSecretName(path), "", nil)
	if err != nil {
		return nil, classifyAzureError("get", path, err)
	}
	if resp.Value == nil {
		return nil, &NotFoundError{Backend: azureBackendName, Path: path}
	}
	return decodeBundle([]byte(*resp.Value))
}

func (b *AzureKeyVaultBackend) Put(ctx context.Context, path string, data map[string]string) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode secret: %w", err)
	}
	value := string(encoded)
	contentType := "application/json"
	_, err = b.client.SetSecret(ctx, azureSecretName(path), azsecrets.SetSecretParameters{
		Value:       &value,
		ContentType: &contentType,
	}, nil)
	if err != nil {
		return classifyAzureError("put", path, err)
	}
	return nil
}

func (b *AzureKeyVaultBackend) TestConnection(ctx context.Context) error {
	pager := b.client.NewListSecretPropertiesPager(nil)
	if _, err := pager.NextPage(ctx); err != nil {
		return classifyAzureError("list", "", err)
	}
	return nil
}

// azureSecretName maps a slash path onto Key Vault's alphanumeric-and-dash names
func azureSecretName(path string) string {
	return strings.ReplaceAll(strings.ReplaceAll(strings.Trim(path, "/"), "/", "-"), "_", "-")
}

func classifyAzureError(op, path string, err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return &ConnectivityError{Backend: azureBackendName, Operation: op, Err: err}
	}
	switch {
	case respErr.StatusCode == http.StatusNotFound:
		return &NotFoundError{Backend: azureBackendName, Path: path}
	case respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden:
		return &AuthError{Backend: azureBackendName, StatusCode: respErr.StatusCode, Message: respErr.ErrorCode}
	case respErr.StatusCode >= 500 || respErr.StatusCode == http.StatusTooManyRequests:
		return &ConnectivityError{Backend: azureBackendName, Operation: op, Err: err}
	default:
		return fmt.Errorf("%s %s failed: %w", azureBackendName, op, err)
	}
}
