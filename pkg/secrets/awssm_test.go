package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSecretsManager struct {
	secrets map[string]string
	err     error
	created []string
}

func newMockSecretsManager() *mockSecretsManager {
	return &mockSecretsManager{secrets: make(map[string]string)}
}

func (m *mockSecretsManager) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	value, ok := m.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "not found"}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(value)}, nil
}

func (m *mockSecretsManager) PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	id := aws.ToString(in.SecretId)
	if _, ok := m.secrets[id]; !ok {
		return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "not found"}
	}
	m.secrets[id] = aws.ToString(in.SecretString)
	return &secretsmanager.PutSecretValueOutput{}, nil
}

func (m *mockSecretsManager) CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	id := aws.ToString(in.Name)
	m.created = append(m.created, id)
	m.secrets[id] = aws.ToString(in.SecretString)
	return &secretsmanager.CreateSecretOutput{}, nil
}

func (m *mockSecretsManager) ListSecrets(ctx context.Context, in *secretsmanager.ListSecretsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &secretsmanager.ListSecretsOutput{}, nil
}

func TestAWSSecretsManagerBackend_PutCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	mock := newMockSecretsManager()
	backend, err := NewAWSSecretsManagerBackend(ctx, AWSOptions{Client: mock, Prefix: "prod/"})
	require.NoError(t, err)

	require.NoError(t, backend.Put(ctx, "bridge/forward", map[string]string{"api_key": "one"}))
	assert.Equal(t, []string{"prod/bridge/forward"}, mock.created)

	require.NoError(t, backend.Put(ctx, "bridge/forward", map[string]string{"api_key": "two"}))
	assert.Len(t, mock.created, 1)

	got, err := backend.Get(ctx, "bridge/forward")
	require.NoError(t, err)
	assert.Equal(t, "two", got["api_key"])
}

func TestAWSSecretsManagerBackend_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		checkFn func(error) bool
	}{
		{"not found", &smithy.GenericAPIError{Code: "ResourceNotFoundException"}, IsNotFound},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException"}, IsAuthError},
		{"bad signature", &smithy.GenericAPIError{Code: "InvalidSignatureException"}, IsAuthError},
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException"}, IsConnectivityError},
		{"transport", errors.New("dial tcp: connection refused"), IsConnectivityError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockSecretsManager()
			mock.err = tt.err
			backend, err := NewAWSSecretsManagerBackend(context.Background(), AWSOptions{Client: mock})
			require.NoError(t, err)

			_, err = backend.Get(context.Background(), "bridge/archive")
			assert.True(t, tt.checkFn(err), "unexpected classification: %v", err)
		})
	}
}

func TestAWSSecretsManagerBackend_NonJSONSecret(t *testing.T) {
	mock := newMockSecretsManager()
	mock.secrets["plain"] = "not json"
	backend, err := NewAWSSecretsManagerBackend(context.Background(), AWSOptions{Client: mock})
	require.NoError(t, err)

	_, err = backend.Get(context.Background(), "plain")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a JSON object")
}

func TestSecretNameMapping(t *testing.T) {
	assert.Equal(t, "bridge-webhook", secretID("/bridge/webhook/"))
	assert.Equal(t, "bridge-forward-api-key", azureSecretName("bridge/forward/api_key"))
}

func TestLeasedToken(t *testing.T) {
	tok := newLeasedToken()
	now := time.Unix(1_700_000_000, 0)
	tok.now = func() time.Time { return now }

	_, ok := tok.get()
	assert.False(t, ok)
	assert.True(t, tok.needsRefresh())

	tok.set("t", time.Hour, true)
	value, ok := tok.get()
	assert.True(t, ok)
	assert.Equal(t, "t", value)
	assert.False(t, tok.needsRefresh())
	assert.True(t, tok.isRenewable())

	now = now.Add(45 * time.Minute)
	assert.True(t, tok.needsRefresh())

	now = now.Add(15 * time.Minute)
	_, ok = tok.get()
	assert.False(t, ok)

	tok.set("static", 0, false)
	now = now.Add(1000 * time.Hour)
	_, ok = tok.get()
	assert.True(t, ok)
	assert.False(t, tok.needsRefresh())
}
