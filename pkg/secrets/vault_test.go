package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVault serves the handful of Vault endpoints the backend calls
type fakeVault struct {
	mu       sync.Mutex
	data     map[string]map[string]interface{}
	token    string
	lease    int
	logins   int32
	renewals int32
	sealed   bool
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		data:  make(map[string]map[string]interface{}),
		token: "s.initial",
		lease: 3600,
	}
}

func (f *fakeVault) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		path := strings.TrimPrefix(r.URL.Path, "/v1/")
		switch {
		case path == "sys/health":
			if f.sealed {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			return

		case path == "auth/approle/login":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["role_id"] != "role" || body["secret_id"] != "secret" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"errors":["invalid role or secret ID"]}`))
				return
			}
			atomic.AddInt32(&f.logins, 1)
			writeAuth(w, f.token, f.lease, true)
			return
		}

		if r.Header.Get("X-Vault-Token") != f.token {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}

		switch {
		case path == "auth/token/renew-self":
			atomic.AddInt32(&f.renewals, 1)
			writeAuth(w, f.token, f.lease, true)
		case path == "auth/token/lookup-self":
			_, _ = w.Write([]byte(`{"data":{"ttl":3600}}`))
		case strings.HasPrefix(path, "secret/data/"):
			key := strings.TrimPrefix(path, "secret/data/")
			if r.Method == http.MethodPost {
				var body struct {
					Data map[string]interface{} `json:"data"`
				}
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				f.data[key] = body.Data
				_, _ = w.Write([]byte(`{"data":{"version":1}}`))
				return
			}
			secret, ok := f.data[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"errors":[]}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"data": secret},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func writeAuth(w http.ResponseWriter, token string, lease int, renewable bool) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"auth": map[string]interface{}{
			"client_token":   token,
			"lease_duration": lease,
			"renewable":      renewable,
		},
	})
}

func newTestVault(t *testing.T) (*VaultBackend, *fakeVault) {
	t.Helper()
	fake := newFakeVault()
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)

	backend, err := NewVaultBackend(VaultOptions{
		Address:    server.URL,
		AuthMethod: "approle",
		RoleID:     "role",
		SecretID:   "secret",
	})
	require.NoError(t, err)
	return backend, fake
}

func TestVaultBackend_PutAndGet(t *testing.T) {
	ctx := context.Background()
	backend, fake := newTestVault(t)

	require.NoError(t, backend.Put(ctx, "bridge/archive", map[string]string{"username": "u", "password": "p"}))
	got, err := backend.Get(ctx, "bridge/archive")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"username": "u", "password": "p"}, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.logins))
}

func TestVaultBackend_NonStringValuesAreEncoded(t *testing.T) {
	ctx := context.Background()
	backend, fake := newTestVault(t)
	fake.data["bridge/limits"] = map[string]interface{}{"max": 5, "enabled": true}

	got, err := backend.Get(ctx, "bridge/limits")
	require.NoError(t, err)
	assert.Equal(t, "5", got["max"])
	assert.Equal(t, "true", got["enabled"])
}

func TestVaultBackend_NotFound(t *testing.T) {
	backend, _ := newTestVault(t)
	_, err := backend.Get(context.Background(), "bridge/missing")
	assert.True(t, IsNotFound(err))
}

func TestVaultBackend_BadCredentialsAreAuthErrors(t *testing.T) {
	fake := newFakeVault()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	backend, err := NewVaultBackend(VaultOptions{
		Address:    server.URL,
		AuthMethod: "token",
		Token:      "s.wrong",
	})
	require.NoError(t, err)

	_, err = backend.Get(context.Background(), "bridge/archive")
	require.Error(t, err)
	assert.True(t, IsAuthError(err))
}

func TestVaultBackend_UnreachableIsConnectivityError(t *testing.T) {
	backend, err := NewVaultBackend(VaultOptions{
		Address:    "http://127.0.0.1:1",
		AuthMethod: "token",
		Token:      "s.any",
		HTTPClient: &http.Client{Timeout: time.Second},
	})
	require.NoError(t, err)

	_, err = backend.Get(context.Background(), "bridge/archive")
	assert.True(t, IsConnectivityError(err))
	assert.True(t, IsConnectivityError(backend.TestConnection(context.Background())))
}

func TestVaultBackend_RenewsBeforeLeaseExpires(t *testing.T) {
	ctx := context.Background()
	backend, fake := newTestVault(t)
	fake.data["bridge/archive"] = map[string]interface{}{"password": "p"}

	now := time.Now()
	backend.token.now = func() time.Time { return now }

	_, err := backend.Get(ctx, "bridge/archive")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.logins))
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.renewals))

	// Past two thirds of the lease the token is renewed, not re-issued
	now = now.Add(50 * time.Minute)
	_, err = backend.Get(ctx, "bridge/archive")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.logins))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.renewals))
}

func TestVaultBackend_RelogsInWhenTokenRevoked(t *testing.T) {
	ctx := context.Background()
	backend, fake := newTestVault(t)
	fake.data["bridge/archive"] = map[string]interface{}{"password": "p"}

	_, err := backend.Get(ctx, "bridge/archive")
	require.NoError(t, err)

	fake.mu.Lock()
	fake.token = "s.rotated"
	fake.mu.Unlock()

	_, err = backend.Get(ctx, "bridge/archive")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.logins))
}

func TestVaultBackend_TestConnection(t *testing.T) {
	backend, fake := newTestVault(t)
	require.NoError(t, backend.TestConnection(context.Background()))

	fake.mu.Lock()
	fake.sealed = true
	fake.mu.Unlock()
	assert.True(t, IsConnectivityError(backend.TestConnection(context.Background())))
}

func TestNewVaultBackend_Validation(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "")

	tests := []struct {
		name        string
		opts        VaultOptions
		errContains string
	}{
		{"missing address", VaultOptions{AuthMethod: "token", Token: "t"}, "address is required"},
		{"approle without ids", VaultOptions{Address: "http://v"}, "role_id and secret_id"},
		{"token without token", VaultOptions{Address: "http://v", AuthMethod: "token"}, "VAULT_TOKEN"},
		{"unknown method", VaultOptions{Address: "http://v", AuthMethod: "ldap"}, "unsupported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVaultBackend(tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}
