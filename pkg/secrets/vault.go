package secrets

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const vaultBackendName = "vault"

// VaultOptions configures the Vault KV v2 backend
type VaultOptions struct {
	Address    string
	Mount      string
	Namespace  string
	AuthMethod string // approle or token
	RoleID     string
	SecretID   string
	Token      string
	CAFile     string
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// VaultBackend reads and writes a KV v2 mount over the Vault HTTP API
type VaultBackend struct {
	opts       VaultOptions
	httpClient *http.Client
	token      *leasedToken
	loginMu    sync.Mutex
	logger     *logrus.Logger
}

// NewVaultBackend creates a Vault backend. Authentication happens lazily on
// the first request.
func NewVaultBackend(opts VaultOptions) (*VaultBackend, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if opts.Mount == "" {
		opts.Mount = "secret"
	}
	if opts.AuthMethod == "" {
		opts.AuthMethod = "approle"
	}
	switch opts.AuthMethod {
	case "approle":
		if opts.RoleID == "" || opts.SecretID == "" {
			return nil, fmt.Errorf("vault approle auth requires role_id and secret_id")
		}
	case "token":
		if opts.Token == "" {
			opts.Token = os.Getenv("VAULT_TOKEN")
		}
		if opts.Token == "" {
			return nil, fmt.Errorf("vault token auth requires a token or VAULT_TOKEN")
		}
	default:
		return nil, fmt.Errorf("unsupported vault auth method: %s", opts.AuthMethod)
	}

	client := opts.HTTPClient
	if client == nil {
		transport := &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}
		if opts.CAFile != "" {
			pem, err := os.ReadFile(opts.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read vault CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("vault CA file %s contains no certificates", opts.CAFile)
			}
			transport.TLSClientConfig.RootCAs = pool
		}
		client = &http.Client{Transport: transport}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	b := &VaultBackend{
		opts:       opts,
		httpClient: client,
		token:      newLeasedToken(),
		logger:     logger,
	}
	if opts.AuthMethod == "token" {
		b.token.set(opts.Token, 0, false)
	}
	return b, nil
}

func (b *VaultBackend) Name() string {
	return vaultBackendName
}

func (b *VaultBackend) Get(ctx context.Context, path string) (map[string]string, error) {
	var response struct {
		Data struct {
			Data map[string]interface{} `json:"data"`
		} `json:"data"`
	}
	status, err := b.do(ctx, http.MethodGet, b.dataPath(path), nil, &response)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || response.Data.Data == nil {
		return nil, &NotFoundError{Backend: vaultBackendName, Path: path}
	}

	out := make(map[string]string, len(response.Data.Data))
	for k, v := range response.Data.Data {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			encoded, _ := json.Marshal(val)
			out[k] = string(encoded)
		}
	}
	return out, nil
}

func (b *VaultBackend) Put(ctx context.Context, path string, data map[string]string) error {
	body := map[string]interface{}{"data": data}
	status, err := b.do(ctx, http.MethodPost, b.dataPath(path), body, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return &NotFoundError{Backend: vaultBackendName, Path: path}
	}
	return nil
}

// TestConnection checks seal status then confirms the token is accepted
func (b *VaultBackend) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url("sys/health"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return &ConnectivityError{Backend: vaultBackendName, Operation: "health", Err: err}
	}
	_ = resp.Body.Close()
	// 429 is a healthy standby
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusTooManyRequests {
		return &ConnectivityError{
			Backend:   vaultBackendName,
			Operation: "health",
			Err:       fmt.Errorf("vault health returned status %d", resp.StatusCode),
		}
	}

	_, err = b.do(ctx, http.MethodGet, "auth/token/lookup-self", nil, nil)
	return err
}

func (b *VaultBackend) dataPath(path string) string {
	return strings.Trim(b.opts.Mount, "/") + "/data/" + strings.TrimPrefix(path, "/")
}

func (b *VaultBackend) url(apiPath string) string {
	return strings.TrimSuffix(b.opts.Address, "/") + "/v1/" + strings.TrimPrefix(apiPath, "/")
}

// do performs an authenticated request. A 404 is returned as a status, not
// an error, so callers can map it to NotFoundError.
func (b *VaultBackend) do(ctx context.Context, method, apiPath string, body, out interface{}) (int, error) {
	token, err := b.ensureToken(ctx)
	if err != nil {
		return 0, err
	}

	status, err := b.send(ctx, method, apiPath, token, body, out)
	if err != nil {
		if b.opts.AuthMethod == "approle" && IsAuthError(err) {
			// Token revoked underneath us; log in once more and retry
			b.token.clear()
			token, loginErr := b.ensureToken(ctx)
			if loginErr != nil {
				return 0, loginErr
			}
			return b.send(ctx, method, apiPath, token, body, out)
		}
		return 0, err
	}
	return status, nil
}

func (b *VaultBackend) send(ctx context.Context, method, apiPath, token string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.url(apiPath), reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if token != "" {
		req.Header.Set("X-Vault-Token", token)
	}
	if b.opts.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", b.opts.Namespace)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, &ConnectivityError{Backend: vaultBackendName, Operation: method + " " + apiPath, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, &AuthError{
			Backend:    vaultBackendName,
			StatusCode: resp.StatusCode,
			Message:    vaultErrors(resp.Body),
		}
	case resp.StatusCode >= 500:
		return resp.StatusCode, &ConnectivityError{
			Backend:   vaultBackendName,
			Operation: method + " " + apiPath,
			Err:       fmt.Errorf("vault returned status %d: %s", resp.StatusCode, vaultErrors(resp.Body)),
		}
	case resp.StatusCode >= 300:
		return resp.StatusCode, fmt.Errorf("vault returned status %d: %s", resp.StatusCode, vaultErrors(resp.Body))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode vault response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// ensureToken returns a usable token, renewing or logging in when less than
// a third of the lease remains
func (b *VaultBackend) ensureToken(ctx context.Context) (string, error) {
	if token, ok := b.token.get(); ok && !b.token.needsRefresh() {
		return token, nil
	}

	b.loginMu.Lock()
	defer b.loginMu.Unlock()

	if token, ok := b.token.get(); ok && !b.token.needsRefresh() {
		return token, nil
	}

	if b.token.isRenewable() {
		err := b.renew(ctx)
		if err == nil {
			token, _ := b.token.get()
			return token, nil
		}
		b.logger.WithError(err).Warn("Vault token renewal failed, logging in again")
	}

	if b.opts.AuthMethod == "token" {
		token, ok := b.token.get()
		if !ok {
			return "", &AuthError{Backend: vaultBackendName, Message: "static token expired"}
		}
		return token, nil
	}

	if err := b.login(ctx); err != nil {
		return "", err
	}
	token, _ := b.token.get()
	return token, nil
}

type vaultAuthResponse struct {
	Auth *struct {
		ClientToken   string `json:"client_token"`
		LeaseDuration int    `json:"lease_duration"`
		Renewable     bool   `json:"renewable"`
	} `json:"auth"`
}

func (b *VaultBackend) login(ctx context.Context) error {
	body := map[string]string{
		"role_id":   b.opts.RoleID,
		"secret_id": b.opts.SecretID,
	}
	var resp vaultAuthResponse
	if _, err := b.send(ctx, http.MethodPost, "auth/approle/login", "", body, &resp); err != nil {
		return err
	}
	if resp.Auth == nil || resp.Auth.ClientToken == "" {
		return &AuthError{Backend: vaultBackendName, Message: "login response carried no token"}
	}

	lease := time.Duration(resp.Auth.LeaseDuration) * time.Second
	b.token.set(resp.Auth.ClientToken, lease, resp.Auth.Renewable)
	b.logger.WithFields(logrus.Fields{
		"lease":     lease.String(),
		"renewable": resp.Auth.Renewable,
	}).Info("Authenticated to Vault")
	return nil
}

func (b *VaultBackend) renew(ctx context.Context) error {
	current, _ := b.token.get()
	if current == "" {
		return fmt.Errorf("no token to renew")
	}
	var resp vaultAuthResponse
	if _, err := b.send(ctx, http.MethodPost, "auth/token/renew-self", current, map[string]string{}, &resp); err != nil {
		return err
	}
	if resp.Auth == nil || resp.Auth.ClientToken == "" {
		return fmt.Errorf("renew response carried no token")
	}
	b.token.set(resp.Auth.ClientToken, time.Duration(resp.Auth.LeaseDuration)*time.Second, resp.Auth.Renewable)
	b.logger.WithField("lease", time.Duration(resp.Auth.LeaseDuration)*time.Second).Debug("Renewed Vault token")
	return nil
}

func vaultErrors(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var parsed struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && len(parsed.Errors) > 0 {
		return strings.Join(parsed.Errors, "; ")
	}
	return strings.TrimSpace(string(raw))
}
