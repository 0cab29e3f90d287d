package auth

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securebridge/dicom-bridge/pkg/audit"
)

const testSecret = "webhook-secret"

type failingNonceStore struct{}

func (failingNonceStore) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func newTestAuthenticator(t *testing.T, now time.Time, nonces NonceStore, failOpen bool) (*Authenticator, *audit.Recorder) {
	t.Helper()
	rec := audit.NewRecorder()
	a, err := NewAuthenticator(AuthenticatorOptions{
		Key:             func(context.Context) (string, error) { return testSecret, nil },
		Nonces:          nonces,
		FreshnessWindow: 5 * time.Minute,
		MaxFutureSkew:   30 * time.Second,
		NonceTTL:        10 * time.Minute,
		NonceFailOpen:   failOpen,
		AuditLog:        rec,
		Clock:           func() time.Time { return now },
	})
	require.NoError(t, err)
	return a, rec
}

func sign(t *testing.T, payload []byte, ts, nonce string) string {
	t.Helper()
	canonical, err := CanonicalPayload(payload)
	require.NoError(t, err)
	return ComputeSignature(testSecret, ts, nonce, canonical)
}

func TestAuthenticator_Validate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"instanceId":"abc","sopInstanceUID":"1.2.3","modality":"CT"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	validSig := sign(t, payload, ts, "n-1")

	tests := []struct {
		name       string
		payload    []byte
		signature  string
		timestamp  string
		nonce      string
		wantReason Reason
		wantStatus int
	}{
		{"valid", payload, validSig, ts, "n-1", ReasonValid, 200},
		{"missing signature", payload, "", ts, "n-1", ReasonMissingSignature, 400},
		{"missing timestamp", payload, validSig, "", "n-1", ReasonMissingTimestamp, 400},
		{"missing nonce", payload, validSig, ts, " ", ReasonMissingNonce, 400},
		{"garbage timestamp", payload, validSig, "yesterday", "n-1", ReasonInvalidTimestamp, 401},
		{
			"expired timestamp", payload, validSig,
			strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10), "n-1",
			ReasonTimestampExpired, 401,
		},
		{
			"future timestamp", payload, validSig,
			strconv.FormatInt(now.Add(2*time.Minute).Unix(), 10), "n-1",
			ReasonTimestampSkewed, 401,
		},
		{"wrong signature", payload, sign(t, []byte(`{"x":1}`), ts, "n-1"), ts, "n-1", ReasonInvalidSignature, 401},
		{"invalid payload", []byte(`not json`), validSig, ts, "n-1", ReasonInvalidPayload, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, rec := newTestAuthenticator(t, now, NewMemoryNonceStore(), true)

			res := a.Validate(context.Background(), tt.payload, tt.signature, tt.timestamp, tt.nonce, "10.0.0.1")
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantReason == ReasonValid, res.Valid)
			assert.Equal(t, tt.wantStatus, res.Reason.HTTPStatus())

			require.Len(t, rec.Events(), 1)
			assert.Equal(t, "webhook.security."+string(tt.wantReason), rec.Events()[0].EventType)
		})
	}
}

func TestAuthenticator_ReplayIsRejectedAndCritical(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a, rec := newTestAuthenticator(t, now, NewMemoryNonceStore(), true)

	payload := []byte(`{"instanceId":"abc"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := sign(t, payload, ts, "once")

	first := a.Validate(context.Background(), payload, sig, ts, "once", "10.0.0.1")
	require.True(t, first.Valid)

	second := a.Validate(context.Background(), payload, sig, ts, "once", "10.0.0.1")
	assert.False(t, second.Valid)
	assert.Equal(t, ReasonReplayAttack, second.Reason)
	assert.Equal(t, 409, second.Reason.HTTPStatus())

	replays := rec.OfType("webhook.security.replay_attack")
	require.Len(t, replays, 1)
	assert.Equal(t, audit.SeverityCritical, replays[0].Severity)
}

func TestAuthenticator_AcceptsMillisecondAndRFC3339Timestamps(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"instanceId":"abc"}`)

	for i, ts := range []string{
		strconv.FormatInt(now.UnixMilli(), 10),
		now.UTC().Format(time.RFC3339),
	} {
		a, _ := newTestAuthenticator(t, now, NewMemoryNonceStore(), true)
		nonce := "n-" + strconv.Itoa(i)
		res := a.Validate(context.Background(), payload, sign(t, payload, ts, nonce), ts, nonce, "10.0.0.1")
		assert.True(t, res.Valid, "timestamp %s rejected with %s", ts, res.Reason)
	}
}

func TestAuthenticator_NonceStoreDown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"instanceId":"abc"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := sign(t, payload, ts, "n")

	t.Run("fail open", func(t *testing.T) {
		a, rec := newTestAuthenticator(t, now, failingNonceStore{}, true)
		res := a.Validate(context.Background(), payload, sig, ts, "n", "10.0.0.1")
		assert.True(t, res.Valid)
		assert.True(t, res.Degraded)
		assert.Len(t, rec.OfType("webhook.security.nonce_store_degraded"), 1)
		assert.Len(t, rec.OfType("webhook.security.validation_success"), 1)
	})

	t.Run("fail closed", func(t *testing.T) {
		a, rec := newTestAuthenticator(t, now, failingNonceStore{}, false)
		res := a.Validate(context.Background(), payload, sig, ts, "n", "10.0.0.1")
		assert.False(t, res.Valid)
		assert.Equal(t, ReasonNonceStoreUnavailable, res.Reason)
		assert.Equal(t, 503, res.Reason.HTTPStatus())
		assert.Len(t, rec.OfType("webhook.security.nonce_store_degraded"), 1)
	})
}

func TestAuthenticator_KeyIsReadPerRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	key := "old-key"
	a, err := NewAuthenticator(AuthenticatorOptions{
		Key:    func(context.Context) (string, error) { return key, nil },
		Nonces: NewMemoryNonceStore(),
		Clock:  func() time.Time { return now },
	})
	require.NoError(t, err)

	payload := []byte(`{"a":1}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	canonical, _ := CanonicalPayload(payload)

	res := a.Validate(context.Background(), payload, ComputeSignature("old-key", ts, "1", canonical), ts, "1", "ip")
	assert.True(t, res.Valid)

	key = "new-key"
	res = a.Validate(context.Background(), payload, ComputeSignature("old-key", ts, "2", canonical), ts, "2", "ip")
	assert.Equal(t, ReasonInvalidSignature, res.Reason)
	res = a.Validate(context.Background(), payload, ComputeSignature("new-key", ts, "3", canonical), ts, "3", "ip")
	assert.True(t, res.Valid)
}

func TestAuthenticator_KeyUnavailable(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a, err := NewAuthenticator(AuthenticatorOptions{
		Key:    func(context.Context) (string, error) { return "", errors.New("vault sealed") },
		Nonces: NewMemoryNonceStore(),
		Clock:  func() time.Time { return now },
	})
	require.NoError(t, err)

	ts := strconv.FormatInt(now.Unix(), 10)
	res := a.Validate(context.Background(), []byte(`{}`), "abcd", ts, "n", "ip")
	assert.Equal(t, ReasonSecretUnavailable, res.Reason)
	assert.Equal(t, 503, res.Reason.HTTPStatus())
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1700000000", 1700000000, false},
		{"1700000000123", 1700000000, false},
		{"2023-11-14T22:13:20Z", 1700000000, false},
		{"2023-11-14T22:13:20.5+00:00", 1700000000, false},
		{"0", 0, true},
		{"-5", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Unix())
		})
	}
}
