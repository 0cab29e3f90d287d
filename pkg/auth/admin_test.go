package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securebridge/dicom-bridge/pkg/audit"
)

func newTestAdminAuth(t *testing.T, clock func() time.Time) (*AdminAuth, *audit.Recorder) {
	t.Helper()
	rec := audit.NewRecorder()
	a, err := NewAdminAuth(AdminAuthOptions{
		Key:      func(context.Context) (string, error) { return "admin-signing-key", nil },
		Issuer:   "dicom-bridge",
		TokenTTL: time.Hour,
		AuditLog: rec,
		Clock:    clock,
	})
	require.NoError(t, err)
	return a, rec
}

func TestAdminAuth_IssueAndVerify(t *testing.T) {
	a, _ := newTestAdminAuth(t, time.Now)

	token, err := a.Issue(context.Background(), "ops@example.org")
	require.NoError(t, err)

	claims, err := a.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.org", claims.Subject)
	assert.True(t, claims.HasScope(AdminScope))
}

func TestAdminAuth_Rejects(t *testing.T) {
	now := time.Now()
	a, _ := newTestAdminAuth(t, func() time.Time { return now })

	signed := func(claims AdminClaims, key string, method jwt.SigningMethod) string {
		tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return tok
	}
	base := func() AdminClaims {
		return AdminClaims{
			Scope: AdminScope,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "dicom-bridge",
				Subject:   "ops",
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}
	}

	expired := base()
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	wrongIssuer := base()
	wrongIssuer.Issuer = "someone-else"
	noScope := base()
	noScope.Scope = "bridge:read"
	noExpiry := base()
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{"wrong key", signed(base(), "other-key", jwt.SigningMethodHS256), "invalid_signature"},
		{"expired", signed(expired, "admin-signing-key", jwt.SigningMethodHS256), "expired"},
		{"wrong issuer", signed(wrongIssuer, "admin-signing-key", jwt.SigningMethodHS256), "invalid_issuer"},
		{"missing scope", signed(noScope, "admin-signing-key", jwt.SigningMethodHS256), "missing_scope"},
		{"no expiry", signed(noExpiry, "admin-signing-key", jwt.SigningMethodHS256), "invalid_token"},
		{"other algorithm", signed(base(), "admin-signing-key", jwt.SigningMethodHS512), "invalid_signature"},
		{"garbage", "not-a-jwt", "malformed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(context.Background(), tt.token)
			require.Error(t, err)
			assert.Equal(t, tt.reason, adminFailureReason(err))
		})
	}
}

func TestAdminAuth_Middleware(t *testing.T) {
	a, rec := newTestAdminAuth(t, time.Now)

	var subject string
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = AdminSubject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/admin/secrets/refresh", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, subject)

	failed := rec.OfType("admin.auth.failed")
	require.Len(t, failed, 1)
	assert.Equal(t, "missing_token", failed[0].Details["reason"])

	token, err := a.Issue(context.Background(), "ops")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/admin/secrets/refresh", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops", subject)
	assert.Len(t, rec.OfType("admin.auth.success"), 1)
}
