package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/pkg/audit"
)

// AdminScope must appear in an admin token's scope claim
const AdminScope = "bridge:admin"

// AdminClaims are the claims carried by an admin token
type AdminClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// HasScope reports whether the space-separated scope list contains s
func (c *AdminClaims) HasScope(s string) bool {
	for _, scope := range strings.Fields(c.Scope) {
		if scope == s {
			return true
		}
	}
	return false
}

// AdminAuthOptions configures AdminAuth
type AdminAuthOptions struct {
	Key      KeyFunc
	Issuer   string
	TokenTTL time.Duration
	AuditLog audit.Logger
	Logger   *logrus.Logger
	Clock    func() time.Time
}

// AdminAuth issues and verifies HS256 admin tokens
type AdminAuth struct {
	opts AdminAuthOptions
}

type adminSubjectKey struct{}

// NewAdminAuth creates an AdminAuth
func NewAdminAuth(opts AdminAuthOptions) (*AdminAuth, error) {
	if opts.Key == nil {
		return nil, fmt.Errorf("admin auth requires a signing key source")
	}
	if opts.Issuer == "" {
		opts.Issuer = "dicom-bridge"
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &AdminAuth{opts: opts}, nil
}

// Issue signs a token for subject carrying the admin scope
func (a *AdminAuth) Issue(ctx context.Context, subject string) (string, error) {
	key, err := a.opts.Key(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load admin signing key: %w", err)
	}
	now := a.opts.Clock()
	claims := AdminClaims{
		Scope: AdminScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.opts.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.opts.TokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
}

// Verify parses token and checks signature, issuer, expiry and scope
func (a *AdminAuth) Verify(ctx context.Context, token string) (*AdminClaims, error) {
	key, err := a.opts.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load admin signing key: %w", err)
	}

	claims := &AdminClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(key), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.opts.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.opts.Clock),
	)
	if err != nil {
		return nil, err
	}
	if !claims.HasScope(AdminScope) {
		return nil, fmt.Errorf("token lacks %s scope", AdminScope)
	}
	return claims, nil
}

// Middleware admits only requests carrying a valid admin token
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token, err := BearerToken(r)
		var claims *AdminClaims
		if err == nil {
			claims, err = a.Verify(ctx, token)
		}

		if err != nil {
			a.opts.Logger.WithError(err).WithField("path", r.URL.Path).Warn("Admin authentication failed")
			a.audit(ctx, "admin.auth.failed", map[string]interface{}{
				"path":      r.URL.Path,
				"method":    r.Method,
				"source_ip": ClientIP(r, false),
				"reason":    adminFailureReason(err),
			})
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="dicom-bridge"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}

		a.audit(ctx, "admin.auth.success", map[string]interface{}{
			"path":    r.URL.Path,
			"method":  r.Method,
			"subject": claims.Subject,
		})
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, adminSubjectKey{}, claims.Subject)))
	})
}

func (a *AdminAuth) audit(ctx context.Context, eventType string, details map[string]interface{}) {
	if a.opts.AuditLog != nil {
		a.opts.AuditLog.Log(ctx, eventType, details)
	}
}

// AdminSubject returns the authenticated admin subject stored by Middleware
func AdminSubject(ctx context.Context) string {
	s, _ := ctx.Value(adminSubjectKey{}).(string)
	return s
}

func adminFailureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "invalid_signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid_issuer"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case strings.Contains(err.Error(), "scope"):
		return "missing_scope"
	case strings.Contains(err.Error(), "Authorization"):
		return "missing_token"
	default:
		return "invalid_token"
	}
}
