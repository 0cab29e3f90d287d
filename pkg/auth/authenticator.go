// Package auth authenticates inbound store events and admin callers.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/pkg/audit"
	"github.com/securebridge/dicom-bridge/pkg/metrics"
)

// Reason classifies a validation outcome
type Reason string

const (
	ReasonValid                 Reason = "validation_success"
	ReasonMissingSignature      Reason = "missing_signature"
	ReasonMissingTimestamp      Reason = "missing_timestamp"
	ReasonMissingNonce          Reason = "missing_nonce"
	ReasonInvalidTimestamp      Reason = "invalid_timestamp"
	ReasonTimestampExpired      Reason = "timestamp_expired"
	ReasonTimestampSkewed       Reason = "timestamp_skewed"
	ReasonReplayAttack          Reason = "replay_attack"
	ReasonInvalidSignature      Reason = "invalid_signature"
	ReasonInvalidPayload        Reason = "invalid_payload"
	ReasonNonceStoreUnavailable Reason = "nonce_store_unavailable"
	ReasonSecretUnavailable     Reason = "secret_unavailable"
	ReasonRateLimitExceeded     Reason = "rate_limit_exceeded"
	ReasonRateLimitUnavailable  Reason = "rate_limit_unavailable"
)

// HTTPStatus maps a rejection reason to the status returned to the caller
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonValid:
		return http.StatusOK
	case ReasonMissingSignature, ReasonMissingTimestamp, ReasonMissingNonce, ReasonInvalidPayload:
		return http.StatusBadRequest
	case ReasonInvalidTimestamp, ReasonTimestampExpired, ReasonTimestampSkewed, ReasonInvalidSignature:
		return http.StatusUnauthorized
	case ReasonReplayAttack:
		return http.StatusConflict
	case ReasonRateLimitExceeded:
		return http.StatusTooManyRequests
	case ReasonNonceStoreUnavailable, ReasonSecretUnavailable, ReasonRateLimitUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Result is the outcome of Validate
type Result struct {
	Valid  bool
	Reason Reason
	// Degraded is set when the nonce check was skipped because its store failed
	Degraded bool
	// Canonical is the canonical payload that was signed, set when valid
	Canonical []byte
}

// KeyFunc returns the current shared secret. It is called once per request
// so a rotated key takes effect without a restart.
type KeyFunc func(ctx context.Context) (string, error)

// AuthenticatorOptions configures an Authenticator
type AuthenticatorOptions struct {
	Key             KeyFunc
	Nonces          NonceStore
	FreshnessWindow time.Duration
	MaxFutureSkew   time.Duration
	NonceTTL        time.Duration
	NonceFailOpen   bool
	AuditLog        audit.Logger
	Logger          *logrus.Logger
	Clock           func() time.Time
}

// Authenticator validates signed store-event requests
type Authenticator struct {
	opts AuthenticatorOptions
}

// NewAuthenticator creates an Authenticator
func NewAuthenticator(opts AuthenticatorOptions) (*Authenticator, error) {
	if opts.Key == nil {
		return nil, fmt.Errorf("authenticator requires a key source")
	}
	if opts.Nonces == nil {
		return nil, fmt.Errorf("authenticator requires a nonce store")
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = 5 * time.Minute
	}
	if opts.MaxFutureSkew <= 0 {
		opts.MaxFutureSkew = 30 * time.Second
	}
	if opts.NonceTTL < opts.FreshnessWindow+opts.MaxFutureSkew {
		opts.NonceTTL = opts.FreshnessWindow + opts.MaxFutureSkew
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Authenticator{opts: opts}, nil
}

// Validate runs the checks in order: presence, timestamp freshness, nonce
// uniqueness, then signature. Every outcome is audited.
func (a *Authenticator) Validate(ctx context.Context, payload []byte, signature, timestamp, nonce, sourceIP string) Result {
	details := map[string]interface{}{
		"source_ip": sourceIP,
		"nonce":     nonce,
		"timestamp": timestamp,
	}

	switch {
	case strings.TrimSpace(signature) == "":
		return a.reject(ctx, ReasonMissingSignature, details)
	case strings.TrimSpace(timestamp) == "":
		return a.reject(ctx, ReasonMissingTimestamp, details)
	case strings.TrimSpace(nonce) == "":
		return a.reject(ctx, ReasonMissingNonce, details)
	}

	sent, err := ParseTimestamp(timestamp)
	if err != nil {
		return a.reject(ctx, ReasonInvalidTimestamp, details)
	}
	now := a.opts.Clock()
	age := now.Sub(sent)
	details["age_seconds"] = int64(age / time.Second)
	if age > a.opts.FreshnessWindow {
		return a.reject(ctx, ReasonTimestampExpired, details)
	}
	if -age > a.opts.MaxFutureSkew {
		return a.reject(ctx, ReasonTimestampSkewed, details)
	}

	degraded := false
	fresh, err := a.opts.Nonces.Claim(ctx, nonce, a.opts.NonceTTL)
	if err != nil {
		metrics.RecordDegraded("nonce_store")
		a.opts.Logger.WithError(err).Warn("Nonce store unavailable")
		a.audit(ctx, "webhook.security.nonce_store_degraded", map[string]interface{}{
			"source_ip": sourceIP,
			"fail_open": a.opts.NonceFailOpen,
			"error":     err.Error(),
		})
		if !a.opts.NonceFailOpen {
			return a.reject(ctx, ReasonNonceStoreUnavailable, details)
		}
		degraded = true
	} else if !fresh {
		return a.reject(ctx, ReasonReplayAttack, details)
	}

	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return a.reject(ctx, ReasonInvalidPayload, details)
	}

	secret, err := a.opts.Key(ctx)
	if err != nil {
		details["error"] = err.Error()
		return a.reject(ctx, ReasonSecretUnavailable, details)
	}

	if !VerifySignature(secret, timestamp, nonce, canonical, signature) {
		return a.reject(ctx, ReasonInvalidSignature, details)
	}

	details["degraded"] = degraded
	a.audit(ctx, "webhook.security."+string(ReasonValid), details)
	metrics.RecordWebhook("accepted")
	return Result{Valid: true, Reason: ReasonValid, Degraded: degraded, Canonical: canonical}
}

func (a *Authenticator) reject(ctx context.Context, reason Reason, details map[string]interface{}) Result {
	metrics.RecordValidationFailure(string(reason))
	a.opts.Logger.WithFields(logrus.Fields{
		"reason":    reason,
		"source_ip": details["source_ip"],
	}).Warn("Webhook validation failed")
	a.audit(ctx, "webhook.security."+string(reason), details)
	return Result{Reason: reason}
}

func (a *Authenticator) audit(ctx context.Context, eventType string, details map[string]interface{}) {
	if a.opts.AuditLog != nil {
		a.opts.AuditLog.Log(ctx, eventType, details)
	}
}

// ParseTimestamp accepts unix seconds, unix milliseconds or RFC 3339
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, fmt.Errorf("timestamp must be positive")
		}
		// Thirteen or more digits is milliseconds
		if n >= 1e12 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	return t, nil
}
