// Package audit records an append-only, PHI-redacted trail of security and
// processing events and ships it to long-term storage.
package audit

import (
	"context"
	"strings"
	"time"
)

// Severity classifies an audit event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as min
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// ParseSeverity converts a config string, defaulting to info
func ParseSeverity(s string) Severity {
	sev := Severity(strings.ToLower(s))
	if _, ok := severityRank[sev]; ok {
		return sev
	}
	return SeverityInfo
}

// Event is one immutable audit record
type Event struct {
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId"`
	EventType     string                 `json:"eventType"`
	Severity      Severity               `json:"severity"`
	Service       string                 `json:"service"`
	Host          string                 `json:"host"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Logger is the audit entry point handed to every component
type Logger interface {
	Log(ctx context.Context, eventType string, details map[string]interface{}) string
}

// exactSeverities override everything else
var exactSeverities = map[string]Severity{
	"certificate.expired":            SeverityCritical,
	"certificate.expiring":           SeverityWarning,
	"certificate.invalid":            SeverityError,
	"certificate.restored":           SeverityWarning,
	"certificate.restore_failed":     SeverityCritical,
	"secret.fallback_to_environment": SeverityWarning,
	"bridge.startup_degraded":        SeverityWarning,
	"processing.failed":              SeverityError,
}

// suffixSeverities are keyed by the final segment of the event type
var suffixSeverities = map[string]Severity{
	"replay_attack":           SeverityCritical,
	"renewal_failed":          SeverityCritical,
	"validation_success":      SeverityInfo,
	"invalid_signature":       SeverityError,
	"timestamp_expired":       SeverityWarning,
	"timestamp_skewed":        SeverityWarning,
	"invalid_timestamp":       SeverityWarning,
	"missing_signature":       SeverityWarning,
	"missing_timestamp":       SeverityWarning,
	"missing_nonce":           SeverityWarning,
	"rate_limit_exceeded":     SeverityWarning,
	"rate_limit_degraded":     SeverityWarning,
	"nonce_store_degraded":    SeverityWarning,
	"nonce_store_unavailable": SeverityError,
	"secret_unavailable":      SeverityError,
	"auth_failed":             SeverityError,
	"access_failed":           SeverityError,
	"instance_missing":        SeverityError,
	"parse_failed":            SeverityError,
	"anonymization_failed":    SeverityError,
	"forwarding_failed":       SeverityWarning,
	"job_failed":              SeverityError,
	"job_stalled":             SeverityWarning,
	"export_failed":           SeverityError,
}

// namespaceSeverities apply to anything under a prefix, longest prefix wins
var namespaceSeverities = map[string]Severity{
	"webhook.security": SeverityWarning,
	"webhook":          SeverityInfo,
	"queue":            SeverityInfo,
	"processing":       SeverityInfo,
	"secret":           SeverityInfo,
	"certificate":      SeverityInfo,
	"audit":            SeverityInfo,
	"admin":            SeverityInfo,
}

// SeverityFor derives severity from the event type alone
func SeverityFor(eventType string) Severity {
	if sev, ok := exactSeverities[eventType]; ok {
		return sev
	}

	segments := strings.Split(eventType, ".")
	if sev, ok := suffixSeverities[segments[len(segments)-1]]; ok {
		return sev
	}

	for i := len(segments) - 1; i > 0; i-- {
		if sev, ok := namespaceSeverities[strings.Join(segments[:i], ".")]; ok {
			return sev
		}
	}
	return SeverityInfo
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation ID so every event logged with the
// returned context shares it
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFromContext returns the attached correlation ID, if any
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
