package certs

import (
	"sync"
	"time"

	"github.com/securebridge/dicom-bridge/pkg/notify"
)

// DefaultCooldowns is how long an alert of each severity is suppressed
// after the same alert was last sent for the same certificate
var DefaultCooldowns = map[string]time.Duration{
	notify.SeverityCritical: 4 * time.Hour,
	notify.SeverityWarning:  24 * time.Hour,
	notify.SeverityInfo:     7 * 24 * time.Hour,
}

// Sender accepts messages for asynchronous delivery
type Sender interface {
	Send(msg notify.Message) bool
}

type alertKey struct {
	certificate string
	severity    string
	title       string
}

// Alerter de-duplicates certificate alerts per certificate, severity and
// title, so an expiry warning never hides a renewal failure
type Alerter struct {
	sender    Sender
	cooldowns map[string]time.Duration
	now       func() time.Time

	mu   sync.Mutex
	last map[alertKey]time.Time
}

// NewAlerter creates an alerter. A nil cooldowns map uses DefaultCooldowns.
func NewAlerter(sender Sender, cooldowns map[string]time.Duration, clock func() time.Time) *Alerter {
	if cooldowns == nil {
		cooldowns = DefaultCooldowns
	}
	if clock == nil {
		clock = time.Now
	}
	return &Alerter{
		sender:    sender,
		cooldowns: cooldowns,
		now:       clock,
		last:      make(map[alertKey]time.Time),
	}
}

// Raise sends the alert unless the same alert (severity and title) for the
// same certificate went out within the cooldown. It reports whether the alert
// was handed to the sender.
func (a *Alerter) Raise(certificate, severity, title, text string, fields map[string]string) bool {
	now := a.now()
	key := alertKey{certificate: certificate, severity: severity, title: title}

	a.mu.Lock()
	if last, ok := a.last[key]; ok && now.Sub(last) < a.cooldowns[severity] {
		a.mu.Unlock()
		return false
	}
	a.last[key] = now
	a.mu.Unlock()

	return a.sender.Send(notify.Message{
		Title:     title,
		Text:      text,
		Severity:  severity,
		Source:    "certificates",
		Fields:    fields,
		Timestamp: now.UTC(),
	})
}
