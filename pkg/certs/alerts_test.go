package certs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/securebridge/dicom-bridge/pkg/notify"
)

func TestAlerterCooldowns(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sender := &captureSender{}
	a := NewAlerter(sender, nil, func() time.Time { return now })

	assert.True(t, a.Raise("proxy", notify.SeverityCritical, "expired", "", nil))
	assert.False(t, a.Raise("proxy", notify.SeverityCritical, "expired", "", nil))

	// Different severity and different certificate are tracked separately
	assert.True(t, a.Raise("proxy", notify.SeverityWarning, "expiring", "", nil))
	assert.True(t, a.Raise("archive", notify.SeverityCritical, "expired", "", nil))

	now = now.Add(4 * time.Hour)
	assert.True(t, a.Raise("proxy", notify.SeverityCritical, "expired", "", nil))
	assert.False(t, a.Raise("proxy", notify.SeverityWarning, "expiring", "", nil))

	now = now.Add(20 * time.Hour)
	assert.True(t, a.Raise("proxy", notify.SeverityWarning, "expiring", "", nil))

	assert.Len(t, sender.msgs, 5)
	assert.Equal(t, "certificates", sender.msgs[0].Source)
}

func TestAlerterDistinctAlertsShareNoCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sender := &captureSender{}
	a := NewAlerter(sender, nil, func() time.Time { return now })

	assert.True(t, a.Raise("proxy", notify.SeverityCritical, "Certificate expiring", "", nil))
	assert.True(t, a.Raise("proxy", notify.SeverityCritical, "Certificate renewal failed", "", nil))
	assert.False(t, a.Raise("proxy", notify.SeverityCritical, "Certificate renewal failed", "", nil))

	assert.Equal(t, []string{"Certificate expiring", "Certificate renewal failed"}, sender.titles())
}
