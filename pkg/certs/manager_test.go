package certs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/audit"
	"github.com/securebridge/dicom-bridge/pkg/notify"
)

type countingReloader struct {
	calls    atomic.Int32
	failures int32
}

func (r *countingReloader) Type() string { return "test" }

func (r *countingReloader) Reload(ctx context.Context) error {
	n := r.calls.Add(1)
	if n <= r.failures {
		return errors.New("dependent service rejected reload")
	}
	return nil
}

type failingRenewer struct {
	err     error
	corrupt bool
}

func (r *failingRenewer) Name() string { return "failing" }

func (r *failingRenewer) Renew(ctx context.Context, spec Spec) error {
	if r.corrupt {
		_ = os.WriteFile(spec.CertFile, []byte("half written"), 0o644)
	}
	return r.err
}

type blockingRenewer struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingRenewer) Name() string { return "blocking" }

func (r *blockingRenewer) Renew(ctx context.Context, spec Spec) error {
	close(r.started)
	<-r.release
	return NewSelfSignedRenewer(90).Renew(ctx, spec)
}

type captureSender struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (c *captureSender) Send(msg notify.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *captureSender) titles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.msgs {
		out = append(out, m.Title)
	}
	return out
}

type managerFixture struct {
	dir      string
	spec     Spec
	manager  *Manager
	reloader *countingReloader
	backups  *BackupStore
	audit    *audit.Recorder
	alerts   *captureSender
}

func newManagerFixture(t *testing.T, validFor time.Duration, renewer Renewer, reloader *countingReloader) *managerFixture {
	t.Helper()
	dir := t.TempDir()
	f := &managerFixture{
		dir:      dir,
		spec:     selfSigned(t, dir, "proxy", validFor),
		reloader: reloader,
		backups:  NewBackupStore(filepath.Join(dir, "backups")),
		audit:    audit.NewRecorder(),
		alerts:   &captureSender{},
	}
	m, err := NewManager(ManagerOptions{
		Certificates: []Managed{{
			Spec:     f.spec,
			Renewer:  renewer,
			Reloader: reloader,
		}},
		Backups:       f.backups,
		ThresholdDays: 30,
		AuditLog:      f.audit,
		Alerts:        NewAlerter(f.alerts, nil, nil),
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	f.manager = m
	return f
}

func (f *managerFixture) backupCount(t *testing.T) int {
	t.Helper()
	backups, err := f.backups.List("proxy")
	require.NoError(t, err)
	return len(backups)
}

func TestRenewFreshCertificateIsNoop(t *testing.T) {
	f := newManagerFixture(t, 200*24*time.Hour, NewSelfSignedRenewer(90), &countingReloader{})
	before := readBytes(t, f.spec.CertFile)

	res, err := f.manager.Renew(context.Background(), "proxy", false)
	require.NoError(t, err)

	assert.False(t, res.Renewed)
	assert.Equal(t, models.CertStatusValid, res.Certificate.Status)
	assert.Equal(t, before, readBytes(t, f.spec.CertFile))
	assert.Equal(t, 0, f.backupCount(t))
	assert.Equal(t, int32(0), f.reloader.calls.Load())
	assert.Empty(t, f.audit.OfType("certificate.renewed"))
}

func TestRenewExpiringCertificate(t *testing.T) {
	f := newManagerFixture(t, 5*24*time.Hour, NewSelfSignedRenewer(90), &countingReloader{})
	before := readBytes(t, f.spec.CertFile)

	res, err := f.manager.Renew(context.Background(), "proxy", false)
	require.NoError(t, err)

	assert.True(t, res.Renewed)
	assert.Equal(t, models.CertStatusValid, res.Certificate.Status)
	assert.NotNil(t, res.Certificate.LastRenewal)
	assert.NotEqual(t, before, readBytes(t, f.spec.CertFile))
	assert.Equal(t, "CN=proxy", res.Certificate.Subject)
	assert.Equal(t, 1, f.backupCount(t))
	assert.Equal(t, int32(1), f.reloader.calls.Load())

	renewed := f.audit.OfType("certificate.renewed")
	require.Len(t, renewed, 1)
	assert.Equal(t, "self-signed", renewed[0].Details["renewer"])
	assert.Equal(t, []string{"Certificate renewed"}, f.alerts.titles())

	statuses := f.manager.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, models.CertStatusValid, statuses[0].Status)
}

func TestRenewFailureRestoresPreviousFiles(t *testing.T) {
	tests := []struct {
		name     string
		renewer  Renewer
		failures int32
		stage    string
		reloads  int32
	}{
		{
			name:    "renewer error after partial write",
			renewer: &failingRenewer{err: errors.New("CA unreachable"), corrupt: true},
			stage:   StageRenew,
			reloads: 1,
		},
		{
			name:     "dependent reload rejected",
			renewer:  NewSelfSignedRenewer(90),
			failures: 1,
			stage:    StageReload,
			reloads:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t, 5*24*time.Hour, tt.renewer, &countingReloader{failures: tt.failures})
			origCert := readBytes(t, f.spec.CertFile)
			origKey := readBytes(t, f.spec.KeyFile)

			res, err := f.manager.Renew(context.Background(), "proxy", false)
			require.Error(t, err)
			assert.Nil(t, res)

			var rerr *RenewalError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.stage, rerr.Stage)

			assert.Equal(t, origCert, readBytes(t, f.spec.CertFile))
			assert.Equal(t, origKey, readBytes(t, f.spec.KeyFile))
			assert.Equal(t, 1, f.backupCount(t))
			assert.Equal(t, tt.reloads, f.reloader.calls.Load())

			failed := f.audit.OfType("certificate.renewal_failed")
			require.Len(t, failed, 1)
			assert.Equal(t, audit.SeverityCritical, failed[0].Severity)
			assert.Equal(t, tt.stage, failed[0].Details["stage"])
			assert.Len(t, f.audit.OfType("certificate.restored"), 1)
			assert.Empty(t, f.audit.OfType("certificate.renewed"))

			// Both events of one renewal share a correlation ID
			assert.Equal(t, failed[0].CorrelationID, f.audit.OfType("certificate.restored")[0].CorrelationID)

			status := f.manager.Statuses()[0]
			assert.Equal(t, models.CertStatusNeedsRenewal, status.Status)
		})
	}
}

// rewritingRenewer replaces every managed file, CA included, then fails
type rewritingRenewer struct{}

func (rewritingRenewer) Name() string { return "rewriting" }

func (rewritingRenewer) Renew(ctx context.Context, spec Spec) error {
	for _, f := range []string{spec.CertFile, spec.KeyFile, spec.CAFile} {
		if err := os.WriteFile(f, []byte("replaced"), 0o600); err != nil {
			return err
		}
	}
	return errors.New("issuer rejected request")
}

func TestRenewFailureRestoresCAFile(t *testing.T) {
	dir := t.TempDir()
	caKey := newKey(t)
	ca := issue(t, "bridge-ca", caKey, time.Now().Add(3650*24*time.Hour), true, nil)
	leafKey := newKey(t)
	leaf := issue(t, "archive", leafKey, time.Now().Add(5*24*time.Hour), false, ca)
	spec := Spec{
		Name:     "archive",
		Type:     models.CertTypeArchiveDICOMTLS,
		CertFile: filepath.Join(dir, "archive.crt"),
		KeyFile:  filepath.Join(dir, "archive.key"),
		CAFile:   filepath.Join(dir, "ca.crt"),
	}
	writePEM(t, spec.CertFile, leaf)
	writeKey(t, spec.KeyFile, leafKey)
	writePEM(t, spec.CAFile, ca)
	origCert := readBytes(t, spec.CertFile)
	origKey := readBytes(t, spec.KeyFile)
	origCA := readBytes(t, spec.CAFile)

	backups := NewBackupStore(filepath.Join(dir, "backups"))
	m, err := NewManager(ManagerOptions{
		Certificates:  []Managed{{Spec: spec, Renewer: rewritingRenewer{}}},
		Backups:       backups,
		ThresholdDays: 30,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)

	_, err = m.Renew(context.Background(), "archive", false)
	require.Error(t, err)

	assert.Equal(t, origCert, readBytes(t, spec.CertFile))
	assert.Equal(t, origKey, readBytes(t, spec.KeyFile))
	assert.Equal(t, origCA, readBytes(t, spec.CAFile))

	list, err := backups.List("archive")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Files, 3)
}

func TestCycleAlertsRenewalFailureAfterExpiryWarning(t *testing.T) {
	f := newManagerFixture(t, 5*24*time.Hour, &failingRenewer{err: errors.New("CA unreachable")}, &countingReloader{})
	f.manager.opts.AutoRenew = true

	f.manager.cycle(context.Background())

	assert.Equal(t, []string{"Certificate expiring", "Certificate renewal failed"}, f.alerts.titles())
	for _, msg := range f.alerts.msgs {
		assert.Equal(t, notify.SeverityCritical, msg.Severity)
	}
}

func TestRenewConcurrentCallIsRejected(t *testing.T) {
	renewer := &blockingRenewer{started: make(chan struct{}), release: make(chan struct{})}
	f := newManagerFixture(t, 5*24*time.Hour, renewer, &countingReloader{})

	done := make(chan error, 1)
	go func() {
		_, err := f.manager.Renew(context.Background(), "proxy", false)
		done <- err
	}()
	<-renewer.started

	_, err := f.manager.Renew(context.Background(), "proxy", false)
	assert.ErrorIs(t, err, ErrRenewalInProgress)

	// Checks during a renewal report the renewing state
	cert, err := f.manager.CheckOne(context.Background(), "proxy")
	require.NoError(t, err)
	assert.Equal(t, models.CertStatusRenewing, cert.Status)

	close(renewer.release)
	require.NoError(t, <-done)
}

func TestRenewUnknownCertificate(t *testing.T) {
	f := newManagerFixture(t, 200*24*time.Hour, NewSelfSignedRenewer(90), &countingReloader{})

	_, err := f.manager.Renew(context.Background(), "missing", false)
	assert.ErrorIs(t, err, ErrUnknownCertificate)
}

func TestRenewForce(t *testing.T) {
	f := newManagerFixture(t, 200*24*time.Hour, NewSelfSignedRenewer(90), &countingReloader{})

	res, err := f.manager.Renew(context.Background(), "proxy", true)
	require.NoError(t, err)
	assert.True(t, res.Renewed)
	assert.Equal(t, 1, f.backupCount(t))
}

func TestCheckAuditsAndAlerts(t *testing.T) {
	f := newManagerFixture(t, -time.Hour, NewSelfSignedRenewer(90), &countingReloader{})

	certs := f.manager.Check(context.Background())
	require.Len(t, certs, 1)
	assert.Equal(t, models.CertStatusExpired, certs[0].Status)
	assert.Equal(t, []string{"certificate.checked", "certificate.expired"}, f.audit.Types())

	expired := f.audit.OfType("certificate.expired")[0]
	assert.Equal(t, audit.SeverityCritical, expired.Severity)

	// A second check inside the cooldown does not alert again
	f.manager.Check(context.Background())
	assert.Equal(t, []string{"Certificate expired"}, f.alerts.titles())
}

func TestCheckExpiringCertificate(t *testing.T) {
	f := newManagerFixture(t, 20*24*time.Hour, NewSelfSignedRenewer(90), &countingReloader{})

	cert, err := f.manager.CheckOne(context.Background(), "proxy")
	require.NoError(t, err)
	assert.Equal(t, models.CertStatusNeedsRenewal, cert.Status)
	assert.Len(t, f.audit.OfType("certificate.expiring"), 1)
	assert.Equal(t, notify.SeverityWarning, f.alerts.msgs[0].Severity)
}

func TestRunRenewsDueCertificates(t *testing.T) {
	dir := t.TempDir()
	spec := selfSigned(t, dir, "proxy", 5*24*time.Hour)
	m, err := NewManager(ManagerOptions{
		Certificates:  []Managed{{Spec: spec, Renewer: NewSelfSignedRenewer(90)}},
		Backups:       NewBackupStore(filepath.Join(dir, "backups")),
		InitialDelay:  time.Millisecond,
		CheckInterval: time.Hour,
		AutoRenew:     true,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		statuses := m.Statuses()
		return len(statuses) == 1 && statuses[0].LastRenewal != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewManagerValidation(t *testing.T) {
	backups := NewBackupStore(t.TempDir())

	_, err := NewManager(ManagerOptions{})
	assert.Error(t, err)

	_, err = NewManager(ManagerOptions{
		Backups:      backups,
		Certificates: []Managed{{Spec: Spec{Name: "a"}}},
	})
	assert.Error(t, err)

	_, err = NewManager(ManagerOptions{
		Backups: backups,
		Certificates: []Managed{
			{Spec: Spec{Name: "a"}, Renewer: NewSelfSignedRenewer(1)},
			{Spec: Spec{Name: "a"}, Renewer: NewSelfSignedRenewer(1)},
		},
	})
	assert.Error(t, err)
}
