package certs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/audit"
	"github.com/securebridge/dicom-bridge/pkg/metrics"
	"github.com/securebridge/dicom-bridge/pkg/notify"
)

var (
	// ErrRenewalInProgress is returned when a renewal of the same
	// certificate is already running
	ErrRenewalInProgress = errors.New("renewal already in progress")
	// ErrUnknownCertificate is returned for names that are not managed
	ErrUnknownCertificate = errors.New("unknown certificate")
)

// Renewal stages
const (
	StageBackup   = "backup"
	StageRenew    = "renew"
	StageValidate = "validate"
	StageReload   = "reload"
	StageHealth   = "health"
)

// RenewalError reports the stage at which a renewal failed
type RenewalError struct {
	Certificate string
	Stage       string
	Err         error
}

func (e *RenewalError) Error() string {
	return fmt.Sprintf("renewal of %s failed at %s: %v", e.Certificate, e.Stage, e.Err)
}

func (e *RenewalError) Unwrap() error {
	return e.Err
}

// Managed binds a certificate to the way it is renewed, reloaded and
// health checked
type Managed struct {
	Spec     Spec
	Renewer  Renewer
	Reloader Reloader
	Health   *HealthCheck
}

// ManagerOptions configures a Manager
type ManagerOptions struct {
	Certificates    []Managed
	Backups         *BackupStore
	BackupRetention time.Duration
	ThresholdDays   int
	CheckInterval   time.Duration
	InitialDelay    time.Duration
	AutoRenew       bool
	AuditLog        audit.Logger
	Alerts          *Alerter
	Logger          *logrus.Logger
	Clock           func() time.Time
}

// RenewResult describes one renewal call
type RenewResult struct {
	Name        string
	Renewed     bool
	Backup      string
	Certificate *models.Certificate
}

type entry struct {
	managed  Managed
	lock     sync.Mutex
	renewing atomic.Bool
}

// Manager tracks and renews the configured certificates
type Manager struct {
	opts    ManagerOptions
	entries map[string]*entry
	names   []string
	logger  *logrus.Logger
	now     func() time.Time

	mu       sync.RWMutex
	statuses map[string]*models.Certificate
}

// NewManager validates the managed set and returns a manager
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Backups == nil {
		return nil, errors.New("backup store is required")
	}
	if opts.ThresholdDays <= 0 {
		opts.ThresholdDays = 30
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 24 * time.Hour
	}
	if opts.BackupRetention <= 0 {
		opts.BackupRetention = 30 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	m := &Manager{
		opts:     opts,
		entries:  make(map[string]*entry, len(opts.Certificates)),
		logger:   opts.Logger,
		now:      opts.Clock,
		statuses: make(map[string]*models.Certificate),
	}
	for _, c := range opts.Certificates {
		if c.Spec.Name == "" {
			return nil, errors.New("managed certificate requires a name")
		}
		if _, dup := m.entries[c.Spec.Name]; dup {
			return nil, fmt.Errorf("duplicate certificate name: %s", c.Spec.Name)
		}
		if c.Renewer == nil {
			return nil, fmt.Errorf("certificate %s has no renewer", c.Spec.Name)
		}
		if c.Reloader == nil {
			c.Reloader = NoopReloader{}
		}
		m.entries[c.Spec.Name] = &entry{managed: c}
		m.names = append(m.names, c.Spec.Name)
	}
	sort.Strings(m.names)
	return m, nil
}

// Names lists managed certificates in name order
func (m *Manager) Names() []string {
	return append([]string(nil), m.names...)
}

// Statuses returns the last known state of every certificate
func (m *Manager) Statuses() []*models.Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Certificate, 0, len(m.names))
	for _, name := range m.names {
		if c, ok := m.statuses[name]; ok {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out
}

// Check inspects every certificate
func (m *Manager) Check(ctx context.Context) []*models.Certificate {
	out := make([]*models.Certificate, 0, len(m.names))
	for _, name := range m.names {
		c, err := m.CheckOne(ctx, name)
		if err == nil {
			out = append(out, c)
		}
	}
	return out
}

// CheckOne inspects a single certificate, records its state and raises
// audit events and alerts. A certificate being renewed reports its
// current state without being re-read.
func (m *Manager) CheckOne(ctx context.Context, name string) (*models.Certificate, error) {
	e, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCertificate, name)
	}
	if e.renewing.Load() {
		return m.status(name), nil
	}

	cert := Inspect(e.managed.Spec, m.opts.ThresholdDays, m.now())
	m.store(cert)
	m.observe(ctx, cert)
	return cert, nil
}

func (m *Manager) observe(ctx context.Context, cert *models.Certificate) {
	details := certDetails(cert)
	m.audit(ctx, "certificate.checked", details)

	if !cert.NotAfter.IsZero() {
		metrics.SetCertificateExpiry(cert.Name, string(cert.Type), cert.DaysUntilExpiry)
	}

	switch {
	case cert.Status == models.CertStatusInvalid:
		m.audit(ctx, "certificate.invalid", details)
		m.alert(cert, notify.SeverityCritical, "Certificate invalid",
			fmt.Sprintf("%s failed validation: %s", cert.Name, cert.ValidationError))
	case cert.IsExpired:
		m.audit(ctx, "certificate.expired", details)
		m.alert(cert, notify.SeverityCritical, "Certificate expired",
			fmt.Sprintf("%s expired on %s", cert.Name, cert.NotAfter.Format(time.RFC3339)))
	case cert.NeedsRenewal:
		m.audit(ctx, "certificate.expiring", details)
		severity := notify.SeverityWarning
		if cert.DaysUntilExpiry <= 7 || cert.Critical {
			severity = notify.SeverityCritical
		}
		m.alert(cert, severity, "Certificate expiring",
			fmt.Sprintf("%s expires in %d days", cert.Name, cert.DaysUntilExpiry))
	}
}

// Renew renews a certificate that needs it. A certificate that is still
// fresh is left alone unless force is set: no backup is taken and the
// dependent service is not reloaded. On any failure after the backup the
// previous files are restored and the original error is returned.
func (m *Manager) Renew(ctx context.Context, name string, force bool) (*RenewResult, error) {
	e, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCertificate, name)
	}
	if !e.lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrRenewalInProgress, name)
	}
	defer e.lock.Unlock()

	if audit.CorrelationIDFromContext(ctx) == "" {
		ctx = audit.WithCorrelationID(ctx, uuid.New().String())
	}
	spec := e.managed.Spec
	before := Inspect(spec, m.opts.ThresholdDays, m.now())
	if !force && !dueForRenewal(before) {
		m.store(before)
		metrics.RecordCertificateRenewal(name, "skipped")
		return &RenewResult{Name: name, Certificate: before}, nil
	}

	e.renewing.Store(true)
	defer e.renewing.Store(false)
	renewing := *before
	renewing.Status = models.CertStatusRenewing
	m.store(&renewing)

	logger := m.logger.WithFields(logrus.Fields{
		"certificate": name,
		"renewer":     e.managed.Renewer.Name(),
	})
	logger.Info("Renewing certificate")
	start := time.Now()

	backup, err := m.opts.Backups.Create(name, spec.CertFile, spec.KeyFile, spec.CAFile)
	if err != nil {
		rerr := &RenewalError{Certificate: name, Stage: StageBackup, Err: err}
		m.store(before)
		m.renewalFailed(ctx, before, rerr)
		return nil, rerr
	}

	if stage, err := m.attempt(ctx, e); err != nil {
		rerr := &RenewalError{Certificate: name, Stage: stage, Err: err}
		logger.WithError(err).WithField("stage", stage).Error("Certificate renewal failed, restoring backup")
		m.rollback(ctx, e, backup, rerr)
		return nil, rerr
	}

	now := m.now()
	after := Inspect(spec, m.opts.ThresholdDays, now)
	after.LastRenewal = &now
	m.store(after)
	metrics.RecordCertificateRenewal(name, "success")
	metrics.SetCertificateExpiry(name, string(after.Type), after.DaysUntilExpiry)

	details := certDetails(after)
	details["renewer"] = e.managed.Renewer.Name()
	details["backup"] = backup.Dir
	details["duration_ms"] = time.Since(start).Milliseconds()
	m.audit(ctx, "certificate.renewed", details)
	m.alert(after, notify.SeverityInfo, "Certificate renewed",
		fmt.Sprintf("%s renewed, valid until %s", name, after.NotAfter.Format(time.RFC3339)))
	logger.WithField("not_after", after.NotAfter).Info("Certificate renewed")

	return &RenewResult{Name: name, Renewed: true, Backup: backup.Dir, Certificate: after}, nil
}

func (m *Manager) attempt(ctx context.Context, e *entry) (string, error) {
	spec := e.managed.Spec
	if err := e.managed.Renewer.Renew(ctx, spec); err != nil {
		return StageRenew, err
	}

	issued := Inspect(spec, m.opts.ThresholdDays, m.now())
	if issued.IsExpired || !issued.KeyPairValid || !issued.ChainValid {
		reason := issued.ValidationError
		if reason == "" {
			reason = "renewed certificate is not usable"
		}
		return StageValidate, errors.New(reason)
	}

	if err := e.managed.Reloader.Reload(ctx); err != nil {
		return StageReload, err
	}
	if err := e.managed.Health.Wait(ctx); err != nil {
		return StageHealth, err
	}
	return "", nil
}

func (m *Manager) rollback(ctx context.Context, e *entry, backup *Backup, rerr *RenewalError) {
	name := e.managed.Spec.Name
	if err := m.opts.Backups.Restore(backup); err != nil {
		m.logger.WithError(err).WithField("certificate", name).Error("Failed to restore certificate backup")
		failed := Inspect(e.managed.Spec, m.opts.ThresholdDays, m.now())
		failed.Status = models.CertStatusFailedRestore
		failed.ValidationError = err.Error()
		m.store(failed)
		m.alert(failed, notify.SeverityCritical, "Certificate restore failed",
			fmt.Sprintf("%s could not be restored from %s: %v", name, backup.Dir, err))
		m.renewalFailed(ctx, failed, rerr)
		m.audit(ctx, "certificate.restore_failed", map[string]interface{}{
			"name":   name,
			"backup": backup.Dir,
			"error":  err.Error(),
		})
		return
	}

	if err := e.managed.Reloader.Reload(ctx); err != nil {
		m.logger.WithError(err).WithField("certificate", name).Warn("Reload after restore failed")
	}

	restored := Inspect(e.managed.Spec, m.opts.ThresholdDays, m.now())
	m.store(restored)
	m.renewalFailed(ctx, restored, rerr)
	m.audit(ctx, "certificate.restored", map[string]interface{}{
		"name":   name,
		"backup": backup.Dir,
		"status": string(restored.Status),
	})
}

func (m *Manager) renewalFailed(ctx context.Context, cert *models.Certificate, rerr *RenewalError) {
	metrics.RecordCertificateRenewal(cert.Name, "failure")
	m.audit(ctx, "certificate.renewal_failed", map[string]interface{}{
		"name":  cert.Name,
		"type":  string(cert.Type),
		"stage": rerr.Stage,
		"error": rerr.Err.Error(),
	})
	m.alert(cert, notify.SeverityCritical, "Certificate renewal failed", rerr.Error())
}

// RenewAll renews every certificate that is due, or all of them when force
// is set. Failures are joined into the returned error.
func (m *Manager) RenewAll(ctx context.Context, force bool) ([]*RenewResult, error) {
	var results []*RenewResult
	var errs []error
	for _, name := range m.names {
		res, err := m.Renew(ctx, name, force)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// PruneBackups removes backups older than the retention period
func (m *Manager) PruneBackups(ctx context.Context) (int, error) {
	removed, err := m.opts.Backups.Prune(m.opts.BackupRetention)
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		m.audit(ctx, "certificate.backups_pruned", map[string]interface{}{
			"removed":   removed,
			"retention": m.opts.BackupRetention.String(),
		})
	}
	return removed, nil
}

// Run checks on a timer until ctx is done, renewing when auto-renew is on
func (m *Manager) Run(ctx context.Context) {
	timer := time.NewTimer(m.opts.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.cycle(ctx)
			timer.Reset(m.opts.CheckInterval)
		}
	}
}

func (m *Manager) cycle(ctx context.Context) {
	for _, cert := range m.Check(ctx) {
		if !m.opts.AutoRenew || !dueForRenewal(cert) {
			continue
		}
		if _, err := m.Renew(ctx, cert.Name, false); err != nil {
			m.logger.WithError(err).WithField("certificate", cert.Name).Error("Automatic renewal failed")
		}
	}
	if _, err := m.PruneBackups(ctx); err != nil {
		m.logger.WithError(err).Warn("Failed to prune certificate backups")
	}
}

func (m *Manager) status(name string) *models.Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.statuses[name]; ok {
		copied := *c
		return &copied
	}
	return nil
}

func (m *Manager) store(cert *models.Certificate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.statuses[cert.Name]; ok && cert.LastRenewal == nil {
		cert.LastRenewal = prev.LastRenewal
	}
	m.statuses[cert.Name] = cert
}

func (m *Manager) audit(ctx context.Context, eventType string, details map[string]interface{}) {
	if m.opts.AuditLog != nil {
		m.opts.AuditLog.Log(ctx, eventType, details)
	}
}

func (m *Manager) alert(cert *models.Certificate, severity, title, text string) {
	if m.opts.Alerts == nil {
		return
	}
	m.opts.Alerts.Raise(cert.Name, severity, title, text, map[string]string{
		"certificate": cert.Name,
		"type":        string(cert.Type),
		"status":      string(cert.Status),
	})
}

func dueForRenewal(cert *models.Certificate) bool {
	return cert.NeedsRenewal || cert.IsExpired || !cert.KeyPairValid
}

func certDetails(cert *models.Certificate) map[string]interface{} {
	details := map[string]interface{}{
		"name":              cert.Name,
		"type":              string(cert.Type),
		"status":            string(cert.Status),
		"days_until_expiry": cert.DaysUntilExpiry,
	}
	if !cert.NotAfter.IsZero() {
		details["not_after"] = cert.NotAfter.UTC().Format(time.RFC3339)
	}
	if cert.ValidationError != "" {
		details["validation_error"] = cert.ValidationError
	}
	return details
}
