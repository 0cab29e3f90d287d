package bridge

import (
	"fmt"
	"net/http"
	"time"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/certs"
	"github.com/securebridge/dicom-bridge/pkg/config"
)

const reloadTimeout = 30 * time.Second

func (b *Bridge) buildCertificates() error {
	cc := b.cfg.Certificates

	managed := make([]certs.Managed, 0, len(cc.Managed))
	for _, mc := range cc.Managed {
		renewer, err := b.renewerFor(mc)
		if err != nil {
			return fmt.Errorf("certificate %s: %w", mc.Name, err)
		}
		reloader, err := b.reloaderFor(mc)
		if err != nil {
			return fmt.Errorf("certificate %s: %w", mc.Name, err)
		}
		managed = append(managed, certs.Managed{
			Spec: certs.Spec{
				Name:     mc.Name,
				Type:     models.CertificateType(mc.Type),
				CertFile: mc.CertFile,
				KeyFile:  mc.KeyFile,
				CAFile:   mc.CAFile,
				Critical: mc.Critical,
			},
			Renewer:  renewer,
			Reloader: reloader,
			Health: &certs.HealthCheck{
				URL:         mc.Health.URL,
				MaxAttempts: mc.Health.MaxAttempts,
				Interval:    b.cfg.Duration(mc.Health.Interval),
				Timeout:     b.cfg.Duration(mc.Health.Timeout),
			},
		})
	}

	if b.cfg.Server.TLS.Enabled && b.hotTLS == nil {
		for _, mc := range cc.Managed {
			if mc.Name == b.cfg.Server.TLS.Certificate {
				if _, err := b.hotCertificate(mc); err != nil {
					return err
				}
			}
		}
	}

	manager, err := certs.NewManager(certs.ManagerOptions{
		Certificates:    managed,
		Backups:         certs.NewBackupStore(cc.BackupDirectory),
		BackupRetention: b.cfg.Duration(cc.BackupRetention),
		ThresholdDays:   cc.RenewalThresholdDays,
		CheckInterval:   b.cfg.Duration(cc.CheckInterval),
		InitialDelay:    b.cfg.Duration(cc.InitialDelay),
		AutoRenew:       config.BoolValue(cc.AutoRenew, true),
		AuditLog:        b.auditLog,
		Alerts:          certs.NewAlerter(b.notifier, nil, nil),
		Logger:          b.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create certificate manager: %w", err)
	}
	b.certs = manager
	return nil
}

func (b *Bridge) renewerFor(mc config.ManagedCertificate) (certs.Renewer, error) {
	cc := b.cfg.Certificates
	switch mc.Renewal {
	case "internal-ca":
		ca := certs.FileCA(cc.CA.CertFile, cc.CA.KeyFile)
		if cc.CA.SecretPath != "" {
			ca = certs.SecretCA(b.secrets, cc.CA.SecretPath)
		}
		return certs.NewInternalCARenewer(ca, cc.CA.ValidityDays), nil
	case "self-signed":
		return certs.NewSelfSignedRenewer(cc.CA.ValidityDays), nil
	case "acme":
		renewer, err := certs.NewACMERenewer(certs.ACMEOptions{
			DirectoryURL:   cc.ACME.DirectoryURL,
			Email:          cc.ACME.Email,
			AccountKeyFile: cc.ACME.AccountKeyFile,
			Webroot:        cc.ACME.Webroot,
			Logger:         b.logger,
		})
		if err != nil {
			return nil, err
		}
		return renewer, nil
	default:
		return nil, fmt.Errorf("unsupported renewal method %q", mc.Renewal)
	}
}

func (b *Bridge) reloaderFor(mc config.ManagedCertificate) (certs.Reloader, error) {
	rc := mc.Reload
	switch rc.Type {
	case "http":
		return &certs.HTTPReloader{
			URL:    rc.URL,
			Method: rc.Method,
			Client: &http.Client{Timeout: reloadTimeout},
		}, nil
	case "archive":
		return &certs.ArchiveReloader{Archive: b.archive}, nil
	case "signal":
		if _, err := certs.ParseSignal(rc.Signal); err != nil {
			return nil, err
		}
		return &certs.SignalReloader{PIDFile: rc.PIDFile, Signal: rc.Signal}, nil
	case "tls":
		hot, err := b.hotCertificate(mc)
		if err != nil {
			return nil, err
		}
		return &certs.TLSReloader{Hot: hot}, nil
	case "", "none":
		return certs.NoopReloader{}, nil
	default:
		return nil, fmt.Errorf("unsupported reload type %q", rc.Type)
	}
}

// hotCertificate loads the bridge's own serving certificate. Only the
// certificate named by server.tls.certificate can be hot reloaded.
func (b *Bridge) hotCertificate(mc config.ManagedCertificate) (*certs.HotCertificate, error) {
	if mc.Name != b.cfg.Server.TLS.Certificate {
		return nil, fmt.Errorf("tls reload requires server.tls.certificate to name %q", mc.Name)
	}
	if b.hotTLS != nil {
		return b.hotTLS, nil
	}
	hot, err := certs.NewHotCertificate(mc.CertFile, mc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load serving certificate: %w", err)
	}
	b.hotTLS = hot
	return hot, nil
}

// startCertificateLoops launches the periodic check and, when enabled, the
// file watcher
func (b *Bridge) startCertificateLoops() error {
	if len(b.certs.Names()) == 0 {
		return nil
	}
	b.shutdown.Go("certificate-manager", b.certs.Run)

	if b.cfg.Certificates.Watch {
		watcher, err := certs.NewWatcher(b.certs, b.logger)
		if err != nil {
			return fmt.Errorf("failed to watch certificate files: %w", err)
		}
		b.shutdown.Go("certificate-watcher", watcher.Run)
	}
	return nil
}
