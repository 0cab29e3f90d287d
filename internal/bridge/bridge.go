// Package bridge assembles the bridge's components from configuration and
// owns their lifecycle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/pkg/archive"
	"github.com/securebridge/dicom-bridge/pkg/audit"
	"github.com/securebridge/dicom-bridge/pkg/auth"
	"github.com/securebridge/dicom-bridge/pkg/certs"
	"github.com/securebridge/dicom-bridge/pkg/config"
	"github.com/securebridge/dicom-bridge/pkg/logging"
	"github.com/securebridge/dicom-bridge/pkg/notify"
	"github.com/securebridge/dicom-bridge/pkg/queue"
	"github.com/securebridge/dicom-bridge/pkg/secrets"
	"github.com/securebridge/dicom-bridge/pkg/shutdown"
	"github.com/securebridge/dicom-bridge/pkg/webhook"
)

const (
	dependencyTimeout   = 10 * time.Second
	notificationTimeout = 10 * time.Second
)

// Options configures a Bridge
type Options struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Version string

	// SecretsBackend replaces the backend selected by configuration
	SecretsBackend secrets.Backend
	// Redis replaces the client built from configuration
	Redis *redis.Client
}

// Bridge owns every long-lived component. New builds the parts every
// command needs; Start adds the processing pipeline and HTTP surface.
type Bridge struct {
	cfg      *config.Config
	logger   *logrus.Logger
	version  string
	shutdown *shutdown.Manager

	auditLog *audit.Writer
	siem     *audit.SIEMForwarder
	secrets  *secrets.Client
	notifier *notify.Dispatcher
	archive  *archive.Client
	certs    *certs.Manager
	hotTLS   *certs.HotCertificate
	admin    *auth.AdminAuth

	redis     *redis.Client
	ownsRedis bool
	queue     *queue.JobQueue
	workers   *queue.WorkerPool
	server    *webhook.Server

	closeOnce sync.Once
}

// New builds the audit trail, credential store client, notifications,
// archive client and certificate manager. Nothing is contacted yet.
func New(ctx context.Context, opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, errors.New("configuration is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.LogLevel(cfg.LogLevel))
	}

	b := &Bridge{
		cfg:      cfg,
		logger:   logger,
		version:  opts.Version,
		shutdown: shutdown.NewManager(cfg.Duration(cfg.Server.ShutdownTimeout), logger),
		redis:    opts.Redis,
	}

	if err := b.buildAudit(); err != nil {
		return nil, err
	}
	if err := b.buildSecrets(ctx, opts.SecretsBackend); err != nil {
		b.Close()
		return nil, err
	}
	b.buildNotifications()
	if err := b.buildArchive(); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.buildCertificates(); err != nil {
		b.Close()
		return nil, err
	}

	return b, nil
}

// Close stops everything Start launched, then flushes notifications and
// closes the audit file. It is safe to call more than once.
func (b *Bridge) Close() error {
	err := b.shutdown.Shutdown()
	b.closeOnce.Do(func() {
		if b.notifier != nil {
			b.notifier.Stop()
		}
		if b.auditLog != nil {
			if cerr := b.auditLog.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("failed to close audit log: %w", cerr))
			}
		}
	})
	return err
}

// Certificates returns the certificate manager
func (b *Bridge) Certificates() *certs.Manager {
	return b.certs
}

// Secrets returns the credential store client
func (b *Bridge) Secrets() *secrets.Client {
	return b.secrets
}

// AuditLog returns the audit writer
func (b *Bridge) AuditLog() *audit.Writer {
	return b.auditLog
}

// Queue returns the job queue once Start has run
func (b *Bridge) Queue() *queue.JobQueue {
	return b.queue
}

// Handler returns the HTTP handler once Start has run
func (b *Bridge) Handler() http.Handler {
	if b.server == nil {
		return http.NotFoundHandler()
	}
	return b.server.Handler()
}

// AdminAuth returns the admin token verifier and issuer
func (b *Bridge) AdminAuth() (*auth.AdminAuth, error) {
	if b.admin != nil {
		return b.admin, nil
	}
	ac := b.cfg.Admin
	admin, err := auth.NewAdminAuth(auth.AdminAuthOptions{
		Key:      b.secretKey(ac.JWTSecretPath, ac.JWTSecretKey),
		Issuer:   ac.Issuer,
		TokenTTL: b.cfg.Duration(ac.TokenTTL),
		AuditLog: b.auditLog,
		Logger:   b.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admin authenticator: %w", err)
	}
	b.admin = admin
	return admin, nil
}

func (b *Bridge) buildArchive() error {
	ac := b.cfg.Archive
	client, err := archive.NewClient(archive.Options{
		URL:              ac.URL,
		Timeout:          b.cfg.Duration(ac.Timeout),
		MaxInstanceBytes: ac.MaxInstanceBytes,
		CAFile:           ac.CAFile,
		VerifyTLS:        config.BoolValue(ac.VerifyTLS, true),
		Credentials:      b.archiveCredentials(),
		Logger:           b.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create archive client: %w", err)
	}
	b.archive = client
	return nil
}

func (b *Bridge) buildNotifications() {
	nc := b.cfg.Notifications
	client := &http.Client{Timeout: notificationTimeout}

	var notifiers []notify.Notifier
	if nc.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(nc.SlackWebhookURL, client))
	}
	if nc.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(nc.WebhookURL, client))
	}

	b.notifier = notify.NewDispatcher(notifiers, nc.QueueSize, b.logger)
	b.notifier.Start()
	b.logger.WithField("channels", len(notifiers)).Debug("Notifications configured")
}
