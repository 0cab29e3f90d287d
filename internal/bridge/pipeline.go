package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/auth"
	"github.com/securebridge/dicom-bridge/pkg/certs"
	"github.com/securebridge/dicom-bridge/pkg/config"
	"github.com/securebridge/dicom-bridge/pkg/logging"
	"github.com/securebridge/dicom-bridge/pkg/notify"
	"github.com/securebridge/dicom-bridge/pkg/processor"
	"github.com/securebridge/dicom-bridge/pkg/queue"
	"github.com/securebridge/dicom-bridge/pkg/webhook"
)

// Start builds the processing pipeline and HTTP surface, verifies the
// archive and queue store are reachable, and launches workers and
// background loops. It does not bind the listener; see Serve.
func (b *Bridge) Start(ctx context.Context) (err error) {
	if b.server != nil {
		return errors.New("bridge already started")
	}
	registered := false
	defer func() {
		if err != nil && !registered && b.ownsRedis {
			b.redis.Close()
		}
	}()

	if err := b.buildQueue(); err != nil {
		return err
	}
	if err := b.checkDependencies(ctx); err != nil {
		return err
	}
	b.checkSecrets(ctx)

	if err := b.buildWorkers(); err != nil {
		return err
	}
	if err := b.buildServer(); err != nil {
		return err
	}

	// Handlers run in registration order
	b.shutdown.RegisterHandler("http-server", b.server.Shutdown)
	b.shutdown.RegisterHandler("worker-pool", func(ctx context.Context) error {
		return b.workers.Stop(b.cfg.Duration(b.cfg.Server.ShutdownTimeout))
	})
	if b.ownsRedis {
		b.shutdown.RegisterHandler("redis", func(ctx context.Context) error {
			return b.redis.Close()
		})
	}
	registered = true

	b.workers.Start()
	if err := b.startCertificateLoops(); err != nil {
		return err
	}
	if err := b.startAuditLoops(ctx); err != nil {
		return err
	}

	b.server.SetReady(true)
	b.logger.WithFields(logrus.Fields{
		"queue_backend": b.cfg.Queue.Backend,
		"workers":       b.cfg.Queue.Workers,
		"certificates":  len(b.certs.Names()),
		"secrets":       b.secrets.Backend(),
	}).Info("Bridge started")
	return nil
}

// Serve binds the listener and blocks until a shutdown signal or a fatal
// server error, then shuts down
func (b *Bridge) Serve() error {
	if b.server == nil {
		return errors.New("bridge not started")
	}
	if err := b.server.Listen(); err != nil {
		return err
	}

	fatal := make(chan error, 1)
	go func() {
		if err := b.server.Start(); err != nil {
			fatal <- err
		}
	}()

	logging.LogStartup(b.logger, b.version, strconv.Itoa(b.cfg.Server.Port))
	return b.shutdown.WaitForSignal(fatal)
}

func (b *Bridge) redisClient() (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	rc := b.cfg.Redis
	if rc.URL == "" && rc.Addr == "" {
		return nil, nil
	}

	var opts *redis.Options
	if rc.URL != "" {
		parsed, err := redis.ParseURL(rc.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}
	}
	opts.DialTimeout = b.cfg.Duration(rc.DialTimeout)

	b.redis = redis.NewClient(opts)
	b.ownsRedis = true
	return b.redis, nil
}

func (b *Bridge) buildQueue() error {
	qc := b.cfg.Queue
	storeOpts := queue.StoreOptions{
		CompletedHistory: qc.CompletedHistory,
		FailedHistory:    qc.FailedHistory,
		Retention:        b.cfg.Duration(qc.RetentionWindow),
	}

	var store queue.Store
	switch qc.Backend {
	case config.QueueBackendMemory:
		store = queue.NewMemoryStore(storeOpts)
	case config.QueueBackendRedis:
		client, err := b.redisClient()
		if err != nil {
			return err
		}
		if client == nil {
			return errors.New("redis queue backend requires redis.url or redis.addr")
		}
		store = queue.NewRedisStore(client, b.cfg.Redis.KeyPrefix+":queue", storeOpts)
	default:
		return fmt.Errorf("unsupported queue backend: %s", qc.Backend)
	}

	b.queue = queue.NewJobQueue(store, queue.Options{
		Retry: queue.RetryPolicy{
			MaxAttempts:       qc.MaxAttempts,
			InitialBackoff:    b.cfg.Duration(qc.InitialBackoff),
			MaxBackoff:        b.cfg.Duration(qc.MaxBackoff),
			BackoffMultiplier: qc.BackoffMultiplier,
		},
		AuditLog: b.auditLog,
		Logger:   b.logger,
		OnFailed: b.jobFailed,
	})
	return nil
}

// checkDependencies refuses to start when the queue store or the archive
// cannot be reached
func (b *Bridge) checkDependencies(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, dependencyTimeout)
	defer cancel()

	if err := b.queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue store unreachable: %w", err)
	}
	info, err := b.archive.Ping(ctx)
	if err != nil {
		return fmt.Errorf("archive unreachable: %w", err)
	}
	b.logger.WithFields(logrus.Fields{
		"archive":         info.Name,
		"archive_version": info.Version,
	}).Info("Archive reachable")
	return nil
}

func (b *Bridge) buildWorkers() error {
	fc := b.cfg.Forward
	forwarder, err := processor.NewForwarder(processor.ForwarderOptions{
		URL:            fc.URL,
		Timeout:        b.cfg.Duration(fc.Timeout),
		MaxUploadBytes: fc.MaxUploadBytes,
		APIKey:         b.secretKey(fc.APIKeyPath, fc.APIKeyName),
		Breaker: processor.BreakerSettings{
			MaxRequests:         fc.Breaker.MaxRequests,
			Interval:            b.cfg.Duration(fc.Breaker.Interval),
			Timeout:             b.cfg.Duration(fc.Breaker.Timeout),
			ConsecutiveFailures: fc.Breaker.ConsecutiveFailures,
		},
		Logger: b.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create forwarder: %w", err)
	}

	ac := b.cfg.Anonymization
	proc, err := processor.New(processor.Options{
		Archive:      b.archive,
		Uploader:     forwarder,
		PseudonymKey: b.secretKey(ac.KeyPath, ac.KeyName),
		IDPrefix:     ac.IDPrefix,
		AuditLog:     b.auditLog,
		Logger:       b.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	qc := b.cfg.Queue
	b.workers = queue.NewWorkerPool(b.queue, proc.Process, queue.WorkerOptions{
		Workers:      qc.Workers,
		PollInterval: b.cfg.Duration(qc.PollInterval),
		JobTimeout:   b.cfg.Duration(qc.JobTimeout),
		StalledAfter: b.cfg.Duration(qc.StalledAfter),
	}, b.logger)
	return nil
}

func (b *Bridge) buildServer() error {
	wc := b.cfg.Webhook

	var nonces auth.NonceStore
	var windows auth.WindowStore
	client, err := b.redisClient()
	if err != nil {
		return err
	}
	if client != nil {
		nonces = auth.NewRedisNonceStore(client, b.cfg.Redis.KeyPrefix)
		windows = auth.NewRedisWindowStore(client, b.cfg.Redis.KeyPrefix)
	} else {
		b.logger.Warn("No shared store configured, replay and rate-limit state is per process")
		nonces = auth.NewMemoryNonceStore()
		windows = auth.NewMemoryWindowStore()
	}

	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorOptions{
		Key:             b.secretKey(wc.SecretPath, wc.SecretKey),
		Nonces:          nonces,
		FreshnessWindow: b.cfg.Duration(wc.FreshnessWindow),
		MaxFutureSkew:   b.cfg.Duration(wc.MaxFutureSkew),
		NonceTTL:        b.cfg.Duration(wc.NonceTTL),
		NonceFailOpen:   config.BoolValue(wc.NonceFailOpen, true),
		AuditLog:        b.auditLog,
		Logger:          b.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create webhook authenticator: %w", err)
	}

	limiter, err := auth.NewRateLimiter(auth.RateLimiterOptions{
		Store:       windows,
		Window:      b.cfg.Duration(wc.RateLimit.Window),
		MaxRequests: wc.RateLimit.MaxRequests,
		FailOpen:    config.BoolValue(wc.RateLimit.FailOpen, true),
		AuditLog:    b.auditLog,
		Logger:      b.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	admin, err := b.AdminAuth()
	if err != nil {
		return err
	}

	var tlsCert *certs.HotCertificate
	if b.cfg.Server.TLS.Enabled {
		tlsCert = b.hotTLS
	}

	sc := b.cfg.Server
	server, err := webhook.NewServer(webhook.Options{
		Port:           sc.Port,
		ReadTimeout:    b.cfg.Duration(sc.ReadTimeout),
		WriteTimeout:   b.cfg.Duration(sc.WriteTimeout),
		MaxRequestSize: sc.MaxRequestSize,
		TrustProxy:     sc.TrustProxyHeaders,
		StorePath:      wc.Path,
		TLS:            tlsCert,

		Authenticator: authenticator,
		RateLimiter:   limiter,
		Admin:         admin,
		Queue:         b.queue,
		Workers:       b.workers.Stats,
		Certificates:  b.certs,
		Secrets:       b.secrets,
		ReadinessChecks: map[string]webhook.ReadinessCheck{
			"archive": func(ctx context.Context) error {
				_, err := b.archive.Ping(ctx)
				return err
			},
		},

		AuditLog: b.auditLog,
		Logger:   b.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	b.server = server
	return nil
}

// jobFailed notifies operators about a job that will not be retried
func (b *Bridge) jobFailed(job *models.ProcessingJob, cause error) {
	b.notifier.Send(notify.Message{
		Title:    "Processing job failed",
		Text:     fmt.Sprintf("Job %s failed after %d attempts", job.ID, job.Attempts),
		Severity: notify.SeverityWarning,
		Source:   "queue",
		Fields: map[string]string{
			"job_id":   job.ID,
			"modality": job.Payload.Modality,
			"error":    cause.Error(),
		},
	})
}
