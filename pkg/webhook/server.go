// Package webhook serves the bridge's HTTP surface: the authenticated
// store-event endpoint, health and status endpoints, and the admin API.
package webhook

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/audit"
	"github.com/securebridge/dicom-bridge/pkg/auth"
	"github.com/securebridge/dicom-bridge/pkg/certs"
	"github.com/securebridge/dicom-bridge/pkg/queue"
	"github.com/securebridge/dicom-bridge/pkg/webhook/parsers"
)

// Default routes
const (
	DefaultStoreEventPath = "/webhook/store-event"
	LegacyStoreEventPath  = "/api/orthanc/new-instance"

	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderNonce     = "X-Webhook-Nonce"
	HeaderRequestID = "X-Request-ID"
)

// JobQueue is the part of the queue the server uses
type JobQueue interface {
	Enqueue(ctx context.Context, payload models.JobPayload, requestID string) (*models.ProcessingJob, bool, error)
	Stats(ctx context.Context) (queue.Counts, error)
	Ping(ctx context.Context) error
}

// CertificateService exposes certificate state and renewal
type CertificateService interface {
	Statuses() []*models.Certificate
	Check(ctx context.Context) []*models.Certificate
	Renew(ctx context.Context, name string, force bool) (*certs.RenewResult, error)
	RenewAll(ctx context.Context, force bool) ([]*certs.RenewResult, error)
}

// SecretsService exposes credential store state
type SecretsService interface {
	Backend() string
	CachedEntries() int
	TestConnection(ctx context.Context) error
	Refresh(ctx context.Context) int
}

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Options configures a Server
type Options struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestSize int64
	TrustProxy     bool
	StorePath      string
	TLS            *certs.HotCertificate

	Authenticator   *auth.Authenticator
	RateLimiter     *auth.RateLimiter
	Admin           *auth.AdminAuth
	Queue           JobQueue
	Workers         func() queue.WorkerPoolStats
	Certificates    CertificateService
	Secrets         SecretsService
	ReadinessChecks map[string]ReadinessCheck

	AuditLog audit.Logger
	Logger   *logrus.Logger
}

// Server represents the HTTP server
type Server struct {
	opts       Options
	router     *mux.Router
	httpServer *http.Server
	parsers    *parsers.Registry
	logger     *logrus.Logger
	ready      atomic.Bool
	listener   net.Listener
}

// NewServer creates a new server instance
func NewServer(opts Options) (*Server, error) {
	if opts.Authenticator == nil || opts.Queue == nil {
		return nil, errors.New("server requires an authenticator and a job queue")
	}
	if opts.StorePath == "" {
		opts.StorePath = DefaultStoreEventPath
	}
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	s := &Server{
		opts:    opts,
		router:  mux.NewRouter(),
		parsers: parsers.NewRegistry(),
		logger:  opts.Logger,
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", opts.Port),
		Handler:        s.router,
		ReadTimeout:    opts.ReadTimeout,
		WriteTimeout:   opts.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	if opts.TLS != nil {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: opts.TLS.GetCertificate,
		}
	}

	return s, nil
}

// Handler returns the root handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures HTTP routes and middleware
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	// Store events
	events := s.router.NewRoute().Subrouter()
	events.Use(s.requestSizeLimitMiddleware)
	if s.opts.RateLimiter != nil {
		events.Use(s.opts.RateLimiter.Middleware(s.opts.TrustProxy))
	}
	events.HandleFunc(s.opts.StorePath, s.storeEventHandler(parsers.FormatStoreEvent)).Methods(http.MethodPost)
	if s.opts.StorePath != LegacyStoreEventPath {
		events.HandleFunc(LegacyStoreEventPath, s.storeEventHandler(parsers.FormatOrthanc)).Methods(http.MethodPost)
	}

	// Health and status
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReadiness).Methods(http.MethodGet)
	s.router.HandleFunc("/status/queue", s.handleQueueStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/status/certificates", s.handleCertificateStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/status/secrets", s.handleSecretsStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", metricsHandler()).Methods(http.MethodGet)

	// Admin
	if s.opts.Admin != nil {
		admin := s.router.PathPrefix("/admin").Subrouter()
		admin.Use(s.opts.Admin.Middleware)
		admin.HandleFunc("/certificates/check", s.handleAdminCheck).Methods(http.MethodPost)
		admin.HandleFunc("/certificates/renew", s.handleAdminRenewAll).Methods(http.MethodPost)
		admin.HandleFunc("/certificates/{name}/renew", s.handleAdminRenew).Methods(http.MethodPost)
		admin.HandleFunc("/secrets/refresh", s.handleAdminSecretsRefresh).Methods(http.MethodPost)
	}
}

// Listen binds the listening socket so startup fails early on port conflicts
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	return nil
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"port": s.opts.Port,
		"tls":  s.opts.TLS != nil,
	}).Info("Starting HTTP server")

	s.ready.Store(true)

	var err error
	if s.opts.TLS != nil {
		err = s.httpServer.ServeTLS(s.listener, "", "")
	} else {
		err = s.httpServer.Serve(s.listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.ready.Store(false)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// SetReady sets the readiness status
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// requestIDMiddleware assigns a request ID and uses it as the audit
// correlation ID for everything the request triggers
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)
		ctx := audit.WithCorrelationID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs all HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": auth.ClientIP(r, s.opts.TrustProxy),
			"status_code": rw.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  w.Header().Get(HeaderRequestID),
		}).Info("HTTP request")
	})
}

// requestSizeLimitMiddleware enforces maximum request size
func (s *Server) requestSizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestSize)
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
