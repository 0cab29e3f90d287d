package webhook

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/queue"
)

const statusCheckTimeout = 5 * time.Second

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

// handleHealth returns the health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadiness runs every readiness check and the queue ping
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusCheckTimeout)
	defer cancel()

	checks := map[string]ReadinessCheck{"queue": s.opts.Queue.Ping}
	for name, check := range s.opts.ReadinessChecks {
		checks[name] = check
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(checks))
	ready := true
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ok"
	}

	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not ready", "checks": results})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready", "checks": results})
}

// QueueStatus is the body of /status/queue
type QueueStatus struct {
	Counts  queue.Counts           `json:"counts"`
	Backlog int64                  `json:"backlog"`
	Workers *queue.WorkerPoolStats `json:"workers,omitempty"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusCheckTimeout)
	defer cancel()

	counts, err := s.opts.Queue.Stats(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read queue stats")
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable")
		return
	}
	status := QueueStatus{Counts: counts, Backlog: counts.Backlog()}
	if s.opts.Workers != nil {
		stats := s.opts.Workers()
		status.Workers = &stats
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCertificateStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Certificates == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"certificates": []*models.Certificate{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"certificates": s.opts.Certificates.Statuses()})
}

// SecretsStatus is the body of /status/secrets. It never contains values.
type SecretsStatus struct {
	Backend       string `json:"backend"`
	Healthy       bool   `json:"healthy"`
	CachedEntries int    `json:"cachedEntries"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) handleSecretsStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Secrets == nil {
		writeError(w, http.StatusNotFound, "secrets_not_configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), statusCheckTimeout)
	defer cancel()

	status := SecretsStatus{
		Backend:       s.opts.Secrets.Backend(),
		CachedEntries: s.opts.Secrets.CachedEntries(),
		Healthy:       true,
	}
	if err := s.opts.Secrets.TestConnection(ctx); err != nil {
		status.Healthy = false
		status.Error = err.Error()
	}
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
