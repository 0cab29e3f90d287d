package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequests tracks inbound store-events by outcome
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_webhook_requests_total",
			Help: "Total number of store-event webhooks by result",
		},
		[]string{"result"},
	)

	// WebhookValidationFailures tracks rejected webhooks by reason code
	WebhookValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_webhook_validation_failures_total",
			Help: "Total number of webhook validation failures by reason",
		},
		[]string{"reason"},
	)

	// ArchiveAPIDuration tracks archive REST call duration in seconds
	ArchiveAPIDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_archive_api_duration_seconds",
			Help:    "Duration of archive API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "status_code"},
	)

	// ArchiveAPIErrors tracks archive API errors by type
	ArchiveAPIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_archive_api_errors_total",
			Help: "Total number of archive API errors by type",
		},
		[]string{"error_type", "status_code"},
	)

	// ForwardBreakerState tracks the downstream circuit breaker (0 closed, 1 half-open, 2 open)
	ForwardBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_forward_breaker_state",
			Help: "State of the downstream circuit breaker",
		},
		[]string{"name"},
	)

	// DegradedModeEvents tracks security checks that failed open
	DegradedModeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_degraded_mode_total",
			Help: "Total number of security checks bypassed because their store was unavailable",
		},
		[]string{"check"},
	)

	// JobsEnqueued tracks enqueue calls by priority and dedup outcome
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_jobs_enqueued_total",
			Help: "Total number of enqueue calls",
		},
		[]string{"priority", "deduplicated"},
	)

	// QueueDepth tracks jobs per state
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_queue_jobs",
			Help: "Number of jobs per state",
		},
		[]string{"state"},
	)

	// JobDuration tracks end-to-end processing time per attempt
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_job_duration_seconds",
			Help:    "Duration of instance processing attempts in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"result"},
	)

	// StageDuration tracks individual processor stages
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_processing_stage_duration_seconds",
			Help:    "Duration of processor stages in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "result"},
	)

	// ForwardRequests tracks downstream uploads by status code
	ForwardRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_forward_requests_total",
			Help: "Total number of uploads to the processing API",
		},
		[]string{"status_code"},
	)

	// SecretCacheLookups tracks credential cache hits and misses
	SecretCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_secret_cache_lookups_total",
			Help: "Total number of credential cache lookups",
		},
		[]string{"result"},
	)

	// SecretBackendErrors tracks credential store errors by class
	SecretBackendErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_secret_backend_errors_total",
			Help: "Total number of credential store errors",
		},
		[]string{"backend", "error_type"},
	)

	// CertificateDaysUntilExpiry tracks remaining validity per certificate
	CertificateDaysUntilExpiry = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_certificate_days_until_expiry",
			Help: "Days until each managed certificate expires",
		},
		[]string{"name", "type"},
	)

	// CertificateRenewals tracks renewal attempts by result
	CertificateRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_certificate_renewals_total",
			Help: "Total number of certificate renewal attempts",
		},
		[]string{"name", "result"},
	)

	// AuditEvents tracks audit records by severity
	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_audit_events_total",
			Help: "Total number of audit events written",
		},
		[]string{"severity"},
	)

	// AuditSinkDrops tracks events a real-time sink could not accept
	AuditSinkDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_audit_sink_drops_total",
			Help: "Total number of audit events dropped by real-time sinks",
		},
		[]string{"sink"},
	)

	// AuditExportObjects tracks objects written to long-term storage
	AuditExportObjects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_audit_export_objects_total",
			Help: "Total number of audit export objects by result",
		},
		[]string{"result"},
	)

	// NotificationsSent tracks best-effort notifications
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_notifications_total",
			Help: "Total number of operator notifications by channel and result",
		},
		[]string{"channel", "result"},
	)
)

// RecordWebhook records a webhook outcome
func RecordWebhook(result string) {
	WebhookRequests.WithLabelValues(result).Inc()
}

// RecordValidationFailure records a rejected webhook
func RecordValidationFailure(reason string) {
	WebhookValidationFailures.WithLabelValues(reason).Inc()
}

// RecordDegraded records a security check that failed open
func RecordDegraded(check string) {
	DegradedModeEvents.WithLabelValues(check).Inc()
}

// RecordEnqueue records an enqueue call
func RecordEnqueue(priority int, deduplicated bool) {
	JobsEnqueued.WithLabelValues(fmt.Sprintf("%d", priority), fmt.Sprintf("%t", deduplicated)).Inc()
}

// SetQueueDepth records the number of jobs in a state
func SetQueueDepth(state string, count int64) {
	QueueDepth.WithLabelValues(state).Set(float64(count))
}

// RecordJobDuration records one processing attempt
func RecordJobDuration(result string, seconds float64) {
	JobDuration.WithLabelValues(result).Observe(seconds)
}

// RecordStage records a processor stage
func RecordStage(stage, result string, seconds float64) {
	StageDuration.WithLabelValues(stage, result).Observe(seconds)
}

// RecordForward records an upload response
func RecordForward(statusCode int) {
	ForwardRequests.WithLabelValues(fmt.Sprintf("%d", statusCode)).Inc()
}

// RecordSecretLookup records a cache hit or miss
func RecordSecretLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	SecretCacheLookups.WithLabelValues(result).Inc()
}

// RecordSecretError records a credential store error
func RecordSecretError(backend, errorType string) {
	SecretBackendErrors.WithLabelValues(backend, errorType).Inc()
}

// SetCertificateExpiry records remaining validity
func SetCertificateExpiry(name, certType string, days int) {
	CertificateDaysUntilExpiry.WithLabelValues(name, certType).Set(float64(days))
}

// RecordCertificateRenewal records a renewal attempt
func RecordCertificateRenewal(name, result string) {
	CertificateRenewals.WithLabelValues(name, result).Inc()
}

// RecordAuditEvent records a written audit event
func RecordAuditEvent(severity string) {
	AuditEvents.WithLabelValues(severity).Inc()
}

// RecordAuditSinkDrop records an event dropped by a sink
func RecordAuditSinkDrop(sink string) {
	AuditSinkDrops.WithLabelValues(sink).Inc()
}

// RecordAuditExport records an export object
func RecordAuditExport(result string) {
	AuditExportObjects.WithLabelValues(result).Inc()
}

// RecordNotification records a notification attempt
func RecordNotification(channel, result string) {
	NotificationsSent.WithLabelValues(channel, result).Inc()
}

// RecordArchiveAPIDuration records the duration of an archive API call
func RecordArchiveAPIDuration(endpoint string, statusCode int, duration float64) {
	ArchiveAPIDuration.WithLabelValues(endpoint, fmt.Sprintf("%d", statusCode)).Observe(duration)
}

// RecordArchiveAPIError records an archive API error
func RecordArchiveAPIError(errorType string, statusCode int) {
	ArchiveAPIErrors.WithLabelValues(errorType, fmt.Sprintf("%d", statusCode)).Inc()
}

// SetBreakerState records a circuit breaker transition
func SetBreakerState(name string, state int) {
	ForwardBreakerState.WithLabelValues(name).Set(float64(state))
}
