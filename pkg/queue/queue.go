// Package queue holds processing jobs, deduplicated by SOP Instance UID and
// ordered by modality priority, and runs them on a worker pool.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/audit"
	"github.com/securebridge/dicom-bridge/pkg/metrics"
)

// Options configures a JobQueue
type Options struct {
	Retry    RetryPolicy
	AuditLog audit.Logger
	Logger   *logrus.Logger
	Clock    func() time.Time
	// OnFailed is called after a job is marked permanently failed
	OnFailed func(job *models.ProcessingJob, cause error)
}

// JobQueue is the entry point for enqueuing and settling jobs
type JobQueue struct {
	store    Store
	retry    RetryPolicy
	auditLog audit.Logger
	logger   *logrus.Logger
	now      func() time.Time
	notify   chan struct{}
	onFailed func(job *models.ProcessingJob, cause error)
}

// NewJobQueue creates a queue over store
func NewJobQueue(store Store, opts Options) *JobQueue {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &JobQueue{
		store:    store,
		retry:    opts.Retry,
		auditLog: opts.AuditLog,
		logger:   opts.Logger,
		now:      opts.Clock,
		notify:   make(chan struct{}, 1),
		onFailed: opts.OnFailed,
	}
}

// Enqueue adds a job for payload. If a job for the same SOP Instance UID is
// still pending or running, that job is returned with deduplicated=true.
func (q *JobQueue) Enqueue(ctx context.Context, payload models.JobPayload, requestID string) (*models.ProcessingJob, bool, error) {
	if payload.SOPInstanceUID == "" {
		return nil, false, fmt.Errorf("job payload requires a SOP Instance UID")
	}

	now := q.now()
	job := &models.ProcessingJob{
		ID:             uuid.NewString(),
		SOPInstanceUID: payload.SOPInstanceUID,
		Priority:       PriorityFor(payload.Modality),
		State:          models.JobStateWaiting,
		MaxAttempts:    q.retry.MaxAttempts,
		Payload:        payload,
		RequestID:      requestID,
		CorrelationID:  audit.CorrelationIDFromContext(ctx),
		CreatedAt:      now,
		UpdatedAt:      now,
		RunAt:          now,
	}

	stored, added, err := q.store.Add(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	metrics.RecordEnqueue(int(stored.Priority), !added)

	fields := logrus.Fields{
		"job_id":           stored.ID,
		"sop_instance_uid": stored.SOPInstanceUID,
		"priority":         stored.Priority,
		"request_id":       requestID,
	}
	if !added {
		q.logger.WithFields(fields).Info("Duplicate instance, returning existing job")
		q.audit(ctx, "queue.job_deduplicated", map[string]interface{}{
			"job_id":           stored.ID,
			"sop_instance_uid": stored.SOPInstanceUID,
			"state":            stored.State,
			"request_id":       requestID,
		})
		return stored, true, nil
	}

	q.logger.WithFields(fields).Info("Job enqueued")
	q.audit(ctx, "queue.job_enqueued", map[string]interface{}{
		"job_id":           stored.ID,
		"sop_instance_uid": stored.SOPInstanceUID,
		"modality":         payload.Modality,
		"priority":         int(stored.Priority),
		"request_id":       requestID,
	})
	q.wake()
	return stored, false, nil
}

// Claim returns the next runnable job or nil
func (q *JobQueue) Claim(ctx context.Context) (*models.ProcessingJob, error) {
	return q.store.Claim(ctx, q.now())
}

// Complete records a successful run
func (q *JobQueue) Complete(ctx context.Context, job *models.ProcessingJob) error {
	now := q.now()
	job.State = models.JobStateCompleted
	job.FinishedAt = &now
	job.UpdatedAt = now
	job.LastError = ""
	return q.store.Complete(ctx, job)
}

// HandleFailure retries job with backoff when the error allows it and
// attempts remain, otherwise marks it failed. It reports whether a retry
// was scheduled.
func (q *JobQueue) HandleFailure(ctx context.Context, job *models.ProcessingJob, cause error) (bool, error) {
	now := q.now()
	job.LastError = cause.Error()
	job.UpdatedAt = now

	if q.retry.ShouldRetry(job, cause) {
		delay := q.retry.Backoff(job.Attempts)
		job.RunAt = now.Add(delay)
		job.State = models.JobStateDelayed
		if err := q.store.Retry(ctx, job); err != nil {
			return false, err
		}
		q.logger.WithFields(logrus.Fields{
			"job_id":  job.ID,
			"attempt": job.Attempts,
			"backoff": delay.String(),
			"error":   cause.Error(),
		}).Warn("Job failed, retry scheduled")
		q.audit(ctx, "queue.job_retry_scheduled", map[string]interface{}{
			"job_id":           job.ID,
			"sop_instance_uid": job.SOPInstanceUID,
			"attempt":          job.Attempts,
			"max_attempts":     job.MaxAttempts,
			"backoff_ms":       delay.Milliseconds(),
			"error":            cause.Error(),
		})
		return true, nil
	}

	job.State = models.JobStateFailed
	job.FinishedAt = &now
	if err := q.store.Fail(ctx, job); err != nil {
		return false, err
	}
	q.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"attempts":  job.Attempts,
		"retriable": IsRetriable(cause),
		"error":     cause.Error(),
	}).Error("Job failed permanently")
	q.audit(ctx, "queue.job_failed", map[string]interface{}{
		"job_id":           job.ID,
		"sop_instance_uid": job.SOPInstanceUID,
		"attempts":         job.Attempts,
		"permanent":        !IsRetriable(cause),
		"error":            cause.Error(),
	})
	if q.onFailed != nil {
		q.onFailed(job, cause)
	}
	return false, nil
}

// RecoverStalled requeues active jobs that started more than stalledAfter ago
func (q *JobQueue) RecoverStalled(ctx context.Context, stalledAfter time.Duration) (int, error) {
	jobs, err := q.store.RequeueStalled(ctx, q.now().Add(-stalledAfter))
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		q.logger.WithFields(logrus.Fields{
			"job_id":  job.ID,
			"attempt": job.Attempts,
		}).Warn("Stalled job requeued")
		q.audit(ctx, "queue.job_stalled", map[string]interface{}{
			"job_id":           job.ID,
			"sop_instance_uid": job.SOPInstanceUID,
			"attempts":         job.Attempts,
		})
	}
	if len(jobs) > 0 {
		q.wake()
	}
	return len(jobs), nil
}

// Get returns a job by id
func (q *JobQueue) Get(ctx context.Context, id string) (*models.ProcessingJob, error) {
	return q.store.Get(ctx, id)
}

// Stats returns job counts per state and publishes them as gauges
func (q *JobQueue) Stats(ctx context.Context) (Counts, error) {
	c, err := q.store.Counts(ctx)
	if err != nil {
		return Counts{}, err
	}
	metrics.SetQueueDepth("waiting", c.Waiting)
	metrics.SetQueueDepth("delayed", c.Delayed)
	metrics.SetQueueDepth("active", c.Active)
	metrics.SetQueueDepth("completed", c.Completed)
	metrics.SetQueueDepth("failed", c.Failed)
	return c, nil
}

// Ping checks the backing store
func (q *JobQueue) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}

// Ready is signalled when new work may be available
func (q *JobQueue) Ready() <-chan struct{} {
	return q.notify
}

func (q *JobQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *JobQueue) audit(ctx context.Context, eventType string, details map[string]interface{}) {
	if q.auditLog == nil {
		return
	}
	q.auditLog.Log(ctx, eventType, details)
}
