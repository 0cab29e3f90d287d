package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/audit"
	"github.com/securebridge/dicom-bridge/pkg/metrics"
)

// JobHandler processes a single job
type JobHandler func(ctx context.Context, job *models.ProcessingJob) error

// WorkerOptions configures a WorkerPool
type WorkerOptions struct {
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration
	StalledAfter time.Duration
}

// WorkerPool manages worker goroutines that claim and run jobs
type WorkerPool struct {
	queue    *JobQueue
	handler  JobHandler
	opts     WorkerOptions
	logger   *logrus.Logger
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	inFlight int64 // atomic
	started  int32 // atomic
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queue *JobQueue, handler JobHandler, opts WorkerOptions, logger *logrus.Logger) *WorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.StalledAfter <= opts.JobTimeout {
		if opts.StalledAfter > 0 {
			logger.WithFields(logrus.Fields{
				"job_timeout":   opts.JobTimeout.String(),
				"stalled_after": opts.StalledAfter.String(),
			}).Warn("Stall threshold not above job timeout, using twice the job timeout")
		}
		opts.StalledAfter = 2 * opts.JobTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		queue:   queue,
		handler: handler,
		opts:    opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the workers and the stall sweeper
func (wp *WorkerPool) Start() {
	if !atomic.CompareAndSwapInt32(&wp.started, 0, 1) {
		return
	}
	wp.logger.WithFields(logrus.Fields{
		"workers":       wp.opts.Workers,
		"job_timeout":   wp.opts.JobTimeout.String(),
		"stalled_after": wp.opts.StalledAfter.String(),
	}).Info("Starting worker pool")

	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.wg.Add(1)
	go wp.sweeper()
}

// Stop gracefully stops the worker pool.
// Waits for in-flight jobs to complete with the given timeout.
func (wp *WorkerPool) Stop(timeout time.Duration) error {
	var stopErr error

	wp.stopOnce.Do(func() {
		wp.logger.Info("Stopping worker pool")

		// Signal workers to stop
		wp.cancel()

		// Wait for workers to finish with timeout
		done := make(chan struct{})
		go func() {
			wp.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			wp.logger.Info("All workers stopped gracefully")
		case <-time.After(timeout):
			stopErr = fmt.Errorf("worker pool shutdown timeout after %v", timeout)
			wp.logger.Warn("Worker pool shutdown timeout, some workers may still be running")
		}
	})

	return stopErr
}

// worker claims jobs until the pool stops, sleeping between empty polls
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	workerLogger := wp.logger.WithField("worker_id", id)
	workerLogger.Debug("Worker started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			workerLogger.Debug("Worker stopping")
			return
		case <-wp.queue.Ready():
		case <-timer.C:
		}

		// Drain everything runnable before sleeping again
		for wp.ctx.Err() == nil {
			job, err := wp.queue.Claim(wp.ctx)
			if err != nil {
				if wp.ctx.Err() == nil {
					workerLogger.WithError(err).Warn("Failed to claim job")
				}
				break
			}
			if job == nil {
				break
			}
			wp.runJob(workerLogger, job)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wp.opts.PollInterval)
	}
}

// runJob runs one job with a hard timeout and settles it. A panicking
// handler fails the attempt instead of killing the worker.
func (wp *WorkerPool) runJob(logger *logrus.Entry, job *models.ProcessingJob) {
	atomic.AddInt64(&wp.inFlight, 1)
	defer atomic.AddInt64(&wp.inFlight, -1)

	ctx := audit.WithCorrelationID(context.Background(), job.CorrelationID)
	jobLogger := logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"request_id": job.RequestID,
		"attempt":    job.Attempts,
	})
	jobLogger.Info("Processing job")

	start := time.Now()
	var err error
	if job.Attempts > job.MaxAttempts {
		err = Permanent(fmt.Errorf("attempts exhausted after stall"))
	} else {
		err = wp.invoke(ctx, job)
	}
	elapsed := time.Since(start).Seconds()

	// Settle with a fresh context so shutdown does not strand the job
	settleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err == nil {
		metrics.RecordJobDuration("completed", elapsed)
		if cerr := wp.queue.Complete(settleCtx, job); cerr != nil {
			jobLogger.WithError(cerr).Error("Failed to mark job completed")
			return
		}
		jobLogger.Info("Job completed")
		return
	}

	retried, ferr := wp.queue.HandleFailure(settleCtx, job, err)
	if ferr != nil {
		jobLogger.WithError(ferr).Error("Failed to record job failure")
		return
	}
	if retried {
		metrics.RecordJobDuration("retried", elapsed)
	} else {
		metrics.RecordJobDuration("failed", elapsed)
	}
}

func (wp *WorkerPool) invoke(parent context.Context, job *models.ProcessingJob) (err error) {
	ctx, cancel := context.WithTimeout(parent, wp.opts.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			wp.logger.WithFields(logrus.Fields{
				"job_id": job.ID,
				"panic":  r,
			}).Error("Worker panic recovered")
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	return wp.handler(ctx, job)
}

// sweeper periodically requeues jobs whose worker died mid-run
func (wp *WorkerPool) sweeper() {
	defer wp.wg.Done()

	interval := wp.opts.StalledAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			n, err := wp.queue.RecoverStalled(wp.ctx, wp.opts.StalledAfter)
			if err != nil {
				wp.logger.WithError(err).Warn("Stalled job sweep failed")
				continue
			}
			if n > 0 {
				wp.logger.WithField("requeued", n).Info("Requeued stalled jobs")
			}
			if _, err := wp.queue.Stats(wp.ctx); err != nil {
				wp.logger.WithError(err).Debug("Failed to refresh queue gauges")
			}
		}
	}
}

// Stats returns worker pool statistics
func (wp *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		Workers:  wp.opts.Workers,
		InFlight: int(atomic.LoadInt64(&wp.inFlight)),
	}
}

// WorkerPoolStats represents worker pool statistics
type WorkerPoolStats struct {
	Workers  int `json:"workers"`
	InFlight int `json:"inFlight"`
}
