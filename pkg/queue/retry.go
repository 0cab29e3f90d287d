package queue

import (
	"errors"
	"time"

	"github.com/securebridge/dicom-bridge/internal/models"
)

// RetryPolicy holds retry and backoff settings
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    2 * time.Second,
		MaxBackoff:        2 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// ShouldRetry decides whether a job that just failed with err runs again
func (p RetryPolicy) ShouldRetry(job *models.ProcessingJob, err error) bool {
	if job.Attempts >= job.MaxAttempts {
		return false
	}
	return IsRetriable(err)
}

// Backoff returns the delay before the given attempt number (1-based):
// initial * multiplier^(attempt-1), capped at MaxBackoff
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.BackoffMultiplier
		if backoff >= float64(p.MaxBackoff) {
			break
		}
	}

	duration := time.Duration(backoff)
	if duration > p.MaxBackoff {
		duration = p.MaxBackoff
	}
	return duration
}

// Schedule returns the backoff before each retry
func (p RetryPolicy) Schedule() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	durations := make([]time.Duration, p.MaxAttempts-1)
	for i := range durations {
		durations[i] = p.Backoff(i + 1)
	}
	return durations
}

// retriable is implemented by errors that know whether a retry can help
type retriable interface {
	Retriable() bool
}

// IsRetriable reports whether err is worth another attempt. Errors that
// declare themselves permanent are not retried; anything else is.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var r retriable
	if errors.As(err, &r) {
		return r.Retriable()
	}
	return true
}

// PermanentError marks err as not worth retrying
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string   { return e.Err.Error() }
func (e *PermanentError) Unwrap() error   { return e.Err }
func (e *PermanentError) Retriable() bool { return false }

// Permanent wraps err so the queue fails the job without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
