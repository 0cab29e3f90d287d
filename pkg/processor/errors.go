package processor

import (
	"errors"
	"fmt"
)

// Stage names a step of instance processing
type Stage string

const (
	StageVerify    Stage = "verify"
	StageFetch     Stage = "fetch"
	StageParse     Stage = "parse"
	StageAnonymize Stage = "anonymize"
	StageForward   Stage = "forward"
)

// StageError records which stage failed and whether retrying can help
type StageError struct {
	Stage     Stage
	Err       error
	Permanent bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Retriable is consulted by the job queue
func (e *StageError) Retriable() bool {
	return !e.Permanent
}

func retriableStage(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

func permanentStage(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err, Permanent: true}
}

// StageOf returns the failing stage, or "" when err did not come from a stage
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// ErrUIDMismatch means the archive returned a different instance than the
// store-event described
var ErrUIDMismatch = errors.New("SOP Instance UID does not match job")

// ForwardError is a non-success response from the downstream API
type ForwardError struct {
	StatusCode int
	Message    string
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("downstream API returned status %d: %s", e.StatusCode, e.Message)
}

// UploadTooLargeError means the anonymized file exceeds the upload ceiling
type UploadTooLargeError struct {
	Size  int
	Limit int64
}

func (e *UploadTooLargeError) Error() string {
	return fmt.Sprintf("upload of %d bytes exceeds limit of %d", e.Size, e.Limit)
}
