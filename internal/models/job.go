package models

import (
	"time"
)

// JobState is the lifecycle state of a processing job
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateDelayed   JobState = "delayed"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateStalled   JobState = "stalled"
)

// IsTerminal returns true if the job will not run again
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Priority orders jobs in the queue. Lower values run first.
type Priority int

const (
	PriorityAngiography  Priority = 1
	PriorityCrossSection Priority = 2
	PriorityRadiography  Priority = 3
	PriorityOther        Priority = 4
)

// JobPayload carries the instance identifiers a worker needs.
// Patient identifiers are deliberately absent.
type JobPayload struct {
	InstanceID     string `json:"instanceId"`
	StudyUID       string `json:"studyUID,omitempty"`
	SeriesUID      string `json:"seriesUID,omitempty"`
	SOPInstanceUID string `json:"sopInstanceUID"`
	Modality       string `json:"modality"`
	SourceIP       string `json:"sourceIp,omitempty"`
}

// ProcessingJob is the durable unit of work for one DICOM instance
type ProcessingJob struct {
	ID             string     `json:"id"`
	SOPInstanceUID string     `json:"sopInstanceUID"`
	Priority       Priority   `json:"priority"`
	State          JobState   `json:"state"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"maxAttempts"`
	Payload        JobPayload `json:"payload"`
	LastError      string     `json:"lastError,omitempty"`

	// Tracing
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`

	// Timestamps
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	RunAt      time.Time  `json:"runAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// AttemptsRemaining reports how many more times the job may run
func (j *ProcessingJob) AttemptsRemaining() int {
	if j.Attempts >= j.MaxAttempts {
		return 0
	}
	return j.MaxAttempts - j.Attempts
}

// Clone returns a copy that can be handed to another goroutine
func (j *ProcessingJob) Clone() *ProcessingJob {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
