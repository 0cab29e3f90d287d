package models

import (
	"time"
)

// StoreEventPayload is the JSON body the archive posts when an instance is stored
type StoreEventPayload struct {
	InstanceID       string `json:"instanceId" validate:"required"`
	StudyUID         string `json:"studyUID"`
	SeriesUID        string `json:"seriesUID"`
	SOPInstanceUID   string `json:"sopInstanceUID" validate:"required"`
	PatientID        string `json:"patientId"`
	PatientName      string `json:"patientName"`
	PatientBirthDate string `json:"patientBirthDate"`
	Modality         string `json:"modality" validate:"required,max=16"`
	Timestamp        string `json:"timestamp"`
}

// WebhookEvent represents one authenticated-or-not inbound notification.
// It only lives for the duration of validation and enqueue.
type WebhookEvent struct {
	Payload StoreEventPayload

	// Raw payload as received, used for signature verification
	RawPayload []byte

	// Authentication headers
	Signature string
	Timestamp string
	Nonce     string

	SourceIP   string
	RequestID  string
	ReceivedAt time.Time
}
