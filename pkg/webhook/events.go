package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/auth"
	"github.com/securebridge/dicom-bridge/pkg/logging"
	"github.com/securebridge/dicom-bridge/pkg/metrics"
)

// Response bodies
const (
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"

	errPayloadTooLarge = "payload_too_large"
	errInternal        = "internal_error"
)

// StoreEventResponse is returned for an accepted store event
type StoreEventResponse struct {
	Status string `json:"status"`
	JobID  string `json:"jobId"`
}

// storeEventHandler authenticates, parses and enqueues a store event.
// Patient fields in the body are never copied into the job.
func (s *Server) storeEventHandler(format string) http.HandlerFunc {
	parser, err := s.parsers.Get(format)
	if err != nil {
		panic(err)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := w.Header().Get(HeaderRequestID)
		sourceIP := auth.ClientIP(r, s.opts.TrustProxy)
		event := &models.WebhookEvent{
			Signature:  r.Header.Get(HeaderSignature),
			Timestamp:  r.Header.Get(HeaderTimestamp),
			Nonce:      r.Header.Get(HeaderNonce),
			SourceIP:   sourceIP,
			RequestID:  requestID,
			ReceivedAt: time.Now().UTC(),
		}
		logger := logging.LogWithRequestID(s.logger, requestID).WithFields(logrus.Fields{
			"source_ip": sourceIP,
			"format":    format,
		})

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				metrics.RecordValidationFailure(errPayloadTooLarge)
				s.audit(ctx, "webhook.security.payload_too_large", map[string]interface{}{
					"source_ip": sourceIP,
					"limit":     tooLarge.Limit,
				})
				writeError(w, http.StatusRequestEntityTooLarge, errPayloadTooLarge)
				return
			}
			logger.WithError(err).Warn("Failed to read request body")
			writeError(w, http.StatusBadRequest, string(auth.ReasonInvalidPayload))
			return
		}
		event.RawPayload = body

		result := s.opts.Authenticator.Validate(ctx, body, event.Signature, event.Timestamp, event.Nonce, sourceIP)
		if !result.Valid {
			writeError(w, result.Reason.HTTPStatus(), string(result.Reason))
			return
		}

		payload, err := parser.Parse(body)
		if err != nil {
			metrics.RecordValidationFailure(string(auth.ReasonInvalidPayload))
			logger.WithError(err).Warn("Rejected store event payload")
			s.audit(ctx, "webhook.invalid_payload", map[string]interface{}{
				"source_ip": sourceIP,
				"error":     err.Error(),
			})
			writeError(w, http.StatusBadRequest, string(auth.ReasonInvalidPayload))
			return
		}
		event.Payload = *payload

		job, duplicate, err := s.opts.Queue.Enqueue(ctx, jobPayload(event), requestID)
		if err != nil {
			metrics.RecordWebhook("error")
			logger.WithError(err).Error("Failed to enqueue store event")
			s.audit(ctx, "webhook.enqueue_failed", map[string]interface{}{
				"sop_instance_uid": payload.SOPInstanceUID,
				"error":            err.Error(),
			})
			writeError(w, http.StatusInternalServerError, errInternal)
			return
		}

		status := StatusQueued
		if duplicate {
			status = StatusDuplicate
		}
		logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"status":   status,
			"degraded": result.Degraded,
		}).Info("Store event accepted")
		writeJSON(w, http.StatusOK, StoreEventResponse{Status: status, JobID: job.ID})
	}
}

// jobPayload copies identifiers only
func jobPayload(e *models.WebhookEvent) models.JobPayload {
	return models.JobPayload{
		InstanceID:     e.Payload.InstanceID,
		StudyUID:       e.Payload.StudyUID,
		SeriesUID:      e.Payload.SeriesUID,
		SOPInstanceUID: e.Payload.SOPInstanceUID,
		Modality:       e.Payload.Modality,
		SourceIP:       e.SourceIP,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

func (s *Server) audit(ctx context.Context, eventType string, details map[string]interface{}) {
	if s.opts.AuditLog != nil {
		s.opts.AuditLog.Log(ctx, eventType, details)
	}
}
