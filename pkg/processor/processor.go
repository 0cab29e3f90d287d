// Package processor runs one queued instance through verify, fetch, parse,
// anonymize and forward, auditing every stage transition.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/internal/models"
	"github.com/securebridge/dicom-bridge/pkg/archive"
	"github.com/securebridge/dicom-bridge/pkg/audit"
	"github.com/securebridge/dicom-bridge/pkg/metrics"
)

// Archive is the read side of the imaging archive
type Archive interface {
	GetInstance(ctx context.Context, instanceID string) (*archive.Instance, error)
	FetchFile(ctx context.Context, instanceID string) ([]byte, error)
}

// Uploader sends anonymized instances downstream
type Uploader interface {
	Forward(ctx context.Context, up Upload) (*ForwardResult, error)
}

// Options configures a Processor
type Options struct {
	Archive      Archive
	Uploader     Uploader
	PseudonymKey KeyFunc
	IDPrefix     string
	AuditLog     audit.Logger
	Logger       *logrus.Logger
}

// Processor handles processing jobs
type Processor struct {
	archive  Archive
	uploader Uploader
	key      KeyFunc
	prefix   string
	auditLog audit.Logger
	logger   *logrus.Logger
}

// New creates a Processor
func New(opts Options) (*Processor, error) {
	if opts.Archive == nil {
		return nil, errors.New("processor requires an archive client")
	}
	if opts.Uploader == nil {
		return nil, errors.New("processor requires an uploader")
	}
	if opts.PseudonymKey == nil {
		return nil, errors.New("processor requires a pseudonymization key source")
	}
	if opts.AuditLog == nil {
		return nil, errors.New("processor requires an audit logger")
	}
	if opts.IDPrefix == "" {
		opts.IDPrefix = DefaultIDPrefix
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Processor{
		archive:  opts.Archive,
		uploader: opts.Uploader,
		key:      opts.PseudonymKey,
		prefix:   opts.IDPrefix,
		auditLog: opts.AuditLog,
		logger:   opts.Logger,
	}, nil
}

// Process runs job through every stage. The returned error carries the
// failing stage and whether the job should be retried.
func (p *Processor) Process(ctx context.Context, job *models.ProcessingJob) error {
	if job.CorrelationID != "" {
		ctx = audit.WithCorrelationID(ctx, job.CorrelationID)
	}
	start := time.Now()
	base := map[string]interface{}{
		"job_id":           job.ID,
		"instance_id":      job.Payload.InstanceID,
		"sop_instance_uid": job.SOPInstanceUID,
		"request_id":       job.RequestID,
	}
	logger := p.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"request_id": job.RequestID,
		"attempt":    job.Attempts,
	})

	p.audit(ctx, "processing.started", base, map[string]interface{}{
		"attempt":  job.Attempts,
		"modality": job.Payload.Modality,
	})

	err := p.run(ctx, job, base)
	elapsed := time.Since(start)
	if err != nil {
		var se *StageError
		stage := ""
		permanent := false
		if errors.As(err, &se) {
			stage = string(se.Stage)
			permanent = se.Permanent
		}
		logger.WithError(err).WithField("stage", stage).Warn("Instance processing failed")
		p.audit(ctx, "processing.failed", base, map[string]interface{}{
			"stage":       stage,
			"error":       err.Error(),
			"permanent":   permanent,
			"duration_ms": elapsed.Milliseconds(),
		})
		return err
	}

	logger.WithField("duration_ms", elapsed.Milliseconds()).Info("Instance processed")
	p.audit(ctx, "processing.completed", base, map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
	})
	return nil
}

func (p *Processor) run(ctx context.Context, job *models.ProcessingJob, base map[string]interface{}) error {
	instanceID := job.Payload.InstanceID

	// Verify
	stageStart := time.Now()
	if _, err := p.archive.GetInstance(ctx, instanceID); err != nil {
		p.recordStage(StageVerify, stageStart, err)
		if archive.IsNotFound(err) {
			p.audit(ctx, "processing.instance_missing", base, nil)
			return permanentStage(StageVerify, err)
		}
		return p.archiveStageError(StageVerify, err)
	}
	p.recordStage(StageVerify, stageStart, nil)

	// Fetch
	stageStart = time.Now()
	original, err := p.archive.FetchFile(ctx, instanceID)
	p.recordStage(StageFetch, stageStart, err)
	if err != nil {
		if archive.IsNotFound(err) {
			p.audit(ctx, "processing.instance_missing", base, nil)
		}
		return p.archiveStageError(StageFetch, err)
	}
	p.audit(ctx, "processing.file_retrieved", base, map[string]interface{}{
		"size_bytes": len(original),
	})

	// Parse
	stageStart = time.Now()
	ds, meta, err := ParseInstance(original)
	if err == nil && meta.SOPInstanceUID != job.SOPInstanceUID {
		err = fmt.Errorf("%w: archive returned %s", ErrUIDMismatch, meta.SOPInstanceUID)
	}
	p.recordStage(StageParse, stageStart, err)
	if err != nil {
		p.audit(ctx, "processing.parse_failed", base, map[string]interface{}{
			"error": err.Error(),
		})
		return permanentStage(StageParse, err)
	}
	p.audit(ctx, "processing.metadata_parsed", base, map[string]interface{}{
		"modality":        meta.Modality,
		"study_uid":       meta.StudyUID,
		"series_uid":      meta.SeriesUID,
		"sop_class_uid":   meta.SOPClassUID,
		"transfer_syntax": meta.TransferSyntax,
	})

	// Anonymize
	stageStart = time.Now()
	key, err := p.key(ctx)
	if err != nil {
		p.recordStage(StageAnonymize, stageStart, err)
		p.audit(ctx, "processing.anonymization_failed", base, map[string]interface{}{
			"error": "pseudonymization key unavailable",
		})
		return retriableStage(StageAnonymize, fmt.Errorf("pseudonymization key unavailable: %w", err))
	}
	result, err := Anonymize(ds, []byte(key), p.prefix)
	var anonymized []byte
	if err == nil {
		anonymized, err = EncodeInstance(ds)
	}
	p.recordStage(StageAnonymize, stageStart, err)
	if err != nil {
		p.audit(ctx, "processing.anonymization_failed", base, map[string]interface{}{
			"error": err.Error(),
		})
		return permanentStage(StageAnonymize, err)
	}
	p.audit(ctx, "processing.anonymization_completed", base, map[string]interface{}{
		"pseudonym":    result.Pseudonym,
		"blanked_tags": result.Blanked,
		"size_bytes":   len(anonymized),
	})

	// Forward
	stageStart = time.Now()
	res, err := p.uploader.Forward(ctx, Upload{
		JobID:         job.ID,
		RequestID:     job.RequestID,
		CorrelationID: audit.CorrelationIDFromContext(ctx),
		Filename:      meta.SOPInstanceUID + ".dcm",
		Data:          anonymized,
		Metadata: map[string]string{
			"jobId":          job.ID,
			"sopInstanceUID": meta.SOPInstanceUID,
			"studyUID":       meta.StudyUID,
			"seriesUID":      meta.SeriesUID,
			"modality":       meta.Modality,
			"pseudonym":      result.Pseudonym,
		},
	})
	p.recordStage(StageForward, stageStart, err)
	if err != nil {
		var tooLarge *UploadTooLargeError
		permanent := errors.As(err, &tooLarge)
		p.audit(ctx, "processing.forwarding_failed", base, map[string]interface{}{
			"error":     err.Error(),
			"permanent": permanent,
		})
		if permanent {
			return permanentStage(StageForward, err)
		}
		return retriableStage(StageForward, err)
	}
	p.audit(ctx, "processing.forwarded_to_api", base, map[string]interface{}{
		"status_code": res.StatusCode,
		"size_bytes":  res.Bytes,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return nil
}

func (p *Processor) archiveStageError(stage Stage, err error) error {
	var classified interface{ Retriable() bool }
	if errors.As(err, &classified) && !classified.Retriable() {
		return permanentStage(stage, err)
	}
	// Unclassified failures such as a credential store outage are retried
	return retriableStage(stage, err)
}

func (p *Processor) recordStage(stage Stage, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.RecordStage(string(stage), result, time.Since(start).Seconds())
}

func (p *Processor) audit(ctx context.Context, eventType string, base, extra map[string]interface{}) {
	details := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		details[k] = v
	}
	for k, v := range extra {
		details[k] = v
	}
	p.auditLog.Log(ctx, eventType, details)
}
