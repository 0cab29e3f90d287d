package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/securebridge/dicom-bridge/pkg/metrics"
	"github.com/securebridge/dicom-bridge/pkg/redact"
)

// WriterOptions configures a Writer
type WriterOptions struct {
	Service      string
	Host         string
	RedactFields []string
	Logger       *logrus.Logger
	Clock        func() time.Time
}

// Writer appends redacted events as JSON lines
type Writer struct {
	mu       sync.Mutex
	out      io.Writer
	rotator  *lumberjack.Logger
	redactor *redact.Redactor
	service  string
	host     string
	logger   *logrus.Logger
	now      func() time.Time

	routesMu sync.RWMutex
	routes   []*route
}

// NewFileWriter creates a Writer backed by a size-rotated file in dir.
// Rotated files are kept until the exporter ships them.
func NewFileWriter(dir, fileName string, maxSizeMB int, opts WriterOptions) (*Writer, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename: filepath.Join(dir, fileName),
		MaxSize:  maxSizeMB,
	}

	w := NewWriter(rotator, opts)
	w.rotator = rotator
	return w, nil
}

// NewWriter creates a Writer on an arbitrary stream
func NewWriter(out io.Writer, opts WriterOptions) *Writer {
	if opts.Service == "" {
		opts.Service = "dicom-bridge"
	}
	if opts.Host == "" {
		opts.Host, _ = os.Hostname()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Writer{
		out:      out,
		redactor: redact.New(opts.RedactFields...),
		service:  opts.Service,
		host:     opts.Host,
		logger:   opts.Logger,
		now:      opts.Clock,
	}
}

// Log records one event and returns its correlation ID. Details are always
// redacted before serialization.
func (w *Writer) Log(ctx context.Context, eventType string, details map[string]interface{}) string {
	correlationID := CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	event := Event{
		Timestamp:     w.now().UTC(),
		CorrelationID: correlationID,
		EventType:     eventType,
		Severity:      SeverityFor(eventType),
		Service:       w.service,
		Host:          w.host,
		Details:       w.redactor.Map(details),
	}

	line, err := json.Marshal(event)
	if err != nil {
		w.logger.WithError(err).WithField("event_type", eventType).Error("Failed to encode audit event")
		return correlationID
	}
	line = append(line, '\n')

	w.mu.Lock()
	_, err = w.out.Write(line)
	w.mu.Unlock()
	if err != nil {
		w.logger.WithError(err).WithField("event_type", eventType).Error("Failed to write audit event")
	}

	metrics.RecordAuditEvent(string(event.Severity))
	w.mirror(event)
	w.dispatch(event)

	return correlationID
}

// mirror copies the event into the application log
func (w *Writer) mirror(event Event) {
	entry := w.logger.WithFields(logrus.Fields{
		"audit_event":    event.EventType,
		"correlation_id": event.CorrelationID,
		"severity":       string(event.Severity),
	})
	for k, v := range event.Details {
		entry = entry.WithField(k, v)
	}

	msg := "Audit event"
	switch event.Severity {
	case SeverityCritical, SeverityError:
		entry.Error(msg)
	case SeverityWarning:
		entry.Warn(msg)
	default:
		entry.Debug(msg)
	}
}

// Rotate closes the current file and starts a new one
func (w *Writer) Rotate() error {
	if w.rotator == nil {
		return nil
	}
	return w.rotator.Rotate()
}

// Dir returns the directory holding the active and rotated files
func (w *Writer) Dir() string {
	if w.rotator == nil {
		return ""
	}
	return filepath.Dir(w.rotator.Filename)
}

// BaseName returns the active file name without its extension
func (w *Writer) BaseName() string {
	if w.rotator == nil {
		return ""
	}
	name := filepath.Base(w.rotator.Filename)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Ext returns the active file extension
func (w *Writer) Ext() string {
	if w.rotator == nil {
		return ""
	}
	return filepath.Ext(w.rotator.Filename)
}

// Close flushes and closes the underlying file
func (w *Writer) Close() error {
	if w.rotator == nil {
		return nil
	}
	return w.rotator.Close()
}
