package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/pkg/redact"
)

// LogLevel represents logging levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ServiceName is attached to every log line
const ServiceName = "dicom-bridge"

// NewLogger creates and configures a new structured logger
func NewLogger(level LogLevel) *logrus.Logger {
	return NewLoggerTo(os.Stdout, level)
}

// NewLoggerTo creates a logger writing to out
func NewLoggerTo(out io.Writer, level LogLevel) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	// Use JSON formatter for structured logging
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	logger.SetLevel(parseLogLevel(level))
	logger.AddHook(NewRedactionHook(redact.New()))
	logger.AddHook(&serviceHook{service: ServiceName})

	return logger
}

// parseLogLevel converts string log level to logrus.Level
func parseLogLevel(level LogLevel) logrus.Level {
	switch level {
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelInfo:
		return logrus.InfoLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// RedactionHook replaces PHI and secret fields before an entry is formatted
type RedactionHook struct {
	redactor *redact.Redactor
}

// NewRedactionHook creates a hook backed by the given redactor
func NewRedactionHook(r *redact.Redactor) *RedactionHook {
	return &RedactionHook{redactor: r}
}

// Levels returns all levels
func (h *RedactionHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire redacts entry fields in place
func (h *RedactionHook) Fire(entry *logrus.Entry) error {
	for k, v := range entry.Data {
		if k == logrus.ErrorKey {
			continue
		}
		if h.redactor.IsSensitive(k) {
			entry.Data[k] = redact.Placeholder
			continue
		}
		entry.Data[k] = h.redactor.Value(v)
	}
	return nil
}

type serviceHook struct {
	service string
}

func (h *serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = h.service
	}
	return nil
}

// LogStartup logs service startup information
func LogStartup(logger *logrus.Logger, version, port string) {
	logger.WithFields(logrus.Fields{
		"event":   "startup",
		"version": version,
		"port":    port,
	}).Info("Secure DICOM bridge starting")
}

// LogConfigurationLoaded logs successful configuration loading
func LogConfigurationLoaded(logger *logrus.Logger, configPath string, certificates int) {
	logger.WithFields(logrus.Fields{
		"event":        "configuration_loaded",
		"config_path":  configPath,
		"certificates": certificates,
	}).Info("Configuration loaded successfully")
}

// LogShutdownInitiated logs when shutdown is initiated
func LogShutdownInitiated(logger *logrus.Logger, signal string) {
	logger.WithFields(logrus.Fields{
		"event":  "shutdown_initiated",
		"signal": signal,
	}).Warn("Shutdown initiated")
}

// LogShutdownComplete logs when shutdown completes
func LogShutdownComplete(logger *logrus.Logger, duration float64) {
	logger.WithFields(logrus.Fields{
		"event":            "shutdown_complete",
		"duration_seconds": duration,
	}).Info("Shutdown complete")
}

// LogError logs an error with context
func LogError(logger *logrus.Logger, err error, context string, fields map[string]interface{}) {
	logFields := logrus.Fields{
		"error":   err.Error(),
		"context": context,
	}

	for k, v := range fields {
		logFields[k] = v
	}

	logger.WithFields(logFields).Error("Error occurred")
}

// LogWithRequestID returns a logger with request ID field
func LogWithRequestID(logger *logrus.Logger, requestID string) *logrus.Entry {
	return logger.WithField("request_id", requestID)
}
