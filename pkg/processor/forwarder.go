package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/securebridge/dicom-bridge/pkg/metrics"
)

// Forward request headers
const (
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderJobID         = "X-Bridge-Job-ID"

	DefaultForwardTimeout = 60 * time.Second
	DefaultMaxUploadBytes = 512 << 20
)

// KeyFunc returns a credential from the secret store
type KeyFunc func(ctx context.Context) (string, error)

// BreakerSettings tunes the circuit breaker around the upload
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// ForwarderOptions configures a Forwarder
type ForwarderOptions struct {
	URL            string
	Timeout        time.Duration
	MaxUploadBytes int64
	APIKey         KeyFunc
	Breaker        BreakerSettings
	HTTPClient     *http.Client
	Logger         *logrus.Logger
}

// Upload is one anonymized instance bound for the downstream API
type Upload struct {
	JobID         string
	RequestID     string
	CorrelationID string
	Filename      string
	Data          []byte
	Metadata      map[string]string
}

// ForwardResult describes a successful upload
type ForwardResult struct {
	StatusCode int
	Bytes      int
	Duration   time.Duration
}

// Forwarder uploads anonymized instances as multipart requests
type Forwarder struct {
	url        string
	httpClient *http.Client
	apiKey     KeyFunc
	maxBytes   int64
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger
}

// NewForwarder creates a forwarder with its own circuit breaker
func NewForwarder(opts ForwarderOptions) (*Forwarder, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("forward URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultForwardTimeout
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.Breaker.ConsecutiveFailures == 0 {
		opts.Breaker.ConsecutiveFailures = 5
	}
	if opts.Breaker.Timeout <= 0 {
		opts.Breaker.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	// The strict timeout applies even when a client is injected
	client := *httpClient
	client.Timeout = opts.Timeout

	f := &Forwarder{
		url:        opts.URL,
		httpClient: &client,
		apiKey:     opts.APIKey,
		maxBytes:   opts.MaxUploadBytes,
		logger:     opts.Logger,
	}

	threshold := opts.Breaker.ConsecutiveFailures
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "downstream-api",
		MaxRequests: opts.Breaker.MaxRequests,
		Interval:    opts.Breaker.Interval,
		Timeout:     opts.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
			metrics.SetBreakerState(name, int(to))
		},
	})
	return f, nil
}

// State reports the circuit breaker state
func (f *Forwarder) State() string {
	return f.breaker.State().String()
}

// Forward uploads one instance. Breaker-open and non-2xx responses are
// retriable; an oversize upload is not.
func (f *Forwarder) Forward(ctx context.Context, up Upload) (*ForwardResult, error) {
	if int64(len(up.Data)) > f.maxBytes {
		return nil, &UploadTooLargeError{Size: len(up.Data), Limit: f.maxBytes}
	}

	body, contentType, err := buildMultipart(up)
	if err != nil {
		return nil, err
	}

	var apiKey string
	if f.apiKey != nil {
		apiKey, err = f.apiKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load downstream API key: %w", err)
		}
	}

	start := time.Now()
	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.send(ctx, body, contentType, apiKey, up)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.RecordForward(0)
			return nil, fmt.Errorf("downstream circuit breaker %s: %w", f.breaker.State(), err)
		}
		return nil, err
	}

	status := out.(int)
	return &ForwardResult{
		StatusCode: status,
		Bytes:      len(up.Data),
		Duration:   time.Since(start),
	}, nil
}

func (f *Forwarder) send(ctx context.Context, body []byte, contentType, apiKey string, up Upload) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if up.RequestID != "" {
		req.Header.Set(HeaderRequestID, up.RequestID)
	}
	if up.CorrelationID != "" {
		req.Header.Set(HeaderCorrelationID, up.CorrelationID)
	}
	req.Header.Set(HeaderJobID, up.JobID)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		metrics.RecordForward(0)
		return 0, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.RecordForward(resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &ForwardError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func buildMultipart(up Upload) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename := up.Filename
	if filename == "" {
		filename = up.JobID + ".dcm"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	header.Set("Content-Type", "application/dicom")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write file part: %w", err)
	}

	keys := make([]string, 0, len(up.Metadata))
	for k := range up.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, up.Metadata[k]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
