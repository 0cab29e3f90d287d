package processor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func staticKey(key string) KeyFunc {
	return func(ctx context.Context) (string, error) { return key, nil }
}

func newTestForwarder(t *testing.T, url string, opts ForwarderOptions) *Forwarder {
	t.Helper()
	opts.URL = url
	if opts.APIKey == nil {
		opts.APIKey = staticKey("downstream-key")
	}
	opts.Logger = quietLogger()
	f, err := NewForwarder(opts)
	require.NoError(t, err)
	return f
}

func TestForwarder_Upload(t *testing.T) {
	var got struct {
		auth, requestID, correlationID, jobID string
		file                                  []byte
		fileType                              string
		sop, modality                         string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.auth = r.Header.Get("Authorization")
		got.requestID = r.Header.Get(HeaderRequestID)
		got.correlationID = r.Header.Get(HeaderCorrelationID)
		got.jobID = r.Header.Get(HeaderJobID)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		got.file, _ = io.ReadAll(file)
		got.fileType = header.Header.Get("Content-Type")
		got.sop = r.FormValue("sopInstanceUID")
		got.modality = r.FormValue("modality")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv.URL, ForwarderOptions{})
	res, err := f.Forward(context.Background(), Upload{
		JobID:         "job-1",
		RequestID:     "req-1",
		CorrelationID: "corr-1",
		Data:          []byte("anonymized"),
		Metadata:      map[string]string{"sopInstanceUID": "1.2.3", "modality": "CT"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, len("anonymized"), res.Bytes)
	assert.Equal(t, "Bearer downstream-key", got.auth)
	assert.Equal(t, "req-1", got.requestID)
	assert.Equal(t, "corr-1", got.correlationID)
	assert.Equal(t, "job-1", got.jobID)
	assert.Equal(t, []byte("anonymized"), got.file)
	assert.Equal(t, "application/dicom", got.fileType)
	assert.Equal(t, "1.2.3", got.sop)
	assert.Equal(t, "CT", got.modality)
}

func TestForwarder_NonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv.URL, ForwarderOptions{})
	_, err := f.Forward(context.Background(), Upload{JobID: "job-1", Data: []byte("x")})

	var fwdErr *ForwardError
	require.True(t, errors.As(err, &fwdErr))
	assert.Equal(t, http.StatusServiceUnavailable, fwdErr.StatusCode)
	assert.Equal(t, "model busy", fwdErr.Message)
}

func TestForwarder_BreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv.URL, ForwarderOptions{
		Breaker: BreakerSettings{ConsecutiveFailures: 2, Timeout: time.Minute},
	})

	for i := 0; i < 2; i++ {
		_, err := f.Forward(context.Background(), Upload{JobID: "job", Data: []byte("x")})
		require.Error(t, err)
	}
	assert.Equal(t, "open", f.State())

	_, err := f.Forward(context.Background(), Upload{JobID: "job", Data: []byte("x")})
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "open breaker must not call downstream")
}

func TestForwarder_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("oversize upload should not be sent")
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv.URL, ForwarderOptions{MaxUploadBytes: 4})
	_, err := f.Forward(context.Background(), Upload{JobID: "job", Data: []byte("too large")})

	var tooLarge *UploadTooLargeError
	assert.True(t, errors.As(err, &tooLarge))
}

func TestForwarder_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv.URL, ForwarderOptions{Timeout: 50 * time.Millisecond})
	_, err := f.Forward(context.Background(), Upload{JobID: "job", Data: []byte("x")})
	assert.Error(t, err)
}

func TestForwarder_KeyUnavailable(t *testing.T) {
	f := newTestForwarder(t, "http://127.0.0.1:1", ForwarderOptions{
		APIKey: func(ctx context.Context) (string, error) { return "", errors.New("sealed") },
	})
	_, err := f.Forward(context.Background(), Upload{JobID: "job", Data: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sealed")
}
