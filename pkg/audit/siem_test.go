package audit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() Event {
	return Event{
		Timestamp:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		CorrelationID: "corr-1",
		EventType:     "webhook.security.replay_attack",
		Severity:      SeverityCritical,
		Service:       "dicom-bridge",
		Host:          "node-1",
		Details:       map[string]interface{}{"source_ip": "10.0.0.5", "note": "a=b|c"},
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		format   string
		prefix   string
		contains []string
	}{
		{FormatJSON, `{"timestamp"`, []string{`"eventType":"webhook.security.replay_attack"`, `"severity":"critical"`}},
		{FormatCEF, "CEF:0|SecureBridge|dicom-bridge|1.0|webhook.security.replay_attack|", []string{"|10|", "cs1=corr-1", `a\=b|c`}},
		{FormatLEEF, "LEEF:2.0|SecureBridge|dicom-bridge|1.0|webhook.security.replay_attack|^|", []string{"sev=10", "correlationId=corr-1"}},
		{FormatSyslog, "<106>1 2026-03-01T10:00:00Z node-1 dicom-bridge - webhook.security.replay_attack", []string{`correlationId="corr-1"`, `severity="critical"`}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			line, err := FormatEvent(tt.format, sampleEvent(), "node-1")
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(line, tt.prefix), line)
			for _, c := range tt.contains {
				assert.Contains(t, line, c)
			}
			assert.NotContains(t, line, "\n")
		})
	}

	_, err := FormatEvent("xml", sampleEvent(), "node-1")
	assert.Error(t, err)
}

func TestSIEMForwarder_Send(t *testing.T) {
	var bodies []string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f, err := NewSIEMForwarder(SIEMOptions{
		Endpoint:      srv.URL,
		Format:        FormatCEF,
		Token:         func(context.Context) (string, error) { return "siem-token", nil },
		RatePerSecond: 2,
		Host:          "node-1",
	})
	require.NoError(t, err)

	events := []Event{sampleEvent(), sampleEvent(), sampleEvent()}
	require.NoError(t, f.Send(context.Background(), events))

	// burst of 2 splits three events into two posts
	require.Len(t, bodies, 2)
	assert.Equal(t, 2, strings.Count(bodies[0], "CEF:0"))
	assert.Equal(t, 1, strings.Count(bodies[1], "CEF:0"))
	assert.Equal(t, "Bearer siem-token", auth)
}

func TestSIEMForwarder_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, err := NewSIEMForwarder(SIEMOptions{Endpoint: srv.URL, Format: FormatJSON})
	require.NoError(t, err)

	err = f.Send(context.Background(), []Event{sampleEvent()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNewSIEMForwarder_Validation(t *testing.T) {
	_, err := NewSIEMForwarder(SIEMOptions{Endpoint: "http://x", Format: "xml"})
	assert.Error(t, err)

	_, err = NewSIEMForwarder(SIEMOptions{Format: FormatJSON})
	assert.Error(t, err)
}
