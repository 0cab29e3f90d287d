package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, data []byte) []Event {
	t.Helper()
	var events []Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	return events
}

func TestWriter_LogReturnsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterOptions{Service: "dicom-bridge", Host: "node-1"})

	id := w.Log(context.Background(), "processing.started", map[string]interface{}{"job_id": "j1"})
	require.NotEmpty(t, id)

	events := readEvents(t, buf.Bytes())
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].CorrelationID)
	assert.Equal(t, "processing.started", events[0].EventType)
	assert.Equal(t, SeverityInfo, events[0].Severity)
	assert.Equal(t, "node-1", events[0].Host)
	assert.Equal(t, "j1", events[0].Details["job_id"])
}

func TestWriter_UsesContextCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterOptions{})

	ctx := WithCorrelationID(context.Background(), "corr-1")
	assert.Equal(t, "corr-1", w.Log(ctx, "queue.job_enqueued", nil))
	assert.Equal(t, "corr-1", w.Log(ctx, "processing.started", nil))

	for _, e := range readEvents(t, buf.Bytes()) {
		assert.Equal(t, "corr-1", e.CorrelationID)
	}
}

func TestWriter_RedactionIsTotal(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterOptions{RedactFields: []string{"accessionNumber"}})

	details := map[string]interface{}{
		"patientName": "Doe^John",
		"nested": map[string]interface{}{
			"PATIENTNAME": "Doe^John",
			"deeper": []interface{}{
				map[string]interface{}{"PatientName": "Doe^John", "accession_number": "ACC-9"},
			},
		},
		"modality": "XA",
	}
	w.Log(context.Background(), "webhook.security.validation_success", details)

	assert.NotContains(t, buf.String(), "Doe^John")
	assert.NotContains(t, buf.String(), "ACC-9")
	assert.Contains(t, buf.String(), "XA")

	// caller's map is untouched
	assert.Equal(t, "Doe^John", details["patientName"])
}

func TestWriter_ReplayIsCritical(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, WriterOptions{})

	w.Log(context.Background(), "webhook.security.replay_attack", map[string]interface{}{"nonce": "n1"})

	events := readEvents(t, buf.Bytes())
	require.Len(t, events, 1)
	assert.Equal(t, SeverityCritical, events[0].Severity)
}

func TestWriter_FileRotation(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w, err := NewFileWriter(dir, "audit.log", 10, WriterOptions{Clock: func() time.Time { return fixed }})
	require.NoError(t, err)
	defer w.Close()

	w.Log(context.Background(), "processing.started", nil)
	require.NoError(t, w.Rotate())

	assert.Equal(t, dir, w.Dir())
	assert.Equal(t, "audit", w.BaseName())
	assert.Equal(t, ".log", w.Ext())
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	got    chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, events []Event) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func TestWriter_RouteFiltersBySeverity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf bytes.Buffer
	w := NewWriter(&buf, WriterOptions{})
	sink := &recordingSink{got: make(chan struct{}, 10)}
	w.Route(ctx, sink, SeverityCritical, 10)

	w.Log(ctx, "processing.started", nil)
	w.Log(ctx, "webhook.security.replay_attack", nil)

	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not receive the critical event")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	assert.Equal(t, "webhook.security.replay_attack", sink.events[0].EventType)
}
