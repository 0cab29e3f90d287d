package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/securebridge/dicom-bridge/pkg/redact"
)

// Recorder is an in-memory Logger. It applies the same redaction and
// severity rules as Writer and is used by the one-shot CLI commands and by
// tests that assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Log(ctx context.Context, eventType string, details map[string]interface{}) string {
	correlationID := CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	event := Event{
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		EventType:     eventType,
		Severity:      SeverityFor(eventType),
		Service:       "dicom-bridge",
		Details:       redact.Map(details),
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return correlationID
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Types lists recorded event types in order
func (r *Recorder) Types() []string {
	events := r.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}
