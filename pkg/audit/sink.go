package audit

import (
	"context"
	"time"

	"github.com/securebridge/dicom-bridge/pkg/metrics"
)

// Sink receives events in real time, e.g. a SIEM endpoint
type Sink interface {
	Name() string
	Send(ctx context.Context, events []Event) error
}

type route struct {
	sink    Sink
	min     Severity
	events  chan Event
	timeout time.Duration
}

// Route streams every event at or above min to sink. Delivery is best-effort:
// when the buffer is full the event is dropped and counted, and the file
// record remains the source of truth. The route stops when ctx is done.
func (w *Writer) Route(ctx context.Context, sink Sink, min Severity, buffer int) {
	if buffer <= 0 {
		buffer = 256
	}
	r := &route{
		sink:    sink,
		min:     min,
		events:  make(chan Event, buffer),
		timeout: 10 * time.Second,
	}

	w.routesMu.Lock()
	w.routes = append(w.routes, r)
	w.routesMu.Unlock()

	go w.runRoute(ctx, r)
}

func (w *Writer) dispatch(event Event) {
	w.routesMu.RLock()
	defer w.routesMu.RUnlock()

	for _, r := range w.routes {
		if !event.Severity.AtLeast(r.min) {
			continue
		}
		select {
		case r.events <- event:
		default:
			metrics.RecordAuditSinkDrop(r.sink.Name())
		}
	}
}

func (w *Writer) runRoute(ctx context.Context, r *route) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.events:
			sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
			if err := r.sink.Send(sendCtx, []Event{event}); err != nil {
				w.logger.WithError(err).WithFields(map[string]interface{}{
					"sink":       r.sink.Name(),
					"event_type": event.EventType,
				}).Warn("Failed to deliver audit event to sink")
			}
			cancel()
		}
	}
}
