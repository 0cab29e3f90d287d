package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Dispatcher fans messages out to notifiers from a buffered channel.
// Send never blocks; a full buffer drops the message. Delivery failures
// are logged and never returned to the caller.
type Dispatcher struct {
	notifiers []Notifier
	ch        chan Message
	logger    *logrus.Logger
	timeout   time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher with the given buffer size
func NewDispatcher(notifiers []Notifier, queueSize int, logger *logrus.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		notifiers: notifiers,
		ch:        make(chan Message, queueSize),
		logger:    logger,
		timeout:   defaultTimeout,
	}
}

// Start launches the delivery goroutine
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Send queues a message for delivery and reports whether it was accepted
func (d *Dispatcher) Send(msg Message) bool {
	if len(d.notifiers) == 0 {
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	select {
	case d.ch <- msg:
		return true
	default:
		d.logger.WithField("title", msg.Title).Warn("Notification queue full, dropping message")
		return false
	}
}

// Stop drains queued messages and waits for delivery to finish
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.ch)
	})
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for msg := range d.ch {
		for _, n := range d.notifiers {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := n.Notify(ctx, msg); err != nil {
				d.logger.WithError(err).WithFields(logrus.Fields{
					"channel": n.Name(),
					"title":   msg.Title,
				}).Warn("Failed to deliver notification")
			}
			cancel()
		}
	}
}
