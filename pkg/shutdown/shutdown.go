// Package shutdown coordinates a graceful stop of the bridge's servers,
// workers and background loops.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/securebridge/dicom-bridge/pkg/logging"
)

// Handler performs cleanup during shutdown
type Handler func(ctx context.Context) error

type namedHandler struct {
	name    string
	handler Handler
}

// Manager runs background loops under a shared context and, on shutdown,
// cancels them and runs cleanup handlers in registration order
type Manager struct {
	logger  *logrus.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	mu           sync.Mutex
	handlers     []namedHandler
	shuttingDown bool
	done         chan struct{}
	err          error
}

// NewManager creates a new shutdown manager
func NewManager(timeout time.Duration, logger *logrus.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Context is cancelled when shutdown begins
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Go runs a background loop that must return once the context is done.
// Shutdown waits for it after the handlers have run.
func (m *Manager) Go(name string, loop func(ctx context.Context)) {
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		loop(m.ctx)
		m.logger.WithField("loop", name).Debug("Background loop stopped")
	}()
}

// RegisterHandler adds a cleanup handler. Handlers run one at a time in
// the order they were registered.
func (m *Manager) RegisterHandler(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, namedHandler{name: name, handler: handler})
}

// WaitForSignal blocks until SIGTERM or SIGINT arrives or fatal yields an
// error, then shuts down. It returns the fatal error, if any, joined with
// shutdown errors.
func (m *Manager) WaitForSignal(fatal <-chan error) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	var cause error
	select {
	case sig := <-sigs:
		logging.LogShutdownInitiated(m.logger, sig.String())
	case cause = <-fatal:
		m.logger.WithError(cause).Error("Fatal component error, shutting down")
	case <-m.done:
		return m.err
	}
	return errors.Join(cause, m.Shutdown())
}

// Shutdown cancels background loops and runs every handler within the
// timeout. Later calls wait for the first one and return its result.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		<-m.done
		return m.err
	}
	m.shuttingDown = true
	handlers := append([]namedHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("Starting graceful shutdown")
	start := time.Now()
	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for _, h := range handlers {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: skipped, shutdown timeout exceeded", h.name))
			continue
		}
		if err := m.run(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}

	loopsDone := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-ctx.Done():
		errs = append(errs, errors.New("background loops did not stop before the shutdown timeout"))
	}

	m.err = errors.Join(errs...)
	if m.err != nil {
		m.logger.WithField("duration", time.Since(start).Seconds()).WithError(m.err).Warn("Shutdown completed with errors")
	} else {
		logging.LogShutdownComplete(m.logger, time.Since(start).Seconds())
	}
	close(m.done)
	return m.err
}

func (m *Manager) run(ctx context.Context, h namedHandler) error {
	m.logger.WithField("handler", h.name).Info("Executing shutdown handler")
	start := time.Now()

	err := h.handler(ctx)

	fields := logrus.Fields{
		"handler":  h.name,
		"duration": time.Since(start).Seconds(),
	}
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Error("Shutdown handler failed")
		return err
	}
	m.logger.WithFields(fields).Info("Shutdown handler completed")
	return nil
}

// IsShuttingDown returns true if shutdown has been initiated
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}
