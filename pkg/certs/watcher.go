package certs

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const watchDebounce = 500 * time.Millisecond

// Watcher re-checks a certificate when its files change on disk
type Watcher struct {
	manager *Manager
	watcher *fsnotify.Watcher
	files   map[string][]string
	logger  *logrus.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewWatcher watches the directories holding every managed file
func NewWatcher(manager *Manager, logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		manager: manager,
		watcher: fw,
		files:   make(map[string][]string),
		logger:  logger,
		timers:  make(map[string]*time.Timer),
	}

	dirs := make(map[string]bool)
	for _, name := range manager.names {
		spec := manager.entries[name].managed.Spec
		for _, f := range []string{spec.CertFile, spec.KeyFile, spec.CAFile} {
			if f == "" {
				continue
			}
			path := filepath.Clean(f)
			w.files[path] = append(w.files[path], name)
			dirs[filepath.Dir(path)] = true
		}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Run dispatches file events until ctx is done
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			for _, t := range w.timers {
				t.Stop()
			}
			w.mu.Unlock()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			for _, name := range w.files[filepath.Clean(event.Name)] {
				w.schedule(ctx, name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Certificate watcher error")
		}
	}
}

// schedule coalesces bursts of events, such as a cert and key written
// back to back, into a single check
func (w *Watcher) schedule(ctx context.Context, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[name]; ok {
		t.Reset(watchDebounce)
		return
	}
	w.timers[name] = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.logger.WithField("certificate", name).Debug("Certificate files changed, re-checking")
		if _, err := w.manager.CheckOne(ctx, name); err != nil {
			w.logger.WithError(err).WithField("certificate", name).Warn("Re-check after file change failed")
		}
	})
}
