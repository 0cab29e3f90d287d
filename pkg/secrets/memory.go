package secrets

import (
	"context"
	"sync"
)

// MemoryBackend keeps bundles in process memory. Used in tests and local
// development.
type MemoryBackend struct {
	mu     sync.RWMutex
	data   map[string]map[string]string
	getErr error
	putErr error
	gets   int
}

// NewMemoryBackend creates a backend seeded with initial
func NewMemoryBackend(initial map[string]map[string]string) *MemoryBackend {
	b := &MemoryBackend{data: make(map[string]map[string]string)}
	for path, bundle := range initial {
		b.data[path] = copyMap(bundle)
	}
	return b
}

func (b *MemoryBackend) Name() string {
	return "memory"
}

func (b *MemoryBackend) Get(ctx context.Context, path string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if b.getErr != nil {
		return nil, b.getErr
	}
	bundle, ok := b.data[path]
	if !ok {
		return nil, &NotFoundError{Backend: b.Name(), Path: path}
	}
	return copyMap(bundle), nil
}

func (b *MemoryBackend) Put(ctx context.Context, path string, data map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return b.putErr
	}
	b.data[path] = copyMap(data)
	return nil
}

func (b *MemoryBackend) TestConnection(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.getErr
}

// FailWith makes subsequent reads and connection tests return err; nil clears it
func (b *MemoryBackend) FailWith(err error) {
	b.mu.Lock()
	b.getErr = err
	b.mu.Unlock()
}

// FailWritesWith makes subsequent writes return err; nil clears it
func (b *MemoryBackend) FailWritesWith(err error) {
	b.mu.Lock()
	b.putErr = err
	b.mu.Unlock()
}

// Reads returns how many Get calls reached the backend
func (b *MemoryBackend) Reads() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gets
}
