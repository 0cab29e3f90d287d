package secrets

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
)

type cacheEntry struct {
	enclave   *memguard.Enclave
	expiresAt time.Time
}

// secretCache holds bundles sealed in memguard enclaves so plaintext only
// exists in locked memory while a caller is reading it
type secretCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time

	// generations change on every invalidate/clear; a read that started
	// under an older generation must not repopulate the entry
	generations map[string]uint64
	epoch       uint64
}

type generation struct {
	epoch uint64
	path  uint64
}

func newSecretCache(ttl time.Duration) *secretCache {
	return &secretCache{
		entries:     make(map[string]*cacheEntry),
		ttl:         ttl,
		now:         time.Now,
		generations: make(map[string]uint64),
	}
}

func (c *secretCache) get(path string) (map[string]string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[path]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}

	buf, err := entry.enclave.Open()
	if err != nil {
		return nil, false
	}
	defer buf.Destroy()

	var data map[string]string
	if err := json.Unmarshal(buf.Bytes(), &data); err != nil {
		return nil, false
	}
	return data, true
}

func (c *secretCache) generation(path string) generation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return generation{epoch: c.epoch, path: c.generations[path]}
}

// set stores data only when path has not been invalidated since gen
// was taken. It reports whether the entry was stored.
func (c *secretCache) set(path string, data map[string]string, gen generation) (bool, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("failed to encode secret for cache: %w", err)
	}

	// NewEnclave wipes raw
	enclave := memguard.NewEnclave(raw)
	if enclave == nil {
		return false, fmt.Errorf("failed to seal secret for cache")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != gen.epoch || c.generations[path] != gen.path {
		return false, nil
	}
	c.entries[path] = &cacheEntry{enclave: enclave, expiresAt: c.now().Add(c.ttl)}
	return true, nil
}

func (c *secretCache) invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.generations[path]++
	c.mu.Unlock()
}

func (c *secretCache) clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]*cacheEntry)
	c.epoch++
	return n
}

func (c *secretCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
