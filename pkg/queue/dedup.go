package queue

import (
	"sync"
)

// DedupIndex maps SOP Instance UIDs to the job currently handling them.
// Callers serialize Reserve with the job insert so the check and the write
// are one step.
type DedupIndex struct {
	mu        sync.RWMutex
	bySOP     map[string]string
	hitCount  int64
	missCount int64
}

// NewDedupIndex creates an empty index
func NewDedupIndex() *DedupIndex {
	return &DedupIndex{bySOP: make(map[string]string)}
}

// Reserve claims sop for id. If another job already holds it, that job's
// id is returned and reserved is false.
func (d *DedupIndex) Reserve(sop, id string) (existing string, reserved bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.bySOP[sop]; ok {
		d.hitCount++
		return current, false
	}
	d.bySOP[sop] = id
	d.missCount++
	return id, true
}

// Lookup returns the job holding sop
func (d *DedupIndex) Lookup(sop string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.bySOP[sop]
	return id, ok
}

// Release frees sop if it is still held by id
func (d *DedupIndex) Release(sop, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bySOP[sop] == id {
		delete(d.bySOP, sop)
	}
}

// Stats returns index statistics
func (d *DedupIndex) Stats() DedupStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	total := d.hitCount + d.missCount
	var hitRate float64
	if total > 0 {
		hitRate = float64(d.hitCount) / float64(total) * 100
	}

	return DedupStats{
		Size:    len(d.bySOP),
		Hits:    d.hitCount,
		Misses:  d.missCount,
		HitRate: hitRate,
	}
}

// DedupStats represents deduplication statistics
type DedupStats struct {
	Size    int
	Hits    int64
	Misses  int64
	HitRate float64 // Percentage
}
