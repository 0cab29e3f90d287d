package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/securebridge/dicom-bridge/internal/models"
)

// ErrJobNotFound is returned when a job id is unknown or has expired
var ErrJobNotFound = errors.New("job not found")

// Counts is the number of jobs in each state
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Backlog is the work not yet finished
func (c Counts) Backlog() int64 {
	return c.Waiting + c.Delayed + c.Active
}

// Store persists jobs and their state transitions
type Store interface {
	// Add inserts job unless a non-terminal job already exists for the same
	// SOP Instance UID, in which case that job is returned with added=false.
	// The check and the insert are atomic.
	Add(ctx context.Context, job *models.ProcessingJob) (stored *models.ProcessingJob, added bool, err error)

	// Claim promotes due delayed jobs, then moves the best waiting job to
	// active. It returns nil when nothing is runnable.
	Claim(ctx context.Context, now time.Time) (*models.ProcessingJob, error)

	// Complete and Fail record a terminal outcome and release the SOP
	Complete(ctx context.Context, job *models.ProcessingJob) error
	Fail(ctx context.Context, job *models.ProcessingJob) error

	// Retry moves an active job to delayed until job.RunAt
	Retry(ctx context.Context, job *models.ProcessingJob) error

	// RequeueStalled moves active jobs started before cutoff back to waiting
	RequeueStalled(ctx context.Context, cutoff time.Time) ([]*models.ProcessingJob, error)

	Get(ctx context.Context, id string) (*models.ProcessingJob, error)
	FindActive(ctx context.Context, sopInstanceUID string) (*models.ProcessingJob, error)
	Counts(ctx context.Context) (Counts, error)
	Ping(ctx context.Context) error
}

// StoreOptions bounds history kept by a store
type StoreOptions struct {
	CompletedHistory int
	FailedHistory    int
	// Retention is how long terminal job records are kept
	Retention time.Duration
}

func (o *StoreOptions) applyDefaults() {
	if o.CompletedHistory <= 0 {
		o.CompletedHistory = 1000
	}
	if o.FailedHistory <= 0 {
		o.FailedHistory = 5000
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
}

// MemoryStore is a single-process Store for development and tests
type MemoryStore struct {
	mu        sync.Mutex
	opts      StoreOptions
	jobs      map[string]*models.ProcessingJob
	dedup     *DedupIndex
	seq       map[string]uint64
	nextSeq   uint64
	completed []string
	failed    []string
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore(opts StoreOptions) *MemoryStore {
	opts.applyDefaults()
	return &MemoryStore{
		opts:  opts,
		jobs:  make(map[string]*models.ProcessingJob),
		dedup: NewDedupIndex(),
		seq:   make(map[string]uint64),
	}
}

func (s *MemoryStore) Add(ctx context.Context, job *models.ProcessingJob) (*models.ProcessingJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, reserved := s.dedup.Reserve(job.SOPInstanceUID, job.ID)
	if !reserved {
		if current, ok := s.jobs[existing]; ok {
			return current.Clone(), false, nil
		}
		// Stale reservation
		s.dedup.Release(job.SOPInstanceUID, existing)
		s.dedup.Reserve(job.SOPInstanceUID, job.ID)
	}

	stored := job.Clone()
	stored.State = models.JobStateWaiting
	s.jobs[stored.ID] = stored
	s.nextSeq++
	s.seq[stored.ID] = s.nextSeq
	return stored.Clone(), true, nil
}

func (s *MemoryStore) Claim(ctx context.Context, now time.Time) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.ProcessingJob
	for _, job := range s.jobs {
		if job.State == models.JobStateDelayed && !job.RunAt.After(now) {
			job.State = models.JobStateWaiting
		}
		if job.State != models.JobStateWaiting {
			continue
		}
		if best == nil || s.before(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	started := now
	best.State = models.JobStateActive
	best.Attempts++
	best.StartedAt = &started
	best.UpdatedAt = now
	return best.Clone(), nil
}

// before orders by priority, then creation time, then insertion order
func (s *MemoryStore) before(a, b *models.ProcessingJob) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return s.seq[a.ID] < s.seq[b.ID]
}

func (s *MemoryStore) Complete(ctx context.Context, job *models.ProcessingJob) error {
	return s.finish(job, models.JobStateCompleted, &s.completed, s.opts.CompletedHistory)
}

func (s *MemoryStore) Fail(ctx context.Context, job *models.ProcessingJob) error {
	return s.finish(job, models.JobStateFailed, &s.failed, s.opts.FailedHistory)
}

func (s *MemoryStore) finish(job *models.ProcessingJob, state models.JobState, history *[]string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	stored := job.Clone()
	stored.State = state
	s.jobs[job.ID] = stored
	s.dedup.Release(job.SOPInstanceUID, job.ID)

	*history = append([]string{job.ID}, *history...)
	if len(*history) > limit {
		for _, evicted := range (*history)[limit:] {
			delete(s.jobs, evicted)
			delete(s.seq, evicted)
		}
		*history = (*history)[:limit]
	}
	return nil
}

func (s *MemoryStore) Retry(ctx context.Context, job *models.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	stored := job.Clone()
	stored.State = models.JobStateDelayed
	s.jobs[job.ID] = stored
	return nil
}

func (s *MemoryStore) RequeueStalled(ctx context.Context, cutoff time.Time) ([]*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var requeued []*models.ProcessingJob
	for _, job := range s.jobs {
		if job.State != models.JobStateActive || job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		job.State = models.JobStateWaiting
		job.LastError = "stalled"
		requeued = append(requeued, job.Clone())
	}
	sort.Slice(requeued, func(i, j int) bool { return requeued[i].ID < requeued[j].ID })
	return requeued, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) FindActive(ctx context.Context, sopInstanceUID string) (*models.ProcessingJob, error) {
	id, ok := s.dedup.Lookup(sopInstanceUID)
	if !ok {
		return nil, ErrJobNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Counts
	for _, job := range s.jobs {
		switch job.State {
		case models.JobStateWaiting:
			c.Waiting++
		case models.JobStateDelayed:
			c.Delayed++
		case models.JobStateActive:
			c.Active++
		}
	}
	c.Completed = int64(len(s.completed))
	c.Failed = int64(len(s.failed))
	return c, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// DedupStats exposes the SOP index statistics
func (s *MemoryStore) DedupStats() DedupStats {
	return s.dedup.Stats()
}
