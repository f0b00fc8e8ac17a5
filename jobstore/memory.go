package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/meshforge/types"
)

// MemoryStore is an in-memory Store. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	jobs   map[string]*types.Job
	closed bool
	opts   storeOptions
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*types.Job),
		opts: buildOptions(opts),
	}
}

// Create inserts a new job.
func (s *MemoryStore) Create(ctx context.Context, job *types.Job) error {
	if err := checkWrite(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}

	stamp(job, s.opts.now(), true)
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns a copy of the stored job.
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// Update replaces the stored job.
func (s *MemoryStore) Update(ctx context.Context, job *types.Job) error {
	if err := checkWrite(job); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	prev, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(prev.Status, job.Status); err != nil {
		return err
	}

	job.CreatedAt = prev.CreatedAt
	stamp(job, s.opts.now(), false)
	s.jobs[job.ID] = job.Clone()
	return nil
}

// ListStale returns non-terminal jobs last updated before cutoff, oldest first.
func (s *MemoryStore) ListStale(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*types.Job, 0)
	for _, job := range s.jobs {
		if !job.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			result = append(result, job.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return result, nil
}

// Len returns the number of stored jobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Ping checks if the store is open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
