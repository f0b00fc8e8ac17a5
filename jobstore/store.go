package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/meshforge/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyExists = errors.New("job already exists")
	ErrStoreClosed   = errors.New("job store is closed")
	ErrConflict      = errors.New("job was modified concurrently")
)

// StoreType selects a backend.
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeRedis    StoreType = "redis"
	StoreTypeDatabase StoreType = "database"
	StoreTypeMongo    StoreType = "mongo"
)

// Store is the job record store. It is the single source of truth for job
// state; every backend stamps UpdatedAt on Create and Update and rejects
// status moves that the job state machine does not allow.
type Store interface {
	// Create inserts a new job, returning ErrAlreadyExists on id collision.
	Create(ctx context.Context, job *types.Job) error

	// Get returns a copy of the job or ErrNotFound.
	Get(ctx context.Context, id string) (*types.Job, error)

	// Update replaces the stored job. job.UpdatedAt is set to the write time.
	Update(ctx context.Context, job *types.Job) error

	// ListStale returns pending or processing jobs last updated before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*types.Job, error)

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources owned by the store.
	Close() error
}

// Option customizes a store.
type Option func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) { o.now = now }
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// checkWrite validates a job before it is persisted.
func checkWrite(job *types.Job) error {
	if job == nil {
		return types.NewError(types.ErrInvalidInput, "job is nil")
	}
	return job.Validate()
}

// checkTransition rejects backward or sideways status moves.
func checkTransition(prev, next types.JobStatus) error {
	if prev == next || prev.CanTransitionTo(next) {
		if prev == next && prev.IsTerminal() {
			return types.Errorf(types.ErrInvalidTransition, "job is already %s", prev)
		}
		return nil
	}
	return types.Errorf(types.ErrInvalidTransition, "cannot move job from %s to %s", prev, next)
}

// stamp sets timestamps for a write at now.
func stamp(job *types.Job, now time.Time, create bool) {
	now = now.UTC()
	if create && job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
}

// staleStatuses are the non-terminal states the reaper looks at.
var staleStatuses = []types.JobStatus{types.JobStatusPending, types.JobStatusProcessing}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
