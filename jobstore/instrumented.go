package jobstore

import (
	"context"
	"time"

	"github.com/BaSui01/meshforge/types"
)

// QueryRecorder receives the latency of each store call.
type QueryRecorder interface {
	RecordDBQuery(database, operation string, duration time.Duration)
}

// InstrumentedStore reports per-operation latency for a wrapped Store.
type InstrumentedStore struct {
	Store
	backend  string
	recorder QueryRecorder
}

// Instrument wraps store so every call is recorded under backend. A nil
// recorder returns store unchanged.
func Instrument(store Store, backend string, recorder QueryRecorder) Store {
	if recorder == nil {
		return store
	}
	return &InstrumentedStore{Store: store, backend: backend, recorder: recorder}
}

// Unwrap returns the wrapped store.
func (s *InstrumentedStore) Unwrap() Store { return s.Store }

func (s *InstrumentedStore) observe(op string, start time.Time) {
	s.recorder.RecordDBQuery(s.backend, op, time.Since(start))
}

func (s *InstrumentedStore) Create(ctx context.Context, job *types.Job) error {
	defer s.observe("create", time.Now())
	return s.Store.Create(ctx, job)
}

func (s *InstrumentedStore) Get(ctx context.Context, id string) (*types.Job, error) {
	defer s.observe("get", time.Now())
	return s.Store.Get(ctx, id)
}

func (s *InstrumentedStore) Update(ctx context.Context, job *types.Job) error {
	defer s.observe("update", time.Now())
	return s.Store.Update(ctx, job)
}

func (s *InstrumentedStore) ListStale(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	defer s.observe("list_stale", time.Now())
	return s.Store.ListStale(ctx, cutoff)
}
