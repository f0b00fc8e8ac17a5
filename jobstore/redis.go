package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/meshforge/types"
)

// maxWatchRetries bounds optimistic-lock retries on Update.
const maxWatchRetries = 3

// RedisStore keeps each job as a JSON string and indexes non-terminal jobs
// in one sorted set per status, scored by UpdatedAt.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	opts      storeOptions
}

// NewRedisStore wraps an existing client. The client is owned by the caller.
func NewRedisStore(client *redis.Client, keyPrefix string, opts ...Option) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "meshforge:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "job:",
		opts:      buildOptions(opts),
	}
}

// jobKey returns the Redis key for a job
func (s *RedisStore) jobKey(id string) string {
	return s.keyPrefix + "data:" + id
}

// statusKey returns the Redis key for a status index
func (s *RedisStore) statusKey(status types.JobStatus) string {
	return s.keyPrefix + "status:" + string(status)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Create inserts a new job with SETNX semantics.
func (s *RedisStore) Create(ctx context.Context, job *types.Job) error {
	if err := checkWrite(job); err != nil {
		return err
	}
	stamp(job, s.opts.now(), true)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return wrapf(err, "create job %s", job.ID)
	}
	if !ok {
		return ErrAlreadyExists
	}

	if !job.IsTerminal() {
		err = s.client.ZAdd(ctx, s.statusKey(job.Status), redis.Z{Score: score(job.UpdatedAt), Member: job.ID}).Err()
	}
	return wrapf(err, "index job %s", job.ID)
}

// Get returns the stored job.
func (s *RedisStore) Get(ctx context.Context, id string) (*types.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapf(err, "get job %s", id)
	}
	return decodeJob(data)
}

// Update replaces the job inside a WATCH transaction so a concurrent writer
// cannot slip a status regression past the transition check.
func (s *RedisStore) Update(ctx context.Context, job *types.Job) error {
	if err := checkWrite(job); err != nil {
		return err
	}
	key := s.jobKey(job.ID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		prev, err := decodeJob(data)
		if err != nil {
			return err
		}
		if err := checkTransition(prev.Status, job.Status); err != nil {
			return err
		}

		job.CreatedAt = prev.CreatedAt
		stamp(job, s.opts.now(), false)
		next, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			if prev.Status != job.Status {
				pipe.ZRem(ctx, s.statusKey(prev.Status), job.ID)
			}
			if !job.IsTerminal() {
				pipe.ZAdd(ctx, s.statusKey(job.Status), redis.Z{Score: score(job.UpdatedAt), Member: job.ID})
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

// ListStale reads the pending and processing indexes up to cutoff.
func (s *RedisStore) ListStale(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	result := make([]*types.Job, 0)
	for _, status := range staleStatuses {
		ids, err := s.client.ZRangeByScore(ctx, s.statusKey(status), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return nil, wrapf(err, "list %s jobs", status)
		}
		for _, id := range ids {
			job, err := s.Get(ctx, id)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if job.Status == status {
				result = append(result, job)
			}
		}
	}
	return result, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}

func decodeJob(data []byte) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
