package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/types"
)

// PollerConfig controls the polling cadence.
type PollerConfig struct {
	Interval      time.Duration
	MaxAttempts   int
	MaxBackoff    time.Duration
	BackoffFactor float64
}

// PollerConfigFrom maps the poller config section.
func PollerConfigFrom(cfg config.PollerConfig) PollerConfig {
	return PollerConfig{
		Interval:      cfg.Interval,
		MaxAttempts:   cfg.MaxAttempts,
		MaxBackoff:    cfg.MaxBackoff,
		BackoffFactor: cfg.BackoffFactor,
	}
}

// Update is reported after every successful fetch.
type Update struct {
	Attempt  int
	Status   types.JobStatus
	Progress int
	Job      *types.Job
}

// ProgressFunc receives poll updates.
type ProgressFunc func(Update)

// =============================================================================
// ⏱️ 客户端轮询器
// =============================================================================

// Poller observes a job until it reaches a terminal status.
type Poller struct {
	fetcher StatusFetcher
	cfg     PollerConfig
	logger  *zap.Logger
}

// NewPoller creates a Poller. Zero config fields take the defaults
// (5s, 60 attempts, 30s max backoff, factor 1.5).
func NewPoller(fetcher StatusFetcher, cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1.5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "poller")),
	}
}

// Poll fetches the job every Interval until it is completed or failed, which
// returns the snapshot with a nil error. Fetch errors back off as
// min(Interval * factor^k, MaxBackoff) and count against MaxAttempts.
// Cancellation returns CANCELLED and a ctx deadline or an exhausted budget
// returns TIMEOUT. An already-done ctx makes no request.
func (p *Poller) Poll(ctx context.Context, jobID string, onProgress ProgressFunc) (*types.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}

	logger := p.logger.With(zap.String("job_id", jobID))
	var (
		tracker  ProgressTracker
		failures int
		lastErr  error
	)

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		wait := p.cfg.Interval

		job, err := p.fetcher.FetchJob(ctx, jobID)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, contextError(ctxErr)
			}
			failures++
			lastErr = err
			wait = Backoff(p.cfg.Interval, p.cfg.BackoffFactor, p.cfg.MaxBackoff, failures)
			logger.Warn("status fetch failed",
				zap.Int("attempt", attempt),
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", wait),
				zap.Error(err))

		default:
			failures = 0
			progress := tracker.Observe(job.Status)
			if onProgress != nil {
				onProgress(Update{Attempt: attempt, Status: job.Status, Progress: progress, Job: job})
			}
			if job.IsTerminal() {
				return job, nil
			}
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, contextError(err)
		}
	}

	timeout := types.NewTimeoutError(fmt.Sprintf("job %s did not finish after %d attempts", jobID, p.cfg.MaxAttempts))
	if lastErr != nil && failures > 0 {
		timeout = timeout.WithCause(lastErr)
	}
	return nil, timeout
}

func contextError(err error) *types.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError("polling deadline exceeded").WithCause(err)
	}
	return types.NewError(types.ErrCancelled, "polling cancelled").WithCause(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
