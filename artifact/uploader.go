package artifact

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/internal/metrics"
	"github.com/BaSui01/meshforge/types"
)

// =============================================================================
// 🔁 带重试的上传器
// =============================================================================

// UploaderConfig controls the fixed-delay retry policy.
type UploaderConfig struct {
	Attempts   int
	RetryDelay time.Duration
	// AttemptTimeout bounds each Put. Zero means no per-attempt bound.
	AttemptTimeout time.Duration
}

// UploaderConfigFrom maps the storage section onto an uploader config.
func UploaderConfigFrom(cfg config.StorageConfig) UploaderConfig {
	return UploaderConfig{
		Attempts:       cfg.UploadAttempts,
		RetryDelay:     cfg.UploadRetryDelay,
		AttemptTimeout: cfg.UploadTimeout,
	}
}

// Uploader retries Store.Put with a fixed delay between attempts.
type Uploader struct {
	store   Store
	cfg     UploaderConfig
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewUploader wraps store. collector may be nil.
func NewUploader(store Store, cfg UploaderConfig, collector *metrics.Collector, logger *zap.Logger) *Uploader {
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		store:   store,
		cfg:     cfg,
		metrics: collector,
		logger:  logger.With(zap.String("component", "uploader"), zap.String("store", store.Name())),
	}
}

// Store returns the wrapped backend.
func (u *Uploader) Store() Store { return u.store }

// Upload puts data under <jobID>/<kind>/<filename>. After the last failed
// attempt it returns UPLOAD_ERROR wrapping the final cause; a cancelled ctx
// returns CANCELLED.
func (u *Uploader) Upload(ctx context.Context, jobID string, kind Kind, filename string, data []byte, contentType string) (string, error) {
	key := ObjectKey(jobID, kind, filename)

	var lastErr error
	for attempt := 1; attempt <= u.cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", types.NewError(types.ErrCancelled, "upload cancelled").WithCause(err)
		}

		url, err := u.put(ctx, key, data, contentType)
		if u.metrics != nil {
			u.metrics.RecordUploadAttempt(string(kind), err)
		}
		if err == nil {
			return url, nil
		}
		lastErr = err

		u.logger.Warn("upload attempt failed",
			zap.String("job_id", jobID),
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", u.cfg.Attempts),
			zap.Error(err))

		if attempt == u.cfg.Attempts {
			break
		}
		if err := sleep(ctx, u.cfg.RetryDelay); err != nil {
			return "", types.NewError(types.ErrCancelled, "upload cancelled").WithCause(err)
		}
	}

	return "", types.Errorf(types.ErrUploadError, "upload of %s failed after %d attempts", filename, u.cfg.Attempts).
		WithCause(lastErr).
		WithRetryable(false)
}

func (u *Uploader) put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if u.cfg.AttemptTimeout <= 0 {
		return u.store.Put(ctx, key, data, contentType)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, u.cfg.AttemptTimeout)
	defer cancel()
	return u.store.Put(attemptCtx, key, data, contentType)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
