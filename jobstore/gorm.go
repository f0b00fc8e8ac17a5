package jobstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/meshforge/internal/database"
	"github.com/BaSui01/meshforge/types"
)

// jobRecord maps the jobs table created by internal/migration.
type jobRecord struct {
	ID                string                  `gorm:"column:id;primaryKey;size:64"`
	Status            string                  `gorm:"column:status;size:16;not null;index:idx_jobs_status_updated_at,priority:1"`
	RequestParameters types.GenerationParams  `gorm:"column:request_parameters;type:text;serializer:json;not null"`
	UploadedImages    []types.UploadedImage   `gorm:"column:uploaded_images;type:text;serializer:json;not null"`
	CompressionStats  []types.CompressionStat `gorm:"column:compression_stats;type:text;serializer:json;not null"`
	PredictionID      string                  `gorm:"column:prediction_id;size:128"`
	UpstreamSnapshot  string                  `gorm:"column:upstream_snapshot;type:text"`
	ModelURL          string                  `gorm:"column:model_url;type:text"`
	OriginalModelURL  string                  `gorm:"column:original_model_url;type:text"`
	FallbackUsed      bool                    `gorm:"column:fallback_used;not null"`
	FallbackReason    string                  `gorm:"column:fallback_reason;type:text"`
	ProcessingTimeMs  int64                   `gorm:"column:processing_time_ms"`
	ErrorMessage      string                  `gorm:"column:error_message;type:text"`
	CreatedAt         time.Time               `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt         time.Time               `gorm:"column:updated_at;not null;autoUpdateTime:false;index:idx_jobs_status_updated_at,priority:2"`
}

// TableName 表名
func (jobRecord) TableName() string { return "jobs" }

func toRecord(job *types.Job) *jobRecord {
	uploaded := job.UploadedImages
	if uploaded == nil {
		uploaded = []types.UploadedImage{}
	}
	stats := job.CompressionStats
	if stats == nil {
		stats = []types.CompressionStat{}
	}
	return &jobRecord{
		ID:                job.ID,
		Status:            string(job.Status),
		RequestParameters: job.RequestParameters,
		UploadedImages:    uploaded,
		CompressionStats:  stats,
		PredictionID:      job.PredictionID,
		UpstreamSnapshot:  string(job.UpstreamSnapshot),
		ModelURL:          job.ModelURL,
		OriginalModelURL:  job.OriginalModelURL,
		FallbackUsed:      job.FallbackUsed,
		FallbackReason:    job.FallbackReason,
		ProcessingTimeMs:  job.ProcessingTimeMs,
		ErrorMessage:      job.ErrorMessage,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}
}

func (r *jobRecord) toJob() *types.Job {
	job := &types.Job{
		ID:                r.ID,
		Status:            types.JobStatus(r.Status),
		RequestParameters: r.RequestParameters,
		UploadedImages:    r.UploadedImages,
		CompressionStats:  r.CompressionStats,
		PredictionID:      r.PredictionID,
		ModelURL:          r.ModelURL,
		OriginalModelURL:  r.OriginalModelURL,
		FallbackUsed:      r.FallbackUsed,
		FallbackReason:    r.FallbackReason,
		ProcessingTimeMs:  r.ProcessingTimeMs,
		ErrorMessage:      r.ErrorMessage,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	if job.UploadedImages == nil {
		job.UploadedImages = []types.UploadedImage{}
	}
	if job.CompressionStats == nil {
		job.CompressionStats = []types.CompressionStat{}
	}
	if r.UpstreamSnapshot != "" {
		job.UpstreamSnapshot = []byte(r.UpstreamSnapshot)
	}
	return job
}

// =============================================================================
// 🗄️ SQL 任务存储
// =============================================================================

// GormStore persists jobs in the SQL jobs table (postgres, mysql or sqlite).
type GormStore struct {
	pool *database.PoolManager
	db   *gorm.DB
	opts storeOptions
}

// NewGormStore wraps the pooled connection. The pool is owned by the caller.
func NewGormStore(pool *database.PoolManager, opts ...Option) *GormStore {
	return &GormStore{pool: pool, db: pool.DB(), opts: buildOptions(opts)}
}

// AutoMigrate creates the jobs table from the model, for sqlite development
// databases that were not prepared with `meshforge migrate`.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&jobRecord{})
}

// Create inserts a new job.
func (s *GormStore) Create(ctx context.Context, job *types.Job) error {
	if err := checkWrite(job); err != nil {
		return err
	}
	stamp(job, s.opts.now(), true)

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(toRecord(job))
	if res.Error != nil {
		return wrapf(res.Error, "create job %s", job.ID)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Get returns the stored job.
func (s *GormStore) Get(ctx context.Context, id string) (*types.Job, error) {
	var rec jobRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapf(err, "get job %s", id)
	}
	return rec.toJob(), nil
}

// Update replaces the job in a transaction guarded by the current status.
// Deadlocks and dropped connections are retried.
func (s *GormStore) Update(ctx context.Context, job *types.Job) error {
	if err := checkWrite(job); err != nil {
		return err
	}

	err := s.pool.WithTransactionRetry(ctx, maxWatchRetries, func(tx *gorm.DB) error {
		return s.update(tx, job)
	})
	if database.IsRetryableError(err) {
		return wrapf(err, "update job %s", job.ID)
	}
	return err
}

func (s *GormStore) update(tx *gorm.DB, job *types.Job) error {
	var prev jobRecord
	err := tx.Select("status", "created_at").Where("id = ?", job.ID).Take(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := checkTransition(types.JobStatus(prev.Status), job.Status); err != nil {
		return err
	}

	job.CreatedAt = prev.CreatedAt.UTC()
	stamp(job, s.opts.now(), false)

	res := tx.Model(&jobRecord{}).
		Where("id = ? AND status = ?", job.ID, prev.Status).
		Select("*").
		Omit("id", "created_at").
		Updates(toRecord(job))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ListStale returns pending or processing jobs last updated before cutoff.
func (s *GormStore) ListStale(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	statuses := make([]string, len(staleStatuses))
	for i, st := range staleStatuses {
		statuses[i] = string(st)
	}

	var recs []jobRecord
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, cutoff.UTC()).
		Order("updated_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, wrapf(err, "list stale jobs")
	}

	result := make([]*types.Job, len(recs))
	for i := range recs {
		result[i] = recs[i].toJob()
	}
	return result, nil
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close is a no-op; the connection is closed by its owner.
func (s *GormStore) Close() error {
	return nil
}
