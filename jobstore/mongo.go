package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/types"
)

// jobDocument is the BSON shape of a job.
type jobDocument struct {
	ID                string                  `bson:"_id"`
	Status            string                  `bson:"status"`
	RequestParameters types.GenerationParams  `bson:"request_parameters"`
	UploadedImages    []types.UploadedImage   `bson:"uploaded_images"`
	CompressionStats  []types.CompressionStat `bson:"compression_stats"`
	PredictionID      string                  `bson:"prediction_id,omitempty"`
	UpstreamSnapshot  string                  `bson:"upstream_snapshot,omitempty"`
	ModelURL          string                  `bson:"model_url,omitempty"`
	OriginalModelURL  string                  `bson:"original_model_url,omitempty"`
	FallbackUsed      bool                    `bson:"fallback_used"`
	FallbackReason    string                  `bson:"fallback_reason,omitempty"`
	ProcessingTimeMs  int64                   `bson:"processing_time_ms,omitempty"`
	ErrorMessage      string                  `bson:"error_message,omitempty"`
	CreatedAt         time.Time               `bson:"created_at"`
	UpdatedAt         time.Time               `bson:"updated_at"`
}

func toDocument(job *types.Job) *jobDocument {
	rec := toRecord(job)
	return &jobDocument{
		ID:                rec.ID,
		Status:            rec.Status,
		RequestParameters: rec.RequestParameters,
		UploadedImages:    rec.UploadedImages,
		CompressionStats:  rec.CompressionStats,
		PredictionID:      rec.PredictionID,
		UpstreamSnapshot:  rec.UpstreamSnapshot,
		ModelURL:          rec.ModelURL,
		OriginalModelURL:  rec.OriginalModelURL,
		FallbackUsed:      rec.FallbackUsed,
		FallbackReason:    rec.FallbackReason,
		ProcessingTimeMs:  rec.ProcessingTimeMs,
		ErrorMessage:      rec.ErrorMessage,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func (d *jobDocument) toJob() *types.Job {
	rec := jobRecord{
		ID:                d.ID,
		Status:            d.Status,
		RequestParameters: d.RequestParameters,
		UploadedImages:    d.UploadedImages,
		CompressionStats:  d.CompressionStats,
		PredictionID:      d.PredictionID,
		UpstreamSnapshot:  d.UpstreamSnapshot,
		ModelURL:          d.ModelURL,
		OriginalModelURL:  d.OriginalModelURL,
		FallbackUsed:      d.FallbackUsed,
		FallbackReason:    d.FallbackReason,
		ProcessingTimeMs:  d.ProcessingTimeMs,
		ErrorMessage:      d.ErrorMessage,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
	return rec.toJob()
}

// =============================================================================
// 🍃 MongoDB 任务存储
// =============================================================================

// MongoStore persists jobs as documents keyed by job id.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	ownsClient bool
	opts       storeOptions
}

// ConnectMongoStore dials MongoDB, ensures indexes and returns a store that
// owns the client.
func ConnectMongoStore(ctx context.Context, cfg config.MongoConfig, opts ...Option) (*MongoStore, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	store := NewMongoStore(client.Database(cfg.Database).Collection(cfg.Collection), opts...)
	store.client = client
	store.ownsClient = true

	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

// NewMongoStore wraps an existing collection.
func NewMongoStore(collection *mongo.Collection, opts ...Option) *MongoStore {
	return &MongoStore{
		client:     collection.Database().Client(),
		collection: collection,
		opts:       buildOptions(opts),
	}
}

// EnsureIndexes creates the status/updated_at index used by ListStale.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		{Keys: bson.D{{Key: "prediction_id", Value: 1}}},
	})
	return wrapf(err, "create mongo indexes")
}

// Create inserts a new job.
func (s *MongoStore) Create(ctx context.Context, job *types.Job) error {
	if err := checkWrite(job); err != nil {
		return err
	}
	stamp(job, s.opts.now(), true)

	_, err := s.collection.InsertOne(ctx, toDocument(job))
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	return wrapf(err, "create job %s", job.ID)
}

// Get returns the stored job.
func (s *MongoStore) Get(ctx context.Context, id string) (*types.Job, error) {
	var doc jobDocument
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapf(err, "get job %s", id)
	}
	return doc.toJob(), nil
}

// Update replaces the document only if its status is still the one read,
// returning ErrConflict otherwise.
func (s *MongoStore) Update(ctx context.Context, job *types.Job) error {
	if err := checkWrite(job); err != nil {
		return err
	}

	prev, err := s.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if err := checkTransition(prev.Status, job.Status); err != nil {
		return err
	}

	job.CreatedAt = prev.CreatedAt
	stamp(job, s.opts.now(), false)

	res, err := s.collection.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: job.ID}, {Key: "status", Value: string(prev.Status)}},
		toDocument(job))
	if err != nil {
		return wrapf(err, "update job %s", job.ID)
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

// ListStale returns pending or processing jobs last updated before cutoff.
func (s *MongoStore) ListStale(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	statuses := make(bson.A, len(staleStatuses))
	for i, st := range staleStatuses {
		statuses[i] = string(st)
	}
	filter := bson.D{
		{Key: "status", Value: bson.D{{Key: "$in", Value: statuses}}},
		{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: cutoff.UTC()}}},
	}

	cursor, err := s.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}))
	if err != nil {
		return nil, wrapf(err, "list stale jobs")
	}
	var docs []jobDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrapf(err, "decode stale jobs")
	}

	result := make([]*types.Job, len(docs))
	for i := range docs {
		result[i] = docs[i].toJob()
	}
	return result, nil
}

// Ping checks MongoDB connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client when the store created it.
func (s *MongoStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
