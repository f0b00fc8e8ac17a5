package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/meshforge/artifact"
	"github.com/BaSui01/meshforge/internal/metrics"
	"github.com/BaSui01/meshforge/internal/pool"
	"github.com/BaSui01/meshforge/internal/telemetry"
	"github.com/BaSui01/meshforge/jobstore"
	"github.com/BaSui01/meshforge/prediction"
	"github.com/BaSui01/meshforge/preprocess"
	"github.com/BaSui01/meshforge/types"
)

// Stage names used for spans and stage metrics.
const (
	StagePreprocess   = "preprocess"
	StageUploadImages = "upload_images"
	StageSubmit       = "submit"
	StagePoll         = "poll"
	StageDownload     = "download_model"
	StageUploadModel  = "upload_model"
)

const (
	// ShutdownMessage is recorded on jobs interrupted by Shutdown.
	ShutdownMessage = "pipeline interrupted by shutdown"
	// AbandonedMessage is recorded on stale jobs failed by Recover.
	AbandonedMessage = "job abandoned: the process running it stopped before completion"

	terminalWriteTimeout = 10 * time.Second
	cancelTimeout        = 10 * time.Second
)

// ImageProcessor validates and shrinks a photo batch.
type ImageProcessor interface {
	Validate(images []preprocess.Image) error
	Process(ctx context.Context, images []preprocess.Image) (*preprocess.Result, error)
}

// Uploader stores one artifact and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, jobID string, kind artifact.Kind, filename string, data []byte, contentType string) (string, error)
}

// Predictor drives the external prediction service.
type Predictor interface {
	Submit(ctx context.Context, req prediction.SubmitRequest) (*prediction.Prediction, error)
	PollUntilTerminal(ctx context.Context, id string, onSnapshot prediction.SnapshotFunc) (*prediction.Prediction, error)
	Cancel(ctx context.Context, id string) error
}

// Downloader fetches the generated model.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// TaskPool runs pipeline tasks on bounded workers.
type TaskPool interface {
	Submit(task pool.Task) error
	Shutdown(ctx context.Context) error
}

// Deps are the collaborators of an Orchestrator. Metrics and Logger may be nil.
type Deps struct {
	Store        jobstore.Store
	Preprocessor ImageProcessor
	Uploader     Uploader
	Predictor    Predictor
	Downloader   Downloader
	Pool         TaskPool
	Metrics      *metrics.Collector
	Logger       *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for recorded timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces the uuid v4 job id generator.
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newID = gen }
}

// =============================================================================
// 🏭 任务编排器
// =============================================================================

// Orchestrator creates jobs and runs each one through the pipeline on a pool
// worker: preprocess, upload images, submit, poll, download, upload model.
type Orchestrator struct {
	store        jobstore.Store
	preprocessor ImageProcessor
	uploader     Uploader
	predictor    Predictor
	downloader   Downloader
	pool         TaskPool
	metrics      *metrics.Collector
	logger       *zap.Logger

	now    func() time.Time
	newID  func() string
	closed atomic.Bool
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: job store is required")
	case deps.Preprocessor == nil:
		return nil, errors.New("pipeline: preprocessor is required")
	case deps.Uploader == nil:
		return nil, errors.New("pipeline: uploader is required")
	case deps.Predictor == nil:
		return nil, errors.New("pipeline: predictor is required")
	case deps.Downloader == nil:
		return nil, errors.New("pipeline: downloader is required")
	case deps.Pool == nil:
		return nil, errors.New("pipeline: task pool is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		store:        deps.Store,
		preprocessor: deps.Preprocessor,
		uploader:     deps.Uploader,
		predictor:    deps.Predictor,
		downloader:   deps.Downloader,
		pool:         deps.Pool,
		metrics:      deps.Metrics,
		logger:       logger.With(zap.String("component", "pipeline")),
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Submit validates the request, reserves a worker slot, then persists a
// pending job. Invalid input and a full or closed pool are rejected before
// any record exists.
func (o *Orchestrator) Submit(ctx context.Context, images []preprocess.Image, params types.GenerationParams) (*types.Job, error) {
	if o.closed.Load() {
		return nil, types.NewError(types.ErrUnavailable, "pipeline is shutting down").WithRetryable(true)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := o.preprocessor.Validate(images); err != nil {
		return nil, err
	}

	job := types.NewJob(o.newID(), params, o.now().UTC())

	// 先占用队列位置,记录创建成功后任务才开始执行
	var owned *types.Job
	created := make(chan bool, 1)
	err := o.pool.Submit(func(taskCtx context.Context) error {
		if !<-created {
			return nil
		}
		o.run(taskCtx, owned, images)
		return nil
	})
	if err != nil {
		o.logger.Warn("job rejected by worker pool", zap.String("job_id", job.ID), zap.Error(err))
		return nil, types.NewError(types.ErrUnavailable, "pipeline is at capacity").WithCause(err).WithRetryable(true)
	}

	if err := o.store.Create(ctx, job); err != nil {
		created <- false
		return nil, types.NewError(types.ErrUnavailable, "could not create job").WithCause(err).WithRetryable(true)
	}
	owned = job.Clone()
	created <- true
	if o.metrics != nil {
		o.metrics.RecordJobSubmitted()
	}

	o.logger.Info("job submitted", zap.String("job_id", job.ID))
	return job, nil
}

// Get returns the current job record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*types.Job, error) {
	job, err := o.store.Get(ctx, id)
	if jobstore.IsNotFound(err) {
		return nil, types.Errorf(types.ErrNotFound, "job %s not found", id).WithCause(err)
	}
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "could not read job").WithCause(err).WithRetryable(true)
	}
	return job, nil
}

// Shutdown stops accepting jobs and waits for the workers. Requests already
// in flight run to completion; each pipeline stops at its next stage boundary
// or poll wait, and is failed with ShutdownMessage. A job whose prediction
// already succeeded is still delivered.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closed.Store(true)
	o.logger.Info("pipeline shutting down")
	return o.pool.Shutdown(ctx)
}

// Recover fails every pending or processing job whose last update is older
// than staleAfter. Pending jobs are moved through processing first. It never
// resumes a pipeline. It returns how many jobs were failed.
func (o *Orchestrator) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := o.now().Add(-staleAfter)
	stale, err := o.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	var errs []error
	recovered := 0
	for _, job := range stale {
		if job.Status == types.JobStatusPending {
			if err := job.Transition(types.JobStatusProcessing); err != nil {
				errs = append(errs, err)
				continue
			}
			if err := o.store.Update(ctx, job); err != nil {
				o.logger.Warn("failed to mark stale job", zap.String("job_id", job.ID), zap.Error(err))
				errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
				continue
			}
		}
		if err := job.Fail(AbandonedMessage); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := o.store.Update(ctx, job); err != nil {
			o.logger.Warn("failed to mark stale job", zap.String("job_id", job.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		recovered++
	}

	if recovered > 0 {
		o.logger.Info("stale jobs failed", zap.Int("count", recovered), zap.Time("cutoff", cutoff))
	}
	return recovered, errors.Join(errs...)
}

// =============================================================================
// 🔄 流水线执行
// =============================================================================

// run executes one job. stop is the shutdown signal; it is only checked
// between stages and between polls. Requests run on a context detached from
// it and are bounded by their own timeouts.
func (o *Orchestrator) run(stop context.Context, job *types.Job, images []preprocess.Image) {
	logger := o.logger.With(zap.String("job_id", job.ID))
	stop = types.WithJobID(stop, job.ID)
	stop, span := telemetry.StartSpan(stop, "pipeline.run", attribute.String("job.id", job.ID))
	ctx := context.WithoutCancel(stop)
	started := time.Now()
	if o.metrics != nil {
		o.metrics.RecordJobStarted()
	}

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("pipeline panicked: %v", r)
			logger.Error("pipeline panicked", zap.Any("panic", r), zap.Stack("stack"))
			o.finishFailed(ctx, job, "internal error while processing the job")
		}
		telemetry.EndSpan(span, runErr)
		if o.metrics != nil {
			status := job.Status
			if !status.IsTerminal() {
				status = types.JobStatusFailed
			}
			o.metrics.RecordJobFinished(string(status), time.Since(started))
		}
	}()

	runErr = o.execute(stop, ctx, job, images, logger)
	if runErr != nil {
		msg := failureMessage(stop, runErr)
		logger.Warn("job failed", zap.String("reason", msg), zap.Error(runErr))
		o.finishFailed(ctx, job, msg)
		return
	}

	logger.Info("job completed",
		zap.String("model_url", job.ModelURL),
		zap.Bool("fallback_used", job.FallbackUsed),
		zap.Int64("processing_time_ms", job.ProcessingTimeMs))
}

func (o *Orchestrator) execute(stop, ctx context.Context, job *types.Job, images []preprocess.Image, logger *zap.Logger) error {
	if err := job.Transition(types.JobStatusProcessing); err != nil {
		return err
	}
	if err := o.save(ctx, job); err != nil {
		return err
	}
	started := o.now()

	// 1. 预处理
	if err := stopped(stop, StagePreprocess); err != nil {
		return err
	}
	var result *preprocess.Result
	err := o.stage(ctx, StagePreprocess, func(ctx context.Context) error {
		var err error
		result, err = o.preprocessor.Process(ctx, images)
		return err
	})
	if err != nil {
		return err
	}
	job.CompressionStats = result.Stats
	if o.metrics != nil {
		for _, s := range result.Stats {
			o.metrics.RecordImageSize(s.OriginalSizeBytes, s.CompressedSizeBytes)
		}
	}

	// 2. 上传图片（失败即终止）
	if err := stopped(stop, StageUploadImages); err != nil {
		return err
	}
	var uploaded []types.UploadedImage
	err = o.stage(ctx, StageUploadImages, func(ctx context.Context) error {
		var err error
		uploaded, err = o.uploadImages(ctx, job.ID, result.Images)
		return err
	})
	if err != nil {
		return err
	}
	job.UploadedImages = uploaded
	if err := o.save(ctx, job); err != nil {
		return err
	}

	// 3. 提交预测
	if err := stopped(stop, StageSubmit); err != nil {
		return err
	}
	urls := make([]string, len(uploaded))
	for i, img := range uploaded {
		urls[i] = img.URL
	}
	var pred *prediction.Prediction
	err = o.stage(ctx, StageSubmit, func(ctx context.Context) error {
		var err error
		pred, err = o.predictor.Submit(ctx, prediction.SubmitRequest{ImageURLs: urls, Params: job.RequestParameters})
		return err
	})
	if err != nil {
		return err
	}
	job.PredictionID = pred.ID
	if len(pred.Raw) > 0 {
		job.UpstreamSnapshot = pred.Raw
	}
	if err := o.save(ctx, job); err != nil {
		return err
	}
	logger = logger.With(zap.String("prediction_id", pred.ID))

	// 4. 轮询（仅在等待间隙响应关闭）
	var final *prediction.Prediction
	err = o.stage(types.WithPredictionID(stop, pred.ID), StagePoll, func(stop context.Context) error {
		var err error
		final, err = o.poll(stop, job, logger)
		return err
	})
	if err != nil {
		return err
	}
	originalURL := final.ModelURL()
	if originalURL == "" {
		return types.NewError(types.ErrUpstreamError, "prediction succeeded without a model url")
	}

	// 5. 转存模型（失败时回退到上游地址）
	modelURL, fallbackReason := o.deliverModel(ctx, job.ID, originalURL, logger)

	done := job.Clone()
	if err := done.Transition(types.JobStatusCompleted); err != nil {
		return err
	}
	done.ModelURL = modelURL
	done.OriginalModelURL = originalURL
	done.FallbackUsed = fallbackReason != ""
	done.FallbackReason = fallbackReason
	done.ProcessingTimeMs = o.now().Sub(started).Milliseconds()
	if err := o.saveTerminal(ctx, done); err != nil {
		return err
	}
	*job = *done
	return nil
}

// stage wraps one pipeline step in a span and records its duration.
func (o *Orchestrator) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "pipeline."+name, attribute.String("pipeline.stage", name))
	start := time.Now()
	err := fn(ctx)
	telemetry.EndSpan(span, err)
	if o.metrics != nil {
		o.metrics.RecordStage(name, err, time.Since(start))
	}
	return err
}

// uploadImages uploads concurrently and returns the records in input order.
func (o *Orchestrator) uploadImages(ctx context.Context, jobID string, images []preprocess.Image) ([]types.UploadedImage, error) {
	uploaded := make([]types.UploadedImage, len(images))

	g, gctx := errgroup.WithContext(ctx)
	for i, img := range images {
		g.Go(func() error {
			// 序号前缀避免同名文件互相覆盖
			name := fmt.Sprintf("%d-%s", i, img.Filename)
			url, err := o.uploader.Upload(gctx, jobID, artifact.KindImage, name, img.Data, img.ContentType)
			if err != nil {
				return err
			}
			uploaded[i] = types.UploadedImage{URL: url, Filename: img.Filename, SizeBytes: img.Size()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return uploaded, nil
}

// poll persists every snapshot. Upstream failure and exhaustion are fatal;
// on exhaustion the prediction is cancelled best-effort. stop ends the wait
// between polls.
func (o *Orchestrator) poll(stop context.Context, job *types.Job, logger *zap.Logger) (*prediction.Prediction, error) {
	ctx := context.WithoutCancel(stop)
	final, err := o.predictor.PollUntilTerminal(stop, job.PredictionID, func(p *prediction.Prediction) {
		if len(p.Raw) == 0 {
			return
		}
		job.UpstreamSnapshot = p.Raw
		if err := o.save(ctx, job); err != nil {
			logger.Warn("failed to persist prediction snapshot", zap.Error(err))
		}
	})
	if err != nil {
		if types.IsErrorCode(err, types.ErrTimeout) {
			o.cancelPrediction(ctx, job.PredictionID, logger)
		}
		return nil, err
	}

	switch final.Status {
	case prediction.StatusSucceeded:
		return final, nil
	case prediction.StatusCanceled:
		return nil, types.NewError(types.ErrUpstreamError, "prediction was canceled upstream")
	default:
		msg := final.ErrorMessage()
		if msg == "" {
			msg = "no error detail"
		}
		return nil, types.Errorf(types.ErrUpstreamError, "prediction failed: %s", msg)
	}
}

func (o *Orchestrator) cancelPrediction(ctx context.Context, id string, logger *zap.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := o.predictor.Cancel(cctx, id); err != nil {
		logger.Warn("failed to cancel timed out prediction", zap.Error(err))
	}
}

// deliverModel copies the model into the artifact store. Download or upload
// failure keeps the upstream URL and returns a non-empty fallback reason.
func (o *Orchestrator) deliverModel(ctx context.Context, jobID, originalURL string, logger *zap.Logger) (url, fallbackReason string) {
	var (
		data        []byte
		contentType string
	)
	dlErr := o.stage(ctx, StageDownload, func(ctx context.Context) error {
		var err error
		data, contentType, err = o.downloader.Download(ctx, originalURL)
		return err
	})
	if dlErr != nil {
		reason := "model download failed: " + dlErr.Error()
		if errors.Is(dlErr, artifact.ErrTooLarge) {
			reason = "model exceeds the download size limit"
		}
		return o.fallback(originalURL, reason, dlErr, logger)
	}

	upErr := o.stage(ctx, StageUploadModel, func(ctx context.Context) error {
		var err error
		url, err = o.uploader.Upload(ctx, jobID, artifact.KindModel, modelFilename(originalURL), data, contentType)
		return err
	})
	if upErr != nil {
		return o.fallback(originalURL, "model upload failed: "+upErr.Error(), upErr, logger)
	}
	return url, ""
}

func (o *Orchestrator) fallback(originalURL, reason string, cause error, logger *zap.Logger) (string, string) {
	logger.Warn("using upstream model url", zap.String("reason", reason), zap.Error(cause))
	if o.metrics != nil {
		o.metrics.RecordModelFallback()
	}
	return originalURL, reason
}

// modelFilename keeps the upstream file name when it has an extension.
func modelFilename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "model.glb"
	}
	name := path.Base(u.Path)
	if path.Ext(name) == "" {
		return "model.glb"
	}
	return name
}

// =============================================================================
// 💾 持久化
// =============================================================================

func (o *Orchestrator) save(ctx context.Context, job *types.Job) error {
	if err := o.store.Update(ctx, job); err != nil {
		return types.NewError(types.ErrUnavailable, "could not persist job").WithCause(err)
	}
	return nil
}

// saveTerminal writes on a context detached from cancellation.
func (o *Orchestrator) saveTerminal(ctx context.Context, job *types.Job) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	return o.save(wctx, job)
}

// finishFailed moves a non-terminal job to failed.
func (o *Orchestrator) finishFailed(ctx context.Context, job *types.Job, message string) {
	if job.IsTerminal() {
		return
	}
	failed := job.Clone()
	if err := failed.Fail(message); err != nil {
		o.logger.Error("cannot fail job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := o.saveTerminal(ctx, failed); err != nil {
		o.logger.Error("failed to persist job failure",
			zap.String("job_id", job.ID),
			zap.String("reason", message),
			zap.Error(err))
		return
	}
	*job = *failed
}

// stopped reports shutdown at the boundary before stage.
func stopped(stop context.Context, stage string) error {
	if err := stop.Err(); err != nil {
		return types.Errorf(types.ErrCancelled, "stopped before %s", stage).WithCause(err)
	}
	return nil
}

// failureMessage renders err for Job.ErrorMessage.
func failureMessage(stop context.Context, err error) string {
	if stop.Err() != nil && types.IsErrorCode(err, types.ErrCancelled) {
		return ShutdownMessage
	}
	if e, ok := types.AsError(err); ok {
		if e.Cause != nil {
			return e.Message + ": " + e.Cause.Error()
		}
		return e.Message
	}
	return err.Error()
}
