package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/api"
	"github.com/BaSui01/meshforge/internal/cache"
	"github.com/BaSui01/meshforge/internal/metrics"
	"github.com/BaSui01/meshforge/preprocess"
	"github.com/BaSui01/meshforge/types"
)

// 表单字段名
const (
	FieldImages           = "images"
	FieldCaption          = "caption"
	FieldSteps            = "steps"
	FieldGuidanceScale    = "guidance_scale"
	FieldOctreeResolution = "octree_resolution"
	FieldSeed             = "seed"
	FieldCheckBoxRembg    = "check_box_rembg"
	FieldShapeOnly        = "shape_only"
)

// IdempotentReplayedHeader 标记响应来自已有任务
const IdempotentReplayedHeader = "Idempotent-Replayed"

const (
	maxIdempotencyKeyLen = 255
	multipartMemory      = 32 << 20
	watchWriteTimeout    = 10 * time.Second
)

// JobService 是任务处理器依赖的编排器能力
type JobService interface {
	Submit(ctx context.Context, images []preprocess.Image, params types.GenerationParams) (*types.Job, error)
	Get(ctx context.Context, id string) (*types.Job, error)
}

// IdempotencyCache 保存 Idempotency-Key 到任务 ID 的映射
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// SnapshotCache 缓存已结束任务的快照（终态不再变化）
type SnapshotCache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// JobHandlerConfig 任务处理器配置
type JobHandlerConfig struct {
	// 请求体上限（字节）
	MaxUploadBytes int64
	// WebSocket 推送检查间隔
	WatchInterval time.Duration
	// 幂等键保留时间
	IdempotencyTTL time.Duration
	// 幂等键在缓存中的前缀
	IdempotencyPrefix string
	// 终态快照保留时间
	SnapshotTTL time.Duration
	// 终态快照在缓存中的前缀
	SnapshotPrefix string
	// WebSocket 允许的 Origin 模式
	WatchOriginPatterns []string
}

// JobHandlerOption 任务处理器选项
type JobHandlerOption func(*JobHandler)

// WithIdempotencyCache 启用 Idempotency-Key 支持
func WithIdempotencyCache(c IdempotencyCache) JobHandlerOption {
	return func(h *JobHandler) { h.idem = c }
}

// WithSnapshotCache 为查询接口启用终态快照缓存
func WithSnapshotCache(c SnapshotCache) JobHandlerOption {
	return func(h *JobHandler) { h.snapshots = c }
}

// WithMetrics 记录幂等缓存命中情况
func WithMetrics(c *metrics.Collector) JobHandlerOption {
	return func(h *JobHandler) { h.metrics = c }
}

// =============================================================================
// 🧊 任务 Handler
// =============================================================================

// JobHandler 处理任务创建、查询与进度推送
type JobHandler struct {
	jobs      JobService
	idem      IdempotencyCache
	snapshots SnapshotCache
	metrics   *metrics.Collector
	cfg       JobHandlerConfig
	logger    *zap.Logger
}

// NewJobHandler 创建任务处理器
func NewJobHandler(jobs JobService, cfg JobHandlerConfig, logger *zap.Logger, opts ...JobHandlerOption) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 200 << 20
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 5 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.IdempotencyPrefix == "" {
		cfg.IdempotencyPrefix = "mf:idem:"
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 10 * time.Minute
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "mf:snapshot:"
	}
	h := &JobHandler{
		jobs:   jobs,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "jobs_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 在 mux 上注册任务路由
func (h *JobHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+api.JobsPath, h.HandleCreate)
	mux.HandleFunc("GET "+api.JobsPath+"/{id}", h.HandleGet)
	mux.HandleFunc("GET "+api.JobsPath+"/{id}/watch", h.HandleWatch)
}

// HandleCreate 接收 multipart 图片与生成参数并异步启动任务
// @Summary 创建 3D 生成任务
// @Tags 任务
// @Accept multipart/form-data
// @Produce json
// @Param images formData file true "四张照片"
// @Param Idempotency-Key header string false "幂等键"
// @Success 202 {object} api.Response{data=api.CreateJobResponse} "任务已受理"
// @Failure 400 {object} api.Response "参数错误"
// @Failure 503 {object} api.Response "服务繁忙"
// @Router /api/v1/jobs [post]
func (h *JobHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	idemKey := r.Header.Get(api.IdempotencyKey)
	if len(idemKey) > maxIdempotencyKeyLen {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidInput,
			fmt.Sprintf("%s must not exceed %d characters", api.IdempotencyKey, maxIdempotencyKeyLen), h.logger)
		return
	}
	if idemKey != "" {
		if job, ok := h.replay(r.Context(), idemKey); ok {
			w.Header().Set(IdempotentReplayedHeader, "true")
			w.Header().Set("Location", api.JobsPath+"/"+job.ID)
			WriteSuccessStatus(w, r, http.StatusOK, api.CreateJobResponse{JobID: job.ID, Status: job.Status})
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorMessage(w, r, http.StatusRequestEntityTooLarge, types.ErrInvalidInput,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), h.logger)
			return
		}
		WriteError(w, r, types.NewError(types.ErrInvalidInput, "request must be multipart/form-data").WithCause(err), h.logger)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	params, err := ParseGenerationParams(r.MultipartForm.Value)
	if err != nil {
		WriteAnyError(w, r, err, h.logger)
		return
	}

	images, err := readImages(r.MultipartForm.File[FieldImages])
	if err != nil {
		WriteAnyError(w, r, err, h.logger)
		return
	}

	job, err := h.jobs.Submit(r.Context(), images, params)
	if err != nil {
		WriteAnyError(w, r, err, h.logger)
		return
	}

	if idemKey != "" && h.idem != nil {
		if _, err := h.idem.SetNX(r.Context(), h.cfg.IdempotencyPrefix+idemKey, job.ID, h.cfg.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to record idempotency key", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	h.logger.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.Int("images", len(images)))

	w.Header().Set("Location", api.JobsPath+"/"+job.ID)
	WriteSuccessStatus(w, r, http.StatusAccepted, api.CreateJobResponse{JobID: job.ID, Status: job.Status})
}

// replay 返回幂等键已关联的任务；缓存不可用时按新请求处理
func (h *JobHandler) replay(ctx context.Context, key string) (*types.Job, bool) {
	if h.idem == nil {
		return nil, false
	}
	id, err := h.idem.Get(ctx, h.cfg.IdempotencyPrefix+key)
	if err != nil {
		if cache.IsCacheMiss(err) {
			if h.metrics != nil {
				h.metrics.RecordCacheMiss("idempotency")
			}
		} else {
			h.logger.Warn("idempotency lookup failed", zap.Error(err))
		}
		return nil, false
	}
	if h.metrics != nil {
		h.metrics.RecordCacheHit("idempotency")
	}
	job, err := h.getJob(ctx, id)
	if err != nil {
		h.logger.Warn("idempotency key points at an unreadable job",
			zap.String("job_id", id),
			zap.Error(err))
		if types.IsErrorCode(err, types.ErrNotFound) {
			// 任务已不存在，释放该键
			if err := h.idem.Delete(ctx, h.cfg.IdempotencyPrefix+key); err != nil {
				h.logger.Warn("failed to drop stale idempotency key", zap.Error(err))
			}
		}
		return nil, false
	}
	return job, true
}

// getJob 优先读取终态快照缓存，未命中时查询并回填已结束的任务
func (h *JobHandler) getJob(ctx context.Context, id string) (*types.Job, error) {
	if h.snapshots == nil {
		return h.jobs.Get(ctx, id)
	}
	key := h.cfg.SnapshotPrefix + id

	var cached types.Job
	err := h.snapshots.GetJSON(ctx, key, &cached)
	if err == nil {
		if h.metrics != nil {
			h.metrics.RecordCacheHit("job_snapshot")
		}
		return &cached, nil
	}
	if cache.IsCacheMiss(err) {
		if h.metrics != nil {
			h.metrics.RecordCacheMiss("job_snapshot")
		}
	} else {
		h.logger.Warn("snapshot lookup failed", zap.String("job_id", id), zap.Error(err))
	}

	job, err := h.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		if err := h.snapshots.SetJSON(ctx, key, job, h.cfg.SnapshotTTL); err != nil {
			h.logger.Warn("failed to cache job snapshot", zap.String("job_id", id), zap.Error(err))
		}
	}
	return job, nil
}

// HandleGet 返回任务完整快照
// @Summary 查询任务
// @Tags 任务
// @Produce json
// @Param id path string true "任务 ID"
// @Success 200 {object} api.Response{data=types.Job} "任务快照"
// @Failure 404 {object} api.Response "任务不存在"
// @Router /api/v1/jobs/{id} [get]
func (h *JobHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidInput, "job id is required", h.logger)
		return
	}
	job, err := h.getJob(r.Context(), id)
	if err != nil {
		WriteAnyError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, job)
}

// HandleWatch 通过 WebSocket 推送任务快照，直到任务结束
// @Summary 订阅任务进度
// @Tags 任务
// @Param id path string true "任务 ID"
// @Router /api/v1/jobs/{id}/watch [get]
func (h *JobHandler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.WatchOriginPatterns,
	})
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("job_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端只读不写，CloseRead 在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())
	logger := h.logger.With(zap.String("job_id", id))

	ticker := time.NewTicker(h.cfg.WatchInterval)
	defer ticker.Stop()

	var lastStatus types.JobStatus
	var lastUpdated time.Time
	for {
		job, err := h.getJob(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var te *types.Error
			if !errors.As(err, &te) {
				te = types.NewError(types.ErrInternalError, "failed to read job").WithCause(err)
			}
			logger.Debug("watch lookup failed", zap.Error(err))
			_ = h.send(ctx, conn, api.WatchEvent{Type: api.WatchEventError, Error: ToErrorInfo(te)})
			conn.Close(websocket.StatusPolicyViolation, string(te.Code))
			return
		}

		if job.Status != lastStatus || !job.UpdatedAt.Equal(lastUpdated) {
			if err := h.send(ctx, conn, api.WatchEvent{Type: api.WatchEventSnapshot, Job: job}); err != nil {
				logger.Debug("watch write failed", zap.Error(err))
				return
			}
			lastStatus, lastUpdated = job.Status, job.UpdatedAt
		}

		if job.IsTerminal() {
			conn.Close(websocket.StatusNormalClosure, "job finished")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *JobHandler) send(ctx context.Context, conn *websocket.Conn, ev api.WatchEvent) error {
	ctx, cancel := context.WithTimeout(ctx, watchWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

// =============================================================================
// 🛠️ 表单解析
// =============================================================================

// ParseGenerationParams 从表单值解析生成参数，缺省字段使用默认值
func ParseGenerationParams(values map[string][]string) (types.GenerationParams, error) {
	params := types.DefaultGenerationParams()

	get := func(name string) (string, bool) {
		v, ok := values[name]
		if !ok || len(v) == 0 || v[0] == "" {
			return "", false
		}
		return v[0], true
	}
	invalid := func(name string, err error) error {
		return types.Errorf(types.ErrInvalidInput, "invalid %s", name).WithCause(err)
	}

	if v, ok := get(FieldCaption); ok {
		params.Caption = v
	}
	if v, ok := get(FieldSteps); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, invalid(FieldSteps, err)
		}
		params.Steps = n
	}
	if v, ok := get(FieldGuidanceScale); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return params, invalid(FieldGuidanceScale, err)
		}
		params.GuidanceScale = f
	}
	if v, ok := get(FieldOctreeResolution); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return params, invalid(FieldOctreeResolution, err)
		}
		params.OctreeResolution = n
	}
	if v, ok := get(FieldSeed); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return params, invalid(FieldSeed, err)
		}
		params.Seed = n
	}
	if v, ok := get(FieldCheckBoxRembg); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return params, invalid(FieldCheckBoxRembg, err)
		}
		params.CheckBoxRembg = b
	}
	if v, ok := get(FieldShapeOnly); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return params, invalid(FieldShapeOnly, err)
		}
		params.ShapeOnly = b
	}
	return params, nil
}

func readImages(headers []*multipart.FileHeader) ([]preprocess.Image, error) {
	images := make([]preprocess.Image, 0, len(headers))
	for i, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, types.Errorf(types.ErrInvalidInput, "image %d (%s) could not be read", i, fh.Filename).
				WithCause(err).
				WithIndex(i)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, types.Errorf(types.ErrInvalidInput, "image %d (%s) could not be read", i, fh.Filename).
				WithCause(err).
				WithIndex(i)
		}
		images = append(images, preprocess.Image{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return images, nil
}
