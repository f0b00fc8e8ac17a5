package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/api"
	"github.com/BaSui01/meshforge/api/handlers"
	"github.com/BaSui01/meshforge/artifact"
	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/internal/cache"
	"github.com/BaSui01/meshforge/internal/database"
	"github.com/BaSui01/meshforge/internal/metrics"
	"github.com/BaSui01/meshforge/internal/pool"
	"github.com/BaSui01/meshforge/internal/server"
	"github.com/BaSui01/meshforge/internal/telemetry"
	"github.com/BaSui01/meshforge/jobstore"
	"github.com/BaSui01/meshforge/pipeline"
	"github.com/BaSui01/meshforge/prediction"
	"github.com/BaSui01/meshforge/preprocess"
)

const dbStatsInterval = 15 * time.Second

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 MeshForge 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 后端连接
	cache  *cache.Manager
	dbPool *database.PoolManager
	store  jobstore.Store

	// 流水线
	workers      *pool.GoroutinePool
	orchestrator *pipeline.Orchestrator

	// Handlers
	healthHandler *handlers.HealthHandler
	jobHandler    *handlers.JobHandler

	metricsCollector *metrics.Collector

	// 后台 goroutine（限流清理、连接池统计）生命周期
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 连接后端、恢复遗留任务并启动 HTTP 与 Metrics 两个监听
func (s *Server) Start(ctx context.Context) error {
	artifacts, err := s.setup(ctx)
	if err != nil {
		return err
	}

	if err := s.startHTTPServer(artifacts); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("job_store", s.cfg.JobStore.Type),
		zap.String("storage", artifacts.Name()),
	)
	return nil
}

// setup 组装除监听端口外的全部组件
func (s *Server) setup(ctx context.Context) (artifact.Store, error) {
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	// 1. 指标收集器
	if s.metricsCollector == nil {
		s.metricsCollector = metrics.NewCollector("meshforge", s.logger)
	}

	// 2. 后端连接与任务存储
	if err := s.initBackends(ctx); err != nil {
		return nil, fmt.Errorf("failed to init backends: %w", err)
	}

	// 3. 制品存储与流水线
	artifacts, err := artifact.NewStore(ctx, s.cfg.Storage, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init artifact store: %w", err)
	}
	if err := s.initPipeline(artifacts); err != nil {
		return nil, fmt.Errorf("failed to init pipeline: %w", err)
	}

	// 4. 上次进程遗留的未完成任务判定为失败
	if n, err := s.orchestrator.Recover(ctx, s.cfg.JobStore.StaleAfter); err != nil {
		s.logger.Warn("stale job recovery incomplete", zap.Int("recovered", n), zap.Error(err))
	} else if n > 0 {
		s.logger.Info("stale jobs marked as failed", zap.Int("count", n))
	}

	// 5. Handlers
	s.initHandlers()
	return artifacts, nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initBackends(ctx context.Context) error {
	if s.cfg.Redis.Enabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = s.cfg.Redis.Addr
		cacheCfg.Password = s.cfg.Redis.Password
		cacheCfg.DB = s.cfg.Redis.DB
		if s.cfg.Redis.PoolSize > 0 {
			cacheCfg.PoolSize = s.cfg.Redis.PoolSize
		}
		cacheCfg.MinIdleConns = s.cfg.Redis.MinIdleConns

		mgr, err := cache.NewManager(cacheCfg, s.logger)
		if err != nil {
			return err
		}
		s.cache = mgr
	}

	backends := jobstore.Backends{Mongo: s.cfg.Mongo}
	if s.cache != nil {
		backends.Redis = s.cache.Client()
	}

	if s.cfg.JobStore.Type == string(jobstore.StoreTypeDatabase) {
		db, err := database.Open(s.cfg.Database, s.logger)
		if err != nil {
			return err
		}
		pm, err := database.NewPoolManager(db, database.PoolConfigFrom(s.cfg.Database), s.logger)
		if err != nil {
			return err
		}
		s.dbPool = pm
		backends.DB = pm
		go s.reportDBStats(s.bgCtx)
	}

	store, err := jobstore.NewStore(ctx, s.cfg.JobStore, backends)
	if err != nil {
		return err
	}
	if gs, ok := store.(*jobstore.GormStore); ok && s.cfg.Database.Driver == "sqlite" {
		// sqlite 部署通常不单独执行 migrate
		if err := gs.AutoMigrate(); err != nil {
			return fmt.Errorf("auto-migrate jobs table: %w", err)
		}
	}
	backend := s.cfg.JobStore.Type
	if backend == string(jobstore.StoreTypeDatabase) {
		backend = s.cfg.Database.Driver
	}
	s.store = jobstore.Instrument(store, backend, s.metricsCollector)
	return nil
}

func (s *Server) initPipeline(artifacts artifact.Store) error {
	s.workers = pool.NewGoroutinePool(pool.GoroutinePoolConfig{
		MaxWorkers: s.cfg.Pipeline.Workers,
		QueueSize:  s.cfg.Pipeline.QueueSize,
		PanicHandler: func(r any) {
			s.logger.Error("pipeline worker panicked", zap.Any("panic", r))
		},
	})

	orch, err := pipeline.New(pipeline.Deps{
		Store:        s.store,
		Preprocessor: preprocess.New(preprocess.ConfigFrom(s.cfg.Pipeline), s.logger),
		Uploader:     artifact.NewUploader(artifacts, artifact.UploaderConfigFrom(s.cfg.Storage), s.metricsCollector, s.logger),
		Predictor:    prediction.NewClient(prediction.OptionsFrom(s.cfg.Prediction), s.metricsCollector, s.logger),
		Downloader:   artifact.NewDownloader(s.cfg.Pipeline.DownloadTimeout, s.cfg.Pipeline.MaxModelBytes, s.logger),
		Pool:         s.workers,
		Metrics:      s.metricsCollector,
		Logger:       s.logger,
	})
	if err != nil {
		return err
	}
	s.orchestrator = orch
	return nil
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(Version, s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("job_store", s.store.Ping))
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cache.Ping))
	}
	if s.dbPool != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.dbPool.Ping))
	}

	opts := []handlers.JobHandlerOption{handlers.WithMetrics(s.metricsCollector)}
	if s.cache != nil {
		opts = append(opts, handlers.WithSnapshotCache(s.cache))
	}
	if s.cfg.Idempotency.Enabled && s.cache != nil {
		opts = append(opts, handlers.WithIdempotencyCache(s.cache))
	}
	s.jobHandler = handlers.NewJobHandler(s.orchestrator, handlers.JobHandlerConfig{
		MaxUploadBytes:      s.cfg.Server.MaxUploadBytes,
		WatchInterval:       s.cfg.Prediction.PollInterval,
		IdempotencyTTL:      s.cfg.Idempotency.TTL,
		WatchOriginPatterns: originHosts(s.cfg.Server.CORSAllowedOrigins),
	}, s.logger, opts...)

	s.logger.Info("Handlers initialized",
		zap.Bool("idempotency", s.cfg.Idempotency.Enabled && s.cache != nil))
}

// reportDBStats 周期性导出连接池状态
func (s *Server) reportDBStats(ctx context.Context) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.dbPool.GetStats()
			s.metricsCollector.RecordDBConnections(s.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
			if stats.WaitCount > 0 {
				s.logger.Debug("database pool waits",
					zap.Int64("wait_count", stats.WaitCount),
					zap.Duration("wait_duration", stats.WaitDuration),
					zap.Int("in_use", stats.InUse))
			}
		}
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册 API 路由；本地制品存储时同时提供 /artifacts/ 静态文件
func (s *Server) routes(artifacts artifact.Store) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(BuildTime, GitCommit))

	s.jobHandler.Register(mux)

	if local, ok := artifacts.(*artifact.LocalStore); ok {
		mux.Handle("GET "+api.ArtifactsPath, http.StripPrefix(api.ArtifactsPath, noDirListing(http.FileServer(http.Dir(local.Root())))))
		s.logger.Info("Serving local artifacts", zap.String("dir", local.Root()))
	}
	return mux
}

// handler 构建完整的中间件链
func (s *Server) handler(artifacts artifact.Store) http.Handler {
	return Chain(s.routes(artifacts),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(s.bgCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	)
}

func (s *Server) startHTTPServer(artifacts artifact.Store) error {
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager("api", s.handler(artifacts), serverConfig, s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager("metrics", mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown(ctx context.Context) {
	managers := make([]*server.Manager, 0, 2)
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m != nil {
			managers = append(managers, m)
		}
	}
	if err := server.WaitForSignal(ctx, s.logger, managers...); err != nil {
		s.logger.Error("shutting down after server failure", zap.Error(err))
	}
	s.Shutdown()
}

// Shutdown 依次停止接收请求、中断流水线、关闭后端连接
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.bgCancel != nil {
		s.bgCancel()
	}

	// 1. 停止接收新请求
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 通知任务在阶段边界停止，等待进行中的请求完成并写入失败状态
	if s.orchestrator != nil {
		if err := s.orchestrator.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("pipeline shutdown error", zap.Error(err))
		} else if err != nil {
			s.logger.Warn("pipeline did not drain before the shutdown deadline")
		}
		if s.workers != nil {
			stats := s.workers.Stats()
			s.logger.Info("pipeline workers stopped",
				zap.Int64("submitted", stats.Submitted),
				zap.Int64("completed", stats.Completed),
				zap.Int64("rejected", stats.Rejected),
				zap.Int64("panicked", stats.Panicked),
				zap.Int("still_active", stats.Active))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭后端连接
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("job store close error", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("cache close error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("database close error", zap.Error(err))
		}
	}

	// 5. 刷新遥测数据
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// noDirListing 对目录请求返回 404
func noDirListing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originHosts 将 CORS 来源（带协议）转换为 WebSocket 的 host 匹配模式
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		if o != "" {
			hosts = append(hosts, o)
		}
	}
	return hosts
}
