// =============================================================================
// 📦 MeshForge 配置加载器
// =============================================================================
// 统一配置加载，支持 .env 文件 + YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithDotEnv(".env").
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("MESHFORGE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量（含 .env 注入的变量）
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 MeshForge 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Redis 缓存与 Redis 任务存储共用
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 关系型任务存储
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Mongo 文档型任务存储
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`

	// JobStore 任务记录存储后端选择
	JobStore JobStoreConfig `yaml:"job_store" env:"JOB_STORE"`

	// Storage 制品存储（图片与模型）
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// Prediction 外部 3D 预测服务
	Prediction PredictionConfig `yaml:"prediction" env:"PREDICTION"`

	// Pipeline 生成流水线阈值与并发
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Poller 客户端轮询
	Poller PollerConfig `yaml:"poller" env:"POLLER"`

	// Idempotency 任务创建幂等
	Idempotency IdempotencyConfig `yaml:"idempotency" env:"IDEMPOTENCY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 单次上传请求体上限（字节）
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	// 每个客户端 IP 的限流速率
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORS 允许的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用（幂等缓存依赖 Redis）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	// 连接 URI
	URI string `yaml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// 集合名
	Collection string `yaml:"collection" env:"COLLECTION"`
	// 连接超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// JobStoreConfig 任务记录存储配置
type JobStoreConfig struct {
	// 后端类型: memory, redis, database, mongo
	Type string `yaml:"type" env:"TYPE"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 启动时将超过该时长仍未结束的任务判定为失败
	StaleAfter time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
}

// StorageConfig 制品存储配置
type StorageConfig struct {
	// 后端类型: local, s3
	Type string `yaml:"type" env:"TYPE"`
	// 本地存储目录
	LocalDir string `yaml:"local_dir" env:"LOCAL_DIR"`
	// 本地存储对外访问的 URL 前缀
	PublicBaseURL string `yaml:"public_base_url" env:"PUBLIC_BASE_URL"`
	// S3 配置
	S3 S3Config `yaml:"s3" env:"S3"`
	// 上传最大尝试次数
	UploadAttempts int `yaml:"upload_attempts" env:"UPLOAD_ATTEMPTS"`
	// 上传重试固定间隔
	UploadRetryDelay time.Duration `yaml:"upload_retry_delay" env:"UPLOAD_RETRY_DELAY"`
	// 单次上传超时
	UploadTimeout time.Duration `yaml:"upload_timeout" env:"UPLOAD_TIMEOUT"`
}

// S3Config S3 兼容对象存储配置
type S3Config struct {
	// 存储桶
	Bucket string `yaml:"bucket" env:"BUCKET"`
	// 区域
	Region string `yaml:"region" env:"REGION"`
	// 自定义端点（MinIO 等）
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	// 静态访问密钥（为空时使用默认凭证链）
	AccessKeyID string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	// 静态密钥
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	// 路径风格寻址
	UsePathStyle bool `yaml:"use_path_style" env:"USE_PATH_STYLE"`
	// 对象键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 对外访问 URL 前缀（CDN 等，为空时按端点推导）
	PublicBaseURL string `yaml:"public_base_url" env:"PUBLIC_BASE_URL"`
}

// PredictionConfig 外部预测服务配置
type PredictionConfig struct {
	// 服务基础 URL
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Token
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型版本（可选）
	ModelVersion string `yaml:"model_version" env:"MODEL_VERSION"`
	// 单次 HTTP 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 最大轮询次数
	MaxPollAttempts int `yaml:"max_poll_attempts" env:"MAX_POLL_ATTEMPTS"`
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	// 每个任务要求的图片数量
	ImageCount int `yaml:"image_count" env:"IMAGE_COUNT"`
	// 小于等于该大小的图片直接透传
	PassThroughBytes int64 `yaml:"pass_through_bytes" env:"PASS_THROUGH_BYTES"`
	// 二次压缩触发阈值
	SecondPassBytes int64 `yaml:"second_pass_bytes" env:"SECOND_PASS_BYTES"`
	// 首次压缩边界与质量
	PrimaryMaxDimension int `yaml:"primary_max_dimension" env:"PRIMARY_MAX_DIMENSION"`
	PrimaryQuality      int `yaml:"primary_quality" env:"PRIMARY_QUALITY"`
	// 二次压缩边界与质量
	SecondaryMaxDimension int `yaml:"secondary_max_dimension" env:"SECONDARY_MAX_DIMENSION"`
	SecondaryQuality      int `yaml:"secondary_quality" env:"SECONDARY_QUALITY"`
	// 模型下载超时
	DownloadTimeout time.Duration `yaml:"download_timeout" env:"DOWNLOAD_TIMEOUT"`
	// 模型转存大小上限
	MaxModelBytes int64 `yaml:"max_model_bytes" env:"MAX_MODEL_BYTES"`
	// 工作协程数
	Workers int `yaml:"workers" env:"WORKERS"`
	// 等待队列长度
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// PollerConfig 客户端轮询配置
type PollerConfig struct {
	// 服务端基础 URL
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 轮询间隔
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 最大轮询次数
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	// 退避上限
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// 退避倍数
	BackoffFactor float64 `yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
}

// IdempotencyConfig 幂等配置
type IdempotencyConfig struct {
	// 是否启用（需要 Redis）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 幂等键保留时间
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath  string
	dotEnvPaths []string
	envPrefix   string
	validators  []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MESHFORGE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithDotEnv 在读取环境变量前加载 .env 文件（已存在的环境变量不会被覆盖）
func (l *Loader) WithDotEnv(paths ...string) *Loader {
	l.dotEnvPaths = append(l.dotEnvPaths, paths...)
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 注入 .env，再从环境变量覆盖
	if err := l.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load dotenv: %w", err)
	}
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadDotEnv 加载 .env 文件，缺失的文件直接跳过
func (l *Loader) loadDotEnv() error {
	for _, path := range l.dotEnvPaths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	switch c.JobStore.Type {
	case "memory", "redis", "database", "mongo":
	default:
		errs = append(errs, fmt.Sprintf("unknown job_store.type %q", c.JobStore.Type))
	}
	if c.JobStore.Type == "redis" && !c.Redis.Enabled {
		errs = append(errs, "job_store.type redis requires redis.enabled")
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, "storage.local_dir is required for local storage")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, "storage.s3.bucket is required for s3 storage")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storage.type %q", c.Storage.Type))
	}
	if c.Storage.UploadAttempts < 1 {
		errs = append(errs, "storage.upload_attempts must be positive")
	}

	if c.Prediction.BaseURL == "" {
		errs = append(errs, "prediction.base_url is required")
	}
	if c.Prediction.PollInterval <= 0 || c.Prediction.MaxPollAttempts <= 0 {
		errs = append(errs, "prediction poll interval and attempts must be positive")
	}

	if c.Pipeline.ImageCount <= 0 {
		errs = append(errs, "pipeline.image_count must be positive")
	}
	if c.Pipeline.SecondPassBytes > c.Pipeline.PassThroughBytes {
		errs = append(errs, "pipeline.second_pass_bytes must not exceed pass_through_bytes")
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, "pipeline.workers must be positive")
	}

	if c.Idempotency.Enabled && !c.Redis.Enabled {
		errs = append(errs, "idempotency requires redis.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
