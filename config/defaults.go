// =============================================================================
// 📦 MeshForge 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

const mib = 1 << 20

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Mongo:       DefaultMongoConfig(),
		JobStore:    DefaultJobStoreConfig(),
		Storage:     DefaultStorageConfig(),
		Prediction:  DefaultPredictionConfig(),
		Pipeline:    DefaultPipelineConfig(),
		Poller:      DefaultPollerConfig(),
		Idempotency: DefaultIdempotencyConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:           8080,
		MetricsPort:        9091,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       60 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		MaxUploadBytes:     100 * mib,
		RateLimitRPS:       20,
		RateLimitBurst:     40,
		CORSAllowedOrigins: []string{"*"},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "meshforge",
		SampleRate:   0.1,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "meshforge",
		Password:        "",
		Name:            "meshforge",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "meshforge",
		Collection:     "jobs",
		ConnectTimeout: 10 * time.Second,
	}
}

// DefaultJobStoreConfig 返回默认任务存储配置
func DefaultJobStoreConfig() JobStoreConfig {
	return JobStoreConfig{
		Type:       "memory",
		KeyPrefix:  "meshforge:",
		StaleAfter: 15 * time.Minute,
	}
}

// DefaultStorageConfig 返回默认制品存储配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Type:          "local",
		LocalDir:      "./data/artifacts",
		PublicBaseURL: "http://localhost:8080/artifacts",
		S3: S3Config{
			Region:    "us-east-1",
			KeyPrefix: "meshforge",
		},
		UploadAttempts:   3,
		UploadRetryDelay: 2 * time.Second,
		UploadTimeout:    60 * time.Second,
	}
}

// DefaultPredictionConfig 返回默认预测服务配置
func DefaultPredictionConfig() PredictionConfig {
	return PredictionConfig{
		BaseURL:         "https://api.replicate.com/v1",
		APIKey:          "",
		Timeout:         30 * time.Second,
		PollInterval:    5 * time.Second,
		MaxPollAttempts: 60,
	}
}

// DefaultPipelineConfig 返回默认流水线配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ImageCount:            4,
		PassThroughBytes:      10 * mib,
		SecondPassBytes:       5 * mib,
		PrimaryMaxDimension:   1024,
		PrimaryQuality:        85,
		SecondaryMaxDimension: 800,
		SecondaryQuality:      75,
		DownloadTimeout:       30 * time.Second,
		MaxModelBytes:         10 * mib,
		Workers:               8,
		QueueSize:             64,
	}
}

// DefaultPollerConfig 返回默认客户端轮询配置
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		BaseURL:       "http://localhost:8080",
		Interval:      5 * time.Second,
		MaxAttempts:   60,
		MaxBackoff:    30 * time.Second,
		BackoffFactor: 1.5,
	}
}

// DefaultIdempotencyConfig 返回默认幂等配置
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		Enabled: false,
		TTL:     24 * time.Hour,
	}
}
