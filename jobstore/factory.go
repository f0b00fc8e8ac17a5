package jobstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/internal/database"
)

// Backends carries the shared connections a store may be built on.
type Backends struct {
	Redis *redis.Client
	DB    *database.PoolManager
	Mongo config.MongoConfig
}

// NewStore creates the store selected by cfg.Type.
func NewStore(ctx context.Context, cfg config.JobStoreConfig, backends Backends, opts ...Option) (Store, error) {
	switch StoreType(cfg.Type) {
	case "", StoreTypeMemory:
		return NewMemoryStore(opts...), nil
	case StoreTypeRedis:
		if backends.Redis == nil {
			return nil, fmt.Errorf("redis job store requires a redis client")
		}
		return NewRedisStore(backends.Redis, cfg.KeyPrefix, opts...), nil
	case StoreTypeDatabase:
		if backends.DB == nil {
			return nil, fmt.Errorf("database job store requires a database connection")
		}
		return NewGormStore(backends.DB, opts...), nil
	case StoreTypeMongo:
		return ConnectMongoStore(ctx, backends.Mongo, opts...)
	default:
		return nil, fmt.Errorf("unsupported job store type: %s", cfg.Type)
	}
}
