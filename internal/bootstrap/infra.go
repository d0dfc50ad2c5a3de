package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"benchboard/internal/common/cache"
	"benchboard/internal/common/db"
	"benchboard/internal/common/mq"
	"benchboard/internal/common/storage"
	"benchboard/internal/submission/repository"
	"benchboard/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Closer releases a resource on shutdown.
type Closer func() error

// OpenCache connects to Redis. An empty address disables the cache.
func OpenCache(cfg cache.RedisConfig) (*cache.RedisCache, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, nil
	}
	return cache.NewRedisCacheWithConfig(&cfg)
}

// OpenStore opens the submission store. The returned closer is never nil.
func OpenStore(ctx context.Context, cfg DatabaseConfig) (repository.SubmissionStore, Closer, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "memory" {
		logger.Warn(ctx, "using in-memory submission store")
		return repository.NewMemoryStore(), func() error { return nil }, nil
	}
	database, err := db.Open(db.Dialect(driver), &cfg.Pool)
	if err != nil {
		return nil, nil, fmt.Errorf("open database failed: %w", err)
	}
	if cfg.AutoMigrate {
		if err := repository.EnsureSchema(ctx, database); err != nil {
			_ = database.Close()
			return nil, nil, err
		}
	}
	return repository.NewSQLStore(database), database.Close, nil
}

// OpenQueue builds the transport named by cfg.Driver. The redis driver reuses
// redisCache's client.
func OpenQueue(cfg QueueConfig, redisCache *cache.RedisCache) (mq.MessageQueue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "kafka":
		return mq.NewKafkaQueue(cfg.Kafka)
	case "redis":
		if redisCache == nil {
			return nil, fmt.Errorf("redis queue requires redis.addr")
		}
		if cfg.Redis.ConsumerName == "" {
			cfg.Redis.ConsumerName = ConsumerName("benchboard")
		}
		return mq.NewRedisStreamQueue(redisCache.Client(), cfg.Redis)
	case "rabbitmq":
		return mq.NewRabbitQueue(cfg.RabbitMQ)
	case "memory", "":
		return mq.NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
}

// OpenStorage connects to the artifact store.
func OpenStorage(ctx context.Context, cfg StorageConfig) (storage.ObjectStorage, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "minio", "":
		client, err := storage.NewMinIOStorage(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		if cfg.MinIO.Bucket != "" {
			if err := client.EnsureBucket(ctx, cfg.MinIO.Bucket, cfg.MinIO.Region); err != nil {
				logger.Warn(ctx, "ensure bucket failed", zap.String("bucket", cfg.MinIO.Bucket), zap.Error(err))
			}
		}
		return client, nil
	case "memory":
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// ConsumerName returns a name unique to this process.
func ConsumerName(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "host"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}
