package repositories

import (
	"context"

	"camstream/internal/core/ports"
	"camstream/internal/infrastructure/repositories/memory"
	redisrepo "camstream/internal/infrastructure/repositories/redis"
	"camstream/pkg/cache"
	"camstream/pkg/config"
	"camstream/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory hands out Redis-backed repositories when Redis is
// configured and reachable, memory ones otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	prefix      string
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		prefix:   cfg.Redis.KeyPrefix,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	if f.UsingRedis() {
		return redisrepo.NewRedisSessionRepository(f.redisClient, f.prefix)
	}
	return memory.NewMemorySessionRepository()
}

// CreateStreamTokenRepository passes cache options to the memory variant.
func (f *RepositoryFactory) CreateStreamTokenRepository(opts ...cache.Option) ports.StreamTokenRepository {
	if f.UsingRedis() {
		return redisrepo.NewRedisStreamTokenRepository(f.redisClient, f.prefix)
	}
	return memory.NewMemoryStreamTokenRepository(opts...)
}

// RedisClient is nil when the memory repositories are in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.UsingRedis() {
		return nil
	}
	return f.redisClient
}

// LeaseManager returns nil without Redis; the camera then relies on the
// in-process lock alone.
func (f *RepositoryFactory) LeaseManager() *distributed.LeaseManager {
	if !f.UsingRedis() {
		return nil
	}
	return distributed.NewLeaseManager(f.redisClient, f.prefix+"lease:")
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsingRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
