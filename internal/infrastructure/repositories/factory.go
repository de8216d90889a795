package repositories

import (
	"context"

	"streamgate/internal/core/ports"
	"streamgate/internal/infrastructure/repositories/memory"
	"streamgate/internal/infrastructure/repositories/postgres"
	redisrepo "streamgate/internal/infrastructure/repositories/redis"
	"streamgate/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates storage adapters with fallback support: Redis and
// Postgres when configured and reachable, in-memory otherwise.
type RepositoryFactory struct {
	cfg         *config.Config
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		cfg:      cfg,
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	// Try to connect to Redis if enabled
	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis telemetry store")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory telemetry store")
	}

	return factory, nil
}

// CreateTelemetryStore creates the telemetry store (Redis or memory fallback).
func (f *RepositoryFactory) CreateTelemetryStore() ports.TelemetryStore {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewTelemetryStore(
			f.redisClient,
			f.cfg.ABR.WindowSize,
			f.cfg.Redis.SampleTTL,
			f.cfg.Redis.ViewerTTL,
		)
	}
	return memory.NewTelemetryStore(f.cfg.ABR.WindowSize, f.cfg.Redis.SampleTTL, f.cfg.Redis.ViewerTTL)
}

// CreateSessionArchive creates the durable session archive. Postgres when
// configured, memory fallback when disabled or unreachable.
func (f *RepositoryFactory) CreateSessionArchive(ctx context.Context) ports.SessionArchive {
	if f.cfg.Postgres.Enabled {
		archive, err := postgres.NewSessionArchive(ctx, f.cfg.Postgres.DSN, f.logger)
		if err != nil {
			f.logger.Warnw("failed to connect to Postgres, falling back to memory session archive",
				"error", err,
			)
		} else {
			return archive
		}
	}
	return memory.NewSessionArchive(0)
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
