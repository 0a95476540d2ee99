package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/cache"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/database"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/metrics"
)

const kvCleanupInterval = time.Hour

// openStorage returns the cache backing baselines, model state and stats
func openStorage(ctx context.Context, cfg *config.Config, sink metrics.Sink, logger *zap.Logger) (cache.Cache, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		kv, err := cache.NewRedisCache(&cfg.Redis, logger.Named("redis"))
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return kv, nil

	case config.BackendPostgres:
		if cfg.Database.MigrateOnStart {
			if err := database.Migrate(cfg.Database.URL, logger); err != nil {
				return nil, err
			}
		}
		pool, err := database.NewPool(ctx, &cfg.Database, logger.Named("postgres"))
		if err != nil {
			return nil, err
		}
		kv, err := database.NewKVStore(pool, pool.Close, logger.Named("kv"))
		if err != nil {
			pool.Close()
			return nil, err
		}
		kv.StartBackgroundCleanup(ctx, kvCleanupInterval)
		database.NewMonitor(database.PoolStats(pool), sink, logger.Named("postgres"), nil).Start(ctx)
		return kv, nil

	default:
		logger.Warn("using in-memory storage, state will not survive restarts")
		return cache.NewMemoryCache(), nil
	}
}
