// Package bootstrap opens the infrastructure the binaries share.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hatim-circle/backend/config"
	"github.com/hatim-circle/backend/internal/store"
	"github.com/hatim-circle/backend/internal/store/postgres"
	"github.com/hatim-circle/backend/internal/store/sqlite"
	"github.com/hatim-circle/backend/pkg/database"
	"github.com/hatim-circle/backend/pkg/redis"
)

// OpenStore opens and migrates the configured store.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
			MaxConns:       int32(cfg.Database.MaxConns),
			ConnectTimeout: cfg.Database.ConnectTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// OpenRedis connects to Redis, or returns nil when it is disabled.
func OpenRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		logger.Info("Redis disabled; events, list cache and job queue are off")
		return nil, nil
	}
	return redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
}
