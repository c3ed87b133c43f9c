// Package bootstrap builds the process-level dependencies shared by the
// command entrypoints from a loaded config.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"closetrack/config"
	"closetrack/db"
	"closetrack/lifecycle"
	"closetrack/lock"
	"closetrack/notification"
	"closetrack/storage"
	"closetrack/storage/postgres"
	"closetrack/storage/sqlite"
)

// OpenStore opens the configured storage engine, applying migrations for
// PostgreSQL when enabled. SQLite always migrates on open.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.DSN, db.PoolOptions{
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("bootstrap: unsupported database driver %q", cfg.Driver)
	}
}

// NewLocker returns the Redis locker when an address is configured and the
// in-process one otherwise. The returned func releases the client.
func NewLocker(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (lock.Locker, func(), error) {
	if cfg.Address == "" {
		return lock.NewLocalLocker(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("bootstrap: ping redis: %w", err)
	}
	locker := lock.NewRedisLocker(client, lock.RedisOptions{TTL: cfg.LockTTL}, log.Named("lock"))
	return locker, func() { _ = client.Close() }, nil
}

// EngineOptions maps the lifecycle and notification sections onto engine options.
func EngineOptions(cfg *config.Config) lifecycle.Options {
	return lifecycle.Options{
		MaxRetries:   cfg.Lifecycle.MaxRetries,
		RetryBackoff: cfg.Lifecycle.RetryBackoff,
		HorizonDays:  cfg.Lifecycle.HorizonDays,
		Notifications: notification.Options{
			EmailEnabled: cfg.Notifications.EmailEnabled,
			SMSEnabled:   cfg.Notifications.SMSEnabled,
		},
	}
}

// RelayConfig maps the notification section onto relay settings.
func RelayConfig(cfg config.NotificationConfig) notification.RelayConfig {
	return notification.RelayConfig{
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		MaxAttempts: cfg.MaxAttempts,
		Interval:    cfg.Interval,
	}
}
