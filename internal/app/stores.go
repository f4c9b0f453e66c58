// Package app assembles stores and services from configuration. It is shared
// by the server and the seeder.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pitabwire/pxm/internal/approval"
	"github.com/pitabwire/pxm/internal/config"
	"github.com/pitabwire/pxm/internal/identity"
	"github.com/pitabwire/pxm/internal/idempotency"
	"github.com/pitabwire/pxm/internal/observability"
	"github.com/pitabwire/pxm/internal/template"
)

// Stores holds the persistence backends selected by store.driver.
type Stores struct {
	Approvals approval.Store
	Templates template.Store
	Users     identity.Store

	// Health backs the readiness check.
	Health observability.HealthChecker

	closer func()
}

// Close releases the underlying connections, if any.
func (s *Stores) Close() {
	if s.closer != nil {
		s.closer()
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// BuildStores opens the configured store driver and, when auto_migrate is
// set, creates the schema. Users and templates are migrated before approvals.
func BuildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*Stores, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory stores")
		approvals := approval.NewMemoryStore()
		return &Stores{
			Approvals: approvals,
			Templates: template.NewMemoryStore(),
			Users:     identity.NewMemoryStore(),
			Health:    approvals,
		}, nil

	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: ping: %w", err)
		}

		users := identity.NewPgStore(pool)
		templates := template.NewPgStore(pool)
		approvals := approval.NewPgStore(pool)
		if cfg.AutoMigrate {
			if err := migrate(ctx, users, templates, approvals); err != nil {
				pool.Close()
				return nil, err
			}
		}
		logger.Info("using postgres stores", zap.Int("max_conns", cfg.MaxOpenConns))
		return &Stores{
			Approvals: approvals,
			Templates: templates,
			Users:     users,
			Health:    approvals,
			closer:    pool.Close,
		}, nil

	case config.DriverSQLite:
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}

		users := identity.NewSQLStore(db)
		templates := template.NewSQLStore(db)
		approvals := approval.NewSQLStore(db)
		if cfg.AutoMigrate {
			if err := migrate(ctx, users, templates, approvals); err != nil {
				db.Close()
				return nil, err
			}
		}
		logger.Info("using sqlite stores", zap.String("path", cfg.SQLitePath))
		return &Stores{
			Approvals: approvals,
			Templates: templates,
			Users:     users,
			Health:    approvals,
			closer:    func() { db.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// OpenSQLite opens an embedded SQLite database with foreign keys enforced.
// Writes are serialised through a single connection.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func migrate(ctx context.Context, stores ...migrator) error {
	for _, s := range stores {
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	return nil
}

// Idempotency holds the idempotency store selected by idempotency.store.driver.
type Idempotency struct {
	Store idempotency.Store

	// Health is set only for backends with an external dependency.
	Health observability.HealthChecker

	closer func()
}

// Close releases the Redis client, if any.
func (i *Idempotency) Close() {
	if i.closer != nil {
		i.closer()
	}
}

// BuildIdempotency returns a nil Store when idempotency is disabled.
func BuildIdempotency(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (*Idempotency, error) {
	if !cfg.Enabled {
		return &Idempotency{}, nil
	}

	switch cfg.Store.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory idempotency store")
		return &Idempotency{Store: idempotency.NewMemoryStore()}, nil

	case config.DriverRedis:
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{
			Addr:        addr,
			DB:          cfg.Store.DB,
			DialTimeout: 5 * time.Second,
		})
		store := idempotency.NewRedisStore(client)
		if err := store.HealthCheck(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("idempotency: ping redis: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr), zap.Int("db", cfg.Store.DB))
		return &Idempotency{
			Store:  store,
			Health: store,
			closer: func() { client.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
