package main

import (
	"context"
	"fmt"

	"github.com/c0deZ3R0/go-state-sync/config"
	"github.com/c0deZ3R0/go-state-sync/logging"
	"github.com/c0deZ3R0/go-state-sync/storage/memory"
	"github.com/c0deZ3R0/go-state-sync/storage/postgres"
	"github.com/c0deZ3R0/go-state-sync/storage/redis"
	"github.com/c0deZ3R0/go-state-sync/storage/sqlite"
	"github.com/c0deZ3R0/go-state-sync/store"
)

// openPersister builds the persister selected by cfg.Storage.
func openPersister(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Persister, error) {
	s := cfg.Storage
	var (
		p   store.Persister
		err error
	)
	switch s.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory storage; state is lost on restart")
		p = memory.New()

	case config.DriverSQLite:
		p, err = openSQLite(&sqlite.Config{
			DataSourceName: s.DSN,
			EnableWAL:      s.SQLite.EnableWAL,
			TableName:      s.Table,
			Logger:         logger,
		})

	case config.DriverPostgres:
		p, err = openPostgres(&postgres.Config{
			ConnectionString: s.DSN,
			TableName:        s.Table,
			Logger:           logger,
			MaxOpenConns:     s.Postgres.MaxOpenConns,
			MaxIdleConns:     s.Postgres.MaxIdleConns,
			ConnMaxLifetime:  s.Postgres.ConnMaxLifetime,
		})

	case config.DriverRedis:
		p, err = openRedis(ctx, s.Redis.Addr, s.Redis.DB, s.Redis.Prefix)

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", s.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", s.Driver, err)
	}
	return p, nil
}

// Each opener returns an untyped nil on failure.

func openSQLite(cfg *sqlite.Config) (store.Persister, error) {
	p, err := sqlite.New(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func openPostgres(cfg *postgres.Config) (store.Persister, error) {
	p, err := postgres.New(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func openRedis(ctx context.Context, addr string, db int, prefix string) (store.Persister, error) {
	p, err := redis.New(ctx, addr, db, prefix)
	if err != nil {
		return nil, err
	}
	return p, nil
}
