package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/promptbatch/internal/config"
)

// Open builds the store selected by cfg.Store.Driver. The returned close
// function releases its connections and is never nil, so callers may defer
// it before checking the error.
func Open(ctx context.Context, cfg *config.Config) (Store, func(), error) {
	noop := func() {}
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := Connect(ctx, cfg.Database)
		if err != nil {
			return nil, noop, fmt.Errorf("connect database: %w", err)
		}
		if err := RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("postgres store ready")
		return NewPostgresStore(pool), pool.Close, nil

	case "sqlite":
		s, err := OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		slog.Info("sqlite store ready", "path", cfg.Store.SQLitePath)
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Warn("closing sqlite store", "error", err)
			}
		}, nil

	case "memory":
		slog.Warn("using in-memory store, jobs are lost on restart")
		return NewMemoryStore(), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
