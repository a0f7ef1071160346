package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/relay/internal/config"
	"github.com/bissquit/relay/internal/pkg/migrate"
	"github.com/bissquit/relay/internal/pkg/postgres"
	"github.com/bissquit/relay/internal/queue"
	"github.com/bissquit/relay/internal/queue/bolt"
	"github.com/bissquit/relay/internal/queue/memory"
	pgstore "github.com/bissquit/relay/internal/queue/postgres"
	"github.com/bissquit/relay/internal/queue/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenStore opens the queue store selected by cfg.Driver. The returned pool
// is non-nil only for postgres; the caller closes it after the store.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (queue.Store, *pgxpool.Pool, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		if cfg.AutoMigrate {
			if err := migrate.Up(migrate.DialectPostgres, cfg.URL); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		db, err := postgres.Connect(ctx, postgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnectAttempts: cfg.ConnectAttempts,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		return pgstore.NewStore(db), db, nil

	case config.DriverSQLite:
		if cfg.AutoMigrate {
			if err := migrate.Up(migrate.DialectSQLite, cfg.URL); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	case config.DriverBolt:
		store, err := bolt.Open(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil

	case config.DriverMemory:
		slog.Warn("using in-memory store: queued items are lost on restart")
		return memory.NewStore(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// Migrate applies or rolls back schema migrations for drivers that have one.
func Migrate(cfg config.DatabaseConfig, down bool) error {
	var dialect string
	switch cfg.Driver {
	case config.DriverPostgres:
		dialect = migrate.DialectPostgres
	case config.DriverSQLite:
		dialect = migrate.DialectSQLite
	default:
		slog.Info("driver has no schema migrations", "driver", cfg.Driver)
		return nil
	}

	if down {
		return migrate.Down(dialect, cfg.URL)
	}
	return migrate.Up(dialect, cfg.URL)
}
