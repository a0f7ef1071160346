// Package migrate applies the embedded schema migrations with golang-migrate.
package migrate

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres:// driver
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"   // sqlite:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql
var migrations embed.FS

// Supported dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Up applies all pending migrations for dialect against databaseURL.
// For sqlite, databaseURL is the database file path.
func Up(dialect, databaseURL string) error {
	m, err := newMigrator(dialect, databaseURL)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	slog.Info("schema up to date", "dialect", dialect, "version", version, "dirty", dirty)
	return nil
}

// Down rolls back every migration.
func Down(dialect, databaseURL string) error {
	m, err := newMigrator(dialect, databaseURL)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("roll back migrations: %w", err)
	}
	return nil
}

func newMigrator(dialect, databaseURL string) (*migrate.Migrate, error) {
	var url string
	switch dialect {
	case DialectPostgres:
		url = databaseURL
	case DialectSQLite:
		url = "sqlite://" + databaseURL
	default:
		return nil, fmt.Errorf("migrations not supported for dialect %q", dialect)
	}

	src, err := iofs.New(migrations, "sql/"+dialect)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func closeMigrator(m *migrate.Migrate) {
	srcErr, dbErr := m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		slog.Warn("failed to close migrator", "error", err)
	}
}
