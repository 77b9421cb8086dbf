package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations applies every additive, idempotent migration in
// migrations/ that has not already run against db's underlying
// connection, tolerating a database left behind by a prior version
// (spec.md §4.1, §9).
func runMigrations(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	driverName := db.Dialector.Name()

	m, err := newMigrator(sqlDB, driverName)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	// The sqlite3 migrate driver's Close closes sqlDB itself, which the
	// store keeps using afterwards, so m is only closed for Postgres.
	if strings.Contains(driverName, "postgres") {
		defer m.Close()
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func newMigrator(sqlDB *sql.DB, driverName string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	var dbDriver interface {
		Close() error
	}
	var m *migrate.Migrate

	switch {
	case strings.Contains(driverName, "postgres"):
		pgDriver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
		if err != nil {
			return nil, err
		}
		dbDriver = pgDriver
		m, err = migrate.NewWithInstance("iofs", src, "postgres", pgDriver)
		if err != nil {
			return nil, err
		}
	default:
		sqliteDriver, err := sqlite3.WithInstance(sqlDB, &sqlite3.Config{})
		if err != nil {
			return nil, err
		}
		dbDriver = sqliteDriver
		m, err = migrate.NewWithInstance("iofs", src, "sqlite3", sqliteDriver)
		if err != nil {
			return nil, err
		}
	}
	_ = dbDriver // closed via m.Close() where runMigrations calls it
	return m, nil
}
