package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	migrationsDir   = "migrations"
	migrationsTable = "tenantvault_schema_migrations"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// ErrDirtySchema means an earlier migration failed halfway and needs an
// operator to force the version.
var ErrDirtySchema = errors.New("schema is dirty")

// Result reports the schema version before and after a run.
type Result struct {
	From    uint
	To      uint
	Applied bool
}

// RunMigrations brings a Postgres database up to the latest embedded schema.
// The schema's partial unique index enforces one in-flight backup per tenant.
func RunMigrations(db *sql.DB) (Result, error) {
	if db == nil {
		return Result{}, errors.New("migration database handle is required")
	}

	m, err := newMigrator(db)
	if err != nil {
		return Result{}, err
	}
	// m.Close would close the shared *sql.DB.

	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Result{}, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return Result{From: from}, fmt.Errorf("%w at version %d", ErrDirtySchema, from)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return Result{From: from, To: from}, nil
		}
		return Result{From: from}, fmt.Errorf("apply migrations: %w", err)
	}

	to, _, err := m.Version()
	if err != nil {
		return Result{From: from}, fmt.Errorf("read schema version: %w", err)
	}
	return Result{From: from, To: to, Applied: to != from}, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}
