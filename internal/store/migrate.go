package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const migrationsDir = "migrations"

// goose keeps its dialect and base FS in package globals.
var gooseMu sync.Mutex

// MigrationRunner applies the embedded SQL migrations with goose.
type MigrationRunner struct {
	db *sql.DB
}

// NewMigrationRunner creates a runner for db.
func NewMigrationRunner(db *sql.DB) *MigrationRunner {
	return &MigrationRunner{db: db}
}

func (m *MigrationRunner) prepare() error {
	if m.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}

// Up applies all pending migrations. Each migration runs in a transaction.
func (m *MigrationRunner) Up() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := m.prepare(); err != nil {
		return err
	}
	if err := goose.Up(m.db, migrationsDir); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *MigrationRunner) Down() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := m.prepare(); err != nil {
		return err
	}
	if err := goose.Down(m.db, migrationsDir); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Version returns the current migration version, 0 if none was applied.
func (m *MigrationRunner) Version() (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := m.prepare(); err != nil {
		return 0, err
	}
	version, err := goose.GetDBVersion(m.db)
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, nil
}
