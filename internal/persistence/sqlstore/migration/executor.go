package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Executor runs migrations and maintains the schema_migrations table.
type Executor struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewExecutor returns an Executor bound to db. Placeholders are rebound for
// the driver db was opened with.
func NewExecutor(db *sqlx.DB) *Executor {
	return &Executor{db: db, now: time.Now}
}

// InitializeVersionTable creates the schema_migrations table if needed.
func (e *Executor) InitializeVersionTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at BIGINT NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			execution_time_ms BIGINT NOT NULL DEFAULT 0
		)`
	if _, err := e.db.ExecContext(ctx, ddl); err != nil {
		return newDatabaseError("", "create schema_migrations table", err)
	}
	return nil
}

// ExecuteMigration runs the whole file and records it in one transaction.
// Files are executed as a single multi-statement script so trigger bodies
// containing semicolons survive intact.
func (e *Executor) ExecuteMigration(ctx context.Context, migration Migration) (err error) {
	started := e.now()
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return newDatabaseError(migration.Version, "begin transaction", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, migration.SQL); err != nil {
		return newDatabaseError(migration.Version, "execute script", err)
	}

	elapsed := e.now().Sub(started)
	insert := tx.Rebind(`INSERT INTO schema_migrations (version, applied_at, checksum, execution_time_ms) VALUES (?, ?, ?, ?)`)
	if _, err = tx.ExecContext(ctx, insert, migration.Version, e.now().UTC().UnixMilli(), migration.Checksum, elapsed.Milliseconds()); err != nil {
		return newDatabaseError(migration.Version, "record migration", err)
	}

	if err = tx.Commit(); err != nil {
		return newDatabaseError(migration.Version, "commit transaction", err)
	}
	return nil
}

// AppliedMigrations lists applied versions in ascending order.
func (e *Executor) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	var rows []struct {
		Version         string `db:"version"`
		AppliedAt       int64  `db:"applied_at"`
		Checksum        string `db:"checksum"`
		ExecutionTimeMS int64  `db:"execution_time_ms"`
	}
	err := e.db.SelectContext(ctx, &rows, `SELECT version, applied_at, checksum, execution_time_ms FROM schema_migrations`)
	if err != nil {
		return nil, newDatabaseError("", "list applied migrations", err)
	}

	applied := make([]AppliedMigration, 0, len(rows))
	for _, row := range rows {
		applied = append(applied, AppliedMigration{
			Version:       row.Version,
			AppliedAt:     time.UnixMilli(row.AppliedAt).UTC(),
			ExecutionTime: time.Duration(row.ExecutionTimeMS) * time.Millisecond,
			Checksum:      row.Checksum,
		})
	}
	sortApplied(applied)
	return applied, nil
}

// IsVersionApplied reports whether version has been recorded.
func (e *Executor) IsVersionApplied(ctx context.Context, version string) (bool, error) {
	var exists int
	err := e.db.GetContext(ctx, &exists, e.db.Rebind(`SELECT 1 FROM schema_migrations WHERE version = ?`), version)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, newDatabaseError(version, "check version applied", fmt.Errorf("query: %w", err))
	}
	return true, nil
}
