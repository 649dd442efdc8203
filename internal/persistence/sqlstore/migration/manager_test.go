package migration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestManager(db *sqlx.DB, files fstest.MapFS) *Manager {
	return NewManager(NewScanner(files), NewExecutor(db), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

const appointmentsSQL = `
CREATE TABLE appointments (id INTEGER PRIMARY KEY, organization_id INTEGER NOT NULL);
CREATE TRIGGER appointments_guard BEFORE INSERT ON appointments
BEGIN
    SELECT RAISE(ABORT, 'organization required') WHERE NEW.organization_id <= 0;
END;`

func baseMigrations() fstest.MapFS {
	return fstest.MapFS{
		"001_directory.sql":    {Data: []byte("-- Description: Organizations\nCREATE TABLE organizations (id INTEGER PRIMARY KEY);")},
		"002_appointments.sql": {Data: []byte(appointmentsSQL)},
	}
}

func TestManagerRunMigrations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	manager := newTestManager(db, baseMigrations())

	if err := manager.RunMigrations(ctx); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	if err := manager.RunMigrations(ctx); err != nil {
		t.Fatalf("second run should be a no-op: %v", err)
	}

	status, err := manager.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.CurrentVersion != "002" || status.PendingCount != 0 || len(status.AppliedMigrations) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	if _, err := db.ExecContext(ctx, `INSERT INTO appointments (organization_id) VALUES (0)`); err == nil {
		t.Fatalf("expected trigger body to be applied intact")
	}
	applied, err := NewExecutor(db).IsVersionApplied(ctx, "001")
	if err != nil || !applied {
		t.Fatalf("expected 001 applied, got %v, %v", applied, err)
	}
}

func TestManagerPendingAfterNewFile(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	files := baseMigrations()
	if err := newTestManager(db, files).RunMigrations(ctx); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	files["003_outbox.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE outbox (id INTEGER PRIMARY KEY);")}
	pending, err := newTestManager(db, files).PendingMigrations(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Version != "003" {
		t.Fatalf("expected only 003 pending, got %+v", pending)
	}
}

func TestManagerRejectsEditedMigration(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	files := baseMigrations()
	if err := newTestManager(db, files).RunMigrations(ctx); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	files["001_directory.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE organizations (id INTEGER PRIMARY KEY, name TEXT);")}
	err := newTestManager(db, files).RunMigrations(ctx)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestManagerRejectsGap(t *testing.T) {
	db := openTestDB(t)
	files := baseMigrations()
	files["004_later.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE later (id INTEGER);")}

	err := newTestManager(db, files).RunMigrations(context.Background())
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestManagerFailedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	files := baseMigrations()
	files["003_broken.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE partial_table (id INTEGER); INSERT INTO missing_table VALUES (1);")}

	err := newTestManager(db, files).RunMigrations(ctx)
	if !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("expected migration failure, got %v", err)
	}
	var migrationErr *MigrationError
	if !errors.As(err, &migrationErr) || migrationErr.Version != "003" {
		t.Fatalf("expected failure attributed to 003, got %v", err)
	}

	applied, err := NewExecutor(db).IsVersionApplied(ctx, "003")
	if err != nil || applied {
		t.Fatalf("expected 003 not recorded, got %v, %v", applied, err)
	}
	var count int
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM sqlite_master WHERE name = 'partial_table'`); err != nil {
		t.Fatalf("inspect schema: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected partial table to be rolled back")
	}
}
