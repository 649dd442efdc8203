// Package sqlstore implements the persistence repositories on top of
// database/sql through sqlx, for SQLite (modernc.org/sqlite) and Postgres
// (lib/pq).
package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/persistence/sqlstore/migration"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

// Config describes how to open the store.
type Config struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectRetry    RetryConfig
}

// Store owns the connection pool and hands out repositories.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	mapper  *ErrorMapper
	logger  *slog.Logger
}

var _ persistence.Store = (*Store)(nil)

// Open connects to the database described by cfg and pings it, retrying
// transient failures according to cfg.ConnectRetry.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlstore: DSN cannot be empty")
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DialectSQLite
	}
	dsn := cfg.DSN
	if cfg.Dialect == DialectSQLite {
		dsn = ensureSQLiteTxLock(dsn)
	}

	db, err := sqlx.Open(cfg.Dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", cfg.Dialect, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	retry := NewRetryHelper(cfg.ConnectRetry)
	if err := retry.WithRetry(ctx, func() error { return db.PingContext(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", cfg.Dialect, err)
	}

	return New(db, cfg.Dialect, logger), nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, dialect: dialect, mapper: NewErrorMapper(), logger: logger}
}

// DB returns the underlying pool.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect reports the SQL dialect in use.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping tests the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies pending embedded migrations for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	manager := s.migrationManager()
	return manager.RunMigrations(ctx)
}

// MigrationStatus reports applied and pending migrations.
func (s *Store) MigrationStatus(ctx context.Context) (migration.Status, error) {
	return s.migrationManager().Status(ctx)
}

func (s *Store) migrationManager() *migration.Manager {
	scanner := migration.NewScannerDir(migrationFiles, s.dialect.migrationDir())
	return migration.NewManager(scanner, migration.NewExecutor(s.db), s.logger)
}

// Appointments returns the appointment repository bound to the pool.
func (s *Store) Appointments() persistence.AppointmentRepository {
	return &appointmentRepository{q: s.db, dialect: s.dialect, mapper: s.mapper}
}

// Notifications returns the notification repository bound to the pool.
func (s *Store) Notifications() persistence.NotificationRepository {
	return &notificationRepository{q: s.db, mapper: s.mapper}
}

// Outbox returns the outbox repository bound to the pool.
func (s *Store) Outbox() persistence.OutboxRepository {
	return &outboxRepository{q: s.db, mapper: s.mapper}
}

// Directory returns the directory repository bound to the pool.
func (s *Store) Directory() persistence.DirectoryRepository {
	return &directoryRepository{q: s.db, mapper: s.mapper}
}

// InTx executes fn within a database transaction. If fn returns an error or
// panics the transaction is rolled back, otherwise it is committed.
func (s *Store) InTx(ctx context.Context, fn func(tx persistence.Repositories) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return s.mapper.MapError(fmt.Errorf("begin transaction: %w", err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&txRepositories{tx: tx, dialect: s.dialect, mapper: s.mapper}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed (rollback error: %v): %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return s.mapper.MapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// NotificationSchemaReady reports whether both notification_events and
// outbox_events exist.
func (s *Store) NotificationSchemaReady(ctx context.Context) (bool, error) {
	var query string
	switch s.dialect {
	case DialectPostgres:
		query = `SELECT COUNT(*) FROM information_schema.tables
			WHERE table_schema = current_schema() AND table_name IN ('notification_events', 'outbox_events')`
	default:
		query = `SELECT COUNT(*) FROM sqlite_master
			WHERE type = 'table' AND name IN ('notification_events', 'outbox_events')`
	}
	var count int
	if err := s.db.GetContext(ctx, &count, query); err != nil {
		return false, s.mapper.MapError(err)
	}
	return count == 2, nil
}

type txRepositories struct {
	tx      *sqlx.Tx
	dialect Dialect
	mapper  *ErrorMapper
}

func (t *txRepositories) Appointments() persistence.AppointmentRepository {
	return &appointmentRepository{q: t.tx, dialect: t.dialect, mapper: t.mapper}
}

func (t *txRepositories) Notifications() persistence.NotificationRepository {
	return &notificationRepository{q: t.tx, mapper: t.mapper}
}

func (t *txRepositories) Outbox() persistence.OutboxRepository {
	return &outboxRepository{q: t.tx, mapper: t.mapper}
}

func (t *txRepositories) Directory() persistence.DirectoryRepository {
	return &directoryRepository{q: t.tx, mapper: t.mapper}
}
