package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// CycleLocker guards a periodic job so only one process runs it at a time.
// On Postgres it holds a session advisory lock on a dedicated connection;
// SQLite deployments are single-process and always acquire.
type CycleLocker struct {
	store *Store
	key   int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewCycleLocker returns a locker for the given advisory lock key.
func NewCycleLocker(store *Store, key int64) *CycleLocker {
	return &CycleLocker{store: store, key: key}
}

// TryLock attempts to take the lock without blocking.
func (l *CycleLocker) TryLock(ctx context.Context) (bool, error) {
	if l.store.dialect != DialectPostgres {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.store.db.Conn(ctx)
	if err != nil {
		return false, l.store.mapper.MapError(err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, l.store.mapper.MapError(err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Unlock releases the lock if held.
func (l *CycleLocker) Unlock(ctx context.Context) error {
	if l.store.dialect != DialectPostgres {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	defer func() {
		_ = l.conn.Close()
		l.conn = nil
	}()
	if _, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key); err != nil {
		return fmt.Errorf("release advisory lock: %w", l.store.mapper.MapError(err))
	}
	return nil
}
