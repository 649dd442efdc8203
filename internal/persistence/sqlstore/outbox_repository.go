package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/booking-core/internal/persistence"
)

const outboxColumns = `id, organization_id, event_type, aggregate_type, aggregate_id, payload,
	status, retry_count, max_retries, next_retry_at, processed_at, error_message, created_by, created_at`

type outboxRow struct {
	ID             int64         `db:"id"`
	OrganizationID int64         `db:"organization_id"`
	EventType      string        `db:"event_type"`
	AggregateType  string        `db:"aggregate_type"`
	AggregateID    string        `db:"aggregate_id"`
	Payload        []byte        `db:"payload"`
	Status         string        `db:"status"`
	RetryCount     int           `db:"retry_count"`
	MaxRetries     int           `db:"max_retries"`
	NextRetryAt    sql.NullInt64 `db:"next_retry_at"`
	ProcessedAt    sql.NullInt64 `db:"processed_at"`
	ErrorMessage   string        `db:"error_message"`
	CreatedBy      sql.NullInt64 `db:"created_by"`
	CreatedAt      int64         `db:"created_at"`
}

func (r outboxRow) toModel() persistence.OutboxEvent {
	return persistence.OutboxEvent{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		EventType:      r.EventType,
		AggregateType:  r.AggregateType,
		AggregateID:    r.AggregateID,
		Payload:        append([]byte(nil), r.Payload...),
		Status:         persistence.OutboxStatus(r.Status),
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		NextRetryAt:    timePtr(r.NextRetryAt),
		ProcessedAt:    timePtr(r.ProcessedAt),
		ErrorMessage:   r.ErrorMessage,
		CreatedBy:      idPtr(r.CreatedBy),
		CreatedAt:      fromMillis(r.CreatedAt),
	}
}

type outboxRepository struct {
	q      sqlx.ExtContext
	mapper *ErrorMapper
}

func (r *outboxRepository) Insert(ctx context.Context, event persistence.OutboxEvent) (int64, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.Status == "" {
		event.Status = persistence.OutboxPending
	}
	query := r.q.Rebind(`INSERT INTO outbox_events (
		organization_id, event_type, aggregate_type, aggregate_id, payload, status,
		retry_count, max_retries, next_retry_at, error_message, created_by, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	var id int64
	err := sqlx.GetContext(ctx, r.q, &id, query,
		event.OrganizationID,
		event.EventType,
		event.AggregateType,
		event.AggregateID,
		payloadText(event.Payload),
		string(event.Status),
		event.RetryCount,
		event.MaxRetries,
		nullMillis(event.NextRetryAt),
		event.ErrorMessage,
		nullIDPtr(event.CreatedBy),
		millis(event.CreatedAt),
	)
	if err != nil {
		return 0, r.mapper.MapError(err)
	}
	return id, nil
}

func (r *outboxRepository) Get(ctx context.Context, id int64) (persistence.OutboxEvent, error) {
	var row outboxRow
	query := r.q.Rebind(`SELECT ` + outboxColumns + ` FROM outbox_events WHERE id = ?`)
	if err := sqlx.GetContext(ctx, r.q, &row, query, id); err != nil {
		return persistence.OutboxEvent{}, r.mapper.MapError(err)
	}
	return row.toModel(), nil
}

// ListDue returns pending rows whose retry time has passed, oldest first.
func (r *outboxRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]persistence.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := r.q.Rebind(`SELECT ` + outboxColumns + ` FROM outbox_events
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`)
	var rows []outboxRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, millis(now), limit); err != nil {
		return nil, r.mapper.MapError(err)
	}
	out := make([]persistence.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// Claim pushes next_retry_at to leaseUntil if the row is still pending and
// due. A false result means another processor got there first.
func (r *outboxRepository) Claim(ctx context.Context, id int64, now, leaseUntil time.Time) (bool, error) {
	query := r.q.Rebind(`UPDATE outbox_events SET next_retry_at = ?
		WHERE id = ? AND status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)`)
	return r.won(ctx, query, millis(leaseUntil), id, millis(now))
}

func (r *outboxRepository) MarkSent(ctx context.Context, id int64, processedAt time.Time) (bool, error) {
	query := r.q.Rebind(`UPDATE outbox_events SET status = 'sent', processed_at = ?, error_message = ''
		WHERE id = ? AND status = 'pending'`)
	return r.won(ctx, query, millis(processedAt), id)
}

func (r *outboxRepository) Reschedule(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, message string) (bool, error) {
	query := r.q.Rebind(`UPDATE outbox_events SET retry_count = ?, next_retry_at = ?, error_message = ?
		WHERE id = ? AND status = 'pending'`)
	return r.won(ctx, query, retryCount, millis(nextRetryAt), message, id)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id int64, processedAt time.Time, message string) (bool, error) {
	query := r.q.Rebind(`UPDATE outbox_events SET status = 'failed', processed_at = ?, error_message = ?
		WHERE id = ? AND status = 'pending'`)
	return r.won(ctx, query, millis(processedAt), message, id)
}

// Prune deletes up to limit terminal rows processed before olderThan, oldest
// first. Pending rows are never touched.
func (r *outboxRepository) Prune(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	query := r.q.Rebind(`DELETE FROM outbox_events WHERE id IN (
		SELECT id FROM outbox_events
		WHERE status IN ('sent', 'failed') AND processed_at IS NOT NULL AND processed_at < ?
		ORDER BY processed_at ASC, id ASC
		LIMIT ?
	)`)
	return execAffected(ctx, r.q, r.mapper, query, millis(olderThan), limit)
}

func (r *outboxRepository) CountByStatus(ctx context.Context) (map[persistence.OutboxStatus]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"total"`
	}
	if err := sqlx.SelectContext(ctx, r.q, &rows, `SELECT status, COUNT(*) AS total FROM outbox_events GROUP BY status`); err != nil {
		return nil, r.mapper.MapError(err)
	}
	counts := make(map[persistence.OutboxStatus]int64, len(rows))
	for _, row := range rows {
		counts[persistence.OutboxStatus(row.Status)] = row.Count
	}
	return counts, nil
}

func (r *outboxRepository) won(ctx context.Context, query string, args ...any) (bool, error) {
	affected, err := execAffected(ctx, r.q, r.mapper, query, args...)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
