package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/booking-core/internal/persistence"
)

type notificationRow struct {
	ID             int64         `db:"id"`
	OrganizationID int64         `db:"organization_id"`
	UserID         int64         `db:"user_id"`
	SourceUserID   sql.NullInt64 `db:"source_user_id"`
	EventType      string        `db:"event_type"`
	Message        string        `db:"message"`
	Payload        []byte        `db:"payload"`
	IsRead         bool          `db:"is_read"`
	ReadAt         sql.NullInt64 `db:"read_at"`
	CreatedAt      int64         `db:"created_at"`
}

type notificationInsertRow struct {
	OrganizationID int64         `db:"organization_id"`
	UserID         int64         `db:"user_id"`
	SourceUserID   sql.NullInt64 `db:"source_user_id"`
	EventType      string        `db:"event_type"`
	Message        string        `db:"message"`
	Payload        string        `db:"payload"`
	CreatedAt      int64         `db:"created_at"`
}

type notificationRepository struct {
	q      sqlx.ExtContext
	mapper *ErrorMapper
}

// InsertEvents writes all rows with one multi-row INSERT.
func (r *notificationRepository) InsertEvents(ctx context.Context, events []persistence.NotificationEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	rows := make([]notificationInsertRow, 0, len(events))
	for _, event := range events {
		createdAt := event.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		rows = append(rows, notificationInsertRow{
			OrganizationID: event.OrganizationID,
			UserID:         event.UserID,
			SourceUserID:   nullIDPtr(event.SourceUserID),
			EventType:      event.EventType,
			Message:        event.Message,
			Payload:        payloadText(event.Payload),
			CreatedAt:      millis(createdAt),
		})
	}

	result, err := sqlx.NamedExecContext(ctx, r.q, `INSERT INTO notification_events
		(organization_id, user_id, source_user_id, event_type, message, payload, created_at)
		VALUES (:organization_id, :user_id, :source_user_id, :event_type, :message, :payload, :created_at)`, rows)
	if err != nil {
		return 0, r.mapper.MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, r.mapper.MapError(err)
	}
	return affected, nil
}

func (r *notificationRepository) ListForUser(ctx context.Context, organizationID, userID int64, unreadOnly bool, limit int) ([]persistence.NotificationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, organization_id, user_id, source_user_id, event_type, message, payload,
		is_read, read_at, created_at
		FROM notification_events WHERE organization_id = ? AND user_id = ?`
	args := []any{organizationID, userID}
	if unreadOnly {
		query += ` AND is_read = ?`
		args = append(args, false)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []notificationRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, r.q.Rebind(query), args...); err != nil {
		return nil, r.mapper.MapError(err)
	}
	out := make([]persistence.NotificationEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, persistence.NotificationEvent{
			ID:             row.ID,
			OrganizationID: row.OrganizationID,
			UserID:         row.UserID,
			SourceUserID:   idPtr(row.SourceUserID),
			EventType:      row.EventType,
			Message:        row.Message,
			Payload:        append([]byte(nil), row.Payload...),
			IsRead:         row.IsRead,
			ReadAt:         timePtr(row.ReadAt),
			CreatedAt:      fromMillis(row.CreatedAt),
		})
	}
	return out, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, organizationID, userID int64, readAt time.Time) (int64, error) {
	query := r.q.Rebind(`UPDATE notification_events SET is_read = ?, read_at = ?
		WHERE organization_id = ? AND user_id = ? AND is_read = ?`)
	return execAffected(ctx, r.q, r.mapper, query, true, millis(readAt), organizationID, userID, false)
}

func (r *notificationRepository) ClearAll(ctx context.Context, organizationID, userID int64) (int64, error) {
	query := r.q.Rebind(`DELETE FROM notification_events WHERE organization_id = ? AND user_id = ?`)
	return execAffected(ctx, r.q, r.mapper, query, organizationID, userID)
}

func execAffected(ctx context.Context, q sqlx.ExecerContext, mapper *ErrorMapper, query string, args ...any) (int64, error) {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapper.MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, mapper.MapError(err)
	}
	return affected, nil
}
