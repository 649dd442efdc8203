package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/example/booking-core/internal/calendar"
	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/recurrence"
)

const appointmentColumns = `id, organization_id, specialist_id, client_id, appointment_date,
	start_minute, end_minute, duration_minutes, service_name, status, note,
	repeat_type, repeat_group_key, repeat_until_date, repeat_days, repeat_anchor_date,
	is_repeat_root, created_at, updated_at`

const appointmentOrder = ` ORDER BY appointment_date ASC, start_minute ASC,
	CASE WHEN status IN ('pending', 'confirmed') THEN 0 ELSE 1 END ASC,
	updated_at DESC, id DESC`

const activeStatusClause = `status IN ('pending', 'confirmed')`

type appointmentRow struct {
	ID              int64          `db:"id"`
	OrganizationID  int64          `db:"organization_id"`
	SpecialistID    int64          `db:"specialist_id"`
	ClientID        sql.NullInt64  `db:"client_id"`
	Date            dbDate         `db:"appointment_date"`
	StartMinute     int            `db:"start_minute"`
	EndMinute       int            `db:"end_minute"`
	DurationMinutes int            `db:"duration_minutes"`
	ServiceName     string         `db:"service_name"`
	Status          string         `db:"status"`
	Note            string         `db:"note"`
	RepeatType      string         `db:"repeat_type"`
	RepeatGroupKey  sql.NullString `db:"repeat_group_key"`
	RepeatUntil     dbDate         `db:"repeat_until_date"`
	RepeatDays      string         `db:"repeat_days"`
	RepeatAnchor    dbDate         `db:"repeat_anchor_date"`
	IsRepeatRoot    bool           `db:"is_repeat_root"`
	CreatedAt       int64          `db:"created_at"`
	UpdatedAt       int64          `db:"updated_at"`
}

func (r appointmentRow) toModel() (persistence.Appointment, error) {
	repeatType, err := recurrence.ParseRepeatType(r.RepeatType)
	if err != nil {
		return persistence.Appointment{}, err
	}
	days, err := decodeWeekdays(r.RepeatDays)
	if err != nil {
		return persistence.Appointment{}, err
	}
	return persistence.Appointment{
		ID:              r.ID,
		OrganizationID:  r.OrganizationID,
		SpecialistID:    r.SpecialistID,
		ClientID:        r.ClientID.Int64,
		Date:            r.Date.Date,
		Start:           calendar.ClockTime(r.StartMinute),
		End:             calendar.ClockTime(r.EndMinute),
		DurationMinutes: r.DurationMinutes,
		ServiceName:     r.ServiceName,
		Status:          persistence.AppointmentStatus(r.Status),
		Note:            r.Note,
		RepeatType:      repeatType,
		RepeatGroupKey:  r.RepeatGroupKey.String,
		RepeatUntil:     r.RepeatUntil.Date,
		RepeatDays:      days,
		RepeatAnchor:    r.RepeatAnchor.Date,
		IsRepeatRoot:    r.IsRepeatRoot,
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}, nil
}

func toModels(rows []appointmentRow) ([]persistence.Appointment, error) {
	out := make([]persistence.Appointment, 0, len(rows))
	for _, row := range rows {
		model, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, model)
	}
	return out, nil
}

type appointmentRepository struct {
	q       sqlx.ExtContext
	dialect Dialect
	mapper  *ErrorMapper
}

func (r *appointmentRepository) Insert(ctx context.Context, a persistence.Appointment) (persistence.Appointment, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if a.Status == "" {
		a.Status = persistence.StatusPending
	}

	query := r.q.Rebind(`INSERT INTO appointments (
		organization_id, specialist_id, client_id, appointment_date, start_minute, end_minute,
		duration_minutes, service_name, status, note, repeat_type, repeat_group_key,
		repeat_until_date, repeat_days, repeat_anchor_date, is_repeat_root, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	var id int64
	err := sqlx.GetContext(ctx, r.q, &id, query,
		a.OrganizationID,
		a.SpecialistID,
		nullID(a.ClientID),
		newDBDate(a.Date),
		a.Start.Minutes(),
		a.End.Minutes(),
		a.DurationMinutes,
		a.ServiceName,
		string(a.Status),
		a.Note,
		a.RepeatType.String(),
		nullString(a.RepeatGroupKey),
		newDBDate(a.RepeatUntil),
		encodeWeekdays(a.RepeatDays),
		newDBDate(a.RepeatAnchor),
		a.IsRepeatRoot,
		millis(a.CreatedAt),
		millis(a.UpdatedAt),
	)
	if err != nil {
		return persistence.Appointment{}, r.mapper.MapError(err)
	}
	a.ID = id
	a.CreatedAt = fromMillis(millis(a.CreatedAt))
	a.UpdatedAt = fromMillis(millis(a.UpdatedAt))
	return a, nil
}

func (r *appointmentRepository) Get(ctx context.Context, organizationID, id int64) (persistence.Appointment, error) {
	var row appointmentRow
	query := r.q.Rebind(`SELECT ` + appointmentColumns + ` FROM appointments WHERE organization_id = ? AND id = ?`)
	if err := sqlx.GetContext(ctx, r.q, &row, query, organizationID, id); err != nil {
		return persistence.Appointment{}, r.mapper.MapError(err)
	}
	return row.toModel()
}

func (r *appointmentRepository) List(ctx context.Context, organizationID int64, filter persistence.AppointmentFilter) ([]persistence.Appointment, error) {
	var (
		clauses = []string{"organization_id = ?"}
		args    = []any{organizationID}
	)
	if !filter.From.IsZero() {
		clauses = append(clauses, "appointment_date >= ?")
		args = append(args, newDBDate(filter.From))
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "appointment_date <= ?")
		args = append(args, newDBDate(filter.To))
	}
	if filter.SpecialistID != 0 {
		clauses = append(clauses, "specialist_id = ?")
		args = append(args, filter.SpecialistID)
	}
	if filter.ClientID != 0 {
		clauses = append(clauses, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		clauses = append(clauses, "status IN (?)")
		args = append(args, statuses)
	}
	if filter.RecurringOnly {
		clauses = append(clauses, "repeat_type = 'weekly' AND repeat_group_key IS NOT NULL")
	}
	if filter.VIPOnly {
		clauses = append(clauses, "client_id IN (SELECT id FROM clients WHERE organization_id = ? AND is_vip = ?)")
		args = append(args, organizationID, true)
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE ` + strings.Join(clauses, " AND ") + appointmentOrder
	return r.selectRows(ctx, query, args...)
}

func (r *appointmentRepository) ListSeries(ctx context.Context, organizationID int64, groupKey string) ([]persistence.Appointment, error) {
	if groupKey == "" {
		return nil, nil
	}
	query := `SELECT ` + appointmentColumns + ` FROM appointments
		WHERE organization_id = ? AND repeat_group_key = ?` + appointmentOrder
	return r.selectRows(ctx, query, organizationID, groupKey)
}

func (r *appointmentRepository) ListByIDs(ctx context.Context, organizationID int64, ids []int64) ([]persistence.Appointment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + appointmentColumns + ` FROM appointments
		WHERE organization_id = ? AND id IN (?)` + appointmentOrder
	return r.selectRows(ctx, query, organizationID, ids)
}

func (r *appointmentRepository) FindConflicts(ctx context.Context, q persistence.ConflictQuery) ([]persistence.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments
		WHERE organization_id = ? AND specialist_id = ? AND appointment_date = ?
		AND ` + activeStatusClause + `
		AND start_minute < ? AND ? < end_minute`
	args := []any{q.OrganizationID, q.SpecialistID, newDBDate(q.Date), q.End.Minutes(), q.Start.Minutes()}
	if len(q.ExcludeIDs) > 0 {
		query += ` AND id NOT IN (?)`
		args = append(args, q.ExcludeIDs)
	}
	return r.selectRows(ctx, query+appointmentOrder, args...)
}

func (r *appointmentRepository) UpdateByIDs(ctx context.Context, organizationID int64, ids []int64, patch persistence.AppointmentPatch, updatedAt time.Time) (int64, error) {
	if len(ids) == 0 || patch.Empty() {
		return 0, nil
	}
	var (
		sets = []string{"updated_at = ?"}
		args = []any{millis(updatedAt)}
	)
	if patch.SpecialistID != nil {
		sets = append(sets, "specialist_id = ?")
		args = append(args, *patch.SpecialistID)
	}
	if patch.ClientID != nil {
		sets = append(sets, "client_id = ?")
		args = append(args, nullID(*patch.ClientID))
	}
	if patch.Start != nil {
		sets = append(sets, "start_minute = ?")
		args = append(args, patch.Start.Minutes())
	}
	if patch.End != nil {
		sets = append(sets, "end_minute = ?")
		args = append(args, patch.End.Minutes())
	}
	if patch.DurationMinutes != nil {
		sets = append(sets, "duration_minutes = ?")
		args = append(args, *patch.DurationMinutes)
	}
	if patch.ServiceName != nil {
		sets = append(sets, "service_name = ?")
		args = append(args, *patch.ServiceName)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Note != nil {
		sets = append(sets, "note = ?")
		args = append(args, *patch.Note)
	}
	if patch.ApplyDate {
		sets = append(sets, "appointment_date = ?")
		args = append(args, newDBDate(patch.Date))
	}
	args = append(args, organizationID, ids)

	query := `UPDATE appointments SET ` + strings.Join(sets, ", ") + ` WHERE organization_id = ? AND id IN (?)`
	return r.exec(ctx, query, args...)
}

func (r *appointmentRepository) DeleteByIDs(ctx context.Context, organizationID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return r.exec(ctx, `DELETE FROM appointments WHERE organization_id = ? AND id IN (?)`, organizationID, ids)
}

func (r *appointmentRepository) NoShowSummary(ctx context.Context, organizationID int64, from, to calendar.Date) ([]persistence.NoShowSummary, error) {
	var (
		clauses = []string{"a.organization_id = ?", "a.status = ?", "a.client_id IS NOT NULL"}
		args    = []any{organizationID, string(persistence.StatusNoShow)}
	)
	if !from.IsZero() {
		clauses = append(clauses, "a.appointment_date >= ?")
		args = append(args, newDBDate(from))
	}
	if !to.IsZero() {
		clauses = append(clauses, "a.appointment_date <= ?")
		args = append(args, newDBDate(to))
	}
	query := r.q.Rebind(`SELECT a.client_id AS client_id, COALESCE(c.name, '') AS client_name,
		COUNT(*) AS no_show_count, MAX(a.appointment_date) AS last_date
		FROM appointments a
		LEFT JOIN clients c ON c.id = a.client_id AND c.organization_id = a.organization_id
		WHERE ` + strings.Join(clauses, " AND ") + `
		GROUP BY a.client_id, c.name
		ORDER BY no_show_count DESC, a.client_id ASC`)

	var rows []struct {
		ClientID   int64  `db:"client_id"`
		ClientName string `db:"client_name"`
		Count      int    `db:"no_show_count"`
		LastDate   dbDate `db:"last_date"`
	}
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, r.mapper.MapError(err)
	}
	out := make([]persistence.NoShowSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, persistence.NoShowSummary{
			ClientID:   row.ClientID,
			ClientName: row.ClientName,
			Count:      row.Count,
			LastDate:   row.LastDate.Date,
		})
	}
	return out, nil
}

// LockSlot takes a transaction scoped advisory lock on Postgres. SQLite
// transactions are opened IMMEDIATE and already hold the database write lock.
func (r *appointmentRepository) LockSlot(ctx context.Context, organizationID, specialistID int64, date calendar.Date) error {
	if r.dialect != DialectPostgres {
		return nil
	}
	key := fmt.Sprintf("appointments:%d:%d:%s", organizationID, specialistID, date)
	if _, err := r.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

func (r *appointmentRepository) selectRows(ctx context.Context, query string, args ...any) ([]persistence.Appointment, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	var rows []appointmentRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, r.q.Rebind(query), args...); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return toModels(rows)
}

func (r *appointmentRepository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return 0, err
	}
	result, err := r.q.ExecContext(ctx, r.q.Rebind(query), args...)
	if err != nil {
		return 0, r.mapper.MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, r.mapper.MapError(err)
	}
	return affected, nil
}
