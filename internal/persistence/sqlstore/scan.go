package sqlstore

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/booking-core/internal/calendar"
	"github.com/example/booking-core/internal/recurrence"
)

// dbDate stores a calendar.Date as YYYY-MM-DD text. Postgres DATE columns
// scan back as time.Time.
type dbDate struct {
	calendar.Date
	Valid bool
}

func newDBDate(d calendar.Date) dbDate {
	return dbDate{Date: d, Valid: !d.IsZero()}
}

// Scan implements sql.Scanner.
func (d *dbDate) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = dbDate{}
		return nil
	case time.Time:
		*d = dbDate{Date: calendar.DateOf(v.UTC()), Valid: true}
		return nil
	case []byte:
		return d.parse(string(v))
	case string:
		return d.parse(v)
	}
	return fmt.Errorf("sqlstore: cannot scan %T into date", src)
}

func (d *dbDate) parse(value string) error {
	if len(value) > 10 {
		value = value[:10]
	}
	parsed, err := calendar.ParseDate(value)
	if err != nil {
		return err
	}
	*d = dbDate{Date: parsed, Valid: true}
	return nil
}

// Value implements driver.Valuer.
func (d dbDate) Value() (driver.Value, error) {
	if !d.Valid {
		return nil, nil
	}
	return d.Date.String(), nil
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullID(id int64) sql.NullInt64 {
	if id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: id, Valid: true}
}

func nullIDPtr(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func idPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	id := v.Int64
	return &id
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeWeekdays(days []recurrence.Weekday) string {
	parts := make([]string, 0, len(days))
	for _, day := range days {
		parts = append(parts, strconv.Itoa(int(day)))
	}
	return strings.Join(parts, ",")
}

func decodeWeekdays(value string) ([]recurrence.Weekday, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	days := make([]recurrence.Weekday, 0, len(parts))
	for _, part := range parts {
		day, err := recurrence.ParseWeekday(part)
		if err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	return days, nil
}

func payloadText(payload []byte) string {
	if len(payload) == 0 {
		return "{}"
	}
	return string(payload)
}
