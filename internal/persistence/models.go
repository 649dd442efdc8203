package persistence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/booking-core/internal/calendar"
	"github.com/example/booking-core/internal/recurrence"
	"github.com/example/booking-core/internal/scheduler"
)

// AppointmentStatus is the lifecycle state of an appointment occurrence.
type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no-show"
	StatusCompleted AppointmentStatus = "completed"
)

// ActiveStatuses lists the statuses that occupy a specialist's time.
var ActiveStatuses = []AppointmentStatus{StatusPending, StatusConfirmed}

// ParseAppointmentStatus validates a wire value. "no_show" is accepted as an
// alias of "no-show".
func ParseAppointmentStatus(value string) (AppointmentStatus, error) {
	status := AppointmentStatus(strings.ToLower(strings.TrimSpace(value)))
	if status == "no_show" {
		status = StatusNoShow
	}
	if !status.Valid() {
		return "", fmt.Errorf("persistence: invalid appointment status %q", value)
	}
	return status, nil
}

// Valid reports whether s is a known status.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusNoShow, StatusCompleted:
		return true
	}
	return false
}

// Active reports whether s blocks the specialist's slot.
func (s AppointmentStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Appointment is one bookable occurrence.
type Appointment struct {
	ID              int64
	OrganizationID  int64
	SpecialistID    int64
	ClientID        int64
	Date            calendar.Date
	Start           calendar.ClockTime
	End             calendar.ClockTime
	DurationMinutes int
	ServiceName     string
	Status          AppointmentStatus
	Note            string

	RepeatType     recurrence.RepeatType
	RepeatGroupKey string
	RepeatUntil    calendar.Date
	RepeatDays     []recurrence.Weekday
	RepeatAnchor   calendar.Date
	IsRepeatRoot   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRecurring reports whether the occurrence belongs to a weekly series.
func (a Appointment) IsRecurring() bool {
	return a.RepeatType == recurrence.RepeatWeekly && a.RepeatGroupKey != ""
}

// OccurrenceDate implements scheduler.Dated.
func (a Appointment) OccurrenceDate() calendar.Date { return a.Date }

// OrderKey implements scheduler.Ordered.
func (a Appointment) OrderKey() scheduler.OrderKey {
	return scheduler.OrderKey{
		Date:      a.Date,
		Start:     a.Start,
		Active:    a.Status.Active(),
		UpdatedAt: a.UpdatedAt,
		ID:        a.ID,
	}
}

// Slot projects the occurrence onto the overlap rule.
func (a Appointment) Slot() scheduler.Slot {
	return scheduler.Slot{
		ID:             a.ID,
		OrganizationID: a.OrganizationID,
		SpecialistID:   a.SpecialistID,
		Date:           a.Date,
		Start:          a.Start,
		End:            a.End,
		Active:         a.Status.Active(),
	}
}

// AppointmentFilter narrows appointment listings. Zero values match everything.
type AppointmentFilter struct {
	From          calendar.Date
	To            calendar.Date
	SpecialistID  int64
	ClientID      int64
	Statuses      []AppointmentStatus
	VIPOnly       bool
	RecurringOnly bool
}

// ConflictQuery selects active appointments overlapping a candidate slot.
type ConflictQuery struct {
	OrganizationID int64
	SpecialistID   int64
	Date           calendar.Date
	Start          calendar.ClockTime
	End            calendar.ClockTime
	ExcludeIDs     []int64
}

// AppointmentPatch is a uniform change applied to a set of appointments.
// Nil fields are left untouched. Date is only written when ApplyDate is set.
type AppointmentPatch struct {
	SpecialistID    *int64
	ClientID        *int64
	Start           *calendar.ClockTime
	End             *calendar.ClockTime
	DurationMinutes *int
	ServiceName     *string
	Status          *AppointmentStatus
	Note            *string
	Date            calendar.Date
	ApplyDate       bool
}

// Empty reports whether the patch would change nothing.
func (p AppointmentPatch) Empty() bool {
	return p.SpecialistID == nil && p.ClientID == nil && p.Start == nil && p.End == nil &&
		p.DurationMinutes == nil && p.ServiceName == nil && p.Status == nil && p.Note == nil && !p.ApplyDate
}

// Apply returns a copy of a with the patch applied.
func (p AppointmentPatch) Apply(a Appointment) Appointment {
	if p.SpecialistID != nil {
		a.SpecialistID = *p.SpecialistID
	}
	if p.ClientID != nil {
		a.ClientID = *p.ClientID
	}
	if p.Start != nil {
		a.Start = *p.Start
	}
	if p.End != nil {
		a.End = *p.End
	}
	if p.DurationMinutes != nil {
		a.DurationMinutes = *p.DurationMinutes
	}
	if p.ServiceName != nil {
		a.ServiceName = *p.ServiceName
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.Note != nil {
		a.Note = *p.Note
	}
	if p.ApplyDate {
		a.Date = p.Date
	}
	return a
}

// NoShowSummary aggregates no-show occurrences per client.
type NoShowSummary struct {
	ClientID   int64
	ClientName string
	Count      int
	LastDate   calendar.Date
}

// NotificationEvent is a per-recipient inbox row.
type NotificationEvent struct {
	ID             int64
	OrganizationID int64
	UserID         int64
	SourceUserID   *int64
	EventType      string
	Message        string
	Payload        json.RawMessage
	IsRead         bool
	ReadAt         *time.Time
	CreatedAt      time.Time
}

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxSent || s == OutboxFailed
}

// OutboxEvent is a durable delivery intent.
type OutboxEvent struct {
	ID             int64
	OrganizationID int64
	EventType      string
	AggregateType  string
	AggregateID    string
	Payload        json.RawMessage
	Status         OutboxStatus
	RetryCount     int
	MaxRetries     int
	NextRetryAt    *time.Time
	ProcessedAt    *time.Time
	ErrorMessage   string
	CreatedBy      *int64
	CreatedAt      time.Time
}

// RoleAll is the synthetic role label that addresses every member of a tenant.
const RoleAll = "all"

// Actor is the acting user resolved within a tenant.
type Actor struct {
	OrganizationID int64
	UserID         int64
	RoleID         int64
	RoleLabel      string
	IsAdmin        bool
}

// Member is a user's membership in a tenant.
type Member struct {
	OrganizationID int64
	UserID         int64
	RoleID         int64
	IsAdmin        bool
}

// Role is a tenant-defined role.
type Role struct {
	ID             int64
	OrganizationID int64
	Label          string
}

// Client is the minimal client read model the engine filters on.
type Client struct {
	ID             int64
	OrganizationID int64
	Name           string
	IsVIP          bool
}
