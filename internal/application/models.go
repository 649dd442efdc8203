package application

import (
	"encoding/json"

	"github.com/example/booking-core/internal/calendar"
	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/recurrence"
	"github.com/example/booking-core/internal/scheduler"
)

// Permission codes checked through the directory permission gate.
const (
	PermissionAppointmentsRead  = "appointments.read"
	PermissionAppointmentsWrite = "appointments.write"
	PermissionNotificationsSend = "notifications.send"
)

// AppointmentInput captures caller provided fields for a new booking.
type AppointmentInput struct {
	SpecialistID    int64
	ClientID        int64
	Date            calendar.Date
	Start           calendar.ClockTime
	End             calendar.ClockTime
	DurationMinutes int
	ServiceName     string
	Status          persistence.AppointmentStatus
	Note            string

	RepeatType   recurrence.RepeatType
	RepeatUntil  calendar.Date
	RepeatDays   []recurrence.Weekday
	RepeatAnchor calendar.Date
}

// CreateAppointmentParams wraps the data required to create a booking.
type CreateAppointmentParams struct {
	Actor persistence.Actor
	Input AppointmentInput
}

// CreateResult reports what a create request booked. Skipped lists the
// generated series dates that were left out because they were taken.
type CreateResult struct {
	Created        []persistence.Appointment
	Skipped        []SkippedDate
	RepeatGroupKey string
}

// ConflictCheckParams describes a candidate slot.
type ConflictCheckParams struct {
	Actor        persistence.Actor
	SpecialistID int64
	Date         calendar.Date
	Start        calendar.ClockTime
	End          calendar.ClockTime
	ExcludeID    int64
}

// ConflictReport is the answer to a conflict check.
type ConflictReport struct {
	Conflict  bool
	Conflicts []scheduler.Conflict
}

// EditTargets is the resolved affected set of a scoped edit or delete.
type EditTargets struct {
	Anchor         persistence.Appointment
	Affected       []persistence.Appointment
	IsRecurring    bool
	RequestedScope scheduler.Scope
	EffectiveScope scheduler.Scope
}

// IDs returns the ids of the affected appointments in order.
func (t EditTargets) IDs() []int64 {
	ids := make([]int64, 0, len(t.Affected))
	for _, appointment := range t.Affected {
		ids = append(ids, appointment.ID)
	}
	return ids
}

// UpdateAppointmentParams wraps a scoped edit.
type UpdateAppointmentParams struct {
	Actor    persistence.Actor
	AnchorID int64
	Scope    scheduler.Scope
	Patch    persistence.AppointmentPatch
}

// UpdateResult reports a scoped edit.
type UpdateResult struct {
	Targets EditTargets
	Updated []persistence.Appointment
}

// BulkUpdateParams applies one patch to an explicit id set.
type BulkUpdateParams struct {
	Actor persistence.Actor
	IDs   []int64
	Patch persistence.AppointmentPatch
}

// DeleteAppointmentParams wraps a scoped delete.
type DeleteAppointmentParams struct {
	Actor    persistence.Actor
	AnchorID int64
	Scope    scheduler.Scope
}

// DeleteResult reports a scoped delete.
type DeleteResult struct {
	Targets EditTargets
	Deleted int64
}

// ListAppointmentsParams narrows an appointment listing.
type ListAppointmentsParams struct {
	Actor  persistence.Actor
	Filter persistence.AppointmentFilter
}

// Notification is one logical event addressed to users and roles.
type Notification struct {
	EventType     string
	Message       string
	AggregateType string
	AggregateID   string
	Data          any
	TargetUserIDs []int64
	TargetRoles   []string
	// MaxRetries overrides the service default when set.
	MaxRetries *int
}

// Dispatch reports what a notification produced.
type Dispatch struct {
	OutboxID    int64
	Recipients  []int64
	Inserted    int64
	Delivered   int
	SchemaReady bool
}

// OutboxInput is the raw enqueue request for InsertOutboxEvent.
type OutboxInput struct {
	OrganizationID int64
	EventType      string
	AggregateType  string
	AggregateID    string
	Payload        json.RawMessage
	MaxRetries     int
	ActorID        int64
}

// RecipientQuery selects notification recipients within a tenant.
type RecipientQuery struct {
	OrganizationID int64
	UserIDs        []int64
	Roles          []string
	ExcludeUserID  int64
}

// InboxParams narrows an inbox listing.
type InboxParams struct {
	Actor      persistence.Actor
	UnreadOnly bool
	Limit      int
}

// Inbox is a page of notification events for one user.
type Inbox struct {
	Events      []persistence.NotificationEvent
	SchemaReady bool
}

// SendParams is a manual notification send.
type SendParams struct {
	Actor         persistence.Actor
	EventType     string
	Message       string
	Data          any
	TargetUserIDs []int64
	TargetRoles   []string
}
