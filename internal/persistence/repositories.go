package persistence

import (
	"context"
	"time"

	"github.com/example/booking-core/internal/calendar"
)

// AppointmentRepository stores appointment occurrences. Every method is
// tenant scoped.
type AppointmentRepository interface {
	Insert(ctx context.Context, appointment Appointment) (Appointment, error)
	Get(ctx context.Context, organizationID, id int64) (Appointment, error)
	List(ctx context.Context, organizationID int64, filter AppointmentFilter) ([]Appointment, error)
	ListSeries(ctx context.Context, organizationID int64, groupKey string) ([]Appointment, error)
	ListByIDs(ctx context.Context, organizationID int64, ids []int64) ([]Appointment, error)
	FindConflicts(ctx context.Context, query ConflictQuery) ([]Appointment, error)
	UpdateByIDs(ctx context.Context, organizationID int64, ids []int64, patch AppointmentPatch, updatedAt time.Time) (int64, error)
	DeleteByIDs(ctx context.Context, organizationID int64, ids []int64) (int64, error)
	NoShowSummary(ctx context.Context, organizationID int64, from, to calendar.Date) ([]NoShowSummary, error)
	// LockSlot serializes bookings for one specialist day until the
	// surrounding transaction ends.
	LockSlot(ctx context.Context, organizationID, specialistID int64, date calendar.Date) error
}

// NotificationRepository stores per-recipient inbox rows.
type NotificationRepository interface {
	InsertEvents(ctx context.Context, events []NotificationEvent) (int64, error)
	ListForUser(ctx context.Context, organizationID, userID int64, unreadOnly bool, limit int) ([]NotificationEvent, error)
	MarkAllRead(ctx context.Context, organizationID, userID int64, readAt time.Time) (int64, error)
	ClearAll(ctx context.Context, organizationID, userID int64) (int64, error)
}

// OutboxRepository stores durable delivery intents. Transition methods are
// conditional on the row still being pending and report whether they won.
type OutboxRepository interface {
	Insert(ctx context.Context, event OutboxEvent) (int64, error)
	Get(ctx context.Context, id int64) (OutboxEvent, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]OutboxEvent, error)
	Claim(ctx context.Context, id int64, now, leaseUntil time.Time) (bool, error)
	MarkSent(ctx context.Context, id int64, processedAt time.Time) (bool, error)
	Reschedule(ctx context.Context, id int64, retryCount int, nextRetryAt time.Time, message string) (bool, error)
	MarkFailed(ctx context.Context, id int64, processedAt time.Time, message string) (bool, error)
	Prune(ctx context.Context, olderThan time.Time, limit int) (int64, error)
	CountByStatus(ctx context.Context) (map[OutboxStatus]int64, error)
}

// DirectoryRepository exposes the tenant, user, and role lookups the core consumes.
type DirectoryRepository interface {
	ResolveActor(ctx context.Context, organizationID, userID int64) (Actor, error)
	UsersByRole(ctx context.Context, organizationID int64, roleLabel string) ([]int64, error)
	UsersExist(ctx context.Context, organizationID int64, userIDs []int64) ([]int64, error)
	HasPermission(ctx context.Context, roleID int64, code string) (bool, error)
	Roles(ctx context.Context, organizationID int64) ([]Role, error)
}

// Repositories groups the repositories bound to one connection or transaction.
type Repositories interface {
	Appointments() AppointmentRepository
	Notifications() NotificationRepository
	Outbox() OutboxRepository
	Directory() DirectoryRepository
}

// Transactor runs fn inside a single database transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	InTx(ctx context.Context, fn func(tx Repositories) error) error
}

// SchemaProbe reports whether the notification and outbox tables exist.
type SchemaProbe interface {
	NotificationSchemaReady(ctx context.Context) (bool, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	Repositories
	Transactor
	SchemaProbe
}
