package testfixtures

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/booking-core/internal/calendar"
	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/persistence/sqlstore"
	"github.com/example/booking-core/internal/recurrence"
)

var appointmentCounter uint64

var referenceTime = time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)

// ReferenceTime returns the canonical baseline timestamp used by fixtures.
func ReferenceTime() time.Time {
	return referenceTime
}

// Role labels seeded by SeedTenant.
const (
	RoleManager    = "Manager"
	RoleSpecialist = "Specialist"
	RoleReception  = "Reception"
)

// ----------------------------- Tenant fixtures -----------------------------

// TenantFixture is a seeded organization with one member per role. User ids
// are derived from the organization id so several tenants can share a store.
type TenantFixture struct {
	OrganizationID int64

	ManagerRoleID    int64
	SpecialistRoleID int64
	ReceptionRoleID  int64

	Admin       persistence.Actor
	Manager     persistence.Actor
	Specialist  persistence.Actor
	Specialist2 persistence.Actor
	Reception   persistence.Actor
}

// UserID returns the fixture user id for slot n within organizationID.
func UserID(organizationID int64, n int64) int64 {
	return organizationID*100 + n
}

// SeedTenant creates roles, members, and permission grants for organizationID.
// Managers may read, write, and send; specialists may read and write;
// reception may only read.
func SeedTenant(tb testing.TB, writer *sqlstore.DirectoryWriter, organizationID int64) TenantFixture {
	tb.Helper()
	ctx := context.Background()

	roleID := func(label string, permissions ...string) int64 {
		id, err := writer.EnsureRole(ctx, organizationID, label)
		if err != nil {
			tb.Fatalf("seed role %q: %v", label, err)
		}
		for _, code := range permissions {
			if err := writer.GrantPermission(ctx, id, code); err != nil {
				tb.Fatalf("grant %q to %q: %v", code, label, err)
			}
		}
		return id
	}

	tenant := TenantFixture{OrganizationID: organizationID}
	tenant.ManagerRoleID = roleID(RoleManager, "appointments.read", "appointments.write", "notifications.send")
	tenant.SpecialistRoleID = roleID(RoleSpecialist, "appointments.read", "appointments.write")
	tenant.ReceptionRoleID = roleID(RoleReception, "appointments.read")

	member := func(n int64, roleID int64, label string, admin bool) persistence.Actor {
		actor := persistence.Actor{
			OrganizationID: organizationID,
			UserID:         UserID(organizationID, n),
			RoleID:         roleID,
			RoleLabel:      label,
			IsAdmin:        admin,
		}
		if err := writer.UpsertMember(ctx, persistence.Member{
			OrganizationID: organizationID,
			UserID:         actor.UserID,
			RoleID:         roleID,
			IsAdmin:        admin,
		}); err != nil {
			tb.Fatalf("seed member %d: %v", actor.UserID, err)
		}
		return actor
	}

	tenant.Admin = member(1, tenant.ManagerRoleID, RoleManager, true)
	tenant.Manager = member(2, tenant.ManagerRoleID, RoleManager, false)
	tenant.Specialist = member(3, tenant.SpecialistRoleID, RoleSpecialist, false)
	tenant.Specialist2 = member(4, tenant.SpecialistRoleID, RoleSpecialist, false)
	tenant.Reception = member(5, tenant.ReceptionRoleID, RoleReception, false)
	return tenant
}

// -------------------------- Appointment fixtures ---------------------------

// AppointmentOption configures the generated appointment fixture.
type AppointmentOption func(*persistence.Appointment)

// NewAppointmentFixture returns a pending single appointment on date from
// start to end. Dates and times use the wire formats YYYY-MM-DD and HH:MM.
func NewAppointmentFixture(organizationID, specialistID int64, date, start, end string, opts ...AppointmentOption) persistence.Appointment {
	idx := atomic.AddUint64(&appointmentCounter, 1)
	created := referenceTime.Add(time.Duration(idx) * time.Minute)
	startTime := calendar.MustParseClockTime(start)
	endTime := calendar.MustParseClockTime(end)
	appointment := persistence.Appointment{
		OrganizationID:  organizationID,
		SpecialistID:    specialistID,
		Date:            calendar.MustParseDate(date),
		Start:           startTime,
		End:             endTime,
		DurationMinutes: int(endTime - startTime),
		ServiceName:     "Consultation",
		Status:          persistence.StatusPending,
		RepeatType:      recurrence.RepeatNone,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	for _, opt := range opts {
		opt(&appointment)
	}
	return appointment
}

// WithStatus overrides the appointment status.
func WithStatus(status persistence.AppointmentStatus) AppointmentOption {
	return func(a *persistence.Appointment) {
		a.Status = status
	}
}

// WithClient sets the client.
func WithClient(clientID int64) AppointmentOption {
	return func(a *persistence.Appointment) {
		a.ClientID = clientID
	}
}

// WithSeries marks the appointment as an occurrence of a weekly series.
func WithSeries(groupKey string, anchor, until string, root bool, days ...recurrence.Weekday) AppointmentOption {
	return func(a *persistence.Appointment) {
		a.RepeatType = recurrence.RepeatWeekly
		a.RepeatGroupKey = groupKey
		a.RepeatAnchor = calendar.MustParseDate(anchor)
		a.RepeatUntil = calendar.MustParseDate(until)
		a.RepeatDays = days
		a.IsRepeatRoot = root
	}
}

// InsertAppointment stores appointment through the pool and fails tb on error.
func InsertAppointment(tb testing.TB, store persistence.Repositories, appointment persistence.Appointment) persistence.Appointment {
	tb.Helper()
	inserted, err := store.Appointments().Insert(context.Background(), appointment)
	if err != nil {
		tb.Fatalf("insert appointment fixture: %v", err)
	}
	return inserted
}
