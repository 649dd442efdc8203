package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/booking-core/internal/calendar"
	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/pubsub"
	"github.com/example/booking-core/internal/recurrence"
	"github.com/example/booking-core/internal/scheduler"
)

const (
	maxServiceNameLength = 200
	maxNoteLength        = 2000
)

// Event types emitted by booking mutations.
const (
	EventAppointmentCreated = "appointment.created"
	EventAppointmentUpdated = "appointment.updated"
	EventAppointmentDeleted = "appointment.deleted"
)

// BookingService coordinates appointment bookings, scoped edits, and the
// notifications they emit.
type BookingService struct {
	store       persistence.Store
	engine      *recurrence.Engine
	notifier    *NotificationService
	groupKey    func() string
	now         func() time.Time
	logger      *slog.Logger
	permissions *permissionCache
}

// NewBookingService constructs a BookingService instance.
func NewBookingService(store persistence.Store, engine *recurrence.Engine, notifier *NotificationService, groupKey func() string, now func() time.Time) *BookingService {
	return NewBookingServiceWithLogger(store, engine, notifier, groupKey, now, nil)
}

// NewBookingServiceWithLogger constructs a BookingService with a custom logger.
func NewBookingServiceWithLogger(store persistence.Store, engine *recurrence.Engine, notifier *NotificationService, groupKey func() string, now func() time.Time, logger *slog.Logger) *BookingService {
	if engine == nil {
		engine = recurrence.NewEngine(0)
	}
	if groupKey == nil {
		groupKey = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return &BookingService{
		store:       store,
		engine:      engine,
		notifier:    notifier,
		groupKey:    groupKey,
		now:         now,
		logger:      defaultLogger(logger),
		permissions: newPermissionCache(0, 0),
	}
}

func (s *BookingService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "BookingService", operation, attrs...)
}

func (s *BookingService) authorize(ctx context.Context, actor persistence.Actor, code string) error {
	return authorize(ctx, s.store.Directory(), s.permissions, actor, code)
}

// CheckConflict reports the active appointments that overlap a candidate slot.
func (s *BookingService) CheckConflict(ctx context.Context, params ConflictCheckParams) (report ConflictReport, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	logger := s.loggerWith(ctx, "CheckConflict", "organization_id", params.Actor.OrganizationID, "specialist_id", params.SpecialistID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to check conflicts", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	if err = s.authorize(ctx, params.Actor, PermissionAppointmentsRead); err != nil {
		return
	}

	vErr := &ValidationError{}
	if params.SpecialistID <= 0 {
		vErr.add("specialist_id", "is required")
	}
	if params.Date.IsZero() {
		vErr.add("appointment_date", "is required")
	}
	vErr.merge(validateWindow(params.Start, params.End))
	if vErr.HasErrors() {
		err = vErr
		return
	}

	var exclude []int64
	if params.ExcludeID > 0 {
		exclude = []int64{params.ExcludeID}
	}
	existing, findErr := s.store.Appointments().FindConflicts(ctx, persistence.ConflictQuery{
		OrganizationID: params.Actor.OrganizationID,
		SpecialistID:   params.SpecialistID,
		Date:           params.Date,
		Start:          params.Start,
		End:            params.End,
		ExcludeIDs:     exclude,
	})
	if findErr != nil {
		err = mapStoreError(findErr)
		return
	}

	conflicts := conflictsFor(existing, scheduler.Slot{
		OrganizationID: params.Actor.OrganizationID,
		SpecialistID:   params.SpecialistID,
		Date:           params.Date,
		Start:          params.Start,
		End:            params.End,
		Active:         true,
	}, exclude...)
	report = ConflictReport{Conflict: len(conflicts) > 0, Conflicts: conflicts}
	return
}

// Create books a single appointment or expands a weekly series. Series dates
// that are already taken are skipped and reported; if every date is taken the
// call fails with a *ConflictError carrying the skips, and the returned result
// still lists them.
func (s *BookingService) Create(ctx context.Context, params CreateAppointmentParams) (result CreateResult, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	actor := params.Actor
	logger := s.loggerWith(ctx, "Create", "organization_id", actor.OrganizationID, "principal_id", actor.UserID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to create appointment", "error", err, "error_kind", ErrorKind(err), "skipped", len(result.Skipped))
			return
		}
		logger.With("created", len(result.Created), "skipped", len(result.Skipped), "repeat_group_key", result.RepeatGroupKey).
			InfoContext(ctx, "appointment created")
	}()

	if err = s.authorize(ctx, actor, PermissionAppointmentsWrite); err != nil {
		return
	}

	template, rule, vErr := prepareAppointment(actor.OrganizationID, params.Input)
	if vErr.HasErrors() {
		err = vErr
		return
	}
	dates, genErr := s.engine.GenerateDates(rule)
	if genErr != nil {
		err = recurrenceValidationError(genErr)
		return
	}

	weekly := rule.Type == recurrence.RepeatWeekly
	groupKey := ""
	if weekly {
		groupKey = s.groupKey()
		template.RepeatGroupKey = groupKey
	}
	now := s.now().UTC()
	template.CreatedAt = now
	template.UpdatedAt = now

	var dispatch Dispatch
	err = s.inTx(ctx, "Create", func(tx persistence.Repositories, durable bool) error {
		result = CreateResult{RepeatGroupKey: groupKey}
		repo := tx.Appointments()
		for _, date := range dates {
			if err := repo.LockSlot(ctx, actor.OrganizationID, template.SpecialistID, date); err != nil {
				return err
			}
			row := template
			row.Date = date
			if row.Status.Active() {
				existing, err := repo.FindConflicts(ctx, persistence.ConflictQuery{
					OrganizationID: actor.OrganizationID,
					SpecialistID:   row.SpecialistID,
					Date:           date,
					Start:          row.Start,
					End:            row.End,
				})
				if err != nil {
					return err
				}
				if conflicts := conflictsFor(existing, row.Slot()); len(conflicts) > 0 {
					if !weekly {
						return &ConflictError{Conflicts: conflicts}
					}
					result.Skipped = append(result.Skipped, SkippedDate{Date: date, Conflicts: conflicts})
					continue
				}
			}
			row.IsRepeatRoot = weekly && len(result.Created) == 0
			inserted, err := repo.Insert(ctx, row)
			if err != nil {
				return err
			}
			result.Created = append(result.Created, inserted)
		}
		if len(result.Created) == 0 {
			return &ConflictError{Skipped: result.Skipped}
		}
		if durable {
			var err error
			dispatch, err = s.notifier.EnqueueInTx(ctx, tx, actor, createdNotification(result))
			return err
		}
		return nil
	})
	if err != nil {
		err = mapStoreError(err)
		result.Created = nil
		return
	}

	s.publishAfterCommit(ctx, actor, createdNotification(result), dispatch)
	return
}

// ResolveTargets returns the occurrences a scoped edit of anchorID would touch.
func (s *BookingService) ResolveTargets(ctx context.Context, actor persistence.Actor, anchorID int64, scope scheduler.Scope) (targets EditTargets, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	logger := s.loggerWith(ctx, "ResolveTargets", "organization_id", actor.OrganizationID, "appointment_id", anchorID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to resolve edit targets", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	if err = s.authorize(ctx, actor, PermissionAppointmentsRead); err != nil {
		return
	}
	targets, err = resolveTargets(ctx, s.store.Appointments(), actor.OrganizationID, anchorID, scope)
	err = mapStoreError(err)
	return
}

// Update applies patch to the occurrences selected by scope around the anchor.
func (s *BookingService) Update(ctx context.Context, params UpdateAppointmentParams) (result UpdateResult, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	actor := params.Actor
	logger := s.loggerWith(ctx, "Update", "organization_id", actor.OrganizationID, "appointment_id", params.AnchorID, "scope", params.Scope.String())
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to update appointment", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("updated", len(result.Updated), "effective_scope", result.Targets.EffectiveScope.String()).
			InfoContext(ctx, "appointment updated")
	}()

	if err = s.authorize(ctx, actor, PermissionAppointmentsWrite); err != nil {
		return
	}
	if vErr := validatePatch(params.Patch); vErr.HasErrors() {
		err = vErr
		return
	}

	var dispatch Dispatch
	err = s.inTx(ctx, "Update", func(tx persistence.Repositories, durable bool) error {
		targets, err := resolveTargets(ctx, tx.Appointments(), actor.OrganizationID, params.AnchorID, params.Scope)
		if err != nil {
			return err
		}
		updated, err := s.applyPatch(ctx, tx.Appointments(), actor.OrganizationID, targets.IDs(), params.Patch)
		if err != nil {
			return err
		}
		result = UpdateResult{Targets: targets, Updated: updated}
		if durable {
			dispatch, err = s.notifier.EnqueueInTx(ctx, tx, actor, changedNotification(EventAppointmentUpdated, "updated", updated))
			return err
		}
		return nil
	})
	if err != nil {
		err = mapStoreError(err)
		result = UpdateResult{}
		return
	}

	s.publishAfterCommit(ctx, actor, changedNotification(EventAppointmentUpdated, "updated", result.Updated), dispatch)
	return
}

// BulkUpdate applies one patch to an explicit id set. Ids outside the tenant
// are ignored. The resulting rows are re-validated before commit.
func (s *BookingService) BulkUpdate(ctx context.Context, params BulkUpdateParams) (updated []persistence.Appointment, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	actor := params.Actor
	logger := s.loggerWith(ctx, "BulkUpdate", "organization_id", actor.OrganizationID, "ids", len(params.IDs))
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to bulk update appointments", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("updated", len(updated)).InfoContext(ctx, "appointments updated")
	}()

	if err = s.authorize(ctx, actor, PermissionAppointmentsWrite); err != nil {
		return
	}
	if vErr := validatePatch(params.Patch); vErr.HasErrors() {
		err = vErr
		return
	}
	if len(params.IDs) == 0 {
		return nil, nil
	}

	var dispatch Dispatch
	err = s.inTx(ctx, "BulkUpdate", func(tx persistence.Repositories, durable bool) error {
		var err error
		updated, err = s.applyPatch(ctx, tx.Appointments(), actor.OrganizationID, params.IDs, params.Patch)
		if err != nil {
			return err
		}
		if durable && len(updated) > 0 {
			dispatch, err = s.notifier.EnqueueInTx(ctx, tx, actor, changedNotification(EventAppointmentUpdated, "updated", updated))
			return err
		}
		return nil
	})
	if err != nil {
		err = mapStoreError(err)
		updated = nil
		return
	}
	if len(updated) > 0 {
		s.publishAfterCommit(ctx, actor, changedNotification(EventAppointmentUpdated, "updated", updated), dispatch)
	}
	return
}

// Delete removes the occurrences selected by scope around the anchor.
func (s *BookingService) Delete(ctx context.Context, params DeleteAppointmentParams) (result DeleteResult, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	actor := params.Actor
	logger := s.loggerWith(ctx, "Delete", "organization_id", actor.OrganizationID, "appointment_id", params.AnchorID, "scope", params.Scope.String())
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to delete appointment", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("deleted", result.Deleted, "effective_scope", result.Targets.EffectiveScope.String()).
			InfoContext(ctx, "appointment deleted")
	}()

	if err = s.authorize(ctx, actor, PermissionAppointmentsWrite); err != nil {
		return
	}

	var dispatch Dispatch
	err = s.inTx(ctx, "Delete", func(tx persistence.Repositories, durable bool) error {
		targets, err := resolveTargets(ctx, tx.Appointments(), actor.OrganizationID, params.AnchorID, params.Scope)
		if err != nil {
			return err
		}
		deleted, err := tx.Appointments().DeleteByIDs(ctx, actor.OrganizationID, targets.IDs())
		if err != nil {
			return err
		}
		result = DeleteResult{Targets: targets, Deleted: deleted}
		if durable && deleted > 0 {
			dispatch, err = s.notifier.EnqueueInTx(ctx, tx, actor, changedNotification(EventAppointmentDeleted, "deleted", targets.Affected))
			return err
		}
		return nil
	})
	if err != nil {
		err = mapStoreError(err)
		result = DeleteResult{}
		return
	}
	if result.Deleted > 0 {
		s.publishAfterCommit(ctx, actor, changedNotification(EventAppointmentDeleted, "deleted", result.Targets.Affected), dispatch)
	}
	return
}

// DeleteByIDs removes exactly the given appointments within the tenant and
// returns how many rows went away. Repeating the call is harmless.
func (s *BookingService) DeleteByIDs(ctx context.Context, actor persistence.Actor, ids []int64) (deleted int64, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	logger := s.loggerWith(ctx, "DeleteByIDs", "organization_id", actor.OrganizationID, "ids", len(ids))
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to delete appointments", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("deleted", deleted).InfoContext(ctx, "appointments deleted")
	}()

	if err = s.authorize(ctx, actor, PermissionAppointmentsWrite); err != nil {
		return
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		dispatch Dispatch
		removed  []persistence.Appointment
	)
	err = s.inTx(ctx, "DeleteByIDs", func(tx persistence.Repositories, durable bool) error {
		var err error
		removed, err = tx.Appointments().ListByIDs(ctx, actor.OrganizationID, ids)
		if err != nil {
			return err
		}
		deleted, err = tx.Appointments().DeleteByIDs(ctx, actor.OrganizationID, ids)
		if err != nil {
			return err
		}
		if durable && deleted > 0 {
			dispatch, err = s.notifier.EnqueueInTx(ctx, tx, actor, changedNotification(EventAppointmentDeleted, "deleted", removed))
			return err
		}
		return nil
	})
	if err != nil {
		err = mapStoreError(err)
		deleted = 0
		return
	}
	if deleted > 0 {
		s.publishAfterCommit(ctx, actor, changedNotification(EventAppointmentDeleted, "deleted", removed), dispatch)
	}
	return
}

// List returns the tenant's appointments matching the filter in display order.
func (s *BookingService) List(ctx context.Context, params ListAppointmentsParams) (appointments []persistence.Appointment, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	logger := s.loggerWith(ctx, "List", "organization_id", params.Actor.OrganizationID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to list appointments", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	if err = s.authorize(ctx, params.Actor, PermissionAppointmentsRead); err != nil {
		return
	}
	filter := params.Filter
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		vErr := &ValidationError{}
		vErr.add("to", "must not precede from")
		err = vErr
		return
	}
	for _, status := range filter.Statuses {
		if !status.Valid() {
			vErr := &ValidationError{}
			vErr.add("status", fmt.Sprintf("unknown status %q", status))
			err = vErr
			return
		}
	}

	appointments, err = s.store.Appointments().List(ctx, params.Actor.OrganizationID, filter)
	if err != nil {
		err = mapStoreError(err)
		return
	}
	scheduler.Sort(appointments)
	return
}

// NoShowSummary counts no-show occurrences per client within [from, to].
func (s *BookingService) NoShowSummary(ctx context.Context, actor persistence.Actor, from, to calendar.Date) (summary []persistence.NoShowSummary, err error) {
	if s == nil {
		err = fmt.Errorf("BookingService is nil")
		return
	}
	logger := s.loggerWith(ctx, "NoShowSummary", "organization_id", actor.OrganizationID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to summarize no-shows", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	if err = s.authorize(ctx, actor, PermissionAppointmentsRead); err != nil {
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		vErr := &ValidationError{}
		vErr.add("to", "must not precede from")
		err = vErr
		return
	}
	summary, err = s.store.Appointments().NoShowSummary(ctx, actor.OrganizationID, from, to)
	err = mapStoreError(err)
	return
}

// applyPatch re-validates the patched rows before writing them: every active
// result must keep end after start, must not overlap stored rows outside the
// id set, and must not overlap another patched row.
func (s *BookingService) applyPatch(ctx context.Context, repo persistence.AppointmentRepository, organizationID int64, ids []int64, patch persistence.AppointmentPatch) ([]persistence.Appointment, error) {
	ids = uniqueIDs(ids)
	current, err := repo.ListByIDs(ctx, organizationID, ids)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return nil, ErrNotFound
	}
	if patch.Empty() {
		return current, nil
	}

	found := make([]int64, 0, len(current))
	projected := make([]persistence.Appointment, 0, len(current))
	for _, appointment := range current {
		next := patch.Apply(appointment)
		if next.End <= next.Start {
			vErr := &ValidationError{}
			vErr.add("end_time", fmt.Sprintf("must be after start time for appointment %d", appointment.ID))
			return nil, vErr
		}
		found = append(found, appointment.ID)
		projected = append(projected, next)
	}

	for _, key := range slotKeys(projected) {
		if err := repo.LockSlot(ctx, organizationID, key.specialistID, key.date); err != nil {
			return nil, err
		}
	}

	var conflicts []scheduler.Conflict
	slots := make([]scheduler.Slot, 0, len(projected))
	for _, next := range projected {
		slot := next.Slot()
		slots = append(slots, slot)
		if !slot.Active {
			continue
		}
		existing, err := repo.FindConflicts(ctx, persistence.ConflictQuery{
			OrganizationID: organizationID,
			SpecialistID:   next.SpecialistID,
			Date:           next.Date,
			Start:          next.Start,
			End:            next.End,
			ExcludeIDs:     found,
		})
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, conflictsFor(existing, slot, found...)...)
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{Conflicts: conflicts}
	}
	if first, second, ok := scheduler.PairwiseConflicts(slots); ok {
		pair := make([]scheduler.Conflict, 0, 2)
		for _, next := range projected {
			if next.ID == first || next.ID == second {
				pair = append(pair, scheduler.Conflict{WithID: next.ID, Date: next.Date, Start: next.Start, End: next.End})
			}
		}
		return nil, &ConflictError{Conflicts: pair}
	}

	if _, err := repo.UpdateByIDs(ctx, organizationID, found, patch, s.now().UTC()); err != nil {
		return nil, err
	}
	updated, err := repo.ListByIDs(ctx, organizationID, found)
	if err != nil {
		return nil, err
	}
	scheduler.Sort(updated)
	return updated, nil
}

func (s *BookingService) notificationsReady(ctx context.Context) bool {
	return s.notifier != nil && s.notifier.SchemaReady(ctx)
}

// inTx runs fn in one transaction, writing notifications durably when the
// schema is ready. If the notification tables are gone by the time fn writes
// them, the schema is re-probed on later calls and fn runs again without the
// durable notification.
func (s *BookingService) inTx(ctx context.Context, operation string, fn func(tx persistence.Repositories, durable bool) error) error {
	durable := s.notificationsReady(ctx)
	err := s.store.InTx(ctx, func(tx persistence.Repositories) error {
		return fn(tx, durable)
	})
	if err == nil || !durable || !errors.Is(mapStoreError(err), ErrSchemaMissing) {
		return err
	}
	s.notifier.forgetSchema()
	s.loggerWith(ctx, operation).WarnContext(ctx, "notification schema missing, continuing with live push only", "error", err)
	return s.store.InTx(ctx, func(tx persistence.Repositories) error {
		return fn(tx, false)
	})
}

func (s *BookingService) publishAfterCommit(ctx context.Context, actor persistence.Actor, n Notification, dispatch Dispatch) {
	if s.notifier == nil {
		return
	}
	delivered := s.notifier.PublishLive(ctx, actor, n, dispatch.Recipients)
	s.loggerWith(ctx, "Publish", "event_type", n.EventType).
		DebugContext(ctx, "live event published", "delivered", delivered, "outbox_id", dispatch.OutboxID)
}

func resolveTargets(ctx context.Context, repo persistence.AppointmentRepository, organizationID, anchorID int64, scope scheduler.Scope) (EditTargets, error) {
	anchor, err := repo.Get(ctx, organizationID, anchorID)
	if err != nil {
		return EditTargets{}, err
	}
	recurring := anchor.IsRecurring()
	effective := scheduler.EffectiveScope(scope, recurring)
	targets := EditTargets{
		Anchor:         anchor,
		IsRecurring:    recurring,
		RequestedScope: scope,
		EffectiveScope: effective,
	}
	if effective == scheduler.ScopeSingle {
		targets.Affected = []persistence.Appointment{anchor}
		return targets, nil
	}

	series, err := repo.ListSeries(ctx, organizationID, anchor.RepeatGroupKey)
	if err != nil {
		return EditTargets{}, err
	}
	affected := scheduler.SelectTargets(anchor, series, effective)
	if len(affected) == 0 {
		affected = []persistence.Appointment{anchor}
	}
	scheduler.Sort(affected)
	targets.Affected = affected
	return targets, nil
}

func prepareAppointment(organizationID int64, in AppointmentInput) (persistence.Appointment, recurrence.Rule, *ValidationError) {
	vErr := &ValidationError{}

	if in.SpecialistID <= 0 {
		vErr.add("specialist_id", "is required")
	}
	if in.ClientID < 0 {
		vErr.add("client_id", "must not be negative")
	}

	date := in.Date
	if date.IsZero() && in.RepeatType == recurrence.RepeatWeekly {
		date = in.RepeatAnchor
	}
	if date.IsZero() {
		vErr.add("appointment_date", "is required")
	}

	end := in.End
	if end == 0 && in.DurationMinutes > 0 {
		end = in.Start + calendar.ClockTime(in.DurationMinutes)
	}
	vErr.merge(validateWindow(in.Start, end))

	duration := in.DurationMinutes
	if duration < 0 {
		vErr.add("duration_minutes", "must not be negative")
	}
	if duration == 0 && end > in.Start {
		duration = int(end - in.Start)
	}

	status := in.Status
	if status == "" {
		status = persistence.StatusPending
	}
	if !status.Valid() {
		vErr.add("status", fmt.Sprintf("unknown status %q", in.Status))
	}

	serviceName := strings.TrimSpace(in.ServiceName)
	if len([]rune(serviceName)) > maxServiceNameLength {
		vErr.add("service_name", fmt.Sprintf("must be at most %d characters", maxServiceNameLength))
	}
	note := strings.TrimSpace(in.Note)
	if len([]rune(note)) > maxNoteLength {
		vErr.add("note", fmt.Sprintf("must be at most %d characters", maxNoteLength))
	}

	rule := recurrence.Rule{Type: in.RepeatType, Anchor: date}
	appointment := persistence.Appointment{
		OrganizationID:  organizationID,
		SpecialistID:    in.SpecialistID,
		ClientID:        in.ClientID,
		Date:            date,
		Start:           in.Start,
		End:             end,
		DurationMinutes: duration,
		ServiceName:     serviceName,
		Status:          status,
		Note:            note,
		RepeatType:      recurrence.RepeatNone,
	}

	switch in.RepeatType {
	case recurrence.RepeatNone:
	case recurrence.RepeatWeekly:
		anchor := in.RepeatAnchor
		if anchor.IsZero() {
			anchor = date
		}
		days := in.RepeatDays
		if len(days) == 0 && !anchor.IsZero() {
			days = []recurrence.Weekday{recurrence.WeekdayOf(anchor.Weekday())}
		}
		normalized, err := recurrence.NormalizeDays(days)
		if err != nil {
			vErr.add("repeat_days", err.Error())
		}
		if in.RepeatUntil.IsZero() {
			vErr.add("repeat_until_date", "is required for weekly repeats")
		}
		rule = recurrence.Rule{Type: recurrence.RepeatWeekly, Anchor: anchor, Until: in.RepeatUntil, Days: normalized}
		appointment.RepeatType = recurrence.RepeatWeekly
		appointment.RepeatUntil = in.RepeatUntil
		appointment.RepeatDays = normalized
		appointment.RepeatAnchor = anchor
	default:
		vErr.add("repeat_type", "must be none or weekly")
	}

	return appointment, rule, vErr
}

func validateWindow(start, end calendar.ClockTime) *ValidationError {
	vErr := &ValidationError{}
	if !start.Valid() {
		vErr.add("start_time", "must be a time of day")
	}
	if !end.Valid() {
		vErr.add("end_time", "must be a time of day")
	} else if end <= start {
		vErr.add("end_time", "must be after start time")
	}
	return vErr
}

func validatePatch(patch persistence.AppointmentPatch) *ValidationError {
	vErr := &ValidationError{}
	if patch.Start != nil && !patch.Start.Valid() {
		vErr.add("start_time", "must be a time of day")
	}
	if patch.End != nil && !patch.End.Valid() {
		vErr.add("end_time", "must be a time of day")
	}
	if patch.Start != nil && patch.End != nil && *patch.End <= *patch.Start {
		vErr.add("end_time", "must be after start time")
	}
	if patch.Status != nil && !patch.Status.Valid() {
		vErr.add("status", fmt.Sprintf("unknown status %q", *patch.Status))
	}
	if patch.SpecialistID != nil && *patch.SpecialistID <= 0 {
		vErr.add("specialist_id", "must be positive")
	}
	if patch.DurationMinutes != nil && *patch.DurationMinutes < 0 {
		vErr.add("duration_minutes", "must not be negative")
	}
	if patch.ApplyDate && patch.Date.IsZero() {
		vErr.add("appointment_date", "is required when the date is applied")
	}
	if patch.ServiceName != nil && len([]rune(strings.TrimSpace(*patch.ServiceName))) > maxServiceNameLength {
		vErr.add("service_name", fmt.Sprintf("must be at most %d characters", maxServiceNameLength))
	}
	if patch.Note != nil && len([]rune(*patch.Note)) > maxNoteLength {
		vErr.add("note", fmt.Sprintf("must be at most %d characters", maxNoteLength))
	}
	return vErr
}

func recurrenceValidationError(err error) error {
	vErr := &ValidationError{}
	switch {
	case errors.Is(err, recurrence.ErrInvalidRepeatType):
		vErr.add("repeat_type", "must be none or weekly")
	case errors.Is(err, recurrence.ErrInvalidWeekday), errors.Is(err, recurrence.ErrNoWeekdays):
		vErr.add("repeat_days", err.Error())
	case errors.Is(err, recurrence.ErrInvalidWindow), errors.Is(err, recurrence.ErrWindowTooLong):
		vErr.add("repeat_until_date", err.Error())
	default:
		return err
	}
	return vErr
}

func conflictsFor(existing []persistence.Appointment, candidate scheduler.Slot, exclude ...int64) []scheduler.Conflict {
	slots := make([]scheduler.Slot, 0, len(existing))
	for _, appointment := range existing {
		slots = append(slots, appointment.Slot())
	}
	return scheduler.DetectConflicts(slots, candidate, exclude...)
}

type slotKey struct {
	specialistID int64
	date         calendar.Date
}

// slotKeys lists the distinct specialist days touched by active rows in a
// stable order so concurrent bulk edits take locks in the same sequence.
func slotKeys(appointments []persistence.Appointment) []slotKey {
	seen := make(map[slotKey]struct{}, len(appointments))
	keys := make([]slotKey, 0, len(appointments))
	for _, appointment := range appointments {
		if !appointment.Status.Active() {
			continue
		}
		key := slotKey{specialistID: appointment.SpecialistID, date: appointment.Date}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].specialistID != keys[j].specialistID {
			return keys[i].specialistID < keys[j].specialistID
		}
		return keys[i].date.Before(keys[j].date)
	})
	return keys
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func specialistIDs(appointments []persistence.Appointment) []int64 {
	ids := make([]int64, 0, len(appointments))
	for _, appointment := range appointments {
		ids = append(ids, appointment.SpecialistID)
	}
	return uniqueIDs(ids)
}

func createdNotification(result CreateResult) Notification {
	n := Notification{
		EventType:     EventAppointmentCreated,
		AggregateType: "appointment",
		TargetUserIDs: specialistIDs(result.Created),
		TargetRoles:   []string{pubsub.RoleManagerKey},
	}
	if len(result.Created) == 0 {
		return n
	}
	first := result.Created[0]
	n.AggregateID = strconv.FormatInt(first.ID, 10)
	if result.RepeatGroupKey != "" {
		n.AggregateType = "appointment_series"
		n.AggregateID = result.RepeatGroupKey
		n.Message = fmt.Sprintf("Recurring appointment booked: %d occurrence(s) from %s at %s", len(result.Created), first.Date, first.Start)
	} else {
		n.Message = fmt.Sprintf("Appointment booked for %s at %s", first.Date, first.Start)
	}
	skipped := make([]string, 0, len(result.Skipped))
	for _, skip := range result.Skipped {
		skipped = append(skipped, skip.Date.String())
	}
	n.Data = map[string]any{
		"appointmentIds": appointmentIDs(result.Created),
		"repeatGroupKey": result.RepeatGroupKey,
		"skippedDates":   skipped,
	}
	return n
}

func changedNotification(eventType, verb string, appointments []persistence.Appointment) Notification {
	n := Notification{
		EventType:     eventType,
		AggregateType: "appointment",
		TargetUserIDs: specialistIDs(appointments),
		TargetRoles:   []string{pubsub.RoleManagerKey},
		Data:          map[string]any{"appointmentIds": appointmentIDs(appointments)},
	}
	if len(appointments) == 0 {
		return n
	}
	first := appointments[0]
	n.AggregateID = strconv.FormatInt(first.ID, 10)
	if len(appointments) == 1 {
		n.Message = fmt.Sprintf("Appointment %s for %s at %s", verb, first.Date, first.Start)
	} else {
		n.Message = fmt.Sprintf("%d appointments %s starting %s", len(appointments), verb, first.Date)
	}
	return n
}

func appointmentIDs(appointments []persistence.Appointment) []int64 {
	ids := make([]int64, 0, len(appointments))
	for _, appointment := range appointments {
		ids = append(ids, appointment.ID)
	}
	return ids
}
