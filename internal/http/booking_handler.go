package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/booking-core/internal/application"
	"github.com/example/booking-core/internal/calendar"
	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/recurrence"
	"github.com/example/booking-core/internal/scheduler"
)

type bookingService interface {
	CheckConflict(ctx context.Context, params application.ConflictCheckParams) (application.ConflictReport, error)
	Create(ctx context.Context, params application.CreateAppointmentParams) (application.CreateResult, error)
	ResolveTargets(ctx context.Context, actor persistence.Actor, anchorID int64, scope scheduler.Scope) (application.EditTargets, error)
	Update(ctx context.Context, params application.UpdateAppointmentParams) (application.UpdateResult, error)
	BulkUpdate(ctx context.Context, params application.BulkUpdateParams) ([]persistence.Appointment, error)
	Delete(ctx context.Context, params application.DeleteAppointmentParams) (application.DeleteResult, error)
	DeleteByIDs(ctx context.Context, actor persistence.Actor, ids []int64) (int64, error)
	List(ctx context.Context, params application.ListAppointmentsParams) ([]persistence.Appointment, error)
	NoShowSummary(ctx context.Context, actor persistence.Actor, from, to calendar.Date) ([]persistence.NoShowSummary, error)
}

// BookingHandler serves the appointment endpoints.
type BookingHandler struct {
	service   bookingService
	responder responder
	logger    *slog.Logger
}

func NewBookingHandler(service bookingService, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{service: service, responder: newResponder(logger), logger: defaultLogger(logger)}
}

func (h *BookingHandler) log(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return handlerLogger(ctx, h.logger, "BookingHandler", operation, attrs...)
}

func (h *BookingHandler) ready(w http.ResponseWriter) bool {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return false
	}
	return true
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	var req appointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}
	input, vErr := req.toInput()
	if vErr != nil {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	result, err := h.service.Create(r.Context(), application.CreateAppointmentParams{Actor: actor, Input: input})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.log(r.Context(), "Create").DebugContext(r.Context(), "appointments created", "count", len(result.Created), "skipped", len(result.Skipped))
	h.responder.writeJSON(r.Context(), w, http.StatusCreated, createResponse{
		Appointments:   toAppointmentDTOs(result.Created),
		Skipped:        toSkippedDTOs(result.Skipped),
		RepeatGroupKey: result.RepeatGroupKey,
	})
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	filter, vErr := buildListFilter(r.URL.Query())
	if vErr != nil {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	appointments, err := h.service.List(r.Context(), application.ListAppointmentsParams{Actor: actor, Filter: filter})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, listResponse{Appointments: toAppointmentDTOs(appointments)})
}

func (h *BookingHandler) CheckConflict(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	values := r.URL.Query()
	fields := newFieldParser()
	params := application.ConflictCheckParams{
		SpecialistID: fields.id(values.Get("specialist_id"), "specialist_id"),
		Date:         fields.date(values.Get("date"), "appointment_date"),
		Start:        fields.clock(values.Get("start_time"), "start_time"),
		End:          fields.clock(values.Get("end_time"), "end_time"),
		ExcludeID:    fields.id(values.Get("exclude_id"), "exclude_id"),
	}
	if vErr := fields.err(); vErr != nil {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	params.Actor, _ = ActorFromContext(r.Context())
	report, err := h.service.CheckConflict(r.Context(), params)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, conflictReportDTO{
		Conflict:  report.Conflict,
		Conflicts: toConflictDTOs(report.Conflicts),
	})
}

func (h *BookingHandler) Targets(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	id, ok := AppointmentIDFromContext(r.Context())
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidID)
		return
	}
	scope, vErr := parseScope(r.URL.Query().Get("scope"))
	if vErr != nil {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	targets, err := h.service.ResolveTargets(r.Context(), actor, id, scope)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, toTargetsDTO(targets))
}

func (h *BookingHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	id, ok := AppointmentIDFromContext(r.Context())
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidID)
		return
	}

	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}
	scopeValue := r.URL.Query().Get("scope")
	if scopeValue == "" {
		scopeValue = req.Scope
	}
	scope, scopeErr := parseScope(scopeValue)
	if scopeErr != nil {
		h.responder.handleServiceError(r.Context(), w, scopeErr)
		return
	}
	patch, vErr := req.toPatch()
	if vErr != nil {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	result, err := h.service.Update(r.Context(), application.UpdateAppointmentParams{
		Actor:    actor,
		AnchorID: id,
		Scope:    scope,
		Patch:    patch,
	})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, updateResponse{
		RequestedScope: result.Targets.RequestedScope.String(),
		EffectiveScope: result.Targets.EffectiveScope.String(),
		Appointments:   toAppointmentDTOs(result.Updated),
	})
}

func (h *BookingHandler) BulkUpdate(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	var req bulkPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}
	patch, vErr := req.toPatch()
	if vErr != nil {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	updated, err := h.service.BulkUpdate(r.Context(), application.BulkUpdateParams{
		Actor: actor,
		IDs:   req.IDs,
		Patch: patch,
	})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, listResponse{Appointments: toAppointmentDTOs(updated)})
}

func (h *BookingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	id, ok := AppointmentIDFromContext(r.Context())
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errInvalidID)
		return
	}
	scope, vErr := parseScope(r.URL.Query().Get("scope"))
	if vErr != nil {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	result, err := h.service.Delete(r.Context(), application.DeleteAppointmentParams{
		Actor:    actor,
		AnchorID: id,
		Scope:    scope,
	})
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, deleteResponse{
		Deleted:        result.Deleted,
		RequestedScope: result.Targets.RequestedScope.String(),
		EffectiveScope: result.Targets.EffectiveScope.String(),
		IDs:            result.Targets.IDs(),
	})
}

func (h *BookingHandler) DeleteByIDs(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	var req idsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	deleted, err := h.service.DeleteByIDs(r.Context(), actor, req.IDs)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusOK, deleteResponse{Deleted: deleted})
}

func (h *BookingHandler) NoShows(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	values := r.URL.Query()
	fields := newFieldParser()
	from := fields.date(values.Get("from"), "from")
	to := fields.date(values.Get("to"), "to")
	if vErr := fields.err(); vErr != nil {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	summary, err := h.service.NoShowSummary(r.Context(), actor, from, to)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	out := make([]noShowDTO, 0, len(summary))
	for _, row := range summary {
		out = append(out, noShowDTO{
			ClientID:   row.ClientID,
			ClientName: row.ClientName,
			Count:      row.Count,
			LastDate:   row.LastDate.String(),
		})
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, noShowResponse{Clients: out})
}

// ------------------------------- requests ---------------------------------

type appointmentRequest struct {
	SpecialistID    int64             `json:"specialist_id"`
	ClientID        int64             `json:"client_id"`
	Date            string            `json:"appointment_date"`
	StartTime       string            `json:"start_time"`
	EndTime         string            `json:"end_time"`
	DurationMinutes int               `json:"duration_minutes"`
	ServiceName     string            `json:"service_name"`
	Status          string            `json:"status"`
	Note            string            `json:"note"`
	RepeatType      string            `json:"repeat_type"`
	RepeatUntil     string            `json:"repeat_until_date"`
	RepeatDays      []json.RawMessage `json:"repeat_days"`
	RepeatAnchor    string            `json:"repeat_anchor_date"`
}

func (r appointmentRequest) toInput() (application.AppointmentInput, *application.ValidationError) {
	fields := newFieldParser()
	input := application.AppointmentInput{
		SpecialistID:    r.SpecialistID,
		ClientID:        r.ClientID,
		Date:            fields.date(r.Date, "appointment_date"),
		Start:           fields.clock(r.StartTime, "start_time"),
		DurationMinutes: r.DurationMinutes,
		ServiceName:     r.ServiceName,
		Note:            r.Note,
		RepeatUntil:     fields.date(r.RepeatUntil, "repeat_until_date"),
		RepeatDays:      fields.weekdays(r.RepeatDays, "repeat_days"),
		RepeatAnchor:    fields.date(r.RepeatAnchor, "repeat_anchor_date"),
	}
	if strings.TrimSpace(r.StartTime) == "" {
		fields.fail("start_time", "is required")
	}
	if strings.TrimSpace(r.EndTime) != "" {
		input.End = fields.clock(r.EndTime, "end_time")
	} else if r.DurationMinutes <= 0 {
		fields.fail("end_time", "end_time or duration_minutes is required")
	}
	if strings.TrimSpace(r.Status) != "" {
		input.Status = fields.status(r.Status, "status")
	}
	repeatType, err := recurrence.ParseRepeatType(r.RepeatType)
	if err != nil {
		fields.fail("repeat_type", "must be none or weekly")
	}
	input.RepeatType = repeatType
	return input, fields.err()
}

type patchRequest struct {
	SpecialistID    *int64  `json:"specialist_id"`
	ClientID        *int64  `json:"client_id"`
	Date            *string `json:"appointment_date"`
	StartTime       *string `json:"start_time"`
	EndTime         *string `json:"end_time"`
	DurationMinutes *int    `json:"duration_minutes"`
	ServiceName     *string `json:"service_name"`
	Status          *string `json:"status"`
	Note            *string `json:"note"`
	Scope           string  `json:"scope"`
}

func (r patchRequest) toPatch() (persistence.AppointmentPatch, *application.ValidationError) {
	fields := newFieldParser()
	patch := persistence.AppointmentPatch{
		SpecialistID:    r.SpecialistID,
		ClientID:        r.ClientID,
		DurationMinutes: r.DurationMinutes,
		ServiceName:     r.ServiceName,
		Note:            r.Note,
	}
	if r.StartTime != nil {
		start := fields.clock(*r.StartTime, "start_time")
		patch.Start = &start
	}
	if r.EndTime != nil {
		end := fields.clock(*r.EndTime, "end_time")
		patch.End = &end
	}
	if r.Status != nil {
		status := fields.status(*r.Status, "status")
		patch.Status = &status
	}
	if r.Date != nil {
		patch.Date = fields.date(*r.Date, "appointment_date")
		patch.ApplyDate = true
	}
	return patch, fields.err()
}

type bulkPatchRequest struct {
	IDs []int64 `json:"ids"`
	patchRequest
}

type idsRequest struct {
	IDs []int64 `json:"ids"`
}

func buildListFilter(values url.Values) (persistence.AppointmentFilter, *application.ValidationError) {
	fields := newFieldParser()
	filter := persistence.AppointmentFilter{
		From:          fields.date(values.Get("from"), "from"),
		To:            fields.date(values.Get("to"), "to"),
		SpecialistID:  fields.id(values.Get("specialist_id"), "specialist_id"),
		ClientID:      fields.id(values.Get("client_id"), "client_id"),
		VIPOnly:       fields.flag(values.Get("vip_only"), "vip_only"),
		RecurringOnly: fields.flag(values.Get("recurring_only"), "recurring_only"),
	}
	for _, raw := range parseCSV(values.Get("status")) {
		filter.Statuses = append(filter.Statuses, fields.status(raw, "status"))
	}
	return filter, fields.err()
}

func parseScope(value string) (scheduler.Scope, *application.ValidationError) {
	scope, err := scheduler.ParseScope(value)
	if err != nil {
		return scope, &application.ValidationError{FieldErrors: map[string]string{"scope": "must be single, future, or all"}}
	}
	return scope, nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// fieldParser collects per-field parse failures so a request reports every
// malformed field at once.
type fieldParser struct {
	errors map[string]string
}

func newFieldParser() *fieldParser {
	return &fieldParser{errors: make(map[string]string)}
}

func (p *fieldParser) fail(field, message string) {
	if _, exists := p.errors[field]; !exists {
		p.errors[field] = message
	}
}

func (p *fieldParser) err() *application.ValidationError {
	if len(p.errors) == 0 {
		return nil
	}
	return &application.ValidationError{FieldErrors: p.errors}
}

func (p *fieldParser) date(value, field string) calendar.Date {
	value = strings.TrimSpace(value)
	if value == "" {
		return calendar.Date{}
	}
	date, err := calendar.ParseDate(value)
	if err != nil {
		p.fail(field, "must be a date in YYYY-MM-DD format")
	}
	return date
}

func (p *fieldParser) clock(value, field string) calendar.ClockTime {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	clock, err := calendar.ParseClockTime(value)
	if err != nil {
		p.fail(field, "must be a time in HH:MM format")
	}
	return clock
}

func (p *fieldParser) id(value, field string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		p.fail(field, "must be a positive integer")
		return 0
	}
	return n
}

func (p *fieldParser) flag(value, field string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(field, "must be true or false")
	}
	return b
}

func (p *fieldParser) status(value, field string) persistence.AppointmentStatus {
	status, err := persistence.ParseAppointmentStatus(value)
	if err != nil {
		p.fail(field, "unknown status "+strconv.Quote(value))
		return persistence.AppointmentStatus(value)
	}
	return status
}

// weekdays accepts numbers 1-7 as well as legacy keys such as "mon".
func (p *fieldParser) weekdays(raw []json.RawMessage, field string) []recurrence.Weekday {
	if len(raw) == 0 {
		return nil
	}
	days := make([]recurrence.Weekday, 0, len(raw))
	for _, item := range raw {
		var text string
		if err := json.Unmarshal(item, &text); err != nil {
			text = string(item)
		}
		day, err := recurrence.ParseWeekday(text)
		if err != nil {
			p.fail(field, err.Error())
			continue
		}
		days = append(days, day)
	}
	return days
}

// ------------------------------- responses --------------------------------

type appointmentDTO struct {
	ID              int64    `json:"id"`
	SpecialistID    int64    `json:"specialist_id"`
	ClientID        int64    `json:"client_id,omitempty"`
	Date            string   `json:"appointment_date"`
	StartTime       string   `json:"start_time"`
	EndTime         string   `json:"end_time"`
	DurationMinutes int      `json:"duration_minutes"`
	ServiceName     string   `json:"service_name,omitempty"`
	Status          string   `json:"status"`
	Note            string   `json:"note,omitempty"`
	RepeatType      string   `json:"repeat_type"`
	RepeatGroupKey  string   `json:"repeat_group_key,omitempty"`
	RepeatUntil     string   `json:"repeat_until_date,omitempty"`
	RepeatDays      []string `json:"repeat_days,omitempty"`
	RepeatAnchor    string   `json:"repeat_anchor_date,omitempty"`
	IsRepeatRoot    bool     `json:"is_repeat_root"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

func toAppointmentDTO(a persistence.Appointment) appointmentDTO {
	dto := appointmentDTO{
		ID:              a.ID,
		SpecialistID:    a.SpecialistID,
		ClientID:        a.ClientID,
		Date:            a.Date.String(),
		StartTime:       a.Start.String(),
		EndTime:         a.End.String(),
		DurationMinutes: a.DurationMinutes,
		ServiceName:     a.ServiceName,
		Status:          string(a.Status),
		Note:            a.Note,
		RepeatType:      a.RepeatType.String(),
		RepeatGroupKey:  a.RepeatGroupKey,
		RepeatUntil:     a.RepeatUntil.String(),
		RepeatAnchor:    a.RepeatAnchor.String(),
		IsRepeatRoot:    a.IsRepeatRoot,
		CreatedAt:       a.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, day := range a.RepeatDays {
		dto.RepeatDays = append(dto.RepeatDays, strconv.Itoa(int(day)))
	}
	return dto
}

func toAppointmentDTOs(appointments []persistence.Appointment) []appointmentDTO {
	out := make([]appointmentDTO, 0, len(appointments))
	for _, appointment := range appointments {
		out = append(out, toAppointmentDTO(appointment))
	}
	return out
}

type conflictDTO struct {
	WithID    int64  `json:"with_id"`
	Date      string `json:"appointment_date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func toConflictDTOs(conflicts []scheduler.Conflict) []conflictDTO {
	if len(conflicts) == 0 {
		return nil
	}
	out := make([]conflictDTO, 0, len(conflicts))
	for _, conflict := range conflicts {
		out = append(out, conflictDTO{
			WithID:    conflict.WithID,
			Date:      conflict.Date.String(),
			StartTime: conflict.Start.String(),
			EndTime:   conflict.End.String(),
		})
	}
	return out
}

type skippedDateDTO struct {
	Date      string        `json:"date"`
	Conflicts []conflictDTO `json:"conflicts,omitempty"`
}

func toSkippedDTOs(skipped []application.SkippedDate) []skippedDateDTO {
	if len(skipped) == 0 {
		return nil
	}
	out := make([]skippedDateDTO, 0, len(skipped))
	for _, s := range skipped {
		out = append(out, skippedDateDTO{Date: s.Date.String(), Conflicts: toConflictDTOs(s.Conflicts)})
	}
	return out
}

type createResponse struct {
	Appointments   []appointmentDTO `json:"appointments"`
	Skipped        []skippedDateDTO `json:"skipped,omitempty"`
	RepeatGroupKey string           `json:"repeat_group_key,omitempty"`
}

type listResponse struct {
	Appointments []appointmentDTO `json:"appointments"`
}

type conflictReportDTO struct {
	Conflict  bool          `json:"conflict"`
	Conflicts []conflictDTO `json:"conflicts,omitempty"`
}

type targetsDTO struct {
	Anchor         appointmentDTO   `json:"anchor"`
	Affected       []appointmentDTO `json:"affected"`
	IsRecurring    bool             `json:"is_recurring"`
	RequestedScope string           `json:"requested_scope"`
	EffectiveScope string           `json:"effective_scope"`
}

func toTargetsDTO(t application.EditTargets) targetsDTO {
	return targetsDTO{
		Anchor:         toAppointmentDTO(t.Anchor),
		Affected:       toAppointmentDTOs(t.Affected),
		IsRecurring:    t.IsRecurring,
		RequestedScope: t.RequestedScope.String(),
		EffectiveScope: t.EffectiveScope.String(),
	}
}

type updateResponse struct {
	RequestedScope string           `json:"requested_scope"`
	EffectiveScope string           `json:"effective_scope"`
	Appointments   []appointmentDTO `json:"appointments"`
}

type deleteResponse struct {
	Deleted        int64   `json:"deleted"`
	RequestedScope string  `json:"requested_scope,omitempty"`
	EffectiveScope string  `json:"effective_scope,omitempty"`
	IDs            []int64 `json:"ids,omitempty"`
}

type noShowDTO struct {
	ClientID   int64  `json:"client_id"`
	ClientName string `json:"client_name,omitempty"`
	Count      int    `json:"count"`
	LastDate   string `json:"last_date,omitempty"`
}

type noShowResponse struct {
	Clients []noShowDTO `json:"clients"`
}
