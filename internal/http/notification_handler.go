package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/booking-core/internal/application"
	"github.com/example/booking-core/internal/persistence"
)

type notificationService interface {
	Send(ctx context.Context, params application.SendParams) (application.Dispatch, error)
	Inbox(ctx context.Context, params application.InboxParams) (application.Inbox, error)
	MarkAllRead(ctx context.Context, actor persistence.Actor) (int64, error)
	ClearAll(ctx context.Context, actor persistence.Actor) (int64, error)
}

// NotificationHandler serves the in-app inbox and manual sends.
type NotificationHandler struct {
	service   notificationService
	responder responder
}

func NewNotificationHandler(service notificationService, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{service: service, responder: newResponder(logger)}
}

func (h *NotificationHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	values := r.URL.Query()
	fields := newFieldParser()
	params := application.InboxParams{
		UnreadOnly: fields.flag(values.Get("unread"), "unread"),
		Limit:      int(fields.id(values.Get("limit"), "limit")),
	}
	if vErr := fields.err(); vErr != nil {
		h.responder.handleServiceError(r.Context(), w, vErr)
		return
	}

	params.Actor, _ = ActorFromContext(r.Context())
	inbox, err := h.service.Inbox(r.Context(), params)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	events := make([]notificationDTO, 0, len(inbox.Events))
	unread := 0
	for _, event := range inbox.Events {
		if !event.IsRead {
			unread++
		}
		events = append(events, toNotificationDTO(event))
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, inboxResponse{
		Notifications: events,
		Unread:        unread,
		SchemaReady:   inbox.SchemaReady,
	})
}

func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	count, err := h.service.MarkAllRead(r.Context(), actor)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, countResponse{Count: count})
}

func (h *NotificationHandler) ClearAll(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	count, err := h.service.ClearAll(r.Context(), actor)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}
	h.responder.writeJSON(r.Context(), w, http.StatusOK, countResponse{Count: count})
}

func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.service == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.responder.writeError(r.Context(), w, http.StatusBadRequest, errBadRequestBody)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	params := application.SendParams{
		Actor:         actor,
		EventType:     req.EventType,
		Message:       req.Message,
		TargetUserIDs: req.TargetUserIDs,
		TargetRoles:   req.TargetRoles,
	}
	if len(req.Data) > 0 {
		params.Data = req.Data
	}
	dispatch, err := h.service.Send(r.Context(), params)
	if err != nil {
		h.responder.handleServiceError(r.Context(), w, err)
		return
	}

	h.responder.writeJSON(r.Context(), w, http.StatusAccepted, dispatchDTO{
		OutboxID:    dispatch.OutboxID,
		Recipients:  dispatch.Recipients,
		Inserted:    dispatch.Inserted,
		Delivered:   dispatch.Delivered,
		SchemaReady: dispatch.SchemaReady,
	})
}

type sendRequest struct {
	EventType     string          `json:"event_type"`
	Message       string          `json:"message"`
	Data          json.RawMessage `json:"data"`
	TargetUserIDs []int64         `json:"target_user_ids"`
	TargetRoles   []string        `json:"target_roles"`
}

type notificationDTO struct {
	ID           int64           `json:"id"`
	EventType    string          `json:"event_type"`
	Message      string          `json:"message"`
	SourceUserID *int64          `json:"source_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	IsRead       bool            `json:"is_read"`
	ReadAt       string          `json:"read_at,omitempty"`
	CreatedAt    string          `json:"created_at"`
}

func toNotificationDTO(event persistence.NotificationEvent) notificationDTO {
	dto := notificationDTO{
		ID:           event.ID,
		EventType:    event.EventType,
		Message:      event.Message,
		SourceUserID: event.SourceUserID,
		Payload:      event.Payload,
		IsRead:       event.IsRead,
		CreatedAt:    event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if event.ReadAt != nil {
		dto.ReadAt = event.ReadAt.UTC().Format(time.RFC3339Nano)
	}
	return dto
}

type inboxResponse struct {
	Notifications []notificationDTO `json:"notifications"`
	Unread        int               `json:"unread"`
	SchemaReady   bool              `json:"schema_ready"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

type dispatchDTO struct {
	OutboxID    int64   `json:"outbox_id,omitempty"`
	Recipients  []int64 `json:"recipients"`
	Inserted    int64   `json:"inserted"`
	Delivered   int     `json:"delivered"`
	SchemaReady bool    `json:"schema_ready"`
}
