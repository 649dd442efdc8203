package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/booking-core/internal/delivery"
	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/pubsub"
)

const (
	// DefaultMaxRetries is the retry budget of outbox rows created without an override.
	DefaultMaxRetries = 5

	defaultInboxLimit = 50
	maxInboxLimit     = 200
	manualEventType   = "manual"
	maxMessageLength  = 2000
)

var eventTypePattern = regexp.MustCompile(`^[a-z0-9._-]{1,64}$`)

// LivePublisher pushes an event to the subscribers connected to this process.
type LivePublisher interface {
	Publish(ctx context.Context, event pubsub.Event) int
}

// NotificationService records notifications durably and pushes them live.
type NotificationService struct {
	store             persistence.Store
	publisher         LivePublisher
	now               func() time.Time
	logger            *slog.Logger
	defaultMaxRetries int
	permissions       *permissionCache
	schemaReady       atomic.Bool
}

// NewNotificationService constructs a NotificationService instance.
func NewNotificationService(store persistence.Store, publisher LivePublisher, now func() time.Time) *NotificationService {
	return NewNotificationServiceWithLogger(store, publisher, now, nil)
}

// NewNotificationServiceWithLogger constructs a NotificationService with a custom logger.
func NewNotificationServiceWithLogger(store persistence.Store, publisher LivePublisher, now func() time.Time, logger *slog.Logger) *NotificationService {
	if now == nil {
		now = time.Now
	}
	return &NotificationService{
		store:             store,
		publisher:         publisher,
		now:               now,
		logger:            defaultLogger(logger),
		defaultMaxRetries: DefaultMaxRetries,
		permissions:       newPermissionCache(0, 0),
	}
}

// SetDefaultMaxRetries changes the retry budget applied when a notification
// does not carry its own.
func (s *NotificationService) SetDefaultMaxRetries(maxRetries int) {
	if s == nil {
		return
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > MaxRetriesLimit {
		maxRetries = MaxRetriesLimit
	}
	s.defaultMaxRetries = maxRetries
}

func (s *NotificationService) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, s.logger, "NotificationService", operation, attrs...)
}

// SchemaReady reports whether the notification and outbox tables exist. A
// positive answer is remembered; a negative one is re-checked on every call
// so the service picks the tables up once they are migrated.
func (s *NotificationService) SchemaReady(ctx context.Context) bool {
	if s == nil || s.store == nil {
		return false
	}
	if s.schemaReady.Load() {
		return true
	}
	ready, err := s.store.NotificationSchemaReady(ctx)
	if err != nil {
		s.loggerWith(ctx, "SchemaReady").WarnContext(ctx, "notification schema probe failed", "error", err)
		return false
	}
	if ready {
		s.schemaReady.Store(true)
	}
	return ready
}

func (s *NotificationService) forgetSchema() {
	s.schemaReady.Store(false)
}

// EnqueueInTx resolves recipients, writes one inbox row per recipient and a
// single outbox row through tx. The caller owns the transaction, so the
// notification commits or rolls back together with the business change.
func (s *NotificationService) EnqueueInTx(ctx context.Context, tx persistence.Repositories, actor persistence.Actor, n Notification) (Dispatch, error) {
	dispatch := Dispatch{SchemaReady: true}

	recipients, err := ResolveRecipients(ctx, tx.Directory(), RecipientQuery{
		OrganizationID: actor.OrganizationID,
		UserIDs:        n.TargetUserIDs,
		Roles:          n.TargetRoles,
		ExcludeUserID:  actor.UserID,
	})
	if err != nil {
		return Dispatch{}, err
	}
	dispatch.Recipients = recipients
	if len(recipients) == 0 {
		return dispatch, nil
	}

	data, err := encodeData(n.Data)
	if err != nil {
		return Dispatch{}, err
	}

	now := s.now().UTC()
	var source *int64
	if actor.UserID != 0 {
		actorID := actor.UserID
		source = &actorID
	}
	events := make([]persistence.NotificationEvent, 0, len(recipients))
	for _, userID := range recipients {
		events = append(events, persistence.NotificationEvent{
			OrganizationID: actor.OrganizationID,
			UserID:         userID,
			SourceUserID:   source,
			EventType:      n.EventType,
			Message:        n.Message,
			Payload:        data,
			CreatedAt:      now,
		})
	}
	inserted, err := tx.Notifications().InsertEvents(ctx, events)
	if err != nil {
		return Dispatch{}, mapStoreError(err)
	}
	dispatch.Inserted = inserted

	payload, err := json.Marshal(delivery.Payload{Message: n.Message, Recipients: recipients, Data: data})
	if err != nil {
		return Dispatch{}, fmt.Errorf("encode outbox payload: %w", err)
	}
	maxRetries := s.defaultMaxRetries
	if n.MaxRetries != nil {
		maxRetries = *n.MaxRetries
	}
	outboxID, err := InsertOutboxEvent(ctx, tx.Outbox(), OutboxInput{
		OrganizationID: actor.OrganizationID,
		EventType:      n.EventType,
		AggregateType:  n.AggregateType,
		AggregateID:    n.AggregateID,
		Payload:        payload,
		MaxRetries:     maxRetries,
		ActorID:        actor.UserID,
	}, now)
	if err != nil {
		return Dispatch{}, err
	}
	dispatch.OutboxID = outboxID
	return dispatch, nil
}

// PublishLive pushes n to connected subscribers. Recipients resolved by the
// durable path take precedence over the raw target ids so synthetic roles
// reach every member.
func (s *NotificationService) PublishLive(ctx context.Context, actor persistence.Actor, n Notification, recipients []int64) int {
	if s == nil || s.publisher == nil {
		return 0
	}
	targets := recipients
	if len(targets) == 0 {
		targets = n.TargetUserIDs
	}
	data, err := encodeData(n.Data)
	if err != nil {
		data = nil
	}
	return s.publisher.Publish(ctx, pubsub.Event{
		OrganizationID: actor.OrganizationID,
		Type:           n.EventType,
		Message:        n.Message,
		SourceUserID:   actor.UserID,
		TargetUserIDs:  targets,
		TargetRoles:    n.TargetRoles,
		Payload:        data,
		CreatedAt:      s.now().UTC(),
	})
}

// Notify records n in its own transaction and then pushes it live. When the
// notification tables are missing only the live push happens.
func (s *NotificationService) Notify(ctx context.Context, actor persistence.Actor, n Notification) (dispatch Dispatch, err error) {
	if s == nil {
		err = fmt.Errorf("NotificationService is nil")
		return
	}
	logger := s.loggerWith(ctx, "Notify", "organization_id", actor.OrganizationID, "event_type", n.EventType)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to notify", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("outbox_id", dispatch.OutboxID, "recipients", len(dispatch.Recipients), "delivered", dispatch.Delivered).
			InfoContext(ctx, "notification dispatched")
	}()

	if !s.SchemaReady(ctx) {
		dispatch, err = s.degraded(ctx, actor, n)
		return
	}

	err = s.store.InTx(ctx, func(tx persistence.Repositories) error {
		var txErr error
		dispatch, txErr = s.EnqueueInTx(ctx, tx, actor, n)
		return txErr
	})
	if err != nil {
		err = mapStoreError(err)
		if errors.Is(err, ErrSchemaMissing) {
			s.forgetSchema()
			dispatch, err = s.degraded(ctx, actor, n)
		}
		return
	}
	dispatch.Delivered = s.PublishLive(ctx, actor, n, dispatch.Recipients)
	return
}

func (s *NotificationService) degraded(ctx context.Context, actor persistence.Actor, n Notification) (Dispatch, error) {
	recipients, err := ResolveRecipients(ctx, s.store.Directory(), RecipientQuery{
		OrganizationID: actor.OrganizationID,
		UserIDs:        n.TargetUserIDs,
		Roles:          n.TargetRoles,
		ExcludeUserID:  actor.UserID,
	})
	if err != nil {
		return Dispatch{}, err
	}
	s.loggerWith(ctx, "Notify").WarnContext(ctx, "notification schema missing; live delivery only")
	return Dispatch{
		Recipients:  recipients,
		Delivered:   s.PublishLive(ctx, actor, n, recipients),
		SchemaReady: false,
	}, nil
}

// Send is a manual notification from one member to users and roles.
func (s *NotificationService) Send(ctx context.Context, params SendParams) (dispatch Dispatch, err error) {
	if s == nil {
		err = fmt.Errorf("NotificationService is nil")
		return
	}
	logger := s.loggerWith(ctx, "Send", "organization_id", params.Actor.OrganizationID, "principal_id", params.Actor.UserID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to send notification", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	if err = authorize(ctx, s.store.Directory(), s.permissions, params.Actor, PermissionNotificationsSend); err != nil {
		return
	}

	vErr := &ValidationError{}
	message := strings.TrimSpace(params.Message)
	if message == "" {
		vErr.add("message", "is required")
	} else if len([]rune(message)) > maxMessageLength {
		vErr.add("message", fmt.Sprintf("must be at most %d characters", maxMessageLength))
	}
	if len(params.TargetUserIDs) == 0 && len(params.TargetRoles) == 0 {
		vErr.add("targets", "at least one user or role is required")
	}
	eventType := strings.TrimSpace(params.EventType)
	if eventType == "" {
		eventType = manualEventType
	} else if !eventTypePattern.MatchString(eventType) {
		vErr.add("event_type", "must be 1-64 characters of a-z, 0-9, '.', '_' or '-'")
	}
	if vErr.HasErrors() {
		err = vErr
		return
	}

	return s.Notify(ctx, params.Actor, Notification{
		EventType:     eventType,
		Message:       message,
		AggregateType: "user",
		AggregateID:   fmt.Sprint(params.Actor.UserID),
		Data:          params.Data,
		TargetUserIDs: params.TargetUserIDs,
		TargetRoles:   params.TargetRoles,
	})
}

// Inbox lists the actor's notification events, newest first.
func (s *NotificationService) Inbox(ctx context.Context, params InboxParams) (inbox Inbox, err error) {
	if s == nil {
		err = fmt.Errorf("NotificationService is nil")
		return
	}
	logger := s.loggerWith(ctx, "Inbox", "organization_id", params.Actor.OrganizationID, "principal_id", params.Actor.UserID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to list notifications", "error", err, "error_kind", ErrorKind(err))
		}
	}()

	if params.Actor.OrganizationID == 0 || params.Actor.UserID == 0 {
		err = ErrForbidden
		return
	}
	if !s.SchemaReady(ctx) {
		inbox = Inbox{Events: []persistence.NotificationEvent{}, SchemaReady: false}
		return
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	if limit > maxInboxLimit {
		limit = maxInboxLimit
	}
	events, listErr := s.store.Notifications().ListForUser(ctx, params.Actor.OrganizationID, params.Actor.UserID, params.UnreadOnly, limit)
	if listErr != nil {
		err = mapStoreError(listErr)
		if errors.Is(err, ErrSchemaMissing) {
			s.forgetSchema()
			inbox = Inbox{Events: []persistence.NotificationEvent{}, SchemaReady: false}
			err = nil
		}
		return
	}
	if events == nil {
		events = []persistence.NotificationEvent{}
	}
	inbox = Inbox{Events: events, SchemaReady: true}
	return
}

// MarkAllRead marks every unread event of the actor as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, actor persistence.Actor) (count int64, err error) {
	if s == nil {
		err = fmt.Errorf("NotificationService is nil")
		return
	}
	logger := s.loggerWith(ctx, "MarkAllRead", "organization_id", actor.OrganizationID, "principal_id", actor.UserID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to mark notifications read", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("count", count).InfoContext(ctx, "notifications marked read")
	}()

	if actor.OrganizationID == 0 || actor.UserID == 0 {
		err = ErrForbidden
		return
	}
	if !s.SchemaReady(ctx) {
		err = ErrSchemaMissing
		return
	}
	count, err = s.store.Notifications().MarkAllRead(ctx, actor.OrganizationID, actor.UserID, s.now().UTC())
	err = mapStoreError(err)
	return
}

// ClearAll deletes every event of the actor.
func (s *NotificationService) ClearAll(ctx context.Context, actor persistence.Actor) (count int64, err error) {
	if s == nil {
		err = fmt.Errorf("NotificationService is nil")
		return
	}
	logger := s.loggerWith(ctx, "ClearAll", "organization_id", actor.OrganizationID, "principal_id", actor.UserID)
	defer func() {
		if err != nil {
			logger.ErrorContext(ctx, "failed to clear notifications", "error", err, "error_kind", ErrorKind(err))
			return
		}
		logger.With("count", count).InfoContext(ctx, "notifications cleared")
	}()

	if actor.OrganizationID == 0 || actor.UserID == 0 {
		err = ErrForbidden
		return
	}
	if !s.SchemaReady(ctx) {
		err = ErrSchemaMissing
		return
	}
	count, err = s.store.Notifications().ClearAll(ctx, actor.OrganizationID, actor.UserID)
	err = mapStoreError(err)
	return
}

func encodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode notification data: %w", err)
	}
	return encoded, nil
}
