package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/example/booking-core/internal/application"
	"github.com/example/booking-core/internal/delivery"
	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/testfixtures"
)

type notificationEnv struct {
	harness   *testfixtures.SQLiteHarness
	tenant    testfixtures.TenantFixture
	publisher *recordingPublisher
	svc       *application.NotificationService
}

func newNotificationEnv(t *testing.T) *notificationEnv {
	t.Helper()
	harness := testfixtures.NewSQLiteHarness(t)
	publisher := &recordingPublisher{}
	return &notificationEnv{
		harness:   harness,
		tenant:    testfixtures.SeedTenant(t, harness.Directory, 1),
		publisher: publisher,
		svc: testfixtures.NewServiceFactory().NewNotificationService(testfixtures.NotificationServiceDeps{
			Store:     harness.Store,
			Publisher: publisher,
		}),
	}
}

func TestNotificationService_SendToAllMembers(t *testing.T) {
	env := newNotificationEnv(t)
	ctx := context.Background()

	dispatch, err := env.svc.Send(ctx, application.SendParams{
		Actor:       env.tenant.Manager,
		Message:     "Clinic closes early today",
		Data:        map[string]string{"reason": "maintenance"},
		TargetRoles: []string{persistence.RoleAll},
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	want := []int64{env.tenant.Admin.UserID, env.tenant.Specialist.UserID, env.tenant.Specialist2.UserID, env.tenant.Reception.UserID}
	if len(dispatch.Recipients) != len(want) {
		t.Fatalf("expected recipients %v, got %v", want, dispatch.Recipients)
	}
	for i, id := range want {
		if dispatch.Recipients[i] != id {
			t.Fatalf("expected recipients %v, got %v", want, dispatch.Recipients)
		}
	}
	if dispatch.Inserted != int64(len(want)) || dispatch.OutboxID == 0 || !dispatch.SchemaReady {
		t.Fatalf("unexpected dispatch %+v", dispatch)
	}
	if dispatch.Delivered != len(want) {
		t.Fatalf("expected live push to resolved recipients, got %d", dispatch.Delivered)
	}

	row, err := env.harness.Store.Outbox().Get(ctx, dispatch.OutboxID)
	if err != nil {
		t.Fatalf("outbox Get returned error: %v", err)
	}
	var payload delivery.Payload
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		t.Fatalf("decode outbox payload: %v", err)
	}
	if payload.Message != "Clinic closes early today" || len(payload.Recipients) != len(want) {
		t.Fatalf("unexpected outbox payload %+v", payload)
	}
	if row.EventType != "manual" || row.Status != persistence.OutboxPending {
		t.Fatalf("unexpected outbox row %+v", row)
	}

	inbox, err := env.svc.Inbox(ctx, application.InboxParams{Actor: env.tenant.Reception, UnreadOnly: true})
	if err != nil {
		t.Fatalf("Inbox returned error: %v", err)
	}
	if len(inbox.Events) != 1 || inbox.Events[0].Message != "Clinic closes early today" {
		t.Fatalf("unexpected inbox %+v", inbox)
	}

	marked, err := env.svc.MarkAllRead(ctx, env.tenant.Reception)
	if err != nil || marked != 1 {
		t.Fatalf("expected one row marked read, got %d, %v", marked, err)
	}
	unread, err := env.svc.Inbox(ctx, application.InboxParams{Actor: env.tenant.Reception, UnreadOnly: true})
	if err != nil || len(unread.Events) != 0 {
		t.Fatalf("expected no unread events, got %+v, %v", unread, err)
	}

	cleared, err := env.svc.ClearAll(ctx, env.tenant.Reception)
	if err != nil || cleared != 1 {
		t.Fatalf("expected one row cleared, got %d, %v", cleared, err)
	}
}

func TestNotificationService_SendValidation(t *testing.T) {
	env := newNotificationEnv(t)
	ctx := context.Background()

	_, err := env.svc.Send(ctx, application.SendParams{Actor: env.tenant.Manager, Message: "  "})
	var vErr *application.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if _, ok := vErr.FieldErrors["message"]; !ok {
		t.Fatalf("expected message error, got %+v", vErr.FieldErrors)
	}
	if _, ok := vErr.FieldErrors["targets"]; !ok {
		t.Fatalf("expected targets error, got %+v", vErr.FieldErrors)
	}

	_, err = env.svc.Send(ctx, application.SendParams{
		Actor:         env.tenant.Specialist,
		Message:       "hello",
		TargetUserIDs: []int64{env.tenant.Manager.UserID},
	})
	if !errors.Is(err, application.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for specialist, got %v", err)
	}

	for _, eventType := range []string{"manual\ndata: {\"forged\":true}", "Shift Change", "a:b"} {
		_, err = env.svc.Send(ctx, application.SendParams{
			Actor:         env.tenant.Manager,
			EventType:     eventType,
			Message:       "hello",
			TargetUserIDs: []int64{env.tenant.Specialist.UserID},
		})
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError for event type %q, got %v", eventType, err)
		}
		if _, ok := vErr.FieldErrors["event_type"]; !ok {
			t.Fatalf("expected event_type error, got %+v", vErr.FieldErrors)
		}
	}
	if len(env.publisher.Events()) != 0 {
		t.Fatalf("rejected sends must not reach live subscribers")
	}

	dispatch, err := env.svc.Send(ctx, application.SendParams{
		Actor:         env.tenant.Manager,
		EventType:     "shift.change_v2",
		Message:       "hello",
		TargetUserIDs: []int64{env.tenant.Specialist.UserID},
	})
	if err != nil || dispatch.Delivered != 1 {
		t.Fatalf("expected custom event type to be accepted, got %+v, %v", dispatch, err)
	}
}

func TestResolveRecipients(t *testing.T) {
	env := newNotificationEnv(t)
	ctx := context.Background()

	localizedRole, err := env.harness.Directory.EnsureRole(ctx, 1, "Старший Менеджер")
	if err != nil {
		t.Fatalf("EnsureRole returned error: %v", err)
	}
	localized := testfixtures.UserID(1, 6)
	if err := env.harness.Directory.UpsertMember(ctx, persistence.Member{OrganizationID: 1, UserID: localized, RoleID: localizedRole}); err != nil {
		t.Fatalf("UpsertMember returned error: %v", err)
	}

	ids, err := application.ResolveRecipients(ctx, env.harness.Store.Directory(), application.RecipientQuery{
		OrganizationID: 1,
		UserIDs:        []int64{env.tenant.Specialist.UserID, 999, env.tenant.Specialist.UserID},
		Roles:          []string{"manager"},
		ExcludeUserID:  env.tenant.Manager.UserID,
	})
	if err != nil {
		t.Fatalf("ResolveRecipients returned error: %v", err)
	}
	want := []int64{env.tenant.Admin.UserID, env.tenant.Specialist.UserID, localized}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}

	ids, err = application.ResolveRecipients(ctx, env.harness.Store.Directory(), application.RecipientQuery{
		OrganizationID: 1,
		UserIDs:        []int64{env.tenant.Manager.UserID},
		ExcludeUserID:  env.tenant.Manager.UserID,
	})
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected the actor to be excluded, got %v, %v", ids, err)
	}
}

func TestInsertOutboxEvent(t *testing.T) {
	env := newNotificationEnv(t)
	ctx := context.Background()
	outbox := env.harness.Store.Outbox()

	id, err := application.InsertOutboxEvent(ctx, outbox, application.OutboxInput{EventType: "x"}, testfixtures.ReferenceTime())
	if err != nil || id != 0 {
		t.Fatalf("expected silent skip without organization, got %d, %v", id, err)
	}
	id, err = application.InsertOutboxEvent(ctx, outbox, application.OutboxInput{OrganizationID: 1}, testfixtures.ReferenceTime())
	if err != nil || id != 0 {
		t.Fatalf("expected silent skip without event type, got %d, %v", id, err)
	}

	id, err = application.InsertOutboxEvent(ctx, outbox, application.OutboxInput{
		OrganizationID: 1,
		EventType:      "appointment.reminder",
		MaxRetries:     500,
		ActorID:        env.tenant.Manager.UserID,
	}, testfixtures.ReferenceTime())
	if err != nil || id == 0 {
		t.Fatalf("expected insert, got %d, %v", id, err)
	}
	row, err := outbox.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if row.MaxRetries != application.MaxRetriesLimit {
		t.Fatalf("expected max retries clamped to %d, got %d", application.MaxRetriesLimit, row.MaxRetries)
	}
	if string(row.Payload) != "{}" {
		t.Fatalf("expected empty object payload, got %s", row.Payload)
	}
	if row.CreatedBy == nil || *row.CreatedBy != env.tenant.Manager.UserID {
		t.Fatalf("expected created_by to record the actor")
	}
}

func TestNotificationService_EnqueueRollsBackWithTransaction(t *testing.T) {
	env := newNotificationEnv(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var dispatch application.Dispatch
	err := env.harness.Store.InTx(ctx, func(tx persistence.Repositories) error {
		var err error
		dispatch, err = env.svc.EnqueueInTx(ctx, tx, env.tenant.Manager, application.Notification{
			EventType:   "appointment.created",
			Message:     "booked",
			TargetRoles: []string{persistence.RoleAll},
		})
		if err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the transaction error, got %v", err)
	}
	if dispatch.Inserted == 0 || dispatch.OutboxID == 0 {
		t.Fatalf("expected rows to be written before the rollback, got %+v", dispatch)
	}

	for _, table := range []string{"notification_events", "outbox_events"} {
		var count int
		if err := env.harness.Store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("expected no %s rows after rollback, got %d", table, count)
		}
	}
	if len(env.publisher.Events()) != 0 {
		t.Fatalf("expected no live push from a rolled back transaction")
	}
}

func TestNotificationService_DegradesWithoutSchema(t *testing.T) {
	env := newNotificationEnv(t)
	ctx := context.Background()

	for _, table := range []string{"notification_events", "outbox_events"} {
		if _, err := env.harness.Store.DB().ExecContext(ctx, "DROP TABLE "+table); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}

	dispatch, err := env.svc.Notify(ctx, env.tenant.Manager, application.Notification{
		EventType:     "appointment.created",
		Message:       "booked",
		TargetUserIDs: []int64{env.tenant.Specialist.UserID},
	})
	if err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	if dispatch.SchemaReady || dispatch.OutboxID != 0 {
		t.Fatalf("expected degraded dispatch, got %+v", dispatch)
	}
	if dispatch.Delivered != 1 || len(env.publisher.Events()) != 1 {
		t.Fatalf("expected live push to continue, got %+v", dispatch)
	}

	inbox, err := env.svc.Inbox(ctx, application.InboxParams{Actor: env.tenant.Specialist})
	if err != nil {
		t.Fatalf("Inbox returned error: %v", err)
	}
	if inbox.SchemaReady || len(inbox.Events) != 0 {
		t.Fatalf("expected empty degraded inbox, got %+v", inbox)
	}

	if _, err := env.svc.MarkAllRead(ctx, env.tenant.Specialist); !errors.Is(err, application.ErrSchemaMissing) {
		t.Fatalf("expected ErrSchemaMissing, got %v", err)
	}
}
