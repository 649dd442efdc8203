package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/booking-core/internal/pubsub"
)

func TestStreamHandlerDeliversTargetedEvents(t *testing.T) {
	t.Parallel()

	hub := pubsub.NewHub(nil)
	actor := testActor
	actor.UserID = 103
	actor.RoleLabel = "Specialist"

	server := httptest.NewServer(NewRouter(RouterConfig{
		Stream:     NewStreamHandler(hub, nil, WithHeartbeat(time.Hour)),
		Middleware: []func(http.Handler) http.Handler{RequestLogger(nil), withActor(actor)},
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readFrame := func() (string, string) {
		t.Helper()
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				return name, data
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	if name, _ := readFrame(); name != "ready" {
		t.Fatalf("expected ready frame, got %q", name)
	}
	if got := hub.Count(actor.OrganizationID); got != 1 {
		t.Fatalf("expected one subscriber, got %d", got)
	}

	hub.Publish(context.Background(), pubsub.Event{
		OrganizationID: actor.OrganizationID,
		Type:           "appointment.updated",
		Message:        "someone else's booking",
		TargetUserIDs:  []int64{104},
	})
	delivered := hub.Publish(context.Background(), pubsub.Event{
		OrganizationID: actor.OrganizationID,
		Type:           "appointment.created",
		Message:        "New appointment",
		SourceUserID:   102,
		TargetUserIDs:  []int64{103},
	})
	if delivered != 1 {
		t.Fatalf("expected one delivery, got %d", delivered)
	}

	name, data := readFrame()
	if name != "appointment.created" {
		t.Fatalf("expected the targeted event only, got %q", name)
	}
	var event pubsub.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Message != "New appointment" || event.SourceUserID != 102 {
		t.Fatalf("unexpected event %+v", event)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count(actor.OrganizationID) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber was not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamConnDropsOnOverflow(t *testing.T) {
	t.Parallel()

	conn := newStreamConn(1)
	ctx := context.Background()

	if err := conn.deliver(ctx, pubsub.Event{Type: "first"}); err != nil {
		t.Fatalf("deliver returned error: %v", err)
	}
	if err := conn.deliver(ctx, pubsub.Event{Type: "second"}); err != nil {
		t.Fatalf("overflow should not be an error: %v", err)
	}
	if conn.dropped.Load() != 1 {
		t.Fatalf("expected one dropped event, got %d", conn.dropped.Load())
	}
	if got := <-conn.events; got.Type != "first" {
		t.Fatalf("expected the buffered event, got %q", got.Type)
	}

	conn.close()
	conn.close()
	if err := conn.deliver(ctx, pubsub.Event{Type: "late"}); !errors.Is(err, pubsub.ErrSubscriberClosed) {
		t.Fatalf("expected ErrSubscriberClosed after close, got %v", err)
	}
}

func TestWriteEventKeepsTypeOnOneLine(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	err := writeEvent(rec, pubsub.Event{
		Type:    "manual\ndata: {\"forged\":true}\r\n\r\nevent: appointment.deleted",
		Message: "hi",
	})
	if err != nil {
		t.Fatalf("writeEvent returned error: %v", err)
	}

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	if len(frames) != 1 {
		t.Fatalf("expected a single frame, got %d: %q", len(frames), rec.Body.String())
	}
	lines := strings.Split(frames[0], "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "event: ") || !strings.HasPrefix(lines[1], "data: ") {
		t.Fatalf("unexpected frame lines %q", lines)
	}

	if got := eventName(""); got != "message" {
		t.Fatalf("expected fallback event name, got %q", got)
	}
}
