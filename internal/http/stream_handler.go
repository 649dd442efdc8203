package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/booking-core/internal/pubsub"
)

const (
	defaultStreamBuffer    = 32
	defaultStreamHeartbeat = 25 * time.Second
)

type eventSubscriber interface {
	Subscribe(sub pubsub.Subscription, deliver pubsub.DeliverFunc) func()
}

// StreamHandler adapts a long lived HTTP connection to a live subscriber
// using server-sent events. Each connection owns a bounded buffer; events
// that arrive while it is full are dropped since the inbox still has them.
type StreamHandler struct {
	hub       eventSubscriber
	responder responder
	logger    *slog.Logger
	buffer    int
	heartbeat time.Duration
}

// StreamOption customizes a StreamHandler.
type StreamOption func(*StreamHandler)

// WithStreamBuffer sets the per-connection event buffer.
func WithStreamBuffer(size int) StreamOption {
	return func(h *StreamHandler) {
		if size > 0 {
			h.buffer = size
		}
	}
}

// WithHeartbeat sets how often an idle stream sends a keep-alive comment.
func WithHeartbeat(interval time.Duration) StreamOption {
	return func(h *StreamHandler) {
		if interval > 0 {
			h.heartbeat = interval
		}
	}
}

func NewStreamHandler(hub eventSubscriber, logger *slog.Logger, opts ...StreamOption) *StreamHandler {
	h := &StreamHandler{
		hub:       hub,
		responder: newResponder(logger),
		logger:    defaultLogger(logger),
		buffer:    defaultStreamBuffer,
		heartbeat: defaultStreamHeartbeat,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.hub == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.responder.writeError(r.Context(), w, http.StatusInternalServerError, errStreamingUnsupported)
		return
	}

	actor, _ := ActorFromContext(r.Context())
	connectionID := uuid.NewString()
	logger := handlerLogger(r.Context(), h.logger, "StreamHandler", "Stream", "connection_id", connectionID)

	conn := newStreamConn(h.buffer)
	unsubscribe := h.hub.Subscribe(pubsub.Subscription{
		OrganizationID: actor.OrganizationID,
		UserID:         actor.UserID,
		RoleLabel:      actor.RoleLabel,
		IsAdmin:        actor.IsAdmin,
	}, conn.deliver)
	defer func() {
		conn.close()
		unsubscribe()
		logger.InfoContext(r.Context(), "stream closed", "dropped", conn.dropped.Load())
	}()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: ready\ndata: {\"connectionId\":%q}\n\n", connectionID)
	flusher.Flush()
	logger.InfoContext(r.Context(), "stream opened")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event := <-conn.events:
			if err := writeEvent(w, event); err != nil {
				logger.WarnContext(r.Context(), "failed to write stream event", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event pubsub.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(event.Type), data)
	return err
}

// eventName keeps a type on its own SSE field line.
func eventName(eventType string) string {
	name := strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, eventType)
	if name == "" {
		return "message"
	}
	return name
}

// streamConn is the hub facing half of a stream.
type streamConn struct {
	events  chan pubsub.Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func newStreamConn(buffer int) *streamConn {
	return &streamConn{
		events: make(chan pubsub.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (c *streamConn) deliver(_ context.Context, event pubsub.Event) error {
	select {
	case <-c.done:
		return pubsub.ErrSubscriberClosed
	default:
	}
	select {
	case c.events <- event:
	default:
		c.dropped.Add(1)
	}
	return nil
}

func (c *streamConn) close() {
	c.once.Do(func() { close(c.done) })
}
