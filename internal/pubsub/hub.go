// Package pubsub routes live events to the subscribers currently connected
// to this process. Delivery is best effort; the notification outbox is the
// durable path.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSubscriberClosed is returned by a DeliverFunc whose connection has gone
// away. The hub drops the subscriber when it sees it.
var ErrSubscriberClosed = errors.New("pubsub: subscriber closed")

// Event is one live notification.
type Event struct {
	OrganizationID int64           `json:"organizationId"`
	Type           string          `json:"type"`
	Message        string          `json:"message"`
	SourceUserID   int64           `json:"sourceUserId,omitempty"`
	TargetUserIDs  []int64         `json:"targetUserIds,omitempty"`
	TargetRoles    []string        `json:"targetRoles,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// HasTargets reports whether the event addresses anyone at all.
func (e Event) HasTargets() bool {
	return len(e.TargetUserIDs) > 0 || len(e.TargetRoles) > 0
}

// Subscription identifies a live connection.
type Subscription struct {
	OrganizationID int64
	UserID         int64
	RoleLabel      string
	IsAdmin        bool
}

// DeliverFunc hands an event to one subscriber.
type DeliverFunc func(ctx context.Context, event Event) error

type subscriber struct {
	id        uint64
	sub       Subscription
	isManager bool
	deliver   DeliverFunc
}

// Hub is the per-process registry of live subscribers keyed by organization.
// The zero value is not usable; construct with NewHub.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int64]map[uint64]*subscriber
	nextID      uint64
	logger      *slog.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[int64]map[uint64]*subscriber),
		logger:      logger.With("component", "pubsub"),
	}
}

// Subscribe registers deliver for the subscription and returns a function
// that removes it. The returned function is safe to call more than once.
func (h *Hub) Subscribe(sub Subscription, deliver DeliverFunc) func() {
	if deliver == nil {
		return func() {}
	}
	entry := &subscriber{
		sub:       sub,
		isManager: sub.IsAdmin || ParseRole(sub.RoleLabel) == RoleManager,
		deliver:   deliver,
	}

	h.mu.Lock()
	h.nextID++
	entry.id = h.nextID
	tenant := h.subscribers[sub.OrganizationID]
	if tenant == nil {
		tenant = make(map[uint64]*subscriber)
		h.subscribers[sub.OrganizationID] = tenant
	}
	tenant[entry.id] = entry
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(sub.OrganizationID, entry.id) })
	}
}

// Publish delivers event to every matching subscriber of its organization and
// returns how many deliveries succeeded. A subscriber matches when it is not
// the source user and is either targeted by id or is a manager while managers
// are targeted. Events without targets reach nobody. Failing callbacks are
// logged and never affect other subscribers or the caller.
func (h *Hub) Publish(ctx context.Context, event Event) int {
	if !event.HasTargets() {
		return 0
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	targetIDs := make(map[int64]struct{}, len(event.TargetUserIDs))
	for _, id := range event.TargetUserIDs {
		targetIDs[id] = struct{}{}
	}
	managers := targetsManager(event.TargetRoles)

	recipients := h.snapshot(event.OrganizationID)
	delivered := 0
	for _, recipient := range recipients {
		if event.SourceUserID != 0 && recipient.sub.UserID == event.SourceUserID {
			continue
		}
		_, targeted := targetIDs[recipient.sub.UserID]
		if !targeted && !(managers && recipient.isManager) {
			continue
		}
		if err := h.deliver(ctx, recipient, event); err != nil {
			if errors.Is(err, ErrSubscriberClosed) {
				h.remove(event.OrganizationID, recipient.id)
				continue
			}
			h.logger.WarnContext(ctx, "live delivery failed",
				"organization_id", event.OrganizationID,
				"user_id", recipient.sub.UserID,
				"event_type", event.Type,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of subscribers registered for organizationID.
func (h *Hub) Count(organizationID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[organizationID])
}

func (h *Hub) deliver(ctx context.Context, recipient *subscriber, event Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pubsub: subscriber panicked: %v", p)
		}
	}()
	return recipient.deliver(ctx, event)
}

func (h *Hub) snapshot(organizationID int64) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	tenant := h.subscribers[organizationID]
	out := make([]*subscriber, 0, len(tenant))
	for _, entry := range tenant {
		out = append(out, entry)
	}
	return out
}

func (h *Hub) remove(organizationID int64, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tenant := h.subscribers[organizationID]
	if tenant == nil {
		return
	}
	delete(tenant, id)
	if len(tenant) == 0 {
		delete(h.subscribers, organizationID)
	}
}
