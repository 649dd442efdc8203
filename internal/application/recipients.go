package application

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/example/booking-core/internal/persistence"
	"github.com/example/booking-core/internal/pubsub"
)

// MaxRetriesLimit bounds the retry budget of a single outbox row.
const MaxRetriesLimit = 100

// InsertOutboxEvent records one pending delivery intent through outbox, which
// must be bound to the caller's transaction. It returns 0 without error when
// the organization or event type is missing; storage errors propagate.
func InsertOutboxEvent(ctx context.Context, outbox persistence.OutboxRepository, input OutboxInput, now time.Time) (int64, error) {
	if input.OrganizationID == 0 || strings.TrimSpace(input.EventType) == "" {
		return 0, nil
	}
	maxRetries := input.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > MaxRetriesLimit {
		maxRetries = MaxRetriesLimit
	}
	payload := input.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	event := persistence.OutboxEvent{
		OrganizationID: input.OrganizationID,
		EventType:      strings.TrimSpace(input.EventType),
		AggregateType:  input.AggregateType,
		AggregateID:    input.AggregateID,
		Payload:        payload,
		Status:         persistence.OutboxPending,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
	}
	if input.ActorID != 0 {
		actorID := input.ActorID
		event.CreatedBy = &actorID
	}
	id, err := outbox.Insert(ctx, event)
	if err != nil {
		return 0, mapStoreError(err)
	}
	return id, nil
}

// ResolveRecipients expands role labels (including persistence.RoleAll) to
// members, unions them with the explicit ids, drops ids that no longer
// belong to the tenant, and removes ExcludeUserID. The result is sorted.
func ResolveRecipients(ctx context.Context, directory persistence.DirectoryRepository, query RecipientQuery) ([]int64, error) {
	if query.OrganizationID == 0 || directory == nil {
		return nil, nil
	}

	labels, err := expandRoleLabels(ctx, directory, query.OrganizationID, query.Roles)
	if err != nil {
		return nil, err
	}
	candidates := make(map[int64]struct{})
	for _, role := range labels {
		ids, err := directory.UsersByRole(ctx, query.OrganizationID, role)
		if err != nil {
			return nil, mapStoreError(err)
		}
		for _, id := range ids {
			candidates[id] = struct{}{}
		}
	}
	for _, id := range query.UserIDs {
		if id > 0 {
			candidates[id] = struct{}{}
		}
	}
	delete(candidates, query.ExcludeUserID)
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	members, err := directory.UsersExist(ctx, query.OrganizationID, ids)
	if err != nil {
		return nil, mapStoreError(err)
	}
	out := make([]int64, 0, len(members))
	seen := make(map[int64]struct{}, len(members))
	for _, id := range members {
		if id == query.ExcludeUserID {
			continue
		}
		if _, ok := candidates[id]; !ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// expandRoleLabels replaces a manager target with every tenant role label
// that reads as manager, so localized labels are addressed as well.
func expandRoleLabels(ctx context.Context, directory persistence.DirectoryRepository, organizationID int64, roles []string) ([]string, error) {
	var (
		labels   []string
		seen     = make(map[string]struct{})
		managers bool
	)
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		if pubsub.ParseRole(role) == pubsub.RoleManager {
			managers = true
			continue
		}
		key := pubsub.NormalizeRole(role)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		labels = append(labels, role)
	}
	if !managers {
		return labels, nil
	}
	tenantRoles, err := directory.Roles(ctx, organizationID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	for _, role := range tenantRoles {
		if pubsub.ParseRole(role.Label) != pubsub.RoleManager {
			continue
		}
		key := pubsub.NormalizeRole(role.Label)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		labels = append(labels, role.Label)
	}
	return labels, nil
}
