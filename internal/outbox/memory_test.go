package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/booking-core/internal/persistence"
)

// memoryRepo is an in-memory OutboxRepository with the same conditional
// transition semantics as the SQL store.
type memoryRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*persistence.OutboxEvent
	listFn func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: make(map[int64]*persistence.OutboxEvent)}
}

func (m *memoryRepo) Insert(_ context.Context, event persistence.OutboxEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	event.ID = m.nextID
	if event.Status == "" {
		event.Status = persistence.OutboxPending
	}
	copied := event
	m.rows[event.ID] = &copied
	return event.ID, nil
}

func (m *memoryRepo) Get(_ context.Context, id int64) (persistence.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return persistence.OutboxEvent{}, persistence.ErrNotFound
	}
	return *row, nil
}

func (m *memoryRepo) ListDue(_ context.Context, now time.Time, limit int) ([]persistence.OutboxEvent, error) {
	if m.listFn != nil {
		m.listFn()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []persistence.OutboxEvent
	for _, row := range m.rows {
		if row.Status != persistence.OutboxPending {
			continue
		}
		if row.NextRetryAt != nil && row.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepo) Claim(_ context.Context, id int64, now, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status != persistence.OutboxPending {
		return false, nil
	}
	if row.NextRetryAt != nil && row.NextRetryAt.After(now) {
		return false, nil
	}
	lease := leaseUntil
	row.NextRetryAt = &lease
	return true, nil
}

func (m *memoryRepo) MarkSent(_ context.Context, id int64, processedAt time.Time) (bool, error) {
	return m.transition(id, func(row *persistence.OutboxEvent) {
		row.Status = persistence.OutboxSent
		row.ProcessedAt = &processedAt
		row.ErrorMessage = ""
	}), nil
}

func (m *memoryRepo) Reschedule(_ context.Context, id int64, retryCount int, nextRetryAt time.Time, message string) (bool, error) {
	return m.transition(id, func(row *persistence.OutboxEvent) {
		row.RetryCount = retryCount
		row.NextRetryAt = &nextRetryAt
		row.ErrorMessage = message
	}), nil
}

func (m *memoryRepo) MarkFailed(_ context.Context, id int64, processedAt time.Time, message string) (bool, error) {
	return m.transition(id, func(row *persistence.OutboxEvent) {
		row.Status = persistence.OutboxFailed
		row.ProcessedAt = &processedAt
		row.ErrorMessage = message
	}), nil
}

func (m *memoryRepo) Prune(_ context.Context, olderThan time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*persistence.OutboxEvent
	for _, row := range m.rows {
		if row.Status.Terminal() && row.ProcessedAt != nil && row.ProcessedAt.Before(olderThan) {
			candidates = append(candidates, row)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ProcessedAt.Before(*candidates[j].ProcessedAt) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, row := range candidates {
		delete(m.rows, row.ID)
	}
	return int64(len(candidates)), nil
}

func (m *memoryRepo) CountByStatus(context.Context) (map[persistence.OutboxStatus]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[persistence.OutboxStatus]int64)
	for _, row := range m.rows {
		counts[row.Status]++
	}
	return counts, nil
}

func (m *memoryRepo) transition(id int64, apply func(*persistence.OutboxEvent)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok || row.Status != persistence.OutboxPending {
		return false
	}
	apply(row)
	return true
}
