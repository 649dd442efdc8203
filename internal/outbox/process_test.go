package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/booking-core/internal/persistence"
)

var baseTime = time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, repo *memoryRepo, maxRetries int, createdAt time.Time) int64 {
	t.Helper()
	id, err := repo.Insert(context.Background(), persistence.OutboxEvent{
		OrganizationID: 1,
		EventType:      "appointment.created",
		AggregateType:  "appointment",
		AggregateID:    "1",
		Payload:        []byte(`{"message":"hi","recipients":[2]}`),
		MaxRetries:     maxRetries,
		CreatedAt:      createdAt,
	})
	require.NoError(t, err)
	return id
}

func TestProcessPending_SuccessMarksSentInFIFOOrder(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	second := seed(t, repo, 3, baseTime.Add(time.Minute))
	first := seed(t, repo, 3, baseTime)

	var order []int64
	processor := func(_ context.Context, event persistence.OutboxEvent) error {
		order = append(order, event.ID)
		return nil
	}

	result, err := ProcessPending(context.Background(), repo, processor, ProcessOptions{
		Limit: 10, RetryDelay: time.Minute, Now: func() time.Time { return baseTime.Add(time.Hour) }, Logger: quietLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Fetched: 2, Processed: 2}, result)
	assert.Equal(t, []int64{first, second}, order)

	row, err := repo.Get(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, persistence.OutboxSent, row.Status)
	require.NotNil(t, row.ProcessedAt)
}

func TestProcessPending_RetryExhaustion(t *testing.T) {
	t.Parallel()

	const maxRetries = 3
	repo := newMemoryRepo()
	id := seed(t, repo, maxRetries, baseTime)

	now := baseTime
	clock := func() time.Time { return now }
	failing := func(context.Context, persistence.OutboxEvent) error { return errors.New("smtp unavailable") }
	opts := ProcessOptions{Limit: 10, RetryDelay: 30 * time.Second, Now: clock, Logger: quietLogger()}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, err := ProcessPending(context.Background(), repo, failing, opts)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Requeued, "attempt %d", attempt)

		row, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, persistence.OutboxPending, row.Status)
		assert.Equal(t, attempt, row.RetryCount)
		require.NotNil(t, row.NextRetryAt)
		assert.True(t, row.NextRetryAt.Equal(now.Add(30*time.Second)))
		assert.Equal(t, "smtp unavailable", row.ErrorMessage)

		result, err = ProcessPending(context.Background(), repo, failing, opts)
		require.NoError(t, err)
		assert.Zero(t, result.Fetched, "row must not be due before its retry delay")

		now = now.Add(31 * time.Second)
	}

	result, err := ProcessPending(context.Background(), repo, failing, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	row, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, persistence.OutboxFailed, row.Status)
	assert.Equal(t, maxRetries, row.RetryCount)

	result, err = ProcessPending(context.Background(), repo, failing, opts)
	require.NoError(t, err)
	assert.Zero(t, result.Fetched, "terminal rows are never picked up again")
}

func TestProcessPending_ZeroMaxRetriesFailsImmediately(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	id := seed(t, repo, 0, baseTime)

	result, err := ProcessPending(context.Background(), repo, func(context.Context, persistence.OutboxEvent) error {
		panic("processor exploded")
	}, ProcessOptions{Limit: 1, Now: func() time.Time { return baseTime }, Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	row, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, persistence.OutboxFailed, row.Status)
	assert.Contains(t, row.ErrorMessage, "processor exploded")
}

func TestProcessPending_OneFailureDoesNotBlockBatch(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	bad := seed(t, repo, 2, baseTime)
	good := seed(t, repo, 2, baseTime.Add(time.Second))

	result, err := ProcessPending(context.Background(), repo, func(_ context.Context, event persistence.OutboxEvent) error {
		if event.ID == bad {
			return errors.New("bad recipient")
		}
		return nil
	}, ProcessOptions{Limit: 10, RetryDelay: time.Minute, Now: func() time.Time { return baseTime }, Logger: quietLogger()})
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Fetched: 2, Processed: 1, Requeued: 1}, result)

	row, err := repo.Get(context.Background(), good)
	require.NoError(t, err)
	assert.Equal(t, persistence.OutboxSent, row.Status)
}

func TestProcessPending_LostClaimIsSkipped(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	id := seed(t, repo, 3, baseTime)

	var calls atomic.Int32
	processor := func(context.Context, persistence.OutboxEvent) error {
		calls.Add(1)
		return nil
	}
	opts := ProcessOptions{Limit: 10, Now: func() time.Time { return baseTime }, Logger: quietLogger()}

	// Both processors read the row before either claims it.
	events, err := repo.ListDue(context.Background(), baseTime, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	first, err := ProcessPending(context.Background(), repo, processor, opts)
	require.NoError(t, err)

	claimed, err := repo.Claim(context.Background(), id, baseTime, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must affect zero rows")

	won, err := repo.MarkSent(context.Background(), id, baseTime)
	require.NoError(t, err)
	assert.False(t, won)

	assert.Equal(t, 1, first.Processed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPrune(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	ctx := context.Background()
	old := seed(t, repo, 0, baseTime)
	recent := seed(t, repo, 0, baseTime)
	pending := seed(t, repo, 0, baseTime.Add(-30*24*time.Hour))

	_, err := repo.MarkSent(ctx, old, baseTime.Add(-10*24*time.Hour))
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, recent, baseTime.Add(-time.Hour), "x")
	require.NoError(t, err)

	pruned, err := Prune(ctx, repo, 7*24*time.Hour, 100, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = repo.Get(ctx, old)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	_, err = repo.Get(ctx, recent)
	assert.NoError(t, err)
	_, err = repo.Get(ctx, pending)
	assert.NoError(t, err, "pending rows are never pruned")
}
