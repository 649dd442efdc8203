package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/booking-core/internal/persistence"
)

type stubLocker struct {
	acquire bool
	err     error
	locks   atomic.Int32
	unlocks atomic.Int32
}

func (s *stubLocker) TryLock(context.Context) (bool, error) {
	s.locks.Add(1)
	return s.acquire, s.err
}

func (s *stubLocker) Unlock(context.Context) error {
	s.unlocks.Add(1)
	return nil
}

func TestWorker_StartStopIdempotent(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	worker := NewWorker(repo, func(context.Context, persistence.OutboxEvent) error { return nil },
		Config{PollInterval: 10 * time.Millisecond}, WithLogger(quietLogger()))

	ctx := context.Background()
	assert.False(t, worker.IsRunning())
	require.NoError(t, worker.Stop(ctx))

	require.NoError(t, worker.Start(ctx))
	require.NoError(t, worker.Start(ctx))
	assert.True(t, worker.IsRunning())

	require.NoError(t, worker.Stop(ctx))
	require.NoError(t, worker.Stop(ctx))
	assert.False(t, worker.IsRunning())
}

func TestWorker_LoopDeliversPendingRows(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	id := seed(t, repo, 3, baseTime)

	delivered := make(chan int64, 1)
	worker := NewWorker(repo, func(_ context.Context, event persistence.OutboxEvent) error {
		select {
		case delivered <- event.ID:
		default:
		}
		return nil
	}, Config{PollInterval: 5 * time.Millisecond}, WithLogger(quietLogger()))

	require.NoError(t, worker.Start(context.Background()))
	t.Cleanup(func() { _ = worker.Stop(context.Background()) })

	select {
	case got := <-delivered:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not deliver the pending row")
	}

	require.Eventually(t, func() bool {
		row, err := repo.Get(context.Background(), id)
		return err == nil && row.Status == persistence.OutboxSent
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_StopWaitsForInFlightCycle(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	seed(t, repo, 3, baseTime)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	worker := NewWorker(repo, func(context.Context, persistence.OutboxEvent) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}, Config{PollInterval: 5 * time.Millisecond}, WithLogger(quietLogger()))

	require.NoError(t, worker.Start(context.Background()))
	<-started

	stopped := make(chan struct{})
	go func() {
		_ = worker.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}
	assert.True(t, finished.Load())
}

func TestWorker_StopRetriesAfterTimeout(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	seed(t, repo, 3, baseTime)

	started := make(chan struct{})
	release := make(chan struct{})
	worker := NewWorker(repo, func(context.Context, persistence.OutboxEvent) error {
		close(started)
		<-release
		return nil
	}, Config{PollInterval: 5 * time.Millisecond}, WithLogger(quietLogger()))

	require.NoError(t, worker.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, worker.Stop(ctx), context.DeadlineExceeded)

	assert.False(t, worker.IsRunning())
	assert.False(t, worker.Stats().Running)
	require.ErrorIs(t, worker.Start(context.Background()), ErrWorkerStopping)

	close(release)
	require.NoError(t, worker.Stop(context.Background()))
	require.NoError(t, worker.Stop(context.Background()))

	require.NoError(t, worker.Start(context.Background()))
	assert.True(t, worker.IsRunning())
	require.NoError(t, worker.Stop(context.Background()))
}

func TestWorker_TicksDuringCycleAreSkipped(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	seed(t, repo, 3, baseTime)

	release := make(chan struct{})
	var calls atomic.Int32
	worker := NewWorker(repo, func(context.Context, persistence.OutboxEvent) error {
		calls.Add(1)
		<-release
		return nil
	}, Config{PollInterval: 2 * time.Millisecond}, WithLogger(quietLogger()))

	require.NoError(t, worker.Start(context.Background()))
	require.Eventually(t, func() bool { return worker.Stats().SkippedTicks >= 3 }, 2*time.Second, 2*time.Millisecond)

	_, err := worker.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(release)
	require.NoError(t, worker.Stop(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorker_RunCycleRetentionEveryNthCycle(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	ctx := context.Background()
	old := seed(t, repo, 0, baseTime)
	_, err := repo.MarkSent(ctx, old, baseTime.Add(-30*24*time.Hour))
	require.NoError(t, err)

	worker := NewWorker(repo, func(context.Context, persistence.OutboxEvent) error { return nil },
		Config{RetentionEveryCycles: 2, Retention: 24 * time.Hour},
		WithClock(func() time.Time { return baseTime }), WithLogger(quietLogger()))

	first, err := worker.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, first.Pruned)

	second, err := worker.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Pruned)

	stats := worker.Stats()
	assert.Equal(t, int64(2), stats.Cycles)
	assert.Equal(t, int64(1), stats.Pruned)
}

func TestWorker_LockerContention(t *testing.T) {
	t.Parallel()

	repo := newMemoryRepo()
	seed(t, repo, 3, baseTime)

	var calls atomic.Int32
	locker := &stubLocker{acquire: false}
	worker := NewWorker(repo, func(context.Context, persistence.OutboxEvent) error {
		calls.Add(1)
		return nil
	}, Config{}, WithLocker(locker), WithClock(func() time.Time { return baseTime }), WithLogger(quietLogger()))

	result, err := worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Contended)
	assert.Zero(t, calls.Load())
	assert.Zero(t, locker.unlocks.Load())

	locker.acquire = true
	result, err = worker.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, int32(1), locker.unlocks.Load())

	locker.err = errors.New("connection reset")
	_, err = worker.RunCycle(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "connection reset", worker.Stats().LastError)
}
