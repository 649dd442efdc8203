package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/booking-core/internal/persistence"
)

const (
	DefaultPollInterval         = 5 * time.Second
	DefaultProcessLimit         = 50
	DefaultRetryDelay           = 60 * time.Second
	DefaultLease                = 5 * time.Minute
	DefaultRetention            = 7 * 24 * time.Hour
	DefaultRetentionEveryCycles = 60
	DefaultPruneBatch           = 500
)

// ErrCycleInProgress is returned by RunCycle while another cycle is running.
var ErrCycleInProgress = errors.New("outbox: cycle already in progress")

// ErrWorkerStopping is returned by Start while a previous loop is still draining.
var ErrWorkerStopping = errors.New("outbox: worker is still stopping")

// Config controls the worker loop.
type Config struct {
	PollInterval         time.Duration
	ProcessLimit         int
	RetryDelay           time.Duration
	Lease                time.Duration
	Retention            time.Duration
	RetentionEveryCycles int
	PruneBatch           int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ProcessLimit <= 0 {
		c.ProcessLimit = DefaultProcessLimit
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.RetentionEveryCycles <= 0 {
		c.RetentionEveryCycles = DefaultRetentionEveryCycles
	}
	if c.PruneBatch <= 0 {
		c.PruneBatch = DefaultPruneBatch
	}
	return c
}

// Locker coordinates workers across processes.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Stats is a cumulative snapshot of worker activity.
type Stats struct {
	Running      bool      `json:"running"`
	Cycles       int64     `json:"cycles"`
	SkippedTicks int64     `json:"skippedTicks"`
	Contended    int64     `json:"contended"`
	Fetched      int64     `json:"fetched"`
	Processed    int64     `json:"processed"`
	Requeued     int64     `json:"requeued"`
	Failed       int64     `json:"failed"`
	Skipped      int64     `json:"skipped"`
	Pruned       int64     `json:"pruned"`
	LastCycleAt  time.Time `json:"lastCycleAt,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// Option customizes a Worker.
type Option func(*Worker)

// WithLocker makes every cycle acquire locker first.
func WithLocker(locker Locker) Option {
	return func(w *Worker) { w.locker = locker }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Worker polls the outbox on a fixed interval. Cycles never overlap: a tick
// that fires while a cycle is running is dropped and counted.
type Worker struct {
	repo      persistence.OutboxRepository
	processor Processor
	cfg       Config
	locker    Locker
	now       func() time.Time
	logger    *slog.Logger

	lifecycle sync.Mutex
	stop      chan struct{}
	done      chan struct{}

	inflight atomic.Bool
	cycleMu  sync.Mutex
	cycles   atomic.Int64

	statsMu sync.Mutex
	stats   Stats
}

// NewWorker constructs a stopped worker.
func NewWorker(repo persistence.OutboxRepository, processor Processor, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		repo:      repo,
		processor: processor,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "outbox_worker")
	return w
}

// Config returns the effective configuration.
func (w *Worker) Config() Config {
	return w.cfg
}

// Start launches the polling loop. Calling Start on a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) error {
	if w.repo == nil || w.processor == nil {
		return fmt.Errorf("outbox: worker requires a repository and a processor")
	}
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.stop != nil {
		return nil
	}
	if w.done != nil {
		select {
		case <-w.done:
		default:
			return ErrWorkerStopping
		}
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(ctx, w.stop, w.done)

	w.logger.InfoContext(ctx, "outbox worker started",
		"poll_interval", w.cfg.PollInterval.String(),
		"process_limit", w.cfg.ProcessLimit,
		"retry_delay", w.cfg.RetryDelay.String(),
		"retention_every_cycles", w.cfg.RetentionEveryCycles,
	)
	return nil
}

// Stop ends the loop and waits for an in-flight cycle to finish, or for ctx
// to be done. Calling Stop again after a timeout waits on the same loop.
// Calling Stop on a stopped worker is a no-op.
func (w *Worker) Stop(ctx context.Context) error {
	w.lifecycle.Lock()
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
	done := w.done
	w.lifecycle.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.lifecycle.Lock()
	if w.done == done {
		w.done = nil
	}
	w.lifecycle.Unlock()
	w.logger.InfoContext(ctx, "outbox worker stopped")
	return nil
}

// IsRunning reports whether the polling loop is active.
func (w *Worker) IsRunning() bool {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	return w.stop != nil
}

// RunCycle runs one cycle immediately. It returns ErrCycleInProgress when a
// cycle is already running.
func (w *Worker) RunCycle(ctx context.Context) (CycleResult, error) {
	if !w.inflight.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInProgress
	}
	w.cycleMu.Lock()
	defer func() {
		w.cycleMu.Unlock()
		w.inflight.Store(false)
	}()
	return w.cycle(ctx)
}

// Stats returns a copy of the cumulative counters.
func (w *Worker) Stats() Stats {
	w.statsMu.Lock()
	stats := w.stats
	w.statsMu.Unlock()
	stats.Running = w.IsRunning()
	return stats
}

func (w *Worker) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			w.awaitCycle()
			return
		case <-ctx.Done():
			w.awaitCycle()
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if !w.inflight.CompareAndSwap(false, true) {
		w.statsMu.Lock()
		w.stats.SkippedTicks++
		w.statsMu.Unlock()
		return
	}
	w.cycleMu.Lock()
	go func() {
		defer func() {
			w.cycleMu.Unlock()
			w.inflight.Store(false)
		}()
		if _, err := w.cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "outbox cycle failed", "error", err)
		}
	}()
}

// awaitCycle blocks until no cycle holds cycleMu.
func (w *Worker) awaitCycle() {
	w.cycleMu.Lock()
	w.cycleMu.Unlock()
}

func (w *Worker) cycle(ctx context.Context) (CycleResult, error) {
	n := w.cycles.Add(1)

	if w.locker != nil {
		acquired, err := w.locker.TryLock(ctx)
		if err != nil {
			w.record(CycleResult{}, err)
			return CycleResult{}, fmt.Errorf("outbox: acquire cycle lock: %w", err)
		}
		if !acquired {
			result := CycleResult{Contended: true}
			w.record(result, nil)
			return result, nil
		}
		defer func() {
			if err := w.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				w.logger.WarnContext(ctx, "release cycle lock", "error", err)
			}
		}()
	}

	result, err := ProcessPending(ctx, w.repo, w.processor, ProcessOptions{
		Limit:      w.cfg.ProcessLimit,
		RetryDelay: w.cfg.RetryDelay,
		Lease:      w.cfg.Lease,
		Now:        w.now,
		Logger:     w.logger,
	})
	if err == nil && n%int64(w.cfg.RetentionEveryCycles) == 0 {
		pruned, pruneErr := Prune(ctx, w.repo, w.cfg.Retention, w.cfg.PruneBatch, w.now())
		if pruneErr != nil {
			w.logger.WarnContext(ctx, "outbox retention failed", "error", pruneErr)
		}
		result.Pruned = pruned
	}
	if errors.Is(err, persistence.ErrSchemaMissing) {
		w.logger.DebugContext(ctx, "outbox tables missing, cycle skipped")
		err = nil
	}

	w.record(result, err)
	if result.Fetched > 0 || result.Pruned > 0 {
		w.logger.InfoContext(ctx, "outbox cycle completed",
			"fetched", result.Fetched,
			"processed", result.Processed,
			"requeued", result.Requeued,
			"failed", result.Failed,
			"skipped", result.Skipped,
			"pruned", result.Pruned,
		)
	}
	return result, err
}

func (w *Worker) record(result CycleResult, err error) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.Cycles++
	w.stats.Fetched += int64(result.Fetched)
	w.stats.Processed += int64(result.Processed)
	w.stats.Requeued += int64(result.Requeued)
	w.stats.Failed += int64(result.Failed)
	w.stats.Skipped += int64(result.Skipped)
	w.stats.Pruned += result.Pruned
	if result.Contended {
		w.stats.Contended++
	}
	w.stats.LastCycleAt = w.now()
	if err != nil {
		w.stats.LastError = err.Error()
	} else {
		w.stats.LastError = ""
	}
}
