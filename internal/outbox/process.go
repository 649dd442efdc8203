// Package outbox drains durable delivery intents written by the services.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/booking-core/internal/persistence"
)

// Processor delivers one outbox row. A returned error, or a panic, schedules
// a retry.
type Processor func(ctx context.Context, event persistence.OutboxEvent) error

// CycleResult counts what one pass over the outbox did.
type CycleResult struct {
	Fetched   int   `json:"fetched"`
	Processed int   `json:"processed"`
	Requeued  int   `json:"requeued"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
	Pruned    int64 `json:"pruned"`
	Contended bool  `json:"contended,omitempty"`
}

// ProcessOptions parameterizes ProcessPending.
type ProcessOptions struct {
	Limit      int
	RetryDelay time.Duration
	Lease      time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

const maxErrorMessage = 1000

// ProcessPending delivers up to opts.Limit due rows, oldest first. Every row
// is claimed before the processor runs, so a concurrent processor that lost
// the claim skips it. Each transition commits on its own; a failure on one
// row never blocks the rest of the batch.
func ProcessPending(ctx context.Context, repo persistence.OutboxRepository, processor Processor, opts ProcessOptions) (CycleResult, error) {
	if repo == nil || processor == nil {
		return CycleResult{}, fmt.Errorf("outbox: repository and processor are required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lease := opts.Lease
	if lease <= 0 {
		lease = DefaultLease
	}

	due, err := repo.ListDue(ctx, now(), opts.Limit)
	if err != nil {
		return CycleResult{}, fmt.Errorf("outbox: list due events: %w", err)
	}

	result := CycleResult{Fetched: len(due)}
	for _, event := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		eventLogger := logger.With("outbox_id", event.ID, "event_type", event.EventType, "organization_id", event.OrganizationID)

		started := now()
		claimed, err := repo.Claim(ctx, event.ID, started, started.Add(lease))
		if err != nil {
			eventLogger.WarnContext(ctx, "claim outbox event failed", "error", err)
			result.Skipped++
			continue
		}
		if !claimed {
			result.Skipped++
			continue
		}

		if deliverErr := invoke(ctx, processor, event); deliverErr != nil {
			outcome, err := settleFailure(ctx, repo, event, deliverErr, now(), opts.RetryDelay)
			if err != nil {
				eventLogger.ErrorContext(ctx, "record outbox failure", "error", err)
				result.Skipped++
				continue
			}
			switch outcome {
			case outcomeRequeued:
				result.Requeued++
				eventLogger.WarnContext(ctx, "outbox delivery failed, retry scheduled",
					"retry_count", event.RetryCount+1, "max_retries", event.MaxRetries, "error", deliverErr)
			case outcomeFailed:
				result.Failed++
				eventLogger.ErrorContext(ctx, "outbox delivery failed permanently",
					"retry_count", event.RetryCount, "error", deliverErr)
			default:
				result.Skipped++
			}
			continue
		}

		won, err := repo.MarkSent(ctx, event.ID, now())
		if err != nil {
			eventLogger.ErrorContext(ctx, "mark outbox event sent", "error", err)
			result.Skipped++
			continue
		}
		if !won {
			result.Skipped++
			continue
		}
		result.Processed++
	}
	return result, nil
}

type outcome int

const (
	outcomeLost outcome = iota
	outcomeRequeued
	outcomeFailed
)

// settleFailure applies the retry rule: while RetryCount < MaxRetries the row
// stays pending with RetryCount+1 and a fixed delay, otherwise it becomes
// failed with RetryCount left at MaxRetries.
func settleFailure(ctx context.Context, repo persistence.OutboxRepository, event persistence.OutboxEvent, cause error, at time.Time, delay time.Duration) (outcome, error) {
	message := truncate(cause.Error(), maxErrorMessage)
	if event.RetryCount < event.MaxRetries {
		won, err := repo.Reschedule(ctx, event.ID, event.RetryCount+1, at.Add(delay), message)
		if err != nil || !won {
			return outcomeLost, err
		}
		return outcomeRequeued, nil
	}
	won, err := repo.MarkFailed(ctx, event.ID, at, message)
	if err != nil || !won {
		return outcomeLost, err
	}
	return outcomeFailed, nil
}

func invoke(ctx context.Context, processor Processor, event persistence.OutboxEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("outbox: processor panicked: %v", p)
		}
	}()
	return processor(ctx, event)
}

// Prune deletes up to batch terminal rows processed before now-retention.
// Pending rows are never removed.
func Prune(ctx context.Context, repo persistence.OutboxRepository, retention time.Duration, batch int, now time.Time) (int64, error) {
	if retention <= 0 || batch <= 0 {
		return 0, nil
	}
	pruned, err := repo.Prune(ctx, now.Add(-retention), batch)
	if err != nil {
		if errors.Is(err, persistence.ErrSchemaMissing) {
			return 0, nil
		}
		return 0, fmt.Errorf("outbox: prune: %w", err)
	}
	return pruned, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
