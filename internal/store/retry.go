package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"consulta/backend/internal/domain"
)

type RetryQueueStats struct {
	Pending           int
	Processed         int
	PermanentlyFailed int
}

// RetryQueueRepository owns retry_queue_items exclusively; no other component
// mutates attempts or next_retry_at. RecordFailure must increment attempts
// atomically (select-for-update) so overlapping drains cannot corrupt the
// counter.
type RetryQueueRepository interface {
	Enqueue(ctx context.Context, item domain.RetryQueueItem) (domain.RetryQueueItem, error)

	// DueItems returns up to limit unprocessed items with attempts below
	// max and next_retry_at at or before now, oldest-due first.
	DueItems(ctx context.Context, now time.Time, limit int) ([]domain.RetryQueueItem, error)

	RecordSuccess(ctx context.Context, id uuid.UUID, now time.Time) error

	// RecordFailure increments attempts and schedules the next retry, or
	// leaves next_retry_at unset once max attempts is reached. Returns the
	// updated item.
	RecordFailure(ctx context.Context, id uuid.UUID, now time.Time, lastError string) (domain.RetryQueueItem, error)

	Stats(ctx context.Context) (RetryQueueStats, error)
}
