package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type RetryOperation string

const (
	RetryOperationPushSchedule RetryOperation = "push_schedule"
)

const DefaultMaxRetryAttempts = 5

// retryDelays is the backoff table in minutes, indexed by the number of
// failed attempts so far. Indexes beyond the table clamp to the last entry.
var retryDelays = [...]int{5, 20, 80, 320}

// RetryDelay returns how long to wait before the next attempt after the
// given number of failures.
func RetryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(retryDelays) {
		attempts = len(retryDelays) - 1
	}
	return time.Duration(retryDelays[attempts]) * time.Minute
}

// SchedulePushPayload is the replayable payload of a failed push: the
// already-merged target schedule, not the delta. Retries replay the
// originally intended final state without re-running reconciliation.
type SchedulePushPayload struct {
	ProviderID         string       `json:"provider_id"`
	ProviderExternalID string       `json:"provider_external_id"`
	Schedule           WeekSchedule `json:"schedule"`
}

// RetryQueueItem is one failed sync operation awaiting retry. Items are never
// deleted: processed and permanently failed items remain as an audit trail of
// sync health. A nil NextRetryAt on an unprocessed item at max attempts means
// permanently failed.
type RetryQueueItem struct {
	bun.BaseModel `bun:"table:retry_queue_items"`

	ID          uuid.UUID           `bun:"id,pk,type:uuid"`
	Operation   RetryOperation      `bun:"operation,notnull"`
	Payload     SchedulePushPayload `bun:"payload,type:jsonb,notnull"`
	Attempts    int                 `bun:"attempts,notnull"`
	MaxAttempts int                 `bun:"max_attempts,notnull"`
	NextRetryAt *time.Time          `bun:"next_retry_at"`
	LastError   string              `bun:"last_error"`
	ProcessedAt *time.Time          `bun:"processed_at"`
	CreatedAt   time.Time           `bun:"created_at,notnull"`
	UpdatedAt   time.Time           `bun:"updated_at,notnull"`
}

func (i *RetryQueueItem) PermanentlyFailed() bool {
	return i.ProcessedAt == nil && i.Attempts >= i.MaxAttempts
}

func (i *RetryQueueItem) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if i.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			i.ID = id
		}
		if i.MaxAttempts == 0 {
			i.MaxAttempts = DefaultMaxRetryAttempts
		}
		if i.CreatedAt.IsZero() {
			i.CreatedAt = now
		}
		if i.UpdatedAt.IsZero() {
			i.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		i.UpdatedAt = now
	}
	return nil
}
