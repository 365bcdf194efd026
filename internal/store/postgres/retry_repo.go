package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"consulta/backend/internal/domain"
	"consulta/backend/internal/store"
)

type RetryQueueRepo struct {
	db *bun.DB
}

func NewRetryQueueRepo(db *bun.DB) *RetryQueueRepo {
	return &RetryQueueRepo{db: db}
}

func (r *RetryQueueRepo) Enqueue(ctx context.Context, item domain.RetryQueueItem) (domain.RetryQueueItem, error) {
	m := item
	_, err := r.db.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		return domain.RetryQueueItem{}, err
	}
	return m, nil
}

func (r *RetryQueueRepo) DueItems(ctx context.Context, now time.Time, limit int) ([]domain.RetryQueueItem, error) {
	var rows []domain.RetryQueueItem
	err := r.db.NewSelect().
		Model(&rows).
		Where("processed_at IS NULL").
		Where("attempts < max_attempts").
		Where("next_retry_at IS NOT NULL").
		Where("next_retry_at <= ?", now).
		OrderExpr("next_retry_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *RetryQueueRepo) RecordSuccess(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := r.db.NewUpdate().
		Model((*domain.RetryQueueItem)(nil)).
		Set("processed_at = ?", now.UTC()).
		Set("updated_at = ?", now.UTC()).
		Where("id = ?", id).
		Where("processed_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// RecordFailure increments attempts under a row lock so overlapping drains
// cannot lose an increment, and schedules the next retry per the backoff
// table. At max attempts the item is left with no next_retry_at.
func (r *RetryQueueRepo) RecordFailure(ctx context.Context, id uuid.UUID, now time.Time, lastError string) (domain.RetryQueueItem, error) {
	var out domain.RetryQueueItem
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var m domain.RetryQueueItem
		err := tx.NewSelect().
			Model(&m).
			Where("id = ?", id).
			For("UPDATE").
			Scan(ctx)
		if err != nil {
			return mapNotFound(err)
		}

		m.Attempts++
		m.LastError = lastError
		if m.Attempts < m.MaxAttempts {
			next := now.UTC().Add(domain.RetryDelay(m.Attempts))
			m.NextRetryAt = &next
		} else {
			m.NextRetryAt = nil
		}

		if _, err := tx.NewUpdate().Model(&m).WherePK().Exec(ctx); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return domain.RetryQueueItem{}, err
	}
	return out, nil
}

func (r *RetryQueueRepo) Stats(ctx context.Context) (store.RetryQueueStats, error) {
	var stats store.RetryQueueStats

	pending, err := r.db.NewSelect().
		Model((*domain.RetryQueueItem)(nil)).
		Where("processed_at IS NULL").
		Where("attempts < max_attempts").
		Count(ctx)
	if err != nil {
		return store.RetryQueueStats{}, err
	}

	processed, err := r.db.NewSelect().
		Model((*domain.RetryQueueItem)(nil)).
		Where("processed_at IS NOT NULL").
		Count(ctx)
	if err != nil {
		return store.RetryQueueStats{}, err
	}

	failed, err := r.db.NewSelect().
		Model((*domain.RetryQueueItem)(nil)).
		Where("processed_at IS NULL").
		Where("attempts >= max_attempts").
		Count(ctx)
	if err != nil {
		return store.RetryQueueStats{}, err
	}

	stats.Pending = pending
	stats.Processed = processed
	stats.PermanentlyFailed = failed
	return stats, nil
}
