package schedulesync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"consulta/backend/internal/domain"
	"consulta/backend/internal/store"
)

// ExternalCalendar is the booking platform's schedule API. WriteSchedule is a
// full overwrite of the provider's schedule, not a diff apply, and is assumed
// idempotent.
type ExternalCalendar interface {
	ReadSchedule(ctx context.Context, providerExternalID string) (domain.WeekSchedule, error)
	WriteSchedule(ctx context.Context, providerExternalID string, ws domain.WeekSchedule) error
}

// ExternalReadError aborts a sync attempt before any write. Nothing is
// enqueued for retry: the push never happened, so there is nothing to replay.
type ExternalReadError struct {
	ProviderExternalID string
	Err                error
}

func (e *ExternalReadError) Error() string {
	return fmt.Sprintf("read external schedule for %s: %v", e.ProviderExternalID, e.Err)
}

func (e *ExternalReadError) Unwrap() error { return e.Err }

// ExternalWriteError is a failed push. Queued reports whether a retry item
// was enqueued; the local delta is kept either way.
type ExternalWriteError struct {
	ProviderExternalID string
	Queued             bool
	Err                error
}

func (e *ExternalWriteError) Error() string {
	return fmt.Sprintf("write external schedule for %s: %v", e.ProviderExternalID, e.Err)
}

func (e *ExternalWriteError) Unwrap() error { return e.Err }

type Config struct {
	StepMinutes int
	PushTimeout time.Duration
}

type Service struct {
	calendar    ExternalCalendar
	delta       store.SlotDeltaRepository
	retry       store.RetryQueueRepository
	log         *slog.Logger
	stepMinutes int
	pushTimeout time.Duration
	now         func() time.Time
}

func NewService(calendar ExternalCalendar, delta store.SlotDeltaRepository, retry store.RetryQueueRepository, log *slog.Logger, cfg Config) *Service {
	step := cfg.StepMinutes
	if step <= 0 {
		step = 20
	}
	timeout := cfg.PushTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Service{
		calendar:    calendar,
		delta:       delta,
		retry:       retry,
		log:         log,
		stepMinutes: step,
		pushTimeout: timeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile computes the next authoritative schedule: the platform's current
// slots, plus the pending activations, minus the pending deactivations.
// Deactivation wins when a slot appears on both sides, and slots that exist
// externally but are not named in the delta are always preserved, which makes
// the merge idempotent and safe to re-run after a partial failure.
func (s *Service) Reconcile(ctx context.Context, providerExternalID string, delta domain.SlotDelta) (domain.WeekSchedule, error) {
	current, err := s.calendar.ReadSchedule(ctx, providerExternalID)
	if err != nil {
		return nil, &ExternalReadError{ProviderExternalID: providerExternalID, Err: err}
	}

	external, err := domain.DecodeWeekSchedule(current, s.stepMinutes)
	if err != nil {
		return nil, err
	}

	final := make(map[domain.SlotKey]struct{}, len(external)+len(delta.Activations))
	for _, k := range external {
		final[k] = struct{}{}
	}
	for _, k := range delta.Activations {
		final[k] = struct{}{}
	}
	for _, k := range delta.Deactivations {
		delete(final, k)
	}

	keys := make([]domain.SlotKey, 0, len(final))
	for k := range final {
		keys = append(keys, k)
	}
	return domain.EncodeWeekSchedule(keys, s.stepMinutes), nil
}

// SyncProvider pushes the provider's pending delta to the booking platform.
// An empty delta is a no-op. Write failures are absorbed into the retry
// queue; the caller may treat the returned ExternalWriteError as non-fatal.
func (s *Service) SyncProvider(ctx context.Context, providerID, providerExternalID string) error {
	log := s.log.With(slog.String("provider_id", providerID))

	delta, err := s.delta.PendingDelta(ctx, providerID)
	if err != nil {
		return err
	}
	if delta.Empty() {
		log.Debug("no pending delta, skipping sync")
		return nil
	}

	merged, err := s.Reconcile(ctx, providerExternalID, delta)
	if err != nil {
		return err
	}

	log.Info("pushing schedule",
		slog.Int("activations", len(delta.Activations)),
		slog.Int("deactivations", len(delta.Deactivations)),
		slog.Int("target_slots", merged.SlotCount(s.stepMinutes)),
	)

	return s.push(ctx, providerID, providerExternalID, merged)
}

func (s *Service) push(ctx context.Context, providerID, providerExternalID string, merged domain.WeekSchedule) error {
	pushCtx, cancel := context.WithTimeout(ctx, s.pushTimeout)
	defer cancel()

	writeErr := s.calendar.WriteSchedule(pushCtx, providerExternalID, merged)
	if writeErr == nil {
		if err := s.delta.ClearDelta(ctx, providerID); err != nil {
			return fmt.Errorf("clear delta after push: %w", err)
		}
		s.log.Info("schedule pushed", slog.String("provider_id", providerID))
		return nil
	}

	now := s.now()
	nextRetry := now.Add(domain.RetryDelay(0))
	item := domain.RetryQueueItem{
		Operation: domain.RetryOperationPushSchedule,
		Payload: domain.SchedulePushPayload{
			ProviderID:         providerID,
			ProviderExternalID: providerExternalID,
			Schedule:           merged,
		},
		MaxAttempts: domain.DefaultMaxRetryAttempts,
		NextRetryAt: &nextRetry,
		LastError:   writeErr.Error(),
	}

	queued := true
	if _, err := s.retry.Enqueue(ctx, item); err != nil {
		queued = false
		s.log.Error("retry enqueue failed", slog.Any("err", err), slog.String("provider_id", providerID))
	}

	s.log.Warn("schedule push failed",
		slog.Any("err", writeErr),
		slog.String("provider_id", providerID),
		slog.Bool("queued", queued),
	)

	return &ExternalWriteError{ProviderExternalID: providerExternalID, Queued: queued, Err: writeErr}
}

type DrainResult struct {
	Selected  int
	Succeeded int
	Failed    int
	Exhausted int
}

// Drain replays due retry items, oldest-due first. It is a single idempotent
// operation shared by the scheduled worker and any manual trigger. Items
// replay the stored, already-merged schedule rather than re-running
// reconciliation, so a success only marks the item processed: the provider's
// pending delta may have grown since the item was enqueued, and clearing it
// here would lose changes the replayed schedule never contained. Delta rows
// are cleared by the next direct sync, which re-merges them against the
// now-updated external state.
func (s *Service) Drain(ctx context.Context, limit int) (DrainResult, error) {
	var result DrainResult

	items, err := s.retry.DueItems(ctx, s.now(), limit)
	if err != nil {
		return result, err
	}
	result.Selected = len(items)

	for i := range items {
		item := &items[i]
		log := s.log.With(
			slog.String("item_id", item.ID.String()),
			slog.String("provider_id", item.Payload.ProviderID),
			slog.Int("attempts", item.Attempts),
		)

		pushCtx, cancel := context.WithTimeout(ctx, s.pushTimeout)
		writeErr := s.calendar.WriteSchedule(pushCtx, item.Payload.ProviderExternalID, item.Payload.Schedule)
		cancel()

		if writeErr == nil {
			if err := s.retry.RecordSuccess(ctx, item.ID, s.now()); err != nil {
				return result, err
			}
			result.Succeeded++
			log.Info("retry push succeeded")
			continue
		}

		updated, err := s.retry.RecordFailure(ctx, item.ID, s.now(), writeErr.Error())
		if err != nil {
			return result, err
		}
		result.Failed++
		if updated.PermanentlyFailed() {
			result.Exhausted++
			log.Error("retry attempts exhausted", slog.Any("err", writeErr))
		} else {
			log.Warn("retry push failed", slog.Any("err", writeErr), slog.Time("next_retry_at", *updated.NextRetryAt))
		}

		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (s *Service) Stats(ctx context.Context) (store.RetryQueueStats, error) {
	return s.retry.Stats(ctx)
}
