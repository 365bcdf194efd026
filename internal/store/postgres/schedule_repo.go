package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"consulta/backend/internal/domain"
	"consulta/backend/internal/store"
)

// Partial unique indexes backing the one-pending-request-per-provider
// invariant; violations surface as store.ErrConflict.
const (
	openingPendingConstraint      = "opening_requests_one_pending"
	cancellationPendingConstraint = "cancellation_requests_one_pending"
)

type ScheduleRepo struct {
	db *bun.DB
}

func NewScheduleRepo(db *bun.DB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

type scheduleTx struct {
	tx bun.Tx
}

func (r *ScheduleRepo) CreateOpening(ctx context.Context, req domain.OpeningRequest) (domain.OpeningRequest, error) {
	m := req
	_, err := r.db.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		return domain.OpeningRequest{}, mapPendingConflict(err, openingPendingConstraint)
	}
	return m, nil
}

func (r *ScheduleRepo) GetOpening(ctx context.Context, id uuid.UUID) (domain.OpeningRequest, error) {
	var m domain.OpeningRequest
	err := r.db.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		return domain.OpeningRequest{}, mapNotFound(err)
	}
	return m, nil
}

func (r *ScheduleRepo) WithdrawOpening(ctx context.Context, providerID string, id uuid.UUID) error {
	res, err := r.db.NewDelete().
		Model((*domain.OpeningRequest)(nil)).
		Where("provider_id = ?", providerID).
		Where("id = ?", id).
		Where("status = ?", domain.RequestStatusPending).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *ScheduleRepo) CreateCancellation(ctx context.Context, req domain.EmergencyCancellationRequest) (domain.EmergencyCancellationRequest, error) {
	m := req
	_, err := r.db.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		return domain.EmergencyCancellationRequest{}, mapPendingConflict(err, cancellationPendingConstraint)
	}
	return m, nil
}

func (r *ScheduleRepo) GetCancellation(ctx context.Context, id uuid.UUID) (domain.EmergencyCancellationRequest, error) {
	var m domain.EmergencyCancellationRequest
	err := r.db.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		return domain.EmergencyCancellationRequest{}, mapNotFound(err)
	}
	return m, nil
}

func (r *ScheduleRepo) WithdrawCancellation(ctx context.Context, providerID string, id uuid.UUID) error {
	res, err := r.db.NewDelete().
		Model((*domain.EmergencyCancellationRequest)(nil)).
		Where("provider_id = ?", providerID).
		Where("id = ?", id).
		Where("status = ?", domain.RequestStatusPending).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *ScheduleRepo) GetProvider(ctx context.Context, providerID string) (domain.Provider, error) {
	var m domain.Provider
	err := r.db.NewSelect().
		Model(&m).
		Where("id = ?", providerID).
		Scan(ctx)
	if err != nil {
		return domain.Provider{}, mapNotFound(err)
	}
	return m, nil
}

func (r *ScheduleRepo) InProviderTransaction(ctx context.Context, providerID string, fn func(ctx context.Context, tx store.ScheduleTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockProviderSchedule(ctx, tx, providerID); err != nil {
			return err
		}
		return fn(ctx, scheduleTx{tx: tx})
	})
}

func lockProviderSchedule(ctx context.Context, tx bun.Tx, providerID string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", providerID).Exec(ctx)
	return err
}

func (r *ScheduleRepo) PendingDelta(ctx context.Context, providerID string) (domain.SlotDelta, error) {
	var rows []domain.ScheduleSlot
	err := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		OrderExpr("weekday ASC, start_minute ASC").
		Scan(ctx)
	if err != nil {
		return domain.SlotDelta{}, err
	}

	var delta domain.SlotDelta
	for i := range rows {
		if rows[i].Active {
			delta.Activations = append(delta.Activations, rows[i].Key())
		} else {
			delta.Deactivations = append(delta.Deactivations, rows[i].Key())
		}
	}
	return delta, nil
}

func (r *ScheduleRepo) ClearDelta(ctx context.Context, providerID string) error {
	_, err := r.db.NewDelete().
		Model((*domain.ScheduleSlot)(nil)).
		Where("provider_id = ?", providerID).
		Exec(ctx)
	return err
}

func (t scheduleTx) GetOpeningForUpdate(ctx context.Context, id uuid.UUID) (domain.OpeningRequest, error) {
	var m domain.OpeningRequest
	err := t.tx.NewSelect().
		Model(&m).
		Where("id = ?", id).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return domain.OpeningRequest{}, mapNotFound(err)
	}
	return m, nil
}

func (t scheduleTx) UpdateOpening(ctx context.Context, req domain.OpeningRequest) error {
	m := req
	res, err := t.tx.NewUpdate().
		Model(&m).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t scheduleTx) GetCancellationForUpdate(ctx context.Context, id uuid.UUID) (domain.EmergencyCancellationRequest, error) {
	var m domain.EmergencyCancellationRequest
	err := t.tx.NewSelect().
		Model(&m).
		Where("id = ?", id).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		return domain.EmergencyCancellationRequest{}, mapNotFound(err)
	}
	return m, nil
}

func (t scheduleTx) UpdateCancellation(ctx context.Context, req domain.EmergencyCancellationRequest) error {
	m := req
	res, err := t.tx.NewUpdate().
		Model(&m).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t scheduleTx) UpsertSlots(ctx context.Context, providerID string, keys []domain.SlotKey, active bool) error {
	if len(keys) == 0 {
		return nil
	}

	rows := make([]domain.ScheduleSlot, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, domain.ScheduleSlot{
			ProviderID:  providerID,
			Weekday:     k.Weekday,
			StartMinute: k.Start,
			Active:      active,
		})
	}

	_, err := t.tx.NewInsert().
		Model(&rows).
		On("CONFLICT (provider_id, weekday, start_minute) DO UPDATE").
		Set("active = EXCLUDED.active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (t scheduleTx) IncrementStrike(ctx context.Context, providerID string) (int, error) {
	var strikes int
	err := t.tx.NewRaw(
		"UPDATE providers SET strikes = strikes + 1, updated_at = ? WHERE id = ? RETURNING strikes",
		time.Now().UTC(), providerID,
	).Scan(ctx, &strikes)
	if err != nil {
		return 0, mapNotFound(err)
	}
	return strikes, nil
}

func mapPendingConflict(err error, constraint string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint {
		return store.ErrConflict
	}
	return err
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
