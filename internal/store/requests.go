package store

import (
	"context"

	"github.com/google/uuid"

	"consulta/backend/internal/domain"
)

// RequestRepository persists opening and emergency cancellation requests.
// Creation must surface ErrConflict when the provider already has a pending
// request of the same kind (partial unique index on provider_id where
// status = 'pending').
type RequestRepository interface {
	CreateOpening(ctx context.Context, req domain.OpeningRequest) (domain.OpeningRequest, error)
	GetOpening(ctx context.Context, id uuid.UUID) (domain.OpeningRequest, error)
	WithdrawOpening(ctx context.Context, providerID string, id uuid.UUID) error

	CreateCancellation(ctx context.Context, req domain.EmergencyCancellationRequest) (domain.EmergencyCancellationRequest, error)
	GetCancellation(ctx context.Context, id uuid.UUID) (domain.EmergencyCancellationRequest, error)
	WithdrawCancellation(ctx context.Context, providerID string, id uuid.UUID) error

	GetProvider(ctx context.Context, providerID string) (domain.Provider, error)

	// InProviderTransaction runs fn inside one transaction holding a
	// per-provider advisory lock, serializing approval decisions for that
	// provider.
	InProviderTransaction(ctx context.Context, providerID string, fn func(ctx context.Context, tx ScheduleTx) error) error
}

// ScheduleTx is the transaction-scoped view used by approval transitions.
// All invariant checks and state mutation of a decision happen through one
// ScheduleTx, so a failed validation aborts the whole transition.
type ScheduleTx interface {
	GetOpeningForUpdate(ctx context.Context, id uuid.UUID) (domain.OpeningRequest, error)
	UpdateOpening(ctx context.Context, req domain.OpeningRequest) error

	GetCancellationForUpdate(ctx context.Context, id uuid.UUID) (domain.EmergencyCancellationRequest, error)
	UpdateCancellation(ctx context.Context, req domain.EmergencyCancellationRequest) error

	// UpsertSlots records pending delta rows for the given slot keys,
	// creating them if absent and overwriting the active flag otherwise.
	UpsertSlots(ctx context.Context, providerID string, keys []domain.SlotKey, active bool) error

	IncrementStrike(ctx context.Context, providerID string) (int, error)
}
