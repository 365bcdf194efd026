package store

import (
	"context"

	"consulta/backend/internal/domain"
)

// SlotDeltaRepository exposes the pending schedule_slots rows consumed by the
// sync engine. Rows are transient: created by approvals, deleted on a
// successful push.
type SlotDeltaRepository interface {
	PendingDelta(ctx context.Context, providerID string) (domain.SlotDelta, error)
	ClearDelta(ctx context.Context, providerID string) error
}
