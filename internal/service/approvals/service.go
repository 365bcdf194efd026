package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"consulta/backend/internal/domain"
	"consulta/backend/internal/store"
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// AlreadyProcessedError is returned when a decision targets a request that
// has already left the pending state. Terminal states have no transitions.
type AlreadyProcessedError struct {
	RequestID uuid.UUID
	Status    domain.RequestStatus
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("request %s already processed (status %s)", e.RequestID, e.Status)
}

// PartitionMismatchError is returned when the approved and rejected slot sets
// do not partition the requested set exactly. The decision is rejected
// outright; nothing is mutated.
type PartitionMismatchError struct {
	Missing []domain.SlotKey
	Foreign []domain.SlotKey
	Overlap []domain.SlotKey
}

func (e *PartitionMismatchError) Error() string {
	return fmt.Sprintf("approved/rejected slots do not partition the requested set (missing %d, foreign %d, overlapping %d)",
		len(e.Missing), len(e.Foreign), len(e.Overlap))
}

// Syncer pushes a provider's pending delta to the booking platform.
type Syncer interface {
	SyncProvider(ctx context.Context, providerID, providerExternalID string) error
}

type OutcomeKind string

const (
	OutcomeOpeningApproved      OutcomeKind = "opening_approved"
	OutcomeOpeningRejected      OutcomeKind = "opening_rejected"
	OutcomeCancellationApproved OutcomeKind = "cancellation_approved"
	OutcomeCancellationRejected OutcomeKind = "cancellation_rejected"
)

type Outcome struct {
	Kind          OutcomeKind
	RequestID     uuid.UUID
	ApprovedCount int
	RejectedCount int
	Reason        string
	StrikeApplied bool
}

// Notifier delivers decision outcomes to the provider. Fire and forget:
// failures never block or roll back the decision that triggered them.
type Notifier interface {
	NotifyOutcome(ctx context.Context, providerID string, outcome Outcome) error
}

type Service struct {
	repo        store.RequestRepository
	sync        Syncer
	notifier    Notifier
	log         *slog.Logger
	stepMinutes int
	now         func() time.Time
}

func NewService(repo store.RequestRepository, sync Syncer, notifier Notifier, log *slog.Logger, stepMinutes int) *Service {
	if stepMinutes <= 0 {
		stepMinutes = 20
	}
	return &Service{
		repo:        repo,
		sync:        sync,
		notifier:    notifier,
		log:         log,
		stepMinutes: stepMinutes,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type CreateOpeningInput struct {
	ProviderID string
	Slots      []domain.SlotKey
}

func (s *Service) CreateOpening(ctx context.Context, in CreateOpeningInput) (domain.OpeningRequest, error) {
	if in.ProviderID == "" {
		return domain.OpeningRequest{}, validationError("provider_id is required")
	}
	slots, err := s.normalizeSlots(in.Slots)
	if err != nil {
		return domain.OpeningRequest{}, err
	}

	return s.repo.CreateOpening(ctx, domain.OpeningRequest{
		ProviderID:     in.ProviderID,
		RequestedSlots: slots,
		Status:         domain.RequestStatusPending,
	})
}

type CreateCancellationInput struct {
	ProviderID        string
	Slots             []domain.SlotKey
	MotiveCategory    domain.CancellationMotive
	MotiveDescription string
}

func (s *Service) CreateCancellation(ctx context.Context, in CreateCancellationInput) (domain.EmergencyCancellationRequest, error) {
	if in.ProviderID == "" {
		return domain.EmergencyCancellationRequest{}, validationError("provider_id is required")
	}
	if !in.MotiveCategory.Valid() {
		return domain.EmergencyCancellationRequest{}, validationError("invalid motive_category")
	}
	if in.MotiveCategory == domain.CancellationMotiveOther && strings.TrimSpace(in.MotiveDescription) == "" {
		return domain.EmergencyCancellationRequest{}, validationError("motive_description is required for motive \"other\"")
	}
	slots, err := s.normalizeSlots(in.Slots)
	if err != nil {
		return domain.EmergencyCancellationRequest{}, err
	}

	return s.repo.CreateCancellation(ctx, domain.EmergencyCancellationRequest{
		ProviderID:        in.ProviderID,
		RequestedSlots:    slots,
		MotiveCategory:    in.MotiveCategory,
		MotiveDescription: strings.TrimSpace(in.MotiveDescription),
		Status:            domain.RequestStatusPending,
	})
}

func (s *Service) WithdrawOpening(ctx context.Context, providerID string, id uuid.UUID) error {
	if providerID == "" {
		return validationError("provider_id is required")
	}
	if id == uuid.Nil {
		return validationError("request_id is required")
	}
	return s.repo.WithdrawOpening(ctx, providerID, id)
}

func (s *Service) WithdrawCancellation(ctx context.Context, providerID string, id uuid.UUID) error {
	if providerID == "" {
		return validationError("provider_id is required")
	}
	if id == uuid.Nil {
		return validationError("request_id is required")
	}
	return s.repo.WithdrawCancellation(ctx, providerID, id)
}

// ApproveOpeningInput carries a staff decision. A nil ApprovedSlots and nil
// RejectedSlots means approve everything; an explicitly empty non-nil slice
// is honored as such. Whichever side is omitted defaults to the complement
// of the other within the requested set.
type ApproveOpeningInput struct {
	RequestID     uuid.UUID
	DecidedBy     string
	ApprovedSlots []domain.SlotKey
	RejectedSlots []domain.SlotKey
}

func (s *Service) ApproveOpening(ctx context.Context, in ApproveOpeningInput) (domain.OpeningRequest, error) {
	if in.RequestID == uuid.Nil {
		return domain.OpeningRequest{}, validationError("request_id is required")
	}
	if in.DecidedBy == "" {
		return domain.OpeningRequest{}, validationError("decided_by is required")
	}

	head, err := s.repo.GetOpening(ctx, in.RequestID)
	if err != nil {
		return domain.OpeningRequest{}, err
	}

	var decided domain.OpeningRequest
	err = s.repo.InProviderTransaction(ctx, head.ProviderID, func(ctx context.Context, tx store.ScheduleTx) error {
		req, err := tx.GetOpeningForUpdate(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status != domain.RequestStatusPending {
			return &AlreadyProcessedError{RequestID: req.ID, Status: req.Status}
		}

		approved, rejected, err := partitionSlots(req.RequestedSlots, in.ApprovedSlots, in.RejectedSlots)
		if err != nil {
			return err
		}

		now := s.now()
		req.Status = domain.RequestStatusApproved
		req.ApprovedSlots = approved
		req.RejectedSlots = rejected
		req.DecidedBy = in.DecidedBy
		req.DecidedAt = &now
		if err := tx.UpdateOpening(ctx, req); err != nil {
			return err
		}

		if err := tx.UpsertSlots(ctx, req.ProviderID, approved, true); err != nil {
			return err
		}

		decided = req
		return nil
	})
	if err != nil {
		return domain.OpeningRequest{}, err
	}

	s.notify(ctx, decided.ProviderID, Outcome{
		Kind:          OutcomeOpeningApproved,
		RequestID:     decided.ID,
		ApprovedCount: len(decided.ApprovedSlots),
		RejectedCount: len(decided.RejectedSlots),
	})
	s.syncProvider(ctx, decided.ProviderID)

	return decided, nil
}

type RejectInput struct {
	RequestID uuid.UUID
	DecidedBy string
	Reason    string
}

func (s *Service) RejectOpening(ctx context.Context, in RejectInput) (domain.OpeningRequest, error) {
	if err := validateReject(in); err != nil {
		return domain.OpeningRequest{}, err
	}

	head, err := s.repo.GetOpening(ctx, in.RequestID)
	if err != nil {
		return domain.OpeningRequest{}, err
	}

	var decided domain.OpeningRequest
	err = s.repo.InProviderTransaction(ctx, head.ProviderID, func(ctx context.Context, tx store.ScheduleTx) error {
		req, err := tx.GetOpeningForUpdate(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status != domain.RequestStatusPending {
			return &AlreadyProcessedError{RequestID: req.ID, Status: req.Status}
		}

		now := s.now()
		req.Status = domain.RequestStatusRejected
		req.RejectionReason = strings.TrimSpace(in.Reason)
		req.DecidedBy = in.DecidedBy
		req.DecidedAt = &now
		if err := tx.UpdateOpening(ctx, req); err != nil {
			return err
		}

		decided = req
		return nil
	})
	if err != nil {
		return domain.OpeningRequest{}, err
	}

	s.notify(ctx, decided.ProviderID, Outcome{
		Kind:      OutcomeOpeningRejected,
		RequestID: decided.ID,
		Reason:    decided.RejectionReason,
	})

	return decided, nil
}

type ApproveCancellationInput struct {
	RequestID     uuid.UUID
	DecidedBy     string
	ApprovedSlots []domain.SlotKey
	RejectedSlots []domain.SlotKey
	ApplyStrike   bool
}

func (s *Service) ApproveCancellation(ctx context.Context, in ApproveCancellationInput) (domain.EmergencyCancellationRequest, error) {
	if in.RequestID == uuid.Nil {
		return domain.EmergencyCancellationRequest{}, validationError("request_id is required")
	}
	if in.DecidedBy == "" {
		return domain.EmergencyCancellationRequest{}, validationError("decided_by is required")
	}

	head, err := s.repo.GetCancellation(ctx, in.RequestID)
	if err != nil {
		return domain.EmergencyCancellationRequest{}, err
	}

	var decided domain.EmergencyCancellationRequest
	err = s.repo.InProviderTransaction(ctx, head.ProviderID, func(ctx context.Context, tx store.ScheduleTx) error {
		req, err := tx.GetCancellationForUpdate(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status != domain.RequestStatusPending {
			return &AlreadyProcessedError{RequestID: req.ID, Status: req.Status}
		}

		approved, rejected, err := partitionSlots(req.RequestedSlots, in.ApprovedSlots, in.RejectedSlots)
		if err != nil {
			return err
		}

		now := s.now()
		req.Status = domain.RequestStatusApproved
		req.ApprovedSlots = approved
		req.RejectedSlots = rejected
		req.StrikeApplied = in.ApplyStrike
		req.DecidedBy = in.DecidedBy
		req.DecidedAt = &now
		if err := tx.UpdateCancellation(ctx, req); err != nil {
			return err
		}

		// One strike per approved cancellation, never one per slot.
		if in.ApplyStrike {
			if _, err := tx.IncrementStrike(ctx, req.ProviderID); err != nil {
				return err
			}
		}

		if err := tx.UpsertSlots(ctx, req.ProviderID, approved, false); err != nil {
			return err
		}

		decided = req
		return nil
	})
	if err != nil {
		return domain.EmergencyCancellationRequest{}, err
	}

	s.notify(ctx, decided.ProviderID, Outcome{
		Kind:          OutcomeCancellationApproved,
		RequestID:     decided.ID,
		ApprovedCount: len(decided.ApprovedSlots),
		RejectedCount: len(decided.RejectedSlots),
		StrikeApplied: decided.StrikeApplied,
	})
	s.syncProvider(ctx, decided.ProviderID)

	return decided, nil
}

func (s *Service) RejectCancellation(ctx context.Context, in RejectInput) (domain.EmergencyCancellationRequest, error) {
	if err := validateReject(in); err != nil {
		return domain.EmergencyCancellationRequest{}, err
	}

	head, err := s.repo.GetCancellation(ctx, in.RequestID)
	if err != nil {
		return domain.EmergencyCancellationRequest{}, err
	}

	var decided domain.EmergencyCancellationRequest
	err = s.repo.InProviderTransaction(ctx, head.ProviderID, func(ctx context.Context, tx store.ScheduleTx) error {
		req, err := tx.GetCancellationForUpdate(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status != domain.RequestStatusPending {
			return &AlreadyProcessedError{RequestID: req.ID, Status: req.Status}
		}

		now := s.now()
		req.Status = domain.RequestStatusRejected
		req.RejectionReason = strings.TrimSpace(in.Reason)
		req.DecidedBy = in.DecidedBy
		req.DecidedAt = &now
		if err := tx.UpdateCancellation(ctx, req); err != nil {
			return err
		}

		decided = req
		return nil
	})
	if err != nil {
		return domain.EmergencyCancellationRequest{}, err
	}

	s.notify(ctx, decided.ProviderID, Outcome{
		Kind:      OutcomeCancellationRejected,
		RequestID: decided.ID,
		Reason:    decided.RejectionReason,
	})

	return decided, nil
}

func validateReject(in RejectInput) error {
	if in.RequestID == uuid.Nil {
		return validationError("request_id is required")
	}
	if in.DecidedBy == "" {
		return validationError("decided_by is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return validationError("rejection reason is required")
	}
	return nil
}

func (s *Service) normalizeSlots(slots []domain.SlotKey) ([]domain.SlotKey, error) {
	if len(slots) == 0 {
		return nil, validationError("at least one slot is required")
	}

	step := domain.TimeOfDay(s.stepMinutes)
	dedup := make(map[domain.SlotKey]struct{}, len(slots))
	out := make([]domain.SlotKey, 0, len(slots))
	for _, k := range slots {
		if k.Weekday < time.Sunday || k.Weekday > time.Saturday {
			return nil, validationError("invalid weekday")
		}
		if !k.Start.Valid() || k.Start%step != 0 {
			return nil, validationError(fmt.Sprintf("slot start %s is not aligned to %d minutes", k.Start, s.stepMinutes))
		}
		if _, ok := dedup[k]; ok {
			continue
		}
		dedup[k] = struct{}{}
		out = append(out, k)
	}

	domain.SortSlotKeys(out)
	return out, nil
}

// partitionSlots resolves the staff selection against the requested set.
// Nil on both sides approves everything; a nil side defaults to the
// complement of the other. The resolved sets must cover every requested slot
// exactly once and contain no foreign slots.
func partitionSlots(requested, approved, rejected []domain.SlotKey) ([]domain.SlotKey, []domain.SlotKey, error) {
	requestedSet := make(map[domain.SlotKey]struct{}, len(requested))
	for _, k := range requested {
		requestedSet[k] = struct{}{}
	}

	if approved == nil && rejected == nil {
		all := make([]domain.SlotKey, len(requested))
		copy(all, requested)
		domain.SortSlotKeys(all)
		return all, []domain.SlotKey{}, nil
	}

	var mismatch PartitionMismatchError

	approvedSet := make(map[domain.SlotKey]struct{}, len(approved))
	for _, k := range approved {
		if _, ok := requestedSet[k]; !ok {
			mismatch.Foreign = append(mismatch.Foreign, k)
			continue
		}
		approvedSet[k] = struct{}{}
	}

	rejectedSet := make(map[domain.SlotKey]struct{}, len(rejected))
	for _, k := range rejected {
		if _, ok := requestedSet[k]; !ok {
			mismatch.Foreign = append(mismatch.Foreign, k)
			continue
		}
		if _, ok := approvedSet[k]; ok {
			mismatch.Overlap = append(mismatch.Overlap, k)
			continue
		}
		rejectedSet[k] = struct{}{}
	}

	if approved == nil {
		for _, k := range requested {
			if _, ok := rejectedSet[k]; !ok {
				approvedSet[k] = struct{}{}
			}
		}
	}
	if rejected == nil {
		for _, k := range requested {
			if _, ok := approvedSet[k]; !ok {
				rejectedSet[k] = struct{}{}
			}
		}
	}

	for _, k := range requested {
		_, inApproved := approvedSet[k]
		_, inRejected := rejectedSet[k]
		if !inApproved && !inRejected {
			mismatch.Missing = append(mismatch.Missing, k)
		}
	}

	if len(mismatch.Missing) > 0 || len(mismatch.Foreign) > 0 || len(mismatch.Overlap) > 0 {
		return nil, nil, &mismatch
	}

	outApproved := make([]domain.SlotKey, 0, len(approvedSet))
	for k := range approvedSet {
		outApproved = append(outApproved, k)
	}
	outRejected := make([]domain.SlotKey, 0, len(rejectedSet))
	for k := range rejectedSet {
		outRejected = append(outRejected, k)
	}
	domain.SortSlotKeys(outApproved)
	domain.SortSlotKeys(outRejected)
	return outApproved, outRejected, nil
}

func (s *Service) notify(ctx context.Context, providerID string, outcome Outcome) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyOutcome(ctx, providerID, outcome); err != nil {
		s.log.Warn("outcome notification failed",
			slog.Any("err", err),
			slog.String("provider_id", providerID),
			slog.String("outcome", string(outcome.Kind)),
		)
	}
}

// syncProvider is best effort: a failed push degrades to "decision recorded,
// schedule not yet reflected externally" and is picked up by the retry queue
// or a manual re-sync.
func (s *Service) syncProvider(ctx context.Context, providerID string) {
	provider, err := s.repo.GetProvider(ctx, providerID)
	if err != nil {
		s.log.Error("provider lookup for sync failed", slog.Any("err", err), slog.String("provider_id", providerID))
		return
	}

	if err := s.sync.SyncProvider(ctx, providerID, provider.ExternalID); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Warn("schedule sync deferred",
			slog.Any("err", err),
			slog.String("provider_id", providerID),
		)
	}
}
