package approvals

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"consulta/backend/internal/domain"
	"consulta/backend/internal/service/schedulesync"
	"consulta/backend/internal/store"
)

// fakeRepo is an in-memory RequestRepository. Its ScheduleTx view is the repo
// itself; InProviderTransaction snapshots state and restores it when fn
// returns an error, mimicking a rollback.
type fakeRepo struct {
	providers     map[string]domain.Provider
	openings      map[uuid.UUID]domain.OpeningRequest
	cancellations map[uuid.UUID]domain.EmergencyCancellationRequest

	// slots holds pending delta rows keyed by provider: true = activate,
	// false = deactivate.
	slots map[string]map[domain.SlotKey]bool

	upsertCalls int
	strikeCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		providers:     make(map[string]domain.Provider),
		openings:      make(map[uuid.UUID]domain.OpeningRequest),
		cancellations: make(map[uuid.UUID]domain.EmergencyCancellationRequest),
		slots:         make(map[string]map[domain.SlotKey]bool),
	}
}

func (f *fakeRepo) CreateOpening(ctx context.Context, req domain.OpeningRequest) (domain.OpeningRequest, error) {
	for _, existing := range f.openings {
		if existing.ProviderID == req.ProviderID && existing.Status == domain.RequestStatusPending {
			return domain.OpeningRequest{}, store.ErrConflict
		}
	}
	req.ID = uuid.New()
	req.CreatedAt = time.Now().UTC()
	f.openings[req.ID] = req
	return req, nil
}

func (f *fakeRepo) GetOpening(ctx context.Context, id uuid.UUID) (domain.OpeningRequest, error) {
	req, ok := f.openings[id]
	if !ok {
		return domain.OpeningRequest{}, store.ErrNotFound
	}
	return req, nil
}

func (f *fakeRepo) WithdrawOpening(ctx context.Context, providerID string, id uuid.UUID) error {
	req, ok := f.openings[id]
	if !ok || req.ProviderID != providerID || req.Status != domain.RequestStatusPending {
		return store.ErrNotFound
	}
	delete(f.openings, id)
	return nil
}

func (f *fakeRepo) CreateCancellation(ctx context.Context, req domain.EmergencyCancellationRequest) (domain.EmergencyCancellationRequest, error) {
	for _, existing := range f.cancellations {
		if existing.ProviderID == req.ProviderID && existing.Status == domain.RequestStatusPending {
			return domain.EmergencyCancellationRequest{}, store.ErrConflict
		}
	}
	req.ID = uuid.New()
	req.CreatedAt = time.Now().UTC()
	f.cancellations[req.ID] = req
	return req, nil
}

func (f *fakeRepo) GetCancellation(ctx context.Context, id uuid.UUID) (domain.EmergencyCancellationRequest, error) {
	req, ok := f.cancellations[id]
	if !ok {
		return domain.EmergencyCancellationRequest{}, store.ErrNotFound
	}
	return req, nil
}

func (f *fakeRepo) WithdrawCancellation(ctx context.Context, providerID string, id uuid.UUID) error {
	req, ok := f.cancellations[id]
	if !ok || req.ProviderID != providerID || req.Status != domain.RequestStatusPending {
		return store.ErrNotFound
	}
	delete(f.cancellations, id)
	return nil
}

func (f *fakeRepo) GetProvider(ctx context.Context, providerID string) (domain.Provider, error) {
	p, ok := f.providers[providerID]
	if !ok {
		return domain.Provider{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeRepo) InProviderTransaction(ctx context.Context, providerID string, fn func(ctx context.Context, tx store.ScheduleTx) error) error {
	openings := make(map[uuid.UUID]domain.OpeningRequest, len(f.openings))
	for k, v := range f.openings {
		openings[k] = v
	}
	cancellations := make(map[uuid.UUID]domain.EmergencyCancellationRequest, len(f.cancellations))
	for k, v := range f.cancellations {
		cancellations[k] = v
	}
	providers := make(map[string]domain.Provider, len(f.providers))
	for k, v := range f.providers {
		providers[k] = v
	}
	slots := make(map[string]map[domain.SlotKey]bool, len(f.slots))
	for k, v := range f.slots {
		inner := make(map[domain.SlotKey]bool, len(v))
		for sk, active := range v {
			inner[sk] = active
		}
		slots[k] = inner
	}
	upserts, strikes := f.upsertCalls, f.strikeCalls

	if err := fn(ctx, f); err != nil {
		f.openings = openings
		f.cancellations = cancellations
		f.providers = providers
		f.slots = slots
		f.upsertCalls, f.strikeCalls = upserts, strikes
		return err
	}
	return nil
}

func (f *fakeRepo) GetOpeningForUpdate(ctx context.Context, id uuid.UUID) (domain.OpeningRequest, error) {
	return f.GetOpening(ctx, id)
}

func (f *fakeRepo) UpdateOpening(ctx context.Context, req domain.OpeningRequest) error {
	if _, ok := f.openings[req.ID]; !ok {
		return store.ErrNotFound
	}
	f.openings[req.ID] = req
	return nil
}

func (f *fakeRepo) GetCancellationForUpdate(ctx context.Context, id uuid.UUID) (domain.EmergencyCancellationRequest, error) {
	return f.GetCancellation(ctx, id)
}

func (f *fakeRepo) UpdateCancellation(ctx context.Context, req domain.EmergencyCancellationRequest) error {
	if _, ok := f.cancellations[req.ID]; !ok {
		return store.ErrNotFound
	}
	f.cancellations[req.ID] = req
	return nil
}

func (f *fakeRepo) UpsertSlots(ctx context.Context, providerID string, keys []domain.SlotKey, active bool) error {
	f.upsertCalls++
	if f.slots[providerID] == nil {
		f.slots[providerID] = make(map[domain.SlotKey]bool)
	}
	for _, k := range keys {
		f.slots[providerID][k] = active
	}
	return nil
}

func (f *fakeRepo) IncrementStrike(ctx context.Context, providerID string) (int, error) {
	f.strikeCalls++
	p, ok := f.providers[providerID]
	if !ok {
		return 0, store.ErrNotFound
	}
	p.Strikes++
	f.providers[providerID] = p
	return p.Strikes, nil
}

// fakeRepo also serves as the delta repository for the sync service.
func (f *fakeRepo) PendingDelta(ctx context.Context, providerID string) (domain.SlotDelta, error) {
	var delta domain.SlotDelta
	for k, active := range f.slots[providerID] {
		if active {
			delta.Activations = append(delta.Activations, k)
		} else {
			delta.Deactivations = append(delta.Deactivations, k)
		}
	}
	domain.SortSlotKeys(delta.Activations)
	domain.SortSlotKeys(delta.Deactivations)
	return delta, nil
}

func (f *fakeRepo) ClearDelta(ctx context.Context, providerID string) error {
	delete(f.slots, providerID)
	return nil
}

type fakeSyncer struct {
	calls []string
	err   error
}

func (f *fakeSyncer) SyncProvider(ctx context.Context, providerID, providerExternalID string) error {
	f.calls = append(f.calls, providerID+"/"+providerExternalID)
	return f.err
}

type fakeNotifier struct {
	outcomes []Outcome
	err      error
}

func (f *fakeNotifier) NotifyOutcome(ctx context.Context, providerID string, outcome Outcome) error {
	f.outcomes = append(f.outcomes, outcome)
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func slot(wd time.Weekday, minutes int) domain.SlotKey {
	return domain.SlotKey{Weekday: wd, Start: domain.TimeOfDay(minutes)}
}

func newTestService(repo *fakeRepo, sync Syncer, notifier Notifier) *Service {
	return NewService(repo, sync, notifier, discardLogger(), 20)
}

func seedProvider(repo *fakeRepo, id, externalID string) {
	repo.providers[id] = domain.Provider{ID: id, ExternalID: externalID}
}

func TestCreateOpening_NormalizesSlots(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeSyncer{}, &fakeNotifier{})

	req, err := svc.CreateOpening(context.Background(), CreateOpeningInput{
		ProviderID: "p1",
		Slots: []domain.SlotKey{
			slot(time.Tuesday, 9*60),
			slot(time.Monday, 8*60),
			slot(time.Monday, 8*60), // duplicate
		},
	})
	if err != nil {
		t.Fatalf("CreateOpening error: %v", err)
	}

	want := []domain.SlotKey{slot(time.Monday, 8*60), slot(time.Tuesday, 9*60)}
	if !reflect.DeepEqual(req.RequestedSlots, want) {
		t.Fatalf("requested = %v, want %v", req.RequestedSlots, want)
	}
	if req.Status != domain.RequestStatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
}

func TestCreateOpening_RejectsMisalignedSlot(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeSyncer{}, &fakeNotifier{})

	_, err := svc.CreateOpening(context.Background(), CreateOpeningInput{
		ProviderID: "p1",
		Slots:      []domain.SlotKey{slot(time.Monday, 8*60+10)},
	})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
}

func TestCreateOpening_SecondPendingConflicts(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeSyncer{}, &fakeNotifier{})

	in := CreateOpeningInput{ProviderID: "p1", Slots: []domain.SlotKey{slot(time.Monday, 8*60)}}
	if _, err := svc.CreateOpening(context.Background(), in); err != nil {
		t.Fatalf("first CreateOpening error: %v", err)
	}
	if _, err := svc.CreateOpening(context.Background(), in); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestCreateCancellation_MotiveValidation(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakeSyncer{}, &fakeNotifier{})
	slots := []domain.SlotKey{slot(time.Monday, 8*60)}

	cases := []struct {
		name string
		in   CreateCancellationInput
	}{
		{"unknown motive", CreateCancellationInput{ProviderID: "p1", Slots: slots, MotiveCategory: "vacation"}},
		{"other without description", CreateCancellationInput{ProviderID: "p1", Slots: slots, MotiveCategory: domain.CancellationMotiveOther}},
		{"other with blank description", CreateCancellationInput{ProviderID: "p1", Slots: slots, MotiveCategory: domain.CancellationMotiveOther, MotiveDescription: "   "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateCancellation(context.Background(), tc.in)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
		})
	}

	_, err := svc.CreateCancellation(context.Background(), CreateCancellationInput{
		ProviderID:        "p1",
		Slots:             slots,
		MotiveCategory:    domain.CancellationMotiveOther,
		MotiveDescription: "  burst pipe at the office  ",
	})
	if err != nil {
		t.Fatalf("CreateCancellation error: %v", err)
	}
}

func TestApproveOpening_NilSetsApproveEverything(t *testing.T) {
	repo := newFakeRepo()
	seedProvider(repo, "p1", "ext-1")
	notifier := &fakeNotifier{}
	syncer := &fakeSyncer{}
	svc := newTestService(repo, syncer, notifier)

	requested := []domain.SlotKey{slot(time.Monday, 8*60), slot(time.Tuesday, 9*60)}
	req, err := svc.CreateOpening(context.Background(), CreateOpeningInput{ProviderID: "p1", Slots: requested})
	if err != nil {
		t.Fatalf("CreateOpening error: %v", err)
	}

	decided, err := svc.ApproveOpening(context.Background(), ApproveOpeningInput{RequestID: req.ID, DecidedBy: "staff-1"})
	if err != nil {
		t.Fatalf("ApproveOpening error: %v", err)
	}
	if decided.Status != domain.RequestStatusApproved {
		t.Fatalf("status = %s, want approved", decided.Status)
	}
	if !reflect.DeepEqual(decided.ApprovedSlots, requested) {
		t.Fatalf("approved = %v, want %v", decided.ApprovedSlots, requested)
	}
	if len(decided.RejectedSlots) != 0 {
		t.Fatalf("rejected = %v, want empty", decided.RejectedSlots)
	}
	if decided.DecidedAt == nil || decided.DecidedBy != "staff-1" {
		t.Fatalf("decision audit missing: %+v", decided)
	}

	for _, k := range requested {
		if active, ok := repo.slots["p1"][k]; !ok || !active {
			t.Fatalf("slot %v not marked active", k)
		}
	}
	if len(syncer.calls) != 1 || syncer.calls[0] != "p1/ext-1" {
		t.Fatalf("sync calls = %v", syncer.calls)
	}
	if len(notifier.outcomes) != 1 || notifier.outcomes[0].Kind != OutcomeOpeningApproved {
		t.Fatalf("outcomes = %v", notifier.outcomes)
	}
}

func TestApproveOpening_PartialWithComplement(t *testing.T) {
	repo := newFakeRepo()
	seedProvider(repo, "p1", "ext-1")
	svc := newTestService(repo, &fakeSyncer{}, &fakeNotifier{})

	a, b, c := slot(time.Monday, 8*60), slot(time.Monday, 8*60+20), slot(time.Tuesday, 9*60)
	req, err := svc.CreateOpening(context.Background(), CreateOpeningInput{ProviderID: "p1", Slots: []domain.SlotKey{a, b, c}})
	if err != nil {
		t.Fatalf("CreateOpening error: %v", err)
	}

	// Only the approved side given: the rejected side defaults to the rest.
	decided, err := svc.ApproveOpening(context.Background(), ApproveOpeningInput{
		RequestID:     req.ID,
		DecidedBy:     "staff-1",
		ApprovedSlots: []domain.SlotKey{a, c},
	})
	if err != nil {
		t.Fatalf("ApproveOpening error: %v", err)
	}
	if !reflect.DeepEqual(decided.ApprovedSlots, []domain.SlotKey{a, c}) {
		t.Fatalf("approved = %v", decided.ApprovedSlots)
	}
	if !reflect.DeepEqual(decided.RejectedSlots, []domain.SlotKey{b}) {
		t.Fatalf("rejected = %v", decided.RejectedSlots)
	}

	if _, ok := repo.slots["p1"][b]; ok {
		t.Fatalf("rejected slot %v must not produce a delta row", b)
	}
}

func TestApproveOpening_PartitionMismatchMutatesNothing(t *testing.T) {
	repo := newFakeRepo()
	seedProvider(repo, "p1", "ext-1")
	syncer := &fakeSyncer{}
	notifier := &fakeNotifier{}
	svc := newTestService(repo, syncer, notifier)

	a, b := slot(time.Monday, 8*60), slot(time.Monday, 8*60+20)
	foreign := slot(time.Friday, 15*60)
	req, err := svc.CreateOpening(context.Background(), CreateOpeningInput{ProviderID: "p1", Slots: []domain.SlotKey{a, b}})
	if err != nil {
		t.Fatalf("CreateOpening error: %v", err)
	}

	cases := []struct {
		name     string
		in       ApproveOpeningInput
		missing  int
		foreign  int
		overlaps int
	}{
		{
			name:    "uncovered slot",
			in:      ApproveOpeningInput{RequestID: req.ID, DecidedBy: "staff-1", ApprovedSlots: []domain.SlotKey{a}, RejectedSlots: []domain.SlotKey{}},
			missing: 1,
		},
		{
			name:    "foreign slot",
			in:      ApproveOpeningInput{RequestID: req.ID, DecidedBy: "staff-1", ApprovedSlots: []domain.SlotKey{a, foreign}},
			foreign: 1,
		},
		{
			name:     "slot on both sides",
			in:       ApproveOpeningInput{RequestID: req.ID, DecidedBy: "staff-1", ApprovedSlots: []domain.SlotKey{a, b}, RejectedSlots: []domain.SlotKey{a}},
			overlaps: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ApproveOpening(context.Background(), tc.in)
			var pErr *PartitionMismatchError
			if !errors.As(err, &pErr) {
				t.Fatalf("error type = %T, want *PartitionMismatchError", err)
			}
			if len(pErr.Missing) != tc.missing || len(pErr.Foreign) != tc.foreign || len(pErr.Overlap) != tc.overlaps {
				t.Fatalf("mismatch = %+v", pErr)
			}

			got, err := repo.GetOpening(context.Background(), req.ID)
			if err != nil {
				t.Fatalf("GetOpening error: %v", err)
			}
			if got.Status != domain.RequestStatusPending {
				t.Fatalf("status = %s, want still pending", got.Status)
			}
			if len(repo.slots["p1"]) != 0 {
				t.Fatalf("slots = %v, want none", repo.slots["p1"])
			}
			if len(syncer.calls) != 0 || len(notifier.outcomes) != 0 {
				t.Fatalf("side effects fired on rejected decision")
			}
		})
	}
}

func TestApproveOpening_AlreadyProcessed(t *testing.T) {
	repo := newFakeRepo()
	seedProvider(repo, "p1", "ext-1")
	svc := newTestService(repo, &fakeSyncer{}, &fakeNotifier{})

	req, err := svc.CreateOpening(context.Background(), CreateOpeningInput{ProviderID: "p1", Slots: []domain.SlotKey{slot(time.Monday, 8*60)}})
	if err != nil {
		t.Fatalf("CreateOpening error: %v", err)
	}
	in := ApproveOpeningInput{RequestID: req.ID, DecidedBy: "staff-1"}
	if _, err := svc.ApproveOpening(context.Background(), in); err != nil {
		t.Fatalf("first ApproveOpening error: %v", err)
	}

	_, err = svc.ApproveOpening(context.Background(), in)
	var aErr *AlreadyProcessedError
	if !errors.As(err, &aErr) {
		t.Fatalf("error type = %T, want *AlreadyProcessedError", err)
	}
	if aErr.Status != domain.RequestStatusApproved {
		t.Fatalf("reported status = %s", aErr.Status)
	}
}

func TestRejectOpening_RequiresReason(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakeSyncer{}, &fakeNotifier{})

	req, err := svc.CreateOpening(context.Background(), CreateOpeningInput{ProviderID: "p1", Slots: []domain.SlotKey{slot(time.Monday, 8*60)}})
	if err != nil {
		t.Fatalf("CreateOpening error: %v", err)
	}

	_, err = svc.RejectOpening(context.Background(), RejectInput{RequestID: req.ID, DecidedBy: "staff-1", Reason: "   "})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}

	decided, err := svc.RejectOpening(context.Background(), RejectInput{RequestID: req.ID, DecidedBy: "staff-1", Reason: "overlaps team meeting"})
	if err != nil {
		t.Fatalf("RejectOpening error: %v", err)
	}
	if decided.Status != domain.RequestStatusRejected || decided.RejectionReason != "overlaps team meeting" {
		t.Fatalf("decided = %+v", decided)
	}
	if len(repo.slots["p1"]) != 0 {
		t.Fatalf("rejection must not touch slots, got %v", repo.slots["p1"])
	}
}

func TestApproveCancellation_StrikeAppliedOncePerRequest(t *testing.T) {
	repo := newFakeRepo()
	seedProvider(repo, "p1", "ext-1")
	svc := newTestService(repo, &fakeSyncer{}, &fakeNotifier{})

	slots := []domain.SlotKey{
		slot(time.Monday, 8*60),
		slot(time.Monday, 8*60+20),
		slot(time.Tuesday, 9*60),
	}
	req, err := svc.CreateCancellation(context.Background(), CreateCancellationInput{
		ProviderID:     "p1",
		Slots:          slots,
		MotiveCategory: domain.CancellationMotiveHealth,
	})
	if err != nil {
		t.Fatalf("CreateCancellation error: %v", err)
	}

	decided, err := svc.ApproveCancellation(context.Background(), ApproveCancellationInput{
		RequestID:   req.ID,
		DecidedBy:   "staff-1",
		ApplyStrike: true,
	})
	if err != nil {
		t.Fatalf("ApproveCancellation error: %v", err)
	}
	if !decided.StrikeApplied {
		t.Fatalf("expected StrikeApplied")
	}
	if repo.strikeCalls != 1 {
		t.Fatalf("strike increments = %d, want 1 regardless of slot count", repo.strikeCalls)
	}
	if got := repo.providers["p1"].Strikes; got != 1 {
		t.Fatalf("strikes = %d, want 1", got)
	}

	for _, k := range slots {
		if active, ok := repo.slots["p1"][k]; !ok || active {
			t.Fatalf("slot %v not marked inactive", k)
		}
	}
}

func TestApproveCancellation_NoStrikeWhenWaived(t *testing.T) {
	repo := newFakeRepo()
	seedProvider(repo, "p1", "ext-1")
	svc := newTestService(repo, &fakeSyncer{}, &fakeNotifier{})

	req, err := svc.CreateCancellation(context.Background(), CreateCancellationInput{
		ProviderID:     "p1",
		Slots:          []domain.SlotKey{slot(time.Monday, 8*60)},
		MotiveCategory: domain.CancellationMotiveFamily,
	})
	if err != nil {
		t.Fatalf("CreateCancellation error: %v", err)
	}

	decided, err := svc.ApproveCancellation(context.Background(), ApproveCancellationInput{
		RequestID: req.ID,
		DecidedBy: "staff-1",
	})
	if err != nil {
		t.Fatalf("ApproveCancellation error: %v", err)
	}
	if decided.StrikeApplied || repo.strikeCalls != 0 {
		t.Fatalf("strike applied when waived: %+v, calls %d", decided, repo.strikeCalls)
	}
}

func TestApproveCancellation_ExplicitEmptyApprovedSet(t *testing.T) {
	repo := newFakeRepo()
	seedProvider(repo, "p1", "ext-1")
	svc := newTestService(repo, &fakeSyncer{}, &fakeNotifier{})

	requested := []domain.SlotKey{slot(time.Monday, 8*60), slot(time.Monday, 8*60+20)}
	req, err := svc.CreateCancellation(context.Background(), CreateCancellationInput{
		ProviderID:     "p1",
		Slots:          requested,
		MotiveCategory: domain.CancellationMotiveTechnical,
	})
	if err != nil {
		t.Fatalf("CreateCancellation error: %v", err)
	}

	// Approving with an explicitly empty approved set rejects every slot but
	// still moves the request to approved: the decision was made.
	decided, err := svc.ApproveCancellation(context.Background(), ApproveCancellationInput{
		RequestID:     req.ID,
		DecidedBy:     "staff-1",
		ApprovedSlots: []domain.SlotKey{},
	})
	if err != nil {
		t.Fatalf("ApproveCancellation error: %v", err)
	}
	if decided.Status != domain.RequestStatusApproved {
		t.Fatalf("status = %s", decided.Status)
	}
	if len(decided.ApprovedSlots) != 0 {
		t.Fatalf("approved = %v, want empty", decided.ApprovedSlots)
	}
	if !reflect.DeepEqual(decided.RejectedSlots, requested) {
		t.Fatalf("rejected = %v, want %v", decided.RejectedSlots, requested)
	}
	if len(repo.slots["p1"]) != 0 {
		t.Fatalf("no slots should be deactivated, got %v", repo.slots["p1"])
	}
}

func TestWithdraw_OnlyPendingAndOwned(t *testing.T) {
	repo := newFakeRepo()
	seedProvider(repo, "p1", "ext-1")
	svc := newTestService(repo, &fakeSyncer{}, &fakeNotifier{})

	req, err := svc.CreateOpening(context.Background(), CreateOpeningInput{ProviderID: "p1", Slots: []domain.SlotKey{slot(time.Monday, 8*60)}})
	if err != nil {
		t.Fatalf("CreateOpening error: %v", err)
	}

	if err := svc.WithdrawOpening(context.Background(), "p2", req.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign withdraw err = %v, want ErrNotFound", err)
	}
	if err := svc.WithdrawOpening(context.Background(), "p1", req.ID); err != nil {
		t.Fatalf("WithdrawOpening error: %v", err)
	}
	if _, err := repo.GetOpening(context.Background(), req.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("request still present after withdraw")
	}
}

func TestNotifierFailureDoesNotBlockDecision(t *testing.T) {
	repo := newFakeRepo()
	seedProvider(repo, "p1", "ext-1")
	notifier := &fakeNotifier{err: errors.New("smtp down")}
	svc := newTestService(repo, &fakeSyncer{}, notifier)

	req, err := svc.CreateOpening(context.Background(), CreateOpeningInput{ProviderID: "p1", Slots: []domain.SlotKey{slot(time.Monday, 8*60)}})
	if err != nil {
		t.Fatalf("CreateOpening error: %v", err)
	}
	decided, err := svc.ApproveOpening(context.Background(), ApproveOpeningInput{RequestID: req.ID, DecidedBy: "staff-1"})
	if err != nil {
		t.Fatalf("ApproveOpening error: %v", err)
	}
	if decided.Status != domain.RequestStatusApproved {
		t.Fatalf("status = %s", decided.Status)
	}
}

// The full path: approve a partial opening, sync through the real
// reconciliation service against an external baseline, and watch a failed
// push land in the retry queue with the merged schedule.
func TestApproveOpening_EndToEndSyncAndRetry(t *testing.T) {
	repo := newFakeRepo()
	seedProvider(repo, "p1", "ext-1")

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	external := domain.WeekSchedule{
		time.Friday: {{Start: 14*60, End: 14*60+40}},
	}
	calendar := &e2eCalendar{
		schedule: external,
		writeErr: errors.New("upstream 502"),
	}
	retry := &e2eRetryRepo{}
	syncSvc := schedulesync.NewService(calendar, repo, retry, discardLogger(), schedulesync.Config{StepMinutes: 20})
	svc := newTestService(repo, syncSvc, &fakeNotifier{})
	svc.now = func() time.Time { return now }

	a, b, c := slot(time.Monday, 8*60), slot(time.Monday, 8*60+20), slot(time.Tuesday, 9*60)
	req, err := svc.CreateOpening(context.Background(), CreateOpeningInput{ProviderID: "p1", Slots: []domain.SlotKey{a, b, c}})
	if err != nil {
		t.Fatalf("CreateOpening error: %v", err)
	}

	decided, err := svc.ApproveOpening(context.Background(), ApproveOpeningInput{
		RequestID:     req.ID,
		DecidedBy:     "staff-1",
		ApprovedSlots: []domain.SlotKey{a, c},
		RejectedSlots: []domain.SlotKey{b},
	})
	if err != nil {
		t.Fatalf("ApproveOpening error: %v", err)
	}
	if decided.Status != domain.RequestStatusApproved {
		t.Fatalf("status = %s", decided.Status)
	}

	// The push failed, so the delta survives for the drain worker.
	delta, err := repo.PendingDelta(context.Background(), "p1")
	if err != nil {
		t.Fatalf("PendingDelta error: %v", err)
	}
	if !reflect.DeepEqual(delta.Activations, []domain.SlotKey{a, c}) {
		t.Fatalf("activations = %v, want %v", delta.Activations, []domain.SlotKey{a, c})
	}

	if len(retry.items) != 1 {
		t.Fatalf("retry items = %d, want 1", len(retry.items))
	}
	item := retry.items[0]
	if item.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", item.Attempts)
	}
	if item.NextRetryAt == nil {
		t.Fatalf("next_retry_at unset")
	}
	// The enqueued payload is the merged schedule: the external baseline plus
	// the approved slots, with the rejected slot absent.
	want := domain.WeekSchedule{
		time.Monday:  {{Start: 8*60, End: 8*60+20}},
		time.Tuesday: {{Start: 9*60, End: 9*60+20}},
		time.Friday:  {{Start: 14*60, End: 14*60+40}},
	}
	if !reflect.DeepEqual(item.Payload.Schedule, want) {
		t.Fatalf("payload schedule = %v, want %v", item.Payload.Schedule, want)
	}
}

type e2eCalendar struct {
	schedule domain.WeekSchedule
	writeErr error
}

func (c *e2eCalendar) ReadSchedule(ctx context.Context, providerExternalID string) (domain.WeekSchedule, error) {
	return c.schedule, nil
}

func (c *e2eCalendar) WriteSchedule(ctx context.Context, providerExternalID string, ws domain.WeekSchedule) error {
	return c.writeErr
}

type e2eRetryRepo struct {
	items []domain.RetryQueueItem
}

func (r *e2eRetryRepo) Enqueue(ctx context.Context, item domain.RetryQueueItem) (domain.RetryQueueItem, error) {
	item.ID = uuid.New()
	r.items = append(r.items, item)
	return item, nil
}

func (r *e2eRetryRepo) DueItems(ctx context.Context, now time.Time, limit int) ([]domain.RetryQueueItem, error) {
	return nil, nil
}

func (r *e2eRetryRepo) RecordSuccess(ctx context.Context, id uuid.UUID, now time.Time) error {
	return nil
}

func (r *e2eRetryRepo) RecordFailure(ctx context.Context, id uuid.UUID, now time.Time, lastError string) (domain.RetryQueueItem, error) {
	return domain.RetryQueueItem{}, nil
}

func (r *e2eRetryRepo) Stats(ctx context.Context) (store.RetryQueueStats, error) {
	return store.RetryQueueStats{}, nil
}
