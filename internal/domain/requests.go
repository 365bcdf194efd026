package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusRejected RequestStatus = "rejected"
)

// Provider is the consultation provider record. ExternalID is the provider's
// identity in the booking platform's calendar.
type Provider struct {
	bun.BaseModel `bun:"table:providers"`

	ID          string    `bun:"id,pk"`
	ExternalID  string    `bun:"external_id,notnull"`
	DisplayName string    `bun:"display_name"`
	Strikes     int       `bun:"strikes,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

func (p *Provider) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		p.UpdatedAt = now
	}
	return nil
}

// OpeningRequest is a provider's request to open new availability slots.
// At most one pending request per provider, enforced by a partial unique
// index on (provider_id) where status = 'pending'.
type OpeningRequest struct {
	bun.BaseModel `bun:"table:opening_requests"`

	ID              uuid.UUID     `bun:"id,pk,type:uuid"`
	ProviderID      string        `bun:"provider_id,notnull"`
	RequestedSlots  []SlotKey     `bun:"requested_slots,type:jsonb,notnull"`
	Status          RequestStatus `bun:"status,notnull"`
	ApprovedSlots   []SlotKey     `bun:"approved_slots,type:jsonb"`
	RejectedSlots   []SlotKey     `bun:"rejected_slots,type:jsonb"`
	RejectionReason string        `bun:"rejection_reason"`
	DecidedBy       string        `bun:"decided_by"`
	DecidedAt       *time.Time    `bun:"decided_at"`
	CreatedAt       time.Time     `bun:"created_at,notnull"`
	UpdatedAt       time.Time     `bun:"updated_at,notnull"`
}

func (r *OpeningRequest) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if r.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			r.ID = id
		}
		if r.Status == "" {
			r.Status = RequestStatusPending
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		r.UpdatedAt = now
	}
	return nil
}

type CancellationMotive string

const (
	CancellationMotiveHealth    CancellationMotive = "health"
	CancellationMotiveFamily    CancellationMotive = "family_emergency"
	CancellationMotiveTechnical CancellationMotive = "technical"
	CancellationMotiveOther     CancellationMotive = "other"
)

func (m CancellationMotive) Valid() bool {
	switch m {
	case CancellationMotiveHealth, CancellationMotiveFamily, CancellationMotiveTechnical, CancellationMotiveOther:
		return true
	}
	return false
}

// EmergencyCancellationRequest is a provider's request to close already-open
// slots on short notice. Approval may carry a strike penalty. One pending
// cancellation per provider, independent of any pending opening request.
type EmergencyCancellationRequest struct {
	bun.BaseModel `bun:"table:cancellation_requests"`

	ID                uuid.UUID          `bun:"id,pk,type:uuid"`
	ProviderID        string             `bun:"provider_id,notnull"`
	RequestedSlots    []SlotKey          `bun:"requested_slots,type:jsonb,notnull"`
	MotiveCategory    CancellationMotive `bun:"motive_category,notnull"`
	MotiveDescription string             `bun:"motive_description"`
	Status            RequestStatus      `bun:"status,notnull"`
	ApprovedSlots     []SlotKey          `bun:"approved_slots,type:jsonb"`
	RejectedSlots     []SlotKey          `bun:"rejected_slots,type:jsonb"`
	StrikeApplied     bool               `bun:"strike_applied,notnull"`
	RejectionReason   string             `bun:"rejection_reason"`
	DecidedBy         string             `bun:"decided_by"`
	DecidedAt         *time.Time         `bun:"decided_at"`
	CreatedAt         time.Time          `bun:"created_at,notnull"`
	UpdatedAt         time.Time          `bun:"updated_at,notnull"`
}

func (r *EmergencyCancellationRequest) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if r.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			r.ID = id
		}
		if r.Status == "" {
			r.Status = RequestStatusPending
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.UpdatedAt.IsZero() {
			r.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		r.UpdatedAt = now
	}
	return nil
}
