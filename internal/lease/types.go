package lease

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a lease. The pre-activation states are a
// cached projection of signer state (see DeriveStatus); the rest are driven by
// external triggers such as inspection completion or a termination date.
type Status string

const (
	StatusDraft                 Status = "draft"
	StatusSent                  Status = "sent"
	StatusPendingSignature      Status = "pending_signature"
	StatusPartiallySigned       Status = "partially_signed"
	StatusPendingOwnerSignature Status = "pending_owner_signature"
	StatusFullySigned           Status = "fully_signed"
	StatusActive                Status = "active"
	StatusNoticeGiven           Status = "notice_given"
	StatusAmended               Status = "amended"
	StatusTerminated            Status = "terminated"
	StatusArchived              Status = "archived"
	StatusCancelled             Status = "cancelled"
)

// Reconcilable reports whether the status belongs to the pre-activation set
// that the reconciler is allowed to recompute from signer rows.
// pending_owner_signature is a legacy stored value: it is never produced by
// DeriveStatus but must remain correctable when found in storage.
func (s Status) Reconcilable() bool {
	switch s {
	case StatusDraft, StatusSent, StatusPendingSignature, StatusPartiallySigned, StatusPendingOwnerSignature:
		return true
	}
	return false
}

// Amendable reports whether the lease still accepts amendment operations.
// Amendments exist post-activation only, and termination or archival closes
// any amendment workflow that is still in flight.
func (s Status) Amendable() bool {
	switch s {
	case StatusActive, StatusAmended, StatusNoticeGiven:
		return true
	}
	return false
}

// Valid reports whether s is one of the closed status values.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusPendingSignature, StatusPartiallySigned,
		StatusPendingOwnerSignature, StatusFullySigned, StatusActive, StatusNoticeGiven,
		StatusAmended, StatusTerminated, StatusArchived, StatusCancelled:
		return true
	}
	return false
}

// Role identifies which party a signer represents on the lease contract.
type Role string

const (
	RoleOwner         Role = "owner"
	RolePrimaryTenant Role = "primary_tenant"
	RoleCoTenant      Role = "co_tenant"
	RoleGuarantor     Role = "guarantor"
)

// Valid reports whether r is one of the closed role values.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RolePrimaryTenant, RoleCoTenant, RoleGuarantor:
		return true
	}
	return false
}

// OwnerSide reports whether the role counts toward the owner side of the quorum.
func (r Role) OwnerSide() bool { return r == RoleOwner }

// TenantSide reports whether the role counts toward the tenant side of the
// quorum. Guarantors are tracked but belong to neither side.
func (r Role) TenantSide() bool { return r == RolePrimaryTenant || r == RoleCoTenant }

// SignatureStatus is the per-signer signing state. pending -> signed, once.
type SignatureStatus string

const (
	SignaturePending SignatureStatus = "pending"
	SignatureSigned  SignatureStatus = "signed"
)

// Lease is the rental contract record. Monetary amounts are minor units
// (cents); they are stored here but never recomputed by this core.
type Lease struct {
	ID           string     `json:"id"`
	PropertyID   string     `json:"property_id"`
	OwnerID      string     `json:"owner_id"`
	Status       Status     `json:"status"`
	RentCents    int64      `json:"rent_cents"`
	ChargesCents int64      `json:"charges_cents"`
	DepositCents int64      `json:"deposit_cents"`
	StartDate    time.Time  `json:"start_date"`
	EndDate      time.Time  `json:"end_date"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Signer is a party required to sign a lease. A signer transitions
// pending -> signed at most once; signed_at and proof_reference are immutable
// after that.
type Signer struct {
	ID             string          `json:"id"`
	LeaseID        string          `json:"lease_id"`
	PartyID        string          `json:"party_id"`
	Role           Role            `json:"role"`
	Status         SignatureStatus `json:"signature_status"`
	SignedAt       *time.Time      `json:"signed_at,omitempty"`
	ProofReference string          `json:"proof_reference,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Signed reports whether the signer has completed their signature.
func (s Signer) Signed() bool { return s.Status == SignatureSigned }

// AmendmentType restricts which lease fields an amendment may change.
type AmendmentType string

const (
	AmendmentLoyer         AmendmentType = "loyer"
	AmendmentCharges       AmendmentType = "charges"
	AmendmentDepotGarantie AmendmentType = "depot_garantie"
	AmendmentDuree         AmendmentType = "duree"
)

// AllowedKeys returns the permitted new_values keys for the amendment type.
func (t AmendmentType) AllowedKeys() []string {
	switch t {
	case AmendmentLoyer:
		return []string{"loyer"}
	case AmendmentCharges:
		return []string{"charges"}
	case AmendmentDepotGarantie:
		return []string{"depot_garantie"}
	case AmendmentDuree:
		return []string{"duree_mois"}
	}
	return nil
}

// Valid reports whether t is one of the closed amendment types.
func (t AmendmentType) Valid() bool { return t.AllowedKeys() != nil }

// AmendmentStatus is the nested signature workflow state of an amendment.
type AmendmentStatus string

const (
	AmendmentPendingSignature AmendmentStatus = "pending_signature"
	AmendmentPartiallySigned  AmendmentStatus = "partially_signed"
	AmendmentSigned           AmendmentStatus = "signed"
)

// Side identifies which party signs an amendment. Amendments use their own
// two-sided signer pair, not the lease signer registry.
type Side string

const (
	SideOwner  Side = "owner"
	SideTenant Side = "tenant"
)

// Valid reports whether s is a known amendment side.
func (s Side) Valid() bool { return s == SideOwner || s == SideTenant }

// Amendment is a post-activation change request to a bounded set of lease
// fields. applied_at is set exactly once, when both sides have signed and the
// change has been pushed onto the lease.
type Amendment struct {
	ID             string           `json:"id"`
	LeaseID        string           `json:"lease_id"`
	Type           AmendmentType    `json:"amendment_type"`
	NewValues      map[string]int64 `json:"new_values"`
	Status         AmendmentStatus  `json:"status"`
	OwnerSignedAt  *time.Time       `json:"owner_signed_at,omitempty"`
	OwnerArtifact  string           `json:"owner_artifact,omitempty"`
	TenantSignedAt *time.Time       `json:"tenant_signed_at,omitempty"`
	TenantArtifact string           `json:"tenant_artifact,omitempty"`
	AppliedAt      *time.Time       `json:"applied_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// SignedBy reports whether the given side has already signed.
func (a Amendment) SignedBy(side Side) bool {
	if side == SideOwner {
		return a.OwnerSignedAt != nil
	}
	return a.TenantSignedAt != nil
}

// InspectionType distinguishes move-in and move-out condition reports.
type InspectionType string

const (
	InspectionEntry InspectionType = "entry"
	InspectionExit  InspectionType = "exit"
)

// InspectionStatus is the abbreviated inspection lifecycle used by the
// duplicator. Only terminality matters here.
type InspectionStatus string

const (
	InspectionDraft      InspectionStatus = "draft"
	InspectionScheduled  InspectionStatus = "scheduled"
	InspectionInProgress InspectionStatus = "in_progress"
	InspectionCompleted  InspectionStatus = "completed"
	InspectionCancelled  InspectionStatus = "cancelled"
)

// Terminal reports whether the inspection can no longer conflict with a new
// in-flight inspection of the same type.
func (s InspectionStatus) Terminal() bool {
	return s == InspectionCompleted || s == InspectionCancelled
}

// InspectionItem is one inspected element inside a room. Condition and notes
// are the mutable observation fields; they are reset when an exit shell is
// derived from an entry inspection.
type InspectionItem struct {
	ID        string `json:"id"`
	Room      string `json:"room"`
	Label     string `json:"label"`
	Condition string `json:"condition,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// InspectionSigner is a signer scoped to one inspection. It is seeded from the
// lease signer registry but lives independently of it.
type InspectionSigner struct {
	ID       string          `json:"id"`
	PartyID  string          `json:"party_id"`
	Side     Side            `json:"side"`
	Status   SignatureStatus `json:"signature_status"`
	SignedAt *time.Time      `json:"signed_at,omitempty"`
}

// Inspection is a property condition report linked to a lease.
type Inspection struct {
	ID          string             `json:"id"`
	LeaseID     string             `json:"lease_id"`
	Type        InspectionType     `json:"type"`
	Status      InspectionStatus   `json:"status"`
	ScheduledAt *time.Time         `json:"scheduled_at,omitempty"`
	Items       []InspectionItem   `json:"items"`
	Signers     []InspectionSigner `json:"signers"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Error taxonomy. Callers distinguish idempotency and state violations from
// transient failures to decide whether a retry makes sense.
var (
	ErrNotFound            = errors.New("lease: not found")
	ErrAlreadySigned       = errors.New("lease: already signed")
	ErrInvalidState        = errors.New("lease: operation not legal for current status")
	ErrConflict            = errors.New("lease: conflicting in-flight resource")
	ErrConstraintViolation = errors.New("lease: persistence rejected write (schema constraint)")
	ErrUnauthorized        = errors.New("lease: caller lacks role for this lease")
	ErrInvalidInput        = errors.New("lease: invalid input")
	ErrProofGeneration     = errors.New("lease: signature proof generation failed")
)
