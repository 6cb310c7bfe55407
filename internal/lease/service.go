package lease

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gestloc.io/internal/ids"
)

// NewLease carries the caller-provided terms for lease creation. Financial
// amounts are opaque to this core; they are stored, not recomputed.
type NewLease struct {
	PropertyID   string
	OwnerID      string
	RentCents    int64
	ChargesCents int64
	DepositCents int64
	StartDate    time.Time
	EndDate      time.Time
}

// Scope selects which leases a reconciliation sweep covers. An empty scope
// means all leases; OwnerID restricts to one owner's leases (non-admin
// callers); LeaseID restricts to a single lease.
type Scope struct {
	LeaseID string
	OwnerID string
}

// ReconcileDetail records one corrected lease.
type ReconcileDetail struct {
	LeaseID   string `json:"lease_id"`
	OldStatus Status `json:"old_status"`
	NewStatus Status `json:"new_status"`
}

// ReconcileError records a per-lease failure that did not abort the sweep.
type ReconcileError struct {
	LeaseID string `json:"lease_id"`
	Err     string `json:"error"`
}

// ReconcileReport is the outcome of a batch sweep. An immediately repeated
// sweep over the same data reports Fixed == 0.
type ReconcileReport struct {
	Checked int               `json:"checked"`
	Fixed   int               `json:"fixed"`
	Details []ReconcileDetail `json:"details"`
	Errors  []ReconcileError  `json:"errors,omitempty"`
}

// Diagnosis is the single-lease diagnostic payload for admin tooling.
type Diagnosis struct {
	Lease    Lease    `json:"lease"`
	Signers  []Signer `json:"signers"`
	Derived  Status   `json:"derived_status"`
	NeedsFix bool     `json:"needs_fix"`
	Hint     string   `json:"hint,omitempty"`
}

// SignatureResult is returned by RecordSignature.
type SignatureResult struct {
	Signer    Signer `json:"signer"`
	NewStatus Status `json:"new_status"`
}

// AmendmentResult is returned by SignAmendment. Applied is true exactly once
// per amendment, on the transition into signed.
type AmendmentResult struct {
	Amendment Amendment `json:"amendment"`
	Applied   bool      `json:"applied"`
}

// DuplicationResult is returned by DuplicateInspection.
type DuplicationResult struct {
	Inspection  Inspection `json:"inspection"`
	ItemsCopied int        `json:"items_copied"`
}

// Service defines the lease lifecycle and signature reconciliation operations.
type Service interface {
	CreateLease(ctx context.Context, in NewLease) (Lease, error)
	GetLease(ctx context.Context, id string) (Lease, error)
	ListLeases(ctx context.Context, ownerID string) ([]Lease, error)
	AddSigner(ctx context.Context, leaseID string, role Role, partyID string) (Signer, error)
	ListSigners(ctx context.Context, leaseID string) ([]Signer, error)
	RecordSignature(ctx context.Context, leaseID, signerID string, signatureImage []byte) (SignatureResult, error)
	Transition(ctx context.Context, leaseID string, target Status) (Lease, error)
	Reconcile(ctx context.Context, scope Scope) (ReconcileReport, error)
	DiagnoseLease(ctx context.Context, leaseID string) (Diagnosis, error)
	CreateAmendment(ctx context.Context, leaseID string, typ AmendmentType, newValues map[string]int64) (Amendment, error)
	SignAmendment(ctx context.Context, amendmentID string, side Side, signatureImage []byte) (AmendmentResult, error)
	CreateInspection(ctx context.Context, leaseID string, typ InspectionType, scheduledAt *time.Time, items []InspectionItem) (Inspection, error)
	GetInspection(ctx context.Context, id string) (Inspection, error)
	DuplicateInspection(ctx context.Context, sourceID string, targetType InspectionType, scheduledAt *time.Time) (DuplicationResult, error)
}

// InMemory implements Service with in-process concurrency safety. The single
// mutex serializes every read-modify-write, which trivially satisfies the
// per-lease atomicity requirement. The pg store is the durable counterpart.
type InMemory struct {
	mu          sync.Mutex
	leases      map[string]*Lease
	signers     map[string]*Signer     // signer id -> signer
	byLease     map[string][]string    // lease id -> signer ids, insertion order
	amendments  map[string]*Amendment
	inspections map[string]*Inspection

	proofs ProofGenerator
	docs   DocumentStore
	events EventSink

	now func() time.Time
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty in-memory service. Nil collaborators fall back
// to deterministic in-process stand-ins (hash proofs, discarded events).
func NewInMemory(proofs ProofGenerator, docs DocumentStore, events EventSink) *InMemory {
	if proofs == nil {
		proofs = HashProofGenerator{}
	}
	if docs == nil {
		docs = HashDocumentStore{}
	}
	return &InMemory{
		leases:      make(map[string]*Lease),
		signers:     make(map[string]*Signer),
		byLease:     make(map[string][]string),
		amendments:  make(map[string]*Amendment),
		inspections: make(map[string]*Inspection),
		proofs:      proofs,
		docs:        docs,
		events:      events,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemory) emit(eventType string, payload map[string]any) {
	if s.events != nil {
		s.events.Emit(eventType, payload)
	}
}

func (s *InMemory) CreateLease(ctx context.Context, in NewLease) (Lease, error) {
	if in.PropertyID == "" || in.OwnerID == "" {
		return Lease{}, fmt.Errorf("%w: property_id and owner_id are required", ErrInvalidInput)
	}
	if in.RentCents < 0 || in.ChargesCents < 0 || in.DepositCents < 0 {
		return Lease{}, fmt.Errorf("%w: amounts must be >= 0", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l := &Lease{
		ID:           ids.NewLease(),
		PropertyID:   in.PropertyID,
		OwnerID:      in.OwnerID,
		Status:       StatusDraft,
		RentCents:    in.RentCents,
		ChargesCents: in.ChargesCents,
		DepositCents: in.DepositCents,
		StartDate:    in.StartDate,
		EndDate:      in.EndDate,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.leases[l.ID] = l
	return *l, nil
}

func (s *InMemory) GetLease(ctx context.Context, id string) (Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return *l, nil
}

// ListLeases returns leases in id order, which for ULID keys is creation
// order. A non-empty ownerID restricts the listing to that owner.
func (s *InMemory) ListLeases(ctx context.Context, ownerID string) ([]Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		if ownerID != "" && l.OwnerID != ownerID {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) AddSigner(ctx context.Context, leaseID string, role Role, partyID string) (Signer, error) {
	if !role.Valid() {
		return Signer{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if partyID == "" {
		return Signer{}, fmt.Errorf("%w: party_id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return Signer{}, ErrNotFound
	}
	// Signers freeze once the main contract is complete; amendments use their
	// own signer pair.
	if !l.Status.Reconcilable() {
		return Signer{}, fmt.Errorf("%w: signers are frozen at status %s", ErrInvalidState, l.Status)
	}

	sg := &Signer{
		ID:        ids.NewSigner(),
		LeaseID:   leaseID,
		PartyID:   partyID,
		Role:      role,
		Status:    SignaturePending,
		CreatedAt: s.now(),
	}
	s.signers[sg.ID] = sg
	s.byLease[leaseID] = append(s.byLease[leaseID], sg.ID)
	return *sg, nil
}

func (s *InMemory) ListSigners(ctx context.Context, leaseID string) ([]Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.leases[leaseID]; !ok {
		return nil, ErrNotFound
	}
	return s.signersOf(leaseID), nil
}

// signersOf returns copies of the lease's signers. Caller holds s.mu.
func (s *InMemory) signersOf(leaseID string) []Signer {
	out := make([]Signer, 0, len(s.byLease[leaseID]))
	for _, id := range s.byLease[leaseID] {
		out = append(out, *s.signers[id])
	}
	return out
}

func (s *InMemory) RecordSignature(ctx context.Context, leaseID, signerID string, signatureImage []byte) (SignatureResult, error) {
	// Fast pre-checks without holding the lock across the proof call.
	s.mu.Lock()
	l, ok := s.leases[leaseID]
	if !ok {
		s.mu.Unlock()
		return SignatureResult{}, ErrNotFound
	}
	sg, ok := s.signers[signerID]
	if !ok || sg.LeaseID != leaseID {
		s.mu.Unlock()
		return SignatureResult{}, ErrNotFound
	}
	if sg.Signed() {
		s.mu.Unlock()
		return SignatureResult{}, ErrAlreadySigned
	}
	if !l.Status.Reconcilable() {
		s.mu.Unlock()
		return SignatureResult{}, fmt.Errorf("%w: cannot sign a lease at status %s", ErrInvalidState, l.Status)
	}
	identity := sg.PartyID
	s.mu.Unlock()

	// Proof generation must complete before the signer is marked signed; a
	// failure aborts the recording with no state change.
	proofRef, err := s.proofs.GenerateProof(ctx, signatureImage, identity)
	if err != nil {
		return SignatureResult{}, fmt.Errorf("%w: %v", ErrProofGeneration, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the lock: another submission or an external transition
	// may have won the race during the proof call.
	sg, ok = s.signers[signerID]
	if !ok {
		return SignatureResult{}, ErrNotFound
	}
	if sg.Signed() {
		return SignatureResult{}, ErrAlreadySigned
	}
	l, ok = s.leases[leaseID]
	if !ok {
		return SignatureResult{}, ErrNotFound
	}
	if !l.Status.Reconcilable() {
		return SignatureResult{}, fmt.Errorf("%w: cannot sign a lease at status %s", ErrInvalidState, l.Status)
	}

	now := s.now()
	sg.Status = SignatureSigned
	sg.SignedAt = &now
	sg.ProofReference = proofRef

	oldStatus := l.Status
	newStatus := DeriveStatus(l.Status, s.signersOf(leaseID))
	if newStatus != oldStatus {
		l.Status = newStatus
		l.Version++
		l.UpdatedAt = now
	}

	s.emit(EventSignatureRecorded, map[string]any{
		"lease_id": leaseID, "signer_id": signerID, "role": string(sg.Role), "proof_reference": proofRef,
	})
	if newStatus != oldStatus {
		s.emit(EventStatusChanged, map[string]any{
			"lease_id": leaseID, "old_status": string(oldStatus), "new_status": string(newStatus),
		})
		if newStatus == StatusFullySigned {
			s.emit(EventFullySigned, map[string]any{"lease_id": leaseID})
		}
	}
	return SignatureResult{Signer: *sg, NewStatus: newStatus}, nil
}

func (s *InMemory) Transition(ctx context.Context, leaseID string, target Status) (Lease, error) {
	if !target.Valid() {
		return Lease{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return Lease{}, ErrNotFound
	}
	if !CanTransition(l.Status, target) {
		return Lease{}, fmt.Errorf("%w: %s -> %s", ErrInvalidState, l.Status, target)
	}
	old := l.Status
	l.Status = target
	l.Version++
	l.UpdatedAt = s.now()

	s.emit(EventStatusChanged, map[string]any{
		"lease_id": leaseID, "old_status": string(old), "new_status": string(target),
	})
	return *l, nil
}

func (s *InMemory) Reconcile(ctx context.Context, scope Scope) (ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []string
	if scope.LeaseID != "" {
		l, ok := s.leases[scope.LeaseID]
		if !ok {
			return ReconcileReport{}, ErrNotFound
		}
		if scope.OwnerID != "" && l.OwnerID != scope.OwnerID {
			return ReconcileReport{}, ErrUnauthorized
		}
		candidates = append(candidates, scope.LeaseID)
	} else {
		for id, l := range s.leases {
			if scope.OwnerID != "" && l.OwnerID != scope.OwnerID {
				continue
			}
			candidates = append(candidates, id)
		}
		sort.Strings(candidates)
	}

	report := ReconcileReport{Details: []ReconcileDetail{}}
	for _, id := range candidates {
		l := s.leases[id]
		if !l.Status.Reconcilable() {
			// An explicitly named lease counts as checked even when its
			// status is frozen; a batch sweep never looks at it.
			if scope.LeaseID != "" {
				report.Checked++
			}
			continue
		}
		report.Checked++
		derived := DeriveStatus(l.Status, s.signersOf(id))
		if derived == l.Status {
			continue
		}
		old := l.Status
		l.Status = derived
		l.Version++
		l.UpdatedAt = s.now()
		report.Fixed++
		report.Details = append(report.Details, ReconcileDetail{LeaseID: id, OldStatus: old, NewStatus: derived})
		s.emit(EventReconciliationFixed, map[string]any{
			"lease_id": id, "old_status": string(old), "new_status": string(derived),
		})
	}
	return report, nil
}

func (s *InMemory) DiagnoseLease(ctx context.Context, leaseID string) (Diagnosis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return Diagnosis{}, ErrNotFound
	}
	signers := s.signersOf(leaseID)
	d := Diagnosis{
		Lease:   *l,
		Signers: signers,
		Derived: l.Status,
	}
	if l.Status.Reconcilable() {
		d.Derived = DeriveStatus(l.Status, signers)
		d.NeedsFix = d.Derived != l.Status
	}
	return d, nil
}
