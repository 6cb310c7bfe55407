package lease

import (
	"context"
	"fmt"

	"gestloc.io/internal/ids"
)

// ValidateNewValues checks the key set of new_values against the amendment
// type. Every permitted key must be present and no other key is accepted.
func ValidateNewValues(typ AmendmentType, newValues map[string]int64) error {
	allowed := typ.AllowedKeys()
	if allowed == nil {
		return fmt.Errorf("%w: unknown amendment type %q", ErrInvalidInput, typ)
	}
	if len(newValues) != len(allowed) {
		return fmt.Errorf("%w: amendment type %s accepts exactly %v", ErrInvalidInput, typ, allowed)
	}
	for _, key := range allowed {
		if _, ok := newValues[key]; !ok {
			return fmt.Errorf("%w: amendment type %s requires key %q", ErrInvalidInput, typ, key)
		}
	}
	return nil
}

func (s *InMemory) CreateAmendment(ctx context.Context, leaseID string, typ AmendmentType, newValues map[string]int64) (Amendment, error) {
	if err := ValidateNewValues(typ, newValues); err != nil {
		return Amendment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[leaseID]
	if !ok {
		return Amendment{}, ErrNotFound
	}
	if !l.Status.Amendable() {
		return Amendment{}, fmt.Errorf("%w: lease at status %s cannot be amended", ErrInvalidState, l.Status)
	}

	values := make(map[string]int64, len(newValues))
	for k, v := range newValues {
		values[k] = v
	}
	a := &Amendment{
		ID:        ids.NewAmendment(),
		LeaseID:   leaseID,
		Type:      typ,
		NewValues: values,
		Status:    AmendmentPendingSignature,
		CreatedAt: s.now(),
	}
	s.amendments[a.ID] = a
	return *a, nil
}

func (s *InMemory) SignAmendment(ctx context.Context, amendmentID string, side Side, signatureImage []byte) (AmendmentResult, error) {
	if !side.Valid() {
		return AmendmentResult{}, fmt.Errorf("%w: unknown side %q", ErrInvalidInput, side)
	}

	// Persist the signature artifact before touching amendment state, so an
	// artifact failure leaves the workflow untouched.
	artifact, err := s.docs.Persist(ctx, "amendment_signature", signatureImage)
	if err != nil {
		return AmendmentResult{}, fmt.Errorf("%w: %v", ErrProofGeneration, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.amendments[amendmentID]
	if !ok {
		return AmendmentResult{}, ErrNotFound
	}
	// The lease may have moved on since the amendment was created; a
	// terminated or archived lease must not be mutated by a late apply.
	l := s.leases[a.LeaseID]
	if !l.Status.Amendable() {
		return AmendmentResult{}, fmt.Errorf("%w: lease at status %s cannot be amended", ErrInvalidState, l.Status)
	}
	if a.Status == AmendmentSigned {
		return AmendmentResult{}, fmt.Errorf("%w: amendment is already fully signed", ErrInvalidState)
	}
	if a.SignedBy(side) {
		return AmendmentResult{}, ErrAlreadySigned
	}

	now := s.now()
	if side == SideOwner {
		a.OwnerSignedAt = &now
		a.OwnerArtifact = artifact
	} else {
		a.TenantSignedAt = &now
		a.TenantArtifact = artifact
	}

	if !a.SignedBy(OtherSide(side)) {
		a.Status = AmendmentPartiallySigned
		return AmendmentResult{Amendment: *a}, nil
	}

	// Both sides signed: the transition into signed drives the lease mutation,
	// exactly once per amendment.
	a.Status = AmendmentSigned
	a.AppliedAt = &now
	applyAmendment(l, a)
	l.Status = StatusAmended
	l.Version++
	l.UpdatedAt = now

	s.emit(EventAmendmentApplied, map[string]any{
		"lease_id":       a.LeaseID,
		"amendment_id":   a.ID,
		"amendment_type": string(a.Type),
	})
	return AmendmentResult{Amendment: *a, Applied: true}, nil
}

// OtherSide returns the opposite amendment side.
func OtherSide(s Side) Side {
	if s == SideOwner {
		return SideTenant
	}
	return SideOwner
}

// applyAmendment copies the amendment's bounded field changes onto the lease.
func applyAmendment(l *Lease, a *Amendment) {
	for key, value := range a.NewValues {
		switch key {
		case "loyer":
			l.RentCents = value
		case "charges":
			l.ChargesCents = value
		case "depot_garantie":
			l.DepositCents = value
		case "duree_mois":
			l.EndDate = l.StartDate.AddDate(0, int(value), 0)
		}
	}
}
