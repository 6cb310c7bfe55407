package lease

import (
	"context"
	"fmt"
	"time"

	"gestloc.io/internal/ids"
)

func (s *InMemory) CreateInspection(ctx context.Context, leaseID string, typ InspectionType, scheduledAt *time.Time, items []InspectionItem) (Inspection, error) {
	if typ != InspectionEntry && typ != InspectionExit {
		return Inspection{}, fmt.Errorf("%w: unknown inspection type %q", ErrInvalidInput, typ)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.leases[leaseID]; !ok {
		return Inspection{}, ErrNotFound
	}
	if existing := s.openInspection(leaseID, typ); existing != nil {
		return Inspection{}, fmt.Errorf("%w: inspection %s is still open", ErrConflict, existing.ID)
	}

	insp := &Inspection{
		ID:          ids.NewInspection(),
		LeaseID:     leaseID,
		Type:        typ,
		Status:      InspectionDraft,
		ScheduledAt: scheduledAt,
		Items:       copyItems(items, false),
		CreatedAt:   s.now(),
	}
	if scheduledAt != nil {
		insp.Status = InspectionScheduled
	}
	s.inspections[insp.ID] = insp
	return *insp, nil
}

func (s *InMemory) GetInspection(ctx context.Context, id string) (Inspection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	insp, ok := s.inspections[id]
	if !ok {
		return Inspection{}, ErrNotFound
	}
	return *insp, nil
}

// DuplicateInspection derives an exit inspection shell from a completed entry
// inspection: same room/item structure with the observation fields cleared,
// plus an inspection-scoped signer set seeded from the lease's signers. The
// creation is atomic; a conflicting open inspection of the target type is
// rejected before anything is written.
func (s *InMemory) DuplicateInspection(ctx context.Context, sourceID string, targetType InspectionType, scheduledAt *time.Time) (DuplicationResult, error) {
	if targetType != InspectionExit {
		return DuplicationResult{}, fmt.Errorf("%w: only exit inspections can be derived", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.inspections[sourceID]
	if !ok {
		return DuplicationResult{}, ErrNotFound
	}
	if src.Type != InspectionEntry {
		return DuplicationResult{}, fmt.Errorf("%w: source inspection must be an entry inspection", ErrInvalidState)
	}
	if existing := s.openInspection(src.LeaseID, targetType); existing != nil {
		return DuplicationResult{}, fmt.Errorf("%w: inspection %s is still open", ErrConflict, existing.ID)
	}

	insp := &Inspection{
		ID:          ids.NewInspection(),
		LeaseID:     src.LeaseID,
		Type:        targetType,
		Status:      InspectionDraft,
		ScheduledAt: scheduledAt,
		Items:       copyItems(src.Items, true),
		Signers:     s.seedInspectionSigners(src.LeaseID),
		CreatedAt:   s.now(),
	}
	if scheduledAt != nil {
		insp.Status = InspectionScheduled
	}
	s.inspections[insp.ID] = insp

	s.emit(EventInspectionDuplicated, map[string]any{
		"lease_id":      src.LeaseID,
		"source_id":     src.ID,
		"inspection_id": insp.ID,
		"items_copied":  len(insp.Items),
	})
	return DuplicationResult{Inspection: *insp, ItemsCopied: len(insp.Items)}, nil
}

// openInspection returns a non-terminal inspection of the given type for the
// lease, if any. Caller holds s.mu.
func (s *InMemory) openInspection(leaseID string, typ InspectionType) *Inspection {
	for _, insp := range s.inspections {
		if insp.LeaseID == leaseID && insp.Type == typ && !insp.Status.Terminal() {
			return insp
		}
	}
	return nil
}

// seedInspectionSigners maps the lease's current signers onto the two
// inspection signing sides. The resulting set is independent of the lease
// registry. Caller holds s.mu.
func (s *InMemory) seedInspectionSigners(leaseID string) []InspectionSigner {
	var out []InspectionSigner
	for _, id := range s.byLease[leaseID] {
		sg := s.signers[id]
		var side Side
		switch {
		case sg.Role.OwnerSide():
			side = SideOwner
		case sg.Role.TenantSide():
			side = SideTenant
		default:
			continue // guarantors do not sign inspections
		}
		out = append(out, InspectionSigner{
			ID:      ids.NewSigner(),
			PartyID: sg.PartyID,
			Side:    side,
			Status:  SignaturePending,
		})
	}
	return out
}

// copyItems duplicates the item structure. With reset, the mutable condition
// and notes fields are cleared so the target inspection is filled in fresh.
func copyItems(items []InspectionItem, reset bool) []InspectionItem {
	out := make([]InspectionItem, 0, len(items))
	for _, it := range items {
		item := InspectionItem{
			ID:    ids.NewInspectionItem(),
			Room:  it.Room,
			Label: it.Label,
		}
		if !reset {
			item.Condition = it.Condition
			item.Notes = it.Notes
		}
		out = append(out, item)
	}
	return out
}
