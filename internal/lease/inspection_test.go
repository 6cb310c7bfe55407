package lease

import (
	"context"
	"errors"
	"testing"
	"time"
)

func entryItems() []InspectionItem {
	return []InspectionItem{
		{Room: "salon", Label: "parquet", Condition: "bon", Notes: "rayure pres de la fenetre"},
		{Room: "salon", Label: "murs", Condition: "neuf"},
		{Room: "cuisine", Label: "plaques", Condition: "usage"},
	}
}

func TestCreateInspectionConflictGuard(t *testing.T) {
	s := NewInMemory(nil, nil, nil)
	ctx := context.Background()
	l := newTestLease(t, s)

	first, err := s.CreateInspection(ctx, l.ID, InspectionEntry, nil, entryItems())
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != InspectionDraft {
		t.Fatalf("status=%s, want draft", first.Status)
	}

	if _, err := s.CreateInspection(ctx, l.ID, InspectionEntry, nil, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second open entry inspection, got %v", err)
	}

	// A different type is unaffected.
	if _, err := s.CreateInspection(ctx, l.ID, InspectionExit, nil, nil); err != nil {
		t.Fatalf("exit inspection blocked by open entry inspection: %v", err)
	}
}

func TestCreateInspectionScheduled(t *testing.T) {
	s := NewInMemory(nil, nil, nil)
	ctx := context.Background()
	l := newTestLease(t, s)

	at := time.Date(2026, 9, 15, 10, 0, 0, 0, time.UTC)
	insp, err := s.CreateInspection(ctx, l.ID, InspectionEntry, &at, nil)
	if err != nil {
		t.Fatal(err)
	}
	if insp.Status != InspectionScheduled || insp.ScheduledAt == nil {
		t.Fatalf("inspection=%+v", insp)
	}
}

func TestDuplicateInspection(t *testing.T) {
	s := NewInMemory(nil, nil, nil)
	ctx := context.Background()
	l := newTestLease(t, s)

	s.AddSigner(ctx, l.ID, RoleOwner, "p-owner")
	s.AddSigner(ctx, l.ID, RolePrimaryTenant, "p-tenant")
	s.AddSigner(ctx, l.ID, RoleGuarantor, "p-garant")

	entry, err := s.CreateInspection(ctx, l.ID, InspectionEntry, nil, entryItems())
	if err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	s.inspections[entry.ID].Status = InspectionCompleted
	s.mu.Unlock()

	res, err := s.DuplicateInspection(ctx, entry.ID, InspectionExit, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ItemsCopied != len(entryItems()) {
		t.Fatalf("items_copied=%d, want %d", res.ItemsCopied, len(entryItems()))
	}

	exit := res.Inspection
	if exit.Type != InspectionExit || exit.LeaseID != l.ID {
		t.Fatalf("exit inspection=%+v", exit)
	}
	for i, it := range exit.Items {
		src := entry.Items[i]
		if it.Room != src.Room || it.Label != src.Label {
			t.Fatalf("structure not copied: %+v vs %+v", it, src)
		}
		if it.Condition != "" || it.Notes != "" {
			t.Fatalf("observations not reset: %+v", it)
		}
		if it.ID == src.ID {
			t.Fatal("item ids must be fresh")
		}
	}

	// Guarantor is excluded from the seeded signer set.
	if len(exit.Signers) != 2 {
		t.Fatalf("signers=%d, want 2", len(exit.Signers))
	}
	sides := map[Side]string{}
	for _, sg := range exit.Signers {
		if sg.Status != SignaturePending {
			t.Fatalf("seeded signer not pending: %+v", sg)
		}
		sides[sg.Side] = sg.PartyID
	}
	if sides[SideOwner] != "p-owner" || sides[SideTenant] != "p-tenant" {
		t.Fatalf("sides=%v", sides)
	}

	// Source inspection is untouched.
	src, _ := s.GetInspection(ctx, entry.ID)
	if src.Items[0].Condition != "bon" {
		t.Fatalf("source mutated: %+v", src.Items[0])
	}
}

func TestDuplicateInspectionGuards(t *testing.T) {
	s := NewInMemory(nil, nil, nil)
	ctx := context.Background()
	l := newTestLease(t, s)

	entry, _ := s.CreateInspection(ctx, l.ID, InspectionEntry, nil, entryItems())
	exit, _ := s.CreateInspection(ctx, l.ID, InspectionExit, nil, nil)

	// Source must be an entry inspection.
	if _, err := s.DuplicateInspection(ctx, exit.ID, InspectionExit, nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for exit source, got %v", err)
	}
	// Target must be exit.
	if _, err := s.DuplicateInspection(ctx, entry.ID, InspectionEntry, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for entry target, got %v", err)
	}
	// An open exit inspection blocks duplication; retrying after a half-done
	// first attempt must conflict, not double up.
	if _, err := s.DuplicateInspection(ctx, entry.ID, InspectionExit, nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict with open exit inspection, got %v", err)
	}

	// Once the exit inspection is terminal the guard releases.
	s.mu.Lock()
	s.inspections[exit.ID].Status = InspectionCancelled
	s.mu.Unlock()
	if _, err := s.DuplicateInspection(ctx, entry.ID, InspectionExit, nil); err != nil {
		t.Fatalf("duplication after cancellation failed: %v", err)
	}

	if _, err := s.DuplicateInspection(ctx, "edl_missing", InspectionExit, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
