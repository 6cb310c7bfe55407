package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newActiveLease(t *testing.T, s *InMemory) Lease {
	t.Helper()
	ctx := context.Background()
	l := newTestLease(t, s)
	owner, _ := s.AddSigner(ctx, l.ID, RoleOwner, "p-owner")
	tenant, _ := s.AddSigner(ctx, l.ID, RolePrimaryTenant, "p-tenant")
	s.Transition(ctx, l.ID, StatusSent)
	s.RecordSignature(ctx, l.ID, owner.ID, []byte("a"))
	s.RecordSignature(ctx, l.ID, tenant.ID, []byte("b"))
	if _, err := s.Transition(ctx, l.ID, StatusActive); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetLease(ctx, l.ID)
	return got
}

func TestValidateNewValues(t *testing.T) {
	cases := []struct {
		typ    AmendmentType
		values map[string]int64
		ok     bool
	}{
		{AmendmentLoyer, map[string]int64{"loyer": 90000}, true},
		{AmendmentCharges, map[string]int64{"charges": 15000}, true},
		{AmendmentDepotGarantie, map[string]int64{"depot_garantie": 90000}, true},
		{AmendmentDuree, map[string]int64{"duree_mois": 36}, true},
		{AmendmentLoyer, map[string]int64{"charges": 1}, false},
		{AmendmentLoyer, map[string]int64{"loyer": 1, "charges": 1}, false},
		{AmendmentLoyer, map[string]int64{}, false},
		{AmendmentType("repaint"), map[string]int64{"loyer": 1}, false},
	}
	for _, tc := range cases {
		err := ValidateNewValues(tc.typ, tc.values)
		if tc.ok && err != nil {
			t.Errorf("ValidateNewValues(%s, %v): unexpected error %v", tc.typ, tc.values, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ValidateNewValues(%s, %v): expected ErrInvalidInput, got %v", tc.typ, tc.values, err)
		}
	}
}

func TestAmendmentRequiresActiveLease(t *testing.T) {
	s := NewInMemory(nil, nil, nil)
	ctx := context.Background()
	l := newTestLease(t, s)

	if _, err := s.CreateAmendment(ctx, l.ID, AmendmentLoyer, map[string]int64{"loyer": 90000}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on draft lease, got %v", err)
	}
}

func TestAmendmentTwoSidedSigningAppliesOnce(t *testing.T) {
	s := NewInMemory(nil, nil, nil)
	ctx := context.Background()
	l := newActiveLease(t, s)

	a, err := s.CreateAmendment(ctx, l.ID, AmendmentLoyer, map[string]int64{"loyer": 92000})
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.SignAmendment(ctx, a.ID, SideTenant, []byte("tenant-pad"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Applied || res.Amendment.Status != AmendmentPartiallySigned {
		t.Fatalf("after one side: %+v", res)
	}
	mid, _ := s.GetLease(ctx, l.ID)
	if mid.RentCents != l.RentCents {
		t.Fatal("amendment applied before both sides signed")
	}

	res, err = s.SignAmendment(ctx, a.ID, SideOwner, []byte("owner-pad"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Applied || res.Amendment.Status != AmendmentSigned || res.Amendment.AppliedAt == nil {
		t.Fatalf("after both sides: %+v", res)
	}

	got, _ := s.GetLease(ctx, l.ID)
	if got.RentCents != 92000 {
		t.Fatalf("rent_cents=%d, want 92000", got.RentCents)
	}
	if got.Status != StatusAmended {
		t.Fatalf("status=%s, want amended", got.Status)
	}
	if got.Version != l.Version+1 {
		t.Fatalf("version=%d, want %d", got.Version, l.Version+1)
	}

	// Any further signing attempt is rejected, no second apply.
	if _, err := s.SignAmendment(ctx, a.ID, SideOwner, []byte("again")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on signed amendment, got %v", err)
	}
}

func TestAmendmentSameSideRetryRejected(t *testing.T) {
	s := NewInMemory(nil, nil, nil)
	ctx := context.Background()
	l := newActiveLease(t, s)

	a, _ := s.CreateAmendment(ctx, l.ID, AmendmentCharges, map[string]int64{"charges": 16000})
	if _, err := s.SignAmendment(ctx, a.ID, SideOwner, []byte("pad")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SignAmendment(ctx, a.ID, SideOwner, []byte("pad-2")); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned, got %v", err)
	}
}

func TestAmendmentConcurrentBothSides(t *testing.T) {
	s := NewInMemory(nil, nil, nil)
	ctx := context.Background()
	l := newActiveLease(t, s)

	a, _ := s.CreateAmendment(ctx, l.ID, AmendmentDuree, map[string]int64{"duree_mois": 48})

	var wg sync.WaitGroup
	applied := make(chan bool, 2)
	for _, side := range []Side{SideOwner, SideTenant} {
		wg.Add(1)
		go func(side Side) {
			defer wg.Done()
			res, err := s.SignAmendment(ctx, a.ID, side, []byte(string(side)))
			if err == nil {
				applied <- res.Applied
			}
		}(side)
	}
	wg.Wait()
	close(applied)

	var applyCount int
	for ok := range applied {
		if ok {
			applyCount++
		}
	}
	if applyCount != 1 {
		t.Fatalf("apply fired %d times, want exactly once", applyCount)
	}

	got, _ := s.GetLease(ctx, l.ID)
	want := l.StartDate.AddDate(0, 48, 0)
	if !got.EndDate.Equal(want) {
		t.Fatalf("end_date=%s, want %s", got.EndDate, want)
	}
}

func TestAmendmentSigningBlockedAfterTermination(t *testing.T) {
	s := NewInMemory(nil, nil, nil)
	ctx := context.Background()
	l := newActiveLease(t, s)

	a, _ := s.CreateAmendment(ctx, l.ID, AmendmentLoyer, map[string]int64{"loyer": 99000})
	if _, err := s.SignAmendment(ctx, a.ID, SideTenant, []byte("tenant-pad")); err != nil {
		t.Fatal(err)
	}

	// The lease is terminated while the amendment is half signed; the late
	// second signature must not apply.
	if _, err := s.Transition(ctx, l.ID, StatusTerminated); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SignAmendment(ctx, a.ID, SideOwner, []byte("owner-pad")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	got, _ := s.GetLease(ctx, l.ID)
	if got.RentCents != l.RentCents || got.Status != StatusTerminated {
		t.Fatalf("terminated lease mutated: %+v", got)
	}
}

type failingDocs struct{}

func (failingDocs) Persist(context.Context, string, []byte) (string, error) {
	return "", errors.New("object store down")
}

func TestAmendmentArtifactFailureLeavesWorkflowUntouched(t *testing.T) {
	s := NewInMemory(nil, failingDocs{}, nil)
	ctx := context.Background()
	l := newActiveLease(t, s)

	a, _ := s.CreateAmendment(ctx, l.ID, AmendmentLoyer, map[string]int64{"loyer": 95000})
	if _, err := s.SignAmendment(ctx, a.ID, SideOwner, []byte("pad")); !errors.Is(err, ErrProofGeneration) {
		t.Fatalf("expected ErrProofGeneration, got %v", err)
	}

	s.mu.Lock()
	stored := *s.amendments[a.ID]
	s.mu.Unlock()
	if stored.Status != AmendmentPendingSignature || stored.OwnerSignedAt != nil {
		t.Fatalf("artifact failure mutated the amendment: %+v", stored)
	}
}
