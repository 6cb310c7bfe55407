package lease

import "testing"

func mkSigner(role Role, signed bool) Signer {
	s := Signer{Role: role, Status: SignaturePending}
	if signed {
		s.Status = SignatureSigned
	}
	return s
}

func TestDeriveStatusQuorum(t *testing.T) {
	cases := []struct {
		name    string
		current Status
		signers []Signer
		want    Status
	}{
		{
			name:    "all signed both sides",
			current: StatusPartiallySigned,
			signers: []Signer{
				mkSigner(RoleOwner, true),
				mkSigner(RolePrimaryTenant, true),
				mkSigner(RoleCoTenant, true),
			},
			want: StatusFullySigned,
		},
		{
			name:    "both sides partial",
			current: StatusSent,
			signers: []Signer{
				mkSigner(RoleOwner, true),
				mkSigner(RolePrimaryTenant, true),
				mkSigner(RoleCoTenant, false),
			},
			want: StatusPartiallySigned,
		},
		{
			name:    "only tenant side signed",
			current: StatusSent,
			signers: []Signer{
				mkSigner(RoleOwner, false),
				mkSigner(RolePrimaryTenant, true),
			},
			want: StatusPendingSignature,
		},
		{
			name:    "only owner side signed",
			current: StatusSent,
			signers: []Signer{
				mkSigner(RoleOwner, true),
				mkSigner(RolePrimaryTenant, false),
			},
			want: StatusPendingSignature,
		},
		{
			name:    "nobody signed keeps current",
			current: StatusSent,
			signers: []Signer{
				mkSigner(RoleOwner, false),
				mkSigner(RolePrimaryTenant, false),
			},
			want: StatusSent,
		},
		{
			name:    "nobody signed on draft stays draft",
			current: StatusDraft,
			signers: []Signer{
				mkSigner(RoleOwner, false),
				mkSigner(RolePrimaryTenant, false),
			},
			want: StatusDraft,
		},
		{
			name:    "missing owner side keeps current",
			current: StatusSent,
			signers: []Signer{
				mkSigner(RolePrimaryTenant, true),
				mkSigner(RoleCoTenant, true),
			},
			want: StatusSent,
		},
		{
			name:    "missing tenant side keeps current",
			current: StatusSent,
			signers: []Signer{mkSigner(RoleOwner, true)},
			want:    StatusSent,
		},
		{
			name:    "no signers at all keeps current",
			current: StatusDraft,
			signers: nil,
			want:    StatusDraft,
		},
		{
			name:    "guarantor does not block quorum",
			current: StatusSent,
			signers: []Signer{
				mkSigner(RoleOwner, true),
				mkSigner(RolePrimaryTenant, true),
				mkSigner(RoleGuarantor, false),
			},
			want: StatusFullySigned,
		},
		{
			name:    "only guarantor signed keeps current",
			current: StatusSent,
			signers: []Signer{
				mkSigner(RoleOwner, false),
				mkSigner(RolePrimaryTenant, false),
				mkSigner(RoleGuarantor, true),
			},
			want: StatusSent,
		},
		{
			name:    "legacy pending_owner_signature corrected",
			current: StatusPendingOwnerSignature,
			signers: []Signer{
				mkSigner(RoleOwner, true),
				mkSigner(RolePrimaryTenant, true),
			},
			want: StatusFullySigned,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveStatus(tc.current, tc.signers); got != tc.want {
				t.Fatalf("DeriveStatus(%s) = %s, want %s", tc.current, got, tc.want)
			}
		})
	}
}

func TestDeriveStatusIsPure(t *testing.T) {
	signers := []Signer{
		mkSigner(RoleOwner, true),
		mkSigner(RolePrimaryTenant, false),
	}
	first := DeriveStatus(StatusSent, signers)
	second := DeriveStatus(StatusSent, signers)
	if first != second {
		t.Fatalf("derivation not deterministic: %s vs %s", first, second)
	}
	if signers[0].Status != SignatureSigned || signers[1].Status != SignaturePending {
		t.Fatal("derivation mutated its input")
	}
}

func TestDeriveStatusNeverProducesPendingOwnerSignature(t *testing.T) {
	combos := [][]Signer{
		{mkSigner(RoleOwner, true), mkSigner(RolePrimaryTenant, false)},
		{mkSigner(RoleOwner, false), mkSigner(RolePrimaryTenant, true)},
		{mkSigner(RoleOwner, true), mkSigner(RolePrimaryTenant, true), mkSigner(RoleCoTenant, false)},
	}
	for _, signers := range combos {
		for _, current := range []Status{StatusDraft, StatusSent, StatusPendingOwnerSignature} {
			if got := DeriveStatus(current, signers); got == StatusPendingOwnerSignature {
				t.Fatalf("derived the legacy status from current=%s", current)
			}
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusDraft, StatusSent},
		{StatusDraft, StatusCancelled},
		{StatusSent, StatusCancelled},
		{StatusFullySigned, StatusActive},
		{StatusFullySigned, StatusCancelled},
		{StatusActive, StatusNoticeGiven},
		{StatusActive, StatusAmended},
		{StatusActive, StatusTerminated},
		{StatusAmended, StatusActive},
		{StatusNoticeGiven, StatusTerminated},
		{StatusTerminated, StatusArchived},
		{StatusCancelled, StatusArchived},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be legal", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusDraft, StatusActive},
		// Signature-driven states are not reachable via external transitions.
		{StatusSent, StatusFullySigned},
		{StatusSent, StatusPendingSignature},
		{StatusActive, StatusDraft},
		{StatusArchived, StatusActive},
		{StatusTerminated, StatusActive},
		{StatusCancelled, StatusSent},
	}
	for _, tr := range denied {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("expected %s -> %s to be illegal", tr.from, tr.to)
		}
	}
}

func TestReconcilableSet(t *testing.T) {
	for _, s := range []Status{StatusDraft, StatusSent, StatusPendingSignature, StatusPartiallySigned, StatusPendingOwnerSignature} {
		if !s.Reconcilable() {
			t.Errorf("expected %s to be reconcilable", s)
		}
	}
	for _, s := range []Status{StatusFullySigned, StatusActive, StatusNoticeGiven, StatusAmended, StatusTerminated, StatusArchived, StatusCancelled} {
		if s.Reconcilable() {
			t.Errorf("expected %s to be frozen", s)
		}
	}
}
