package lease

// DeriveStatus is the canonical quorum derivation. It is a pure function of
// the current pre-signature status and the full signer set of one lease; both
// the synchronous recompute after a signature write and the batch reconciler
// go through it, so the stored status can always be checked against it.
//
// Guarantors are tracked but do not block quorum. Whether that matches the
// legal requirement for a given market is a business decision; see DESIGN.md.
func DeriveStatus(current Status, signers []Signer) Status {
	var ownerTotal, ownerSigned, tenantTotal, tenantSigned int
	for _, s := range signers {
		switch {
		case s.Role.OwnerSide():
			ownerTotal++
			if s.Signed() {
				ownerSigned++
			}
		case s.Role.TenantSide():
			tenantTotal++
			if s.Signed() {
				tenantSigned++
			}
		}
	}

	// A lease without both sides represented can never reach quorum; leave it
	// in its pre-signature state.
	if ownerTotal == 0 || tenantTotal == 0 {
		return current
	}

	switch {
	case ownerSigned == ownerTotal && tenantSigned == tenantTotal:
		return StatusFullySigned
	case ownerSigned > 0 && tenantSigned > 0:
		return StatusPartiallySigned
	case ownerSigned > 0 || tenantSigned > 0:
		// Awaiting the other side. Both sub-cases share one external status
		// value; pending_owner_signature is never produced here.
		return StatusPendingSignature
	default:
		// Nobody signed yet: derivation never downgrades a lease that was
		// already sent, and never invents progress on a draft.
		return current
	}
}

// legalTransitions lists the externally-triggered transitions that are outside
// DeriveStatus's domain (activation, notice, amendment, termination, archival,
// cancellation).
var legalTransitions = map[Status][]Status{
	StatusDraft:       {StatusSent, StatusCancelled},
	StatusSent:        {StatusCancelled},
	StatusFullySigned: {StatusActive, StatusCancelled},
	StatusActive:      {StatusNoticeGiven, StatusAmended, StatusTerminated},
	StatusAmended:     {StatusActive, StatusNoticeGiven, StatusTerminated},
	StatusNoticeGiven: {StatusTerminated},
	StatusTerminated:  {StatusArchived},
	StatusCancelled:   {StatusArchived},
}

// CanTransition reports whether an external trigger may move a lease from one
// status to another. Signature-driven states are reachable only through
// DeriveStatus and are deliberately absent as targets here.
func CanTransition(from, to Status) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
