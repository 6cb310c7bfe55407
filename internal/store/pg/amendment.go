package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gestloc.io/internal/ids"
	"gestloc.io/internal/lease"
)

func (s *Store) CreateAmendment(ctx context.Context, leaseID string, typ lease.AmendmentType, newValues map[string]int64) (lease.Amendment, error) {
	if err := lease.ValidateNewValues(typ, newValues); err != nil {
		return lease.Amendment{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lease.Amendment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var status lease.Status
	if err := tx.QueryRowContext(ctx, `select status from leases where id=$1 for update`, leaseID).Scan(&status); err != nil {
		return lease.Amendment{}, classify(err)
	}
	if !status.Amendable() {
		return lease.Amendment{}, fmt.Errorf("%w: lease at status %s cannot be amended", lease.ErrInvalidState, status)
	}

	values, err := json.Marshal(newValues)
	if err != nil {
		return lease.Amendment{}, err
	}
	a := lease.Amendment{
		ID:        ids.NewAmendment(),
		LeaseID:   leaseID,
		Type:      typ,
		NewValues: newValues,
		Status:    lease.AmendmentPendingSignature,
		CreatedAt: s.now(),
	}
	if _, err := tx.ExecContext(ctx, `
		insert into amendments (id, lease_id, amendment_type, new_values, status, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, a.ID, a.LeaseID, a.Type, values, a.Status, a.CreatedAt); err != nil {
		return lease.Amendment{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return lease.Amendment{}, classify(err)
	}
	return a, nil
}

// SignAmendment records one side's signature. When the other side had already
// signed, the same transaction flips the amendment to signed, stamps
// applied_at and pushes the field changes onto the lease — the transition into
// signed is what drives the apply, so it cannot run twice.
func (s *Store) SignAmendment(ctx context.Context, amendmentID string, side lease.Side, signatureImage []byte) (lease.AmendmentResult, error) {
	if !side.Valid() {
		return lease.AmendmentResult{}, fmt.Errorf("%w: unknown side %q", lease.ErrInvalidInput, side)
	}

	artifact, err := s.docs.Persist(ctx, "amendment_signature", signatureImage)
	if err != nil {
		return lease.AmendmentResult{}, fmt.Errorf("%w: %v", lease.ErrProofGeneration, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lease.AmendmentResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the lease first, then the amendment: same order as the signature
	// path, so concurrent two-side signing cannot deadlock.
	var leaseID string
	if err := tx.QueryRowContext(ctx, `select lease_id from amendments where id=$1`, amendmentID).Scan(&leaseID); err != nil {
		return lease.AmendmentResult{}, classify(err)
	}
	var leaseStatus lease.Status
	if err := tx.QueryRowContext(ctx, `select status from leases where id=$1 for update`, leaseID).Scan(&leaseStatus); err != nil {
		return lease.AmendmentResult{}, classify(err)
	}
	// The lease may have moved on since the amendment was created; a
	// terminated or archived lease must not be mutated by a late apply.
	if !leaseStatus.Amendable() {
		return lease.AmendmentResult{}, fmt.Errorf("%w: lease at status %s cannot be amended", lease.ErrInvalidState, leaseStatus)
	}

	a, err := scanAmendment(tx.QueryRowContext(ctx, `
		select id, lease_id, amendment_type, new_values, status,
			owner_signed_at, coalesce(owner_artifact,''), tenant_signed_at, coalesce(tenant_artifact,''),
			applied_at, created_at
		from amendments where id=$1 for update
	`, amendmentID))
	if err != nil {
		return lease.AmendmentResult{}, err
	}
	if a.Status == lease.AmendmentSigned {
		return lease.AmendmentResult{}, fmt.Errorf("%w: amendment is already fully signed", lease.ErrInvalidState)
	}
	if a.SignedBy(side) {
		return lease.AmendmentResult{}, lease.ErrAlreadySigned
	}

	now := s.now()
	otherSigned := a.SignedBy(lease.OtherSide(side))
	newStatus := lease.AmendmentPartiallySigned
	if otherSigned {
		newStatus = lease.AmendmentSigned
	}

	var query string
	if side == lease.SideOwner {
		query = `update amendments set owner_signed_at=$2, owner_artifact=$3, status=$4 where id=$1`
	} else {
		query = `update amendments set tenant_signed_at=$2, tenant_artifact=$3, status=$4 where id=$1`
	}
	if _, err := tx.ExecContext(ctx, query, amendmentID, now, artifact, newStatus); err != nil {
		return lease.AmendmentResult{}, classify(err)
	}

	if side == lease.SideOwner {
		a.OwnerSignedAt, a.OwnerArtifact = &now, artifact
	} else {
		a.TenantSignedAt, a.TenantArtifact = &now, artifact
	}
	a.Status = newStatus

	if !otherSigned {
		if err := tx.Commit(); err != nil {
			return lease.AmendmentResult{}, classify(err)
		}
		return lease.AmendmentResult{Amendment: a}, nil
	}

	// Both sides signed: apply the bounded field changes to the lease exactly
	// once, in this transaction.
	if _, err := tx.ExecContext(ctx, `update amendments set applied_at=$2 where id=$1`, amendmentID, now); err != nil {
		return lease.AmendmentResult{}, classify(err)
	}
	a.AppliedAt = &now

	set, args := amendmentLeaseUpdate(a, now)
	args = append([]any{leaseID}, args...)
	if _, err := tx.ExecContext(ctx, set, args...); err != nil {
		return lease.AmendmentResult{}, classify(err)
	}
	if err := s.insertOutboxEvent(ctx, tx, lease.EventAmendmentApplied, leaseID, map[string]any{
		"lease_id": leaseID, "amendment_id": a.ID, "amendment_type": string(a.Type),
	}); err != nil {
		return lease.AmendmentResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return lease.AmendmentResult{}, classify(err)
	}

	s.emit(lease.EventAmendmentApplied, map[string]any{
		"lease_id": leaseID, "amendment_id": a.ID, "amendment_type": string(a.Type),
	})
	return lease.AmendmentResult{Amendment: a, Applied: true}, nil
}

// amendmentLeaseUpdate builds the lease update for an applied amendment.
// $1 is reserved for the lease id.
func amendmentLeaseUpdate(a lease.Amendment, now any) (string, []any) {
	switch a.Type {
	case lease.AmendmentLoyer:
		return `update leases set rent_cents=$2, status=$3, version=version+1, updated_at=$4 where id=$1`,
			[]any{a.NewValues["loyer"], lease.StatusAmended, now}
	case lease.AmendmentCharges:
		return `update leases set charges_cents=$2, status=$3, version=version+1, updated_at=$4 where id=$1`,
			[]any{a.NewValues["charges"], lease.StatusAmended, now}
	case lease.AmendmentDepotGarantie:
		return `update leases set deposit_cents=$2, status=$3, version=version+1, updated_at=$4 where id=$1`,
			[]any{a.NewValues["depot_garantie"], lease.StatusAmended, now}
	default: // duree
		return `update leases set end_date = start_date + make_interval(months => $2::int), status=$3, version=version+1, updated_at=$4 where id=$1`,
			[]any{a.NewValues["duree_mois"], lease.StatusAmended, now}
	}
}

func scanAmendment(row rowScanner) (lease.Amendment, error) {
	var a lease.Amendment
	var values []byte
	var ownerSigned, tenantSigned, applied sql.NullTime
	err := row.Scan(&a.ID, &a.LeaseID, &a.Type, &values, &a.Status,
		&ownerSigned, &a.OwnerArtifact, &tenantSigned, &a.TenantArtifact,
		&applied, &a.CreatedAt)
	if err != nil {
		return lease.Amendment{}, classify(err)
	}
	if err := json.Unmarshal(values, &a.NewValues); err != nil {
		return lease.Amendment{}, err
	}
	if ownerSigned.Valid {
		t := ownerSigned.Time
		a.OwnerSignedAt = &t
	}
	if tenantSigned.Valid {
		t := tenantSigned.Time
		a.TenantSignedAt = &t
	}
	if applied.Valid {
		t := applied.Time
		a.AppliedAt = &t
	}
	return a, nil
}
