package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gestloc.io/internal/lease"
)

// reconcilableStatuses is the pre-activation candidate set, as SQL values.
var reconcilableStatuses = []string{
	string(lease.StatusDraft),
	string(lease.StatusSent),
	string(lease.StatusPendingSignature),
	string(lease.StatusPartiallySigned),
	string(lease.StatusPendingOwnerSignature),
}

// Reconcile sweeps the candidate leases and corrects any stored status that
// disagrees with the derivation from signer rows. The sweep is total: one
// lease's failure is reported in Errors and never aborts the rest. Because it
// recomputes from signer rows inside a per-lease row lock it is safe to run
// concurrently with live signature recording, and an immediate second run
// reports fixed: 0.
func (s *Store) Reconcile(ctx context.Context, scope lease.Scope) (lease.ReconcileReport, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case scope.LeaseID != "":
		var ownerID string
		err = s.db.QueryRowContext(ctx, `select owner_id from leases where id=$1`, scope.LeaseID).Scan(&ownerID)
		if err != nil {
			return lease.ReconcileReport{}, classify(err)
		}
		if scope.OwnerID != "" && ownerID != scope.OwnerID {
			return lease.ReconcileReport{}, lease.ErrUnauthorized
		}
		// No status filter here: an explicitly named lease is always checked,
		// reconcileOne leaves frozen statuses untouched.
		rows, err = s.db.QueryContext(ctx, `
			select id from leases where id=$1
		`, scope.LeaseID)
	case scope.OwnerID != "":
		rows, err = s.db.QueryContext(ctx, `
			select id from leases where owner_id=$1 and status = any($2) order by id
		`, scope.OwnerID, statusArray(reconcilableStatuses))
	default:
		rows, err = s.db.QueryContext(ctx, `
			select id from leases where status = any($1) order by id
		`, statusArray(reconcilableStatuses))
	}
	if err != nil {
		return lease.ReconcileReport{}, classify(err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return lease.ReconcileReport{}, classify(err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		return lease.ReconcileReport{}, classify(err)
	}

	report := lease.ReconcileReport{Details: []lease.ReconcileDetail{}}
	for _, id := range candidates {
		detail, fixed, err := s.reconcileOne(ctx, id)
		if err != nil {
			// Per-lease isolation: record and continue.
			report.Errors = append(report.Errors, lease.ReconcileError{LeaseID: id, Err: err.Error()})
			continue
		}
		report.Checked++
		if fixed {
			report.Fixed++
			report.Details = append(report.Details, detail)
			s.emit(lease.EventReconciliationFixed, map[string]any{
				"lease_id":   id,
				"old_status": string(detail.OldStatus),
				"new_status": string(detail.NewStatus),
			})
		}
	}
	return report, nil
}

// reconcileOne recomputes one lease's status in its own transaction.
func (s *Store) reconcileOne(ctx context.Context, leaseID string) (lease.ReconcileDetail, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lease.ReconcileDetail{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var stored lease.Status
	if err := tx.QueryRowContext(ctx, `select status from leases where id=$1 for update`, leaseID).Scan(&stored); err != nil {
		return lease.ReconcileDetail{}, false, classify(err)
	}
	// A live writer may have advanced the lease past activation since the
	// candidate select; it is no longer ours to touch.
	if !stored.Reconcilable() {
		return lease.ReconcileDetail{}, false, nil
	}

	signers, err := s.signersOf(ctx, tx, leaseID)
	if err != nil {
		return lease.ReconcileDetail{}, false, err
	}
	derived := lease.DeriveStatus(stored, signers)
	if derived == stored {
		return lease.ReconcileDetail{}, false, tx.Commit()
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		update leases set status=$2, version=version+1, updated_at=$3 where id=$1
	`, leaseID, derived, now); err != nil {
		return lease.ReconcileDetail{}, false, classify(err)
	}
	if err := s.insertOutboxEvent(ctx, tx, lease.EventReconciliationFixed, leaseID, map[string]any{
		"lease_id": leaseID, "old_status": string(stored), "new_status": string(derived),
	}); err != nil {
		return lease.ReconcileDetail{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return lease.ReconcileDetail{}, false, classify(err)
	}
	return lease.ReconcileDetail{LeaseID: leaseID, OldStatus: stored, NewStatus: derived}, true, nil
}

// DiagnoseLease is the read-only single-lease variant used by admin tooling.
// It reports whether a fix is needed and, when the schema itself is the
// problem, surfaces the constraint hint instead of a generic failure.
func (s *Store) DiagnoseLease(ctx context.Context, leaseID string) (lease.Diagnosis, error) {
	l, err := s.GetLease(ctx, leaseID)
	if err != nil {
		return lease.Diagnosis{}, err
	}
	signers, err := s.signersOf(ctx, s.db, leaseID)
	if err != nil {
		if errors.Is(err, lease.ErrConstraintViolation) {
			return lease.Diagnosis{Lease: l, Hint: err.Error()}, err
		}
		return lease.Diagnosis{}, err
	}

	d := lease.Diagnosis{
		Lease:   l,
		Signers: signers,
		Derived: l.Status,
	}
	if l.Status.Reconcilable() {
		d.Derived = lease.DeriveStatus(l.Status, signers)
		d.NeedsFix = d.Derived != l.Status
	}
	if d.NeedsFix {
		d.Hint = fmt.Sprintf("stored status %s diverges from derived %s; run reconcile on this lease", l.Status, d.Derived)
	}
	return d, nil
}

// statusArray renders a text[] literal for `= any($n)` parameters, which keeps
// the candidate select a single prepared statement.
func statusArray(values []string) string {
	out := "{"
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out + "}"
}
