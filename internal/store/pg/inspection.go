package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gestloc.io/internal/ids"
	"gestloc.io/internal/lease"
)

func (s *Store) CreateInspection(ctx context.Context, leaseID string, typ lease.InspectionType, scheduledAt *time.Time, items []lease.InspectionItem) (lease.Inspection, error) {
	if typ != lease.InspectionEntry && typ != lease.InspectionExit {
		return lease.Inspection{}, fmt.Errorf("%w: unknown inspection type %q", lease.ErrInvalidInput, typ)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lease.Inspection{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(ctx, `select 1 from leases where id=$1 for update`, leaseID).Scan(&one); err != nil {
		return lease.Inspection{}, classify(err)
	}
	if err := s.checkNoOpenInspection(ctx, tx, leaseID, typ); err != nil {
		return lease.Inspection{}, err
	}

	insp := lease.Inspection{
		ID:          ids.NewInspection(),
		LeaseID:     leaseID,
		Type:        typ,
		Status:      lease.InspectionDraft,
		ScheduledAt: scheduledAt,
		CreatedAt:   s.now(),
	}
	if scheduledAt != nil {
		insp.Status = lease.InspectionScheduled
	}
	if err := s.insertInspection(ctx, tx, &insp, items, false); err != nil {
		return lease.Inspection{}, err
	}
	if err := tx.Commit(); err != nil {
		return lease.Inspection{}, classify(err)
	}
	return insp, nil
}

func (s *Store) GetInspection(ctx context.Context, id string) (lease.Inspection, error) {
	var insp lease.Inspection
	var scheduled sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, lease_id, type, status, scheduled_at, created_at from inspections where id=$1
	`, id).Scan(&insp.ID, &insp.LeaseID, &insp.Type, &insp.Status, &scheduled, &insp.CreatedAt)
	if err != nil {
		return lease.Inspection{}, classify(err)
	}
	if scheduled.Valid {
		t := scheduled.Time
		insp.ScheduledAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, room, label, coalesce(condition,''), coalesce(notes,'')
		from inspection_items where inspection_id=$1 order by id
	`, id)
	if err != nil {
		return lease.Inspection{}, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var it lease.InspectionItem
		if err := rows.Scan(&it.ID, &it.Room, &it.Label, &it.Condition, &it.Notes); err != nil {
			return lease.Inspection{}, classify(err)
		}
		insp.Items = append(insp.Items, it)
	}
	if err := rows.Err(); err != nil {
		return lease.Inspection{}, classify(err)
	}

	srows, err := s.db.QueryContext(ctx, `
		select id, party_id, side, signature_status, signed_at
		from inspection_signers where inspection_id=$1 order by id
	`, id)
	if err != nil {
		return lease.Inspection{}, classify(err)
	}
	defer srows.Close()
	for srows.Next() {
		var sg lease.InspectionSigner
		var signedAt sql.NullTime
		if err := srows.Scan(&sg.ID, &sg.PartyID, &sg.Side, &sg.Status, &signedAt); err != nil {
			return lease.Inspection{}, classify(err)
		}
		if signedAt.Valid {
			t := signedAt.Time
			sg.SignedAt = &t
		}
		insp.Signers = append(insp.Signers, sg)
	}
	return insp, srows.Err()
}

// DuplicateInspection derives an exit shell from a completed entry inspection
// inside a single transaction: item structure copied with observations reset,
// signer set seeded from the lease's current signers. The lease row lock plus
// the open-inspection check make retries safe — a partially visible first
// attempt is rejected as Conflict.
func (s *Store) DuplicateInspection(ctx context.Context, sourceID string, targetType lease.InspectionType, scheduledAt *time.Time) (lease.DuplicationResult, error) {
	if targetType != lease.InspectionExit {
		return lease.DuplicationResult{}, fmt.Errorf("%w: only exit inspections can be derived", lease.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lease.DuplicationResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var leaseID string
	var srcType lease.InspectionType
	err = tx.QueryRowContext(ctx, `select lease_id, type from inspections where id=$1`, sourceID).Scan(&leaseID, &srcType)
	if err != nil {
		return lease.DuplicationResult{}, classify(err)
	}
	if srcType != lease.InspectionEntry {
		return lease.DuplicationResult{}, fmt.Errorf("%w: source inspection must be an entry inspection", lease.ErrInvalidState)
	}

	var one int
	if err := tx.QueryRowContext(ctx, `select 1 from leases where id=$1 for update`, leaseID).Scan(&one); err != nil {
		return lease.DuplicationResult{}, classify(err)
	}
	if err := s.checkNoOpenInspection(ctx, tx, leaseID, targetType); err != nil {
		return lease.DuplicationResult{}, err
	}

	// Copy the room/item structure, observations cleared.
	rows, err := tx.QueryContext(ctx, `
		select room, label from inspection_items where inspection_id=$1 order by id
	`, sourceID)
	if err != nil {
		return lease.DuplicationResult{}, classify(err)
	}
	var items []lease.InspectionItem
	for rows.Next() {
		var it lease.InspectionItem
		if err := rows.Scan(&it.Room, &it.Label); err != nil {
			rows.Close()
			return lease.DuplicationResult{}, classify(err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return lease.DuplicationResult{}, classify(err)
	}
	rows.Close()

	signers, err := s.signersOf(ctx, tx, leaseID)
	if err != nil {
		return lease.DuplicationResult{}, err
	}

	insp := lease.Inspection{
		ID:          ids.NewInspection(),
		LeaseID:     leaseID,
		Type:        targetType,
		Status:      lease.InspectionDraft,
		ScheduledAt: scheduledAt,
		CreatedAt:   s.now(),
	}
	if scheduledAt != nil {
		insp.Status = lease.InspectionScheduled
	}
	if err := s.insertInspection(ctx, tx, &insp, items, true); err != nil {
		return lease.DuplicationResult{}, err
	}

	for _, sg := range signers {
		var side lease.Side
		switch {
		case sg.Role.OwnerSide():
			side = lease.SideOwner
		case sg.Role.TenantSide():
			side = lease.SideTenant
		default:
			continue // guarantors do not sign inspections
		}
		is := lease.InspectionSigner{
			ID:      ids.NewSigner(),
			PartyID: sg.PartyID,
			Side:    side,
			Status:  lease.SignaturePending,
		}
		if _, err := tx.ExecContext(ctx, `
			insert into inspection_signers (id, inspection_id, party_id, side, signature_status)
			values ($1,$2,$3,$4,$5)
		`, is.ID, insp.ID, is.PartyID, is.Side, is.Status); err != nil {
			return lease.DuplicationResult{}, classify(err)
		}
		insp.Signers = append(insp.Signers, is)
	}

	if err := s.insertOutboxEvent(ctx, tx, lease.EventInspectionDuplicated, leaseID, map[string]any{
		"lease_id": leaseID, "source_id": sourceID, "inspection_id": insp.ID, "items_copied": len(insp.Items),
	}); err != nil {
		return lease.DuplicationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return lease.DuplicationResult{}, classify(err)
	}

	s.emit(lease.EventInspectionDuplicated, map[string]any{
		"lease_id": leaseID, "source_id": sourceID, "inspection_id": insp.ID, "items_copied": len(insp.Items),
	})
	return lease.DuplicationResult{Inspection: insp, ItemsCopied: len(insp.Items)}, nil
}

// checkNoOpenInspection enforces the at-most-one non-terminal inspection per
// type per lease invariant. Caller holds the lease row lock.
func (s *Store) checkNoOpenInspection(ctx context.Context, tx *sql.Tx, leaseID string, typ lease.InspectionType) error {
	var existingID string
	err := tx.QueryRowContext(ctx, `
		select id from inspections
		where lease_id=$1 and type=$2 and status not in ('completed','cancelled')
		limit 1
	`, leaseID, typ).Scan(&existingID)
	if err == nil {
		return fmt.Errorf("%w: inspection %s is still open", lease.ErrConflict, existingID)
	}
	if err == sql.ErrNoRows {
		return nil
	}
	return classify(err)
}

func (s *Store) insertInspection(ctx context.Context, tx *sql.Tx, insp *lease.Inspection, items []lease.InspectionItem, reset bool) error {
	if _, err := tx.ExecContext(ctx, `
		insert into inspections (id, lease_id, type, status, scheduled_at, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, insp.ID, insp.LeaseID, insp.Type, insp.Status, insp.ScheduledAt, insp.CreatedAt); err != nil {
		return classify(err)
	}
	for _, it := range items {
		item := lease.InspectionItem{
			ID:    ids.NewInspectionItem(),
			Room:  it.Room,
			Label: it.Label,
		}
		if !reset {
			item.Condition = it.Condition
			item.Notes = it.Notes
		}
		if _, err := tx.ExecContext(ctx, `
			insert into inspection_items (id, inspection_id, room, label, condition, notes)
			values ($1,$2,$3,$4,$5,$6)
		`, item.ID, insp.ID, item.Room, item.Label, item.Condition, item.Notes); err != nil {
			return classify(err)
		}
		insp.Items = append(insp.Items, item)
	}
	return nil
}
