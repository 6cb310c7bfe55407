package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gestloc.io/internal/ids"
	"gestloc.io/internal/lease"
)

// Store implements lease.Service over PostgreSQL. Every signature-driven
// read-modify-write runs inside one transaction holding a row lock on the
// lease, which serializes concurrent submissions for the same lease while
// leaving different leases fully parallel.
type Store struct {
	db     *sql.DB
	proofs lease.ProofGenerator
	docs   lease.DocumentStore
	events lease.EventSink
	now    func() time.Time
}

var _ lease.Service = (*Store)(nil)

// Open connects to PostgreSQL with pooled defaults.
func Open(dsn string, proofs lease.ProofGenerator, docs lease.DocumentStore, events lease.EventSink) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, proofs, docs, events), nil
}

// New wraps an existing connection pool; used by tests with sqlmock.
func New(db *sql.DB, proofs lease.ProofGenerator, docs lease.DocumentStore, events lease.EventSink) *Store {
	if proofs == nil {
		proofs = lease.HashProofGenerator{}
	}
	if docs == nil {
		docs = lease.HashDocumentStore{}
	}
	return &Store{
		db:     db,
		proofs: proofs,
		docs:   docs,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) emit(eventType string, payload map[string]any) {
	if s.events != nil {
		s.events.Emit(eventType, payload)
	}
}

const leaseColumns = `id, property_id, owner_id, status, rent_cents, charges_cents, deposit_cents,
	start_date, end_date, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (lease.Lease, error) {
	var l lease.Lease
	err := row.Scan(&l.ID, &l.PropertyID, &l.OwnerID, &l.Status, &l.RentCents, &l.ChargesCents,
		&l.DepositCents, &l.StartDate, &l.EndDate, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return lease.Lease{}, classify(err)
	}
	return l, nil
}

func (s *Store) CreateLease(ctx context.Context, in lease.NewLease) (lease.Lease, error) {
	if in.PropertyID == "" || in.OwnerID == "" {
		return lease.Lease{}, fmt.Errorf("%w: property_id and owner_id are required", lease.ErrInvalidInput)
	}
	if in.RentCents < 0 || in.ChargesCents < 0 || in.DepositCents < 0 {
		return lease.Lease{}, fmt.Errorf("%w: amounts must be >= 0", lease.ErrInvalidInput)
	}

	id := ids.NewLease()
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		insert into leases (id, property_id, owner_id, status, rent_cents, charges_cents, deposit_cents,
			start_date, end_date, version, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10,$10)
	`, id, in.PropertyID, in.OwnerID, lease.StatusDraft, in.RentCents, in.ChargesCents, in.DepositCents,
		in.StartDate, in.EndDate, now)
	if err != nil {
		return lease.Lease{}, classify(err)
	}
	return lease.Lease{
		ID:           id,
		PropertyID:   in.PropertyID,
		OwnerID:      in.OwnerID,
		Status:       lease.StatusDraft,
		RentCents:    in.RentCents,
		ChargesCents: in.ChargesCents,
		DepositCents: in.DepositCents,
		StartDate:    in.StartDate,
		EndDate:      in.EndDate,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *Store) GetLease(ctx context.Context, id string) (lease.Lease, error) {
	row := s.db.QueryRowContext(ctx, `select `+leaseColumns+` from leases where id=$1`, id)
	return scanLease(row)
}

// ListLeases returns leases in id order, which for ULID keys is creation
// order. A non-empty ownerID restricts the listing to that owner.
func (s *Store) ListLeases(ctx context.Context, ownerID string) ([]lease.Lease, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if ownerID != "" {
		rows, err = s.db.QueryContext(ctx, `select `+leaseColumns+` from leases where owner_id=$1 order by id`, ownerID)
	} else {
		rows, err = s.db.QueryContext(ctx, `select `+leaseColumns+` from leases order by id`)
	}
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []lease.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) AddSigner(ctx context.Context, leaseID string, role lease.Role, partyID string) (lease.Signer, error) {
	if !role.Valid() {
		return lease.Signer{}, fmt.Errorf("%w: unknown role %q", lease.ErrInvalidInput, role)
	}
	if partyID == "" {
		return lease.Signer{}, fmt.Errorf("%w: party_id is required", lease.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lease.Signer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var status lease.Status
	err = tx.QueryRowContext(ctx, `select status from leases where id=$1 for update`, leaseID).Scan(&status)
	if err != nil {
		return lease.Signer{}, classify(err)
	}
	if !status.Reconcilable() {
		return lease.Signer{}, fmt.Errorf("%w: signers are frozen at status %s", lease.ErrInvalidState, status)
	}

	sg := lease.Signer{
		ID:        ids.NewSigner(),
		LeaseID:   leaseID,
		PartyID:   partyID,
		Role:      role,
		Status:    lease.SignaturePending,
		CreatedAt: s.now(),
	}
	_, err = tx.ExecContext(ctx, `
		insert into signers (id, lease_id, party_id, role, signature_status, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, sg.ID, sg.LeaseID, sg.PartyID, sg.Role, sg.Status, sg.CreatedAt)
	if err != nil {
		return lease.Signer{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return lease.Signer{}, classify(err)
	}
	return sg, nil
}

func (s *Store) ListSigners(ctx context.Context, leaseID string) ([]lease.Signer, error) {
	var one int
	if err := s.db.QueryRowContext(ctx, `select 1 from leases where id=$1`, leaseID).Scan(&one); err != nil {
		return nil, classify(err)
	}
	return s.signersOf(ctx, s.db, leaseID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// signersOf loads the lease's signers in creation order. Inside a transaction
// that holds the lease row lock this is a stable snapshot.
func (s *Store) signersOf(ctx context.Context, q querier, leaseID string) ([]lease.Signer, error) {
	rows, err := q.QueryContext(ctx, `
		select id, lease_id, party_id, role, signature_status, signed_at, coalesce(proof_reference,''), created_at
		from signers where lease_id=$1 order by created_at, id
	`, leaseID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []lease.Signer
	for rows.Next() {
		var sg lease.Signer
		var signedAt sql.NullTime
		if err := rows.Scan(&sg.ID, &sg.LeaseID, &sg.PartyID, &sg.Role, &sg.Status, &signedAt, &sg.ProofReference, &sg.CreatedAt); err != nil {
			return nil, classify(err)
		}
		if signedAt.Valid {
			t := signedAt.Time
			sg.SignedAt = &t
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// insertOutboxEvent appends a durable domain event in the same transaction as
// the state change it describes.
func (s *Store) insertOutboxEvent(ctx context.Context, tx *sql.Tx, eventType, leaseID string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into outbox_events (id, event_type, lease_id, payload, occurred_at)
		values ($1,$2,$3,$4,$5)
	`, ids.NewEvent(), eventType, leaseID, data, s.now())
	return classify(err)
}

func (s *Store) RecordSignature(ctx context.Context, leaseID, signerID string, signatureImage []byte) (lease.SignatureResult, error) {
	// Cheap pre-checks before the external proof call; every check is
	// repeated under the row lock.
	var partyID string
	var sigStatus lease.SignatureStatus
	var leaseStatus lease.Status
	err := s.db.QueryRowContext(ctx, `
		select s.party_id, s.signature_status, l.status
		from signers s join leases l on l.id = s.lease_id
		where s.id=$1 and s.lease_id=$2
	`, signerID, leaseID).Scan(&partyID, &sigStatus, &leaseStatus)
	if err != nil {
		return lease.SignatureResult{}, classify(err)
	}
	if sigStatus == lease.SignatureSigned {
		return lease.SignatureResult{}, lease.ErrAlreadySigned
	}
	if !leaseStatus.Reconcilable() {
		return lease.SignatureResult{}, fmt.Errorf("%w: cannot sign a lease at status %s", lease.ErrInvalidState, leaseStatus)
	}

	// The proof call must complete before the signer is marked signed; a
	// failure aborts the recording with no state change.
	proofRef, err := s.proofs.GenerateProof(ctx, signatureImage, partyID)
	if err != nil {
		return lease.SignatureResult{}, fmt.Errorf("%w: %v", lease.ErrProofGeneration, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lease.SignatureResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var oldStatus lease.Status
	var version int64
	err = tx.QueryRowContext(ctx, `select status, version from leases where id=$1 for update`, leaseID).
		Scan(&oldStatus, &version)
	if err != nil {
		return lease.SignatureResult{}, classify(err)
	}
	if !oldStatus.Reconcilable() {
		return lease.SignatureResult{}, fmt.Errorf("%w: cannot sign a lease at status %s", lease.ErrInvalidState, oldStatus)
	}

	err = tx.QueryRowContext(ctx, `select signature_status from signers where id=$1 for update`, signerID).Scan(&sigStatus)
	if err != nil {
		return lease.SignatureResult{}, classify(err)
	}
	if sigStatus == lease.SignatureSigned {
		return lease.SignatureResult{}, lease.ErrAlreadySigned
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		update signers set signature_status=$2, signed_at=$3, proof_reference=$4 where id=$1
	`, signerID, lease.SignatureSigned, now, proofRef); err != nil {
		return lease.SignatureResult{}, classify(err)
	}

	signers, err := s.signersOf(ctx, tx, leaseID)
	if err != nil {
		return lease.SignatureResult{}, err
	}
	newStatus := lease.DeriveStatus(oldStatus, signers)
	if newStatus != oldStatus {
		if _, err := tx.ExecContext(ctx, `
			update leases set status=$2, version=version+1, updated_at=$3 where id=$1
		`, leaseID, newStatus, now); err != nil {
			return lease.SignatureResult{}, classify(err)
		}
	}

	var signed lease.Signer
	for _, sg := range signers {
		if sg.ID == signerID {
			signed = sg
		}
	}
	if err := s.insertOutboxEvent(ctx, tx, lease.EventSignatureRecorded, leaseID, map[string]any{
		"lease_id": leaseID, "signer_id": signerID, "role": string(signed.Role), "proof_reference": proofRef,
	}); err != nil {
		return lease.SignatureResult{}, err
	}
	if newStatus != oldStatus {
		if err := s.insertOutboxEvent(ctx, tx, lease.EventStatusChanged, leaseID, map[string]any{
			"lease_id": leaseID, "old_status": string(oldStatus), "new_status": string(newStatus),
		}); err != nil {
			return lease.SignatureResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return lease.SignatureResult{}, classify(err)
	}

	s.emit(lease.EventSignatureRecorded, map[string]any{
		"lease_id": leaseID, "signer_id": signerID, "role": string(signed.Role), "proof_reference": proofRef,
	})
	if newStatus != oldStatus {
		s.emit(lease.EventStatusChanged, map[string]any{
			"lease_id": leaseID, "old_status": string(oldStatus), "new_status": string(newStatus),
		})
		if newStatus == lease.StatusFullySigned {
			s.emit(lease.EventFullySigned, map[string]any{"lease_id": leaseID})
		}
	}
	return lease.SignatureResult{Signer: signed, NewStatus: newStatus}, nil
}

func (s *Store) Transition(ctx context.Context, leaseID string, target lease.Status) (lease.Lease, error) {
	if !target.Valid() {
		return lease.Lease{}, fmt.Errorf("%w: unknown status %q", lease.ErrInvalidInput, target)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return lease.Lease{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+leaseColumns+` from leases where id=$1 for update`, leaseID)
	l, err := scanLease(row)
	if err != nil {
		return lease.Lease{}, err
	}
	if !lease.CanTransition(l.Status, target) {
		return lease.Lease{}, fmt.Errorf("%w: %s -> %s", lease.ErrInvalidState, l.Status, target)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		update leases set status=$2, version=version+1, updated_at=$3 where id=$1
	`, leaseID, target, now); err != nil {
		return lease.Lease{}, classify(err)
	}
	if err := s.insertOutboxEvent(ctx, tx, lease.EventStatusChanged, leaseID, map[string]any{
		"lease_id": leaseID, "old_status": string(l.Status), "new_status": string(target),
	}); err != nil {
		return lease.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return lease.Lease{}, classify(err)
	}

	s.emit(lease.EventStatusChanged, map[string]any{
		"lease_id": leaseID, "old_status": string(l.Status), "new_status": string(target),
	})
	l.Status = target
	l.Version++
	l.UpdatedAt = now
	return l, nil
}
