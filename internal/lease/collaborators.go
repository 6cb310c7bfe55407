package lease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// ProofGenerator produces an opaque proof reference for a completed signature.
// The call is a synchronous dependency of RecordSignature: a failure aborts
// the recording, it is never silently skipped.
type ProofGenerator interface {
	GenerateProof(ctx context.Context, document []byte, signerIdentity string) (string, error)
}

// DocumentStore persists opaque signature artifacts (hand-drawn pad images,
// provider payloads) and returns a reference. Storage itself is an external
// collaborator.
type DocumentStore interface {
	Persist(ctx context.Context, kind string, data []byte) (string, error)
}

// EventSink receives domain events, fire-and-forget. Sink failures are logged
// by the implementation and never propagate into business state.
type EventSink interface {
	Emit(eventType string, payload map[string]any)
}

// Domain event types consumed by notifications and audit tooling.
const (
	EventSignatureRecorded    = "Lease.SignatureRecorded"
	EventStatusChanged        = "Lease.StatusChanged"
	EventFullySigned          = "Lease.FullySigned"
	EventAmendmentApplied     = "Lease.AmendmentApplied"
	EventReconciliationFixed  = "Lease.ReconciliationFixed"
	EventInspectionDuplicated = "Inspection.Duplicated"
)

// HashProofGenerator derives a deterministic proof reference from the signed
// document and the signer identity. Used by the in-memory service and in
// tests; production wiring points at the e-signature provider instead.
type HashProofGenerator struct{}

func (HashProofGenerator) GenerateProof(_ context.Context, document []byte, signerIdentity string) (string, error) {
	h := sha256.New()
	h.Write(document)
	h.Write([]byte{0})
	h.Write([]byte(signerIdentity))
	return "proof_" + hex.EncodeToString(h.Sum(nil)[:16]), nil
}

// HashDocumentStore is the in-memory stand-in for the external object store.
type HashDocumentStore struct{}

func (HashDocumentStore) Persist(_ context.Context, kind string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return kind + "_" + hex.EncodeToString(sum[:16]), nil
}
