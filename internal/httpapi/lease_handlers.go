package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gestloc.io/internal/auth"
	"gestloc.io/internal/lease"
	"gestloc.io/internal/obs"
)

type createLeaseRequest struct {
	PropertyID   string    `json:"property_id"`
	RentCents    int64     `json:"rent_cents"`
	ChargesCents int64     `json:"charges_cents"`
	DepositCents int64     `json:"deposit_cents"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
}

type addSignerRequest struct {
	Role    string `json:"role"`
	PartyID string `json:"party_id"`
}

type recordSignatureRequest struct {
	SignerID       string `json:"signer_id"`
	SignatureImage []byte `json:"signature_image"`
}

type transitionRequest struct {
	Target string `json:"target"`
}

type createAmendmentRequest struct {
	Type      string           `json:"amendment_type"`
	NewValues map[string]int64 `json:"new_values"`
}

type signAmendmentRequest struct {
	Side           string `json:"side"`
	SignatureImage []byte `json:"signature_image"`
}

type createInspectionRequest struct {
	Type        string                 `json:"type"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
	Items       []lease.InspectionItem `json:"items"`
}

type duplicateInspectionRequest struct {
	TargetType  string     `json:"target_type"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

type reconcileRequest struct {
	LeaseID string `json:"lease_id,omitempty"`
}

func (a *API) createLease(w http.ResponseWriter, r *http.Request) {
	var req createLeaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ownerID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if strings.TrimSpace(req.PropertyID) == "" {
		writeError(w, r, http.StatusBadRequest, "property_id is required")
		return
	}

	l, err := a.svc.CreateLease(r.Context(), lease.NewLease{
		PropertyID:   req.PropertyID,
		OwnerID:      ownerID,
		RentCents:    req.RentCents,
		ChargesCents: req.ChargesCents,
		DepositCents: req.DepositCents,
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
	})
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}

	a.audit(r.Context(), "lease.create", "lease", l.ID, map[string]string{
		"property_id": req.PropertyID,
	})
	w.Header().Set("Location", "/v1/leases/"+l.ID)
	writeJSON(w, http.StatusCreated, l)
}

// listLeases returns the caller's leases. Admins see every lease and may
// narrow by owner_id; other callers are always scoped to their own.
func (a *API) listLeases(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if !auth.IsAdmin(r.Context()) {
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		ownerID = userID
	}
	leases, err := a.svc.ListLeases(r.Context(), ownerID)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": leases})
}

func (a *API) getLease(w http.ResponseWriter, r *http.Request) {
	l, err := a.svc.GetLease(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) addSigner(w http.ResponseWriter, r *http.Request) {
	var req addSignerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sg, err := a.svc.AddSigner(r.Context(), r.PathValue("id"), lease.Role(req.Role), strings.TrimSpace(req.PartyID))
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	a.audit(r.Context(), "lease.signer.add", "signer", sg.ID, map[string]string{
		"lease_id": sg.LeaseID,
		"role":     string(sg.Role),
	})
	writeJSON(w, http.StatusCreated, sg)
}

func (a *API) listSigners(w http.ResponseWriter, r *http.Request) {
	signers, err := a.svc.ListSigners(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": signers})
}

func (a *API) recordSignature(w http.ResponseWriter, r *http.Request) {
	var req recordSignatureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SignerID) == "" {
		writeError(w, r, http.StatusBadRequest, "signer_id is required")
		return
	}
	if len(req.SignatureImage) == 0 {
		writeError(w, r, http.StatusBadRequest, "signature_image is required")
		return
	}

	leaseID := r.PathValue("id")
	res, err := a.svc.RecordSignature(r.Context(), leaseID, req.SignerID, req.SignatureImage)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}

	obs.ObserveSignatureRecorded(string(res.Signer.Role))
	a.audit(r.Context(), "lease.signature.record", "signer", res.Signer.ID, map[string]string{
		"lease_id":        leaseID,
		"role":            string(res.Signer.Role),
		"new_status":      string(res.NewStatus),
		"proof_reference": res.Signer.ProofReference,
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	l, err := a.svc.Transition(r.Context(), r.PathValue("id"), lease.Status(req.Target))
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	a.audit(r.Context(), "lease.transition", "lease", l.ID, map[string]string{
		"new_status": string(l.Status),
	})
	writeJSON(w, http.StatusOK, l)
}

// reconcileScope derives the sweep scope from the caller's roles: admins sweep
// everything, owners only their own leases.
func reconcileScope(r *http.Request, leaseID string) (lease.Scope, error) {
	scope := lease.Scope{LeaseID: leaseID}
	if auth.IsAdmin(r.Context()) {
		return scope, nil
	}
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return lease.Scope{}, lease.ErrUnauthorized
	}
	scope.OwnerID = userID
	return scope, nil
}

func (a *API) reconcileAll(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a.runReconcile(w, r, strings.TrimSpace(req.LeaseID))
}

func (a *API) reconcileLease(w http.ResponseWriter, r *http.Request) {
	a.runReconcile(w, r, r.PathValue("id"))
}

func (a *API) runReconcile(w http.ResponseWriter, r *http.Request, leaseID string) {
	scope, err := reconcileScope(r, leaseID)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	report, err := a.svc.Reconcile(r.Context(), scope)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}

	obs.ObserveReconcile(report.Checked, report.Fixed)
	a.audit(r.Context(), "lease.reconcile", "lease", leaseID, map[string]string{
		"checked": strconv.Itoa(report.Checked),
		"fixed":   strconv.Itoa(report.Fixed),
	})
	writeJSON(w, http.StatusOK, report)
}

func (a *API) diagnoseLease(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.DiagnoseLease(r.Context(), r.PathValue("id"))
	if err != nil {
		// A schema problem still carries the diagnostic hint.
		if errors.Is(err, lease.ErrConstraintViolation) && d.Hint != "" {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": err.Error(),
				"hint":  d.Hint,
			})
			return
		}
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) createAmendment(w http.ResponseWriter, r *http.Request) {
	var req createAmendmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	amd, err := a.svc.CreateAmendment(r.Context(), r.PathValue("id"), lease.AmendmentType(req.Type), req.NewValues)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	a.audit(r.Context(), "lease.amendment.create", "amendment", amd.ID, map[string]string{
		"lease_id":       amd.LeaseID,
		"amendment_type": string(amd.Type),
	})
	w.Header().Set("Location", "/v1/amendments/"+amd.ID)
	writeJSON(w, http.StatusCreated, amd)
}

func (a *API) signAmendment(w http.ResponseWriter, r *http.Request) {
	var req signAmendmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.SignatureImage) == 0 {
		writeError(w, r, http.StatusBadRequest, "signature_image is required")
		return
	}
	res, err := a.svc.SignAmendment(r.Context(), r.PathValue("id"), lease.Side(req.Side), req.SignatureImage)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	if res.Applied {
		obs.ObserveAmendmentApplied()
	}
	a.audit(r.Context(), "lease.amendment.sign", "amendment", res.Amendment.ID, map[string]string{
		"lease_id": res.Amendment.LeaseID,
		"side":     req.Side,
		"status":   string(res.Amendment.Status),
		"applied":  strconv.FormatBool(res.Applied),
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) createInspection(w http.ResponseWriter, r *http.Request) {
	var req createInspectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	insp, err := a.svc.CreateInspection(r.Context(), r.PathValue("id"), lease.InspectionType(req.Type), req.ScheduledAt, req.Items)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	a.audit(r.Context(), "lease.inspection.create", "inspection", insp.ID, map[string]string{
		"lease_id": insp.LeaseID,
		"type":     string(insp.Type),
	})
	writeJSON(w, http.StatusCreated, insp)
}

func (a *API) getInspection(w http.ResponseWriter, r *http.Request) {
	insp, err := a.svc.GetInspection(r.Context(), r.PathValue("id"))
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, insp)
}

func (a *API) duplicateInspection(w http.ResponseWriter, r *http.Request) {
	var req duplicateInspectionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	targetType := lease.InspectionType(req.TargetType)
	if req.TargetType == "" {
		targetType = lease.InspectionExit
	}
	res, err := a.svc.DuplicateInspection(r.Context(), r.PathValue("id"), targetType, req.ScheduledAt)
	if err != nil {
		handleLeaseError(w, r, err)
		return
	}
	obs.ObserveInspectionDuplicated()
	a.audit(r.Context(), "lease.inspection.duplicate", "inspection", res.Inspection.ID, map[string]string{
		"lease_id":     res.Inspection.LeaseID,
		"source_id":    r.PathValue("id"),
		"items_copied": strconv.Itoa(res.ItemsCopied),
	})
	writeJSON(w, http.StatusCreated, res)
}

// --- helpers ---

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleLeaseError maps the domain taxonomy onto status codes so clients can
// tell idempotency and state violations apart from transient failures.
func handleLeaseError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lease.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, lease.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, lease.ErrAlreadySigned), errors.Is(err, lease.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, lease.ErrInvalidState):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lease.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, lease.ErrConstraintViolation):
		writeError(w, r, http.StatusInternalServerError, err.Error())
	case errors.Is(err, lease.ErrProofGeneration):
		// Retryable: the proof collaborator failed, nothing was recorded.
		writeError(w, r, http.StatusBadGateway, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
