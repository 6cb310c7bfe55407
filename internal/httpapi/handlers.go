package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"gestloc.io/internal/audit"
	"gestloc.io/internal/lease"
	"gestloc.io/internal/obs"
	"gestloc.io/internal/outbox"
)

// ReadyProbe reports backend readiness (DB ping when a pool is configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the lease service.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        lease.Service
	events     *outbox.Log

	rateBurst  int
	ratePerSec int
}

// New wires the routes. events may be nil when no outbox is exposed.
func New(rp ReadyProbe, version string, svc lease.Service, events *outbox.Log) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		events:     events,
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/leases", a.createLease)
	a.mux.HandleFunc("GET /v1/leases", a.listLeases)
	a.mux.HandleFunc("GET /v1/leases/{id}", a.getLease)
	a.mux.HandleFunc("POST /v1/leases/{id}/signers", a.addSigner)
	a.mux.HandleFunc("GET /v1/leases/{id}/signers", a.listSigners)
	a.mux.HandleFunc("POST /v1/leases/{id}/signatures", a.recordSignature)
	a.mux.HandleFunc("POST /v1/leases/{id}/transition", a.transition)
	a.mux.HandleFunc("POST /v1/leases/{id}/reconcile", a.reconcileLease)
	a.mux.HandleFunc("GET /v1/leases/{id}/diagnose", a.diagnoseLease)
	a.mux.HandleFunc("POST /v1/reconcile", a.reconcileAll)
	a.mux.HandleFunc("POST /v1/leases/{id}/amendments", a.createAmendment)
	a.mux.HandleFunc("POST /v1/amendments/{id}/sign", a.signAmendment)
	a.mux.HandleFunc("POST /v1/leases/{id}/inspections", a.createInspection)
	a.mux.HandleFunc("GET /v1/inspections/{id}", a.getInspection)
	a.mux.HandleFunc("POST /v1/inspections/{id}/duplicate", a.duplicateInspection)
	a.mux.HandleFunc("GET /v1/events", a.listEvents)
	a.mux.HandleFunc("GET /v1/events/stream", a.streamEvents)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "gestloc-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "gestloc-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, r, http.StatusNotFound, "event log not enabled")
		return
	}
	events := a.events.Events()
	if len(events) > 200 {
		events = events[len(events)-200:]
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

// streamEvents pushes outbox events to the client as Server-Sent Events. The
// log's fan-out drops events for a subscriber that cannot keep up, so a stalled
// client never blocks the emitting operation.
func (a *API) streamEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, r, http.StatusNotFound, "event log not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.events.Subscribe(ctx)

	// Initial comment establishes the stream before any event arrives.
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for evt := range ch {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

// audit appends a best-effort audit record; failures are logged, never fatal.
func (a *API) audit(ctx context.Context, event, resourceType, resourceID string, meta map[string]string) {
	fields := map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
	}
	for k, v := range meta {
		fields[k] = v
	}
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.LogRequest(map[string]any{"level": "error", "msg": "audit log failed", "error": err.Error()})
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
