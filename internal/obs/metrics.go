package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Domain metrics for the lease signature core.
var (
	signaturesRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_signatures_recorded_total",
			Help: "Signatures recorded, labelled by signer role.",
		},
		[]string{"role"},
	)

	reconcileCheckedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_reconcile_checked_total",
		Help: "Leases inspected by reconciliation sweeps.",
	})

	reconcileFixedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_reconcile_fixed_total",
		Help: "Leases whose stored status was corrected by reconciliation.",
	})

	amendmentsAppliedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_amendments_applied_total",
		Help: "Amendments applied onto their lease.",
	})

	inspectionsDuplicatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_inspections_duplicated_total",
		Help: "Exit inspections derived from entry inspections.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		signaturesRecordedTotal, reconcileCheckedTotal, reconcileFixedTotal,
		amendmentsAppliedTotal, inspectionsDuplicatedTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveSignatureRecorded counts one recorded signature.
func ObserveSignatureRecorded(role string) {
	signaturesRecordedTotal.WithLabelValues(role).Inc()
}

// ObserveReconcile accumulates the outcome of one sweep.
func ObserveReconcile(checked, fixed int) {
	reconcileCheckedTotal.Add(float64(checked))
	reconcileFixedTotal.Add(float64(fixed))
}

// ObserveAmendmentApplied counts one applied amendment.
func ObserveAmendmentApplied() { amendmentsAppliedTotal.Inc() }

// ObserveInspectionDuplicated counts one duplicated inspection.
func ObserveInspectionDuplicated() { inspectionsDuplicatedTotal.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifier segments so metric cardinality stays
// bounded without a routing library.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

// looksLikeID matches the prefixed ULIDs used for entity identifiers.
func looksLikeID(seg string) bool {
	for _, prefix := range []string{"lse_", "sgn_", "amd_", "edl_", "itm_", "evt_"} {
		if strings.HasPrefix(seg, prefix) {
			return true
		}
	}
	return false
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE responses stream through.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
