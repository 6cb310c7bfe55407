package httpapi

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
)

func TestRequestIDPassthroughAndGeneration(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "rid-from-client")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen != "rid-from-client" {
		t.Fatalf("context rid=%q", seen)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "rid-from-client" {
		t.Fatalf("header rid=%q", got)
	}

	// Without a client id, one is generated and echoed back.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen == "" || rec.Header().Get("X-Request-Id") != seen {
		t.Fatalf("generated rid=%q header=%q", seen, rec.Header().Get("X-Request-Id"))
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s=%q, want %q", header, got, want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 2, 1)

	var limited bool
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			if rec.Header().Get("Retry-After") == "" {
				t.Fatal("429 without Retry-After")
			}
			limited = true
		}
	}
	if !limited {
		t.Fatal("burst of 10 never hit the limiter")
	}

	// A different client ip has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh client got %d", rec.Code)
	}
}

func TestRateLimitOwnsNoGoroutine(t *testing.T) {
	noop := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		RateLimit(noop, 1, 1)
	}
	if after := runtime.NumGoroutine(); after >= before+50 {
		t.Fatalf("goroutines grew from %d to %d", before, after)
	}
}

func TestClientIPFromForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("clientIP=%q", got)
	}
}
