package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/presence-kiosk/internal/config"
	"github.com/kozaktomas/presence-kiosk/internal/constants"
	"github.com/kozaktomas/presence-kiosk/internal/credential"
	"github.com/kozaktomas/presence-kiosk/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTokens(t *testing.T) *credential.Service {
	t.Helper()
	svc, err := credential.NewService(config.CredentialConfig{Secret: "middleware-secret"})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestRequireKiosk(t *testing.T) {
	tokens := newTokens(t)
	issued, err := tokens.Issue("loc-central", 0)
	if err != nil {
		t.Fatal(err)
	}

	var seen *credential.Claims
	handler := RequireKiosk(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer " + issued.Token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + issued.Token, http.StatusUnauthorized},
		{"garbage token", "Bearer abc.def.ghi", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/kiosk/descriptors", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus == http.StatusOK {
				if seen == nil || seen.LocationID != "loc-central" {
					t.Errorf("expected claims for loc-central, got %+v", seen)
				}
				return
			}

			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid error body: %v", err)
			}
			if body["code"] != "UNAUTHORIZED" || body["error"] == "" {
				t.Errorf("unexpected error body %v", body)
			}
			if seen != nil {
				t.Error("handler must not run without a valid token")
			}
		})
	}
}

func TestGetClaimsFromContext_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if GetClaimsFromContext(req.Context()) != nil {
		t.Error("expected nil claims")
	}
	ctx := SetClaimsInContext(req.Context(), &credential.Claims{LocationID: "x"})
	if c := GetClaimsFromContext(ctx); c == nil || c.LocationID != "x" {
		t.Errorf("expected claims from context, got %+v", c)
	}
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://kiosk.example.com"})(http.HandlerFunc(okHandler))

	tests := []struct {
		origin string
		want   string
	}{
		{"https://kiosk.example.com", "https://kiosk.example.com"},
		{"http://localhost:5173", "http://localhost:5173"},
		{"https://evil.example.com", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %q: Allow-Origin = %q, want %q", tt.origin, got, tt.want)
		}
	}

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}

func TestNoCache(t *testing.T) {
	rec := httptest.NewRecorder()
	NoCache()(http.HandlerFunc(okHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := map[string]string{
		"Cache-Control": "no-store, no-cache, must-revalidate, private",
		"Pragma":        "no-cache",
		"Expires":       "0",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(3)
	defer l.Stop()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := range 3 {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("fourth attempt within a minute should be rejected")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("other addresses have their own budget")
	}

	now = now.Add(20 * time.Second)
	if !l.Allow("10.0.0.1") {
		t.Error("a token should be refilled after 20s")
	}

	now = now.Add(constants.LoginLimiterIdle + time.Second)
	l.sweep()
	l.mu.Lock()
	remaining := len(l.visitors)
	l.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected idle visitors to be swept, %d left", remaining)
	}
}

func TestRateLimit(t *testing.T) {
	l := NewIPRateLimiter(1)
	defer l.Stop()
	handler := RateLimit(l)(http.HandlerFunc(okHandler))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/kiosk/login", nil)
		req.RemoteAddr = "192.0.2.10:54321"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestClientIP(t *testing.T) {
	tests := map[string]string{
		"192.0.2.1:1234": "192.0.2.1",
		"[::1]:8080":     "::1",
		"203.0.113.5":    "203.0.113.5",
	}
	for addr, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		if got := ClientIP(req); got != want {
			t.Errorf("ClientIP(%q) = %q, want %q", addr, got, want)
		}
	}
}

func TestInstrument(t *testing.T) {
	m := metrics.New()
	r := chi.NewRouter()
	r.Use(Instrument(m))
	r.Get("/kiosk/identities/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/kiosk/identities/emp-1", nil))

	count, err := testutil.GatherAndCount(m.Registry(), "presence_http_request_duration_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected one request series, got %d", count)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() != "presence_http_request_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["route"] == "/kiosk/identities/{id}" && labels["code"] == "404" {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected series labelled with the route pattern and status")
	}
}
