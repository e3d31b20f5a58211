package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kozaktomas/presence-kiosk/internal/attendance"
	"github.com/kozaktomas/presence-kiosk/internal/config"
	"github.com/kozaktomas/presence-kiosk/internal/credential"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/database/mock"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"github.com/kozaktomas/presence-kiosk/internal/metrics"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	backend := mock.NewBackend()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	backend.Locations.(*mock.MockLocationStore).AddLocation(database.Location{
		ID: "loc-central", Name: "Central", Active: true, Login: "central", PasswordHash: string(hash),
	})
	backend.Identities.(*mock.MockIdentityStore).AddIdentity(database.Identity{ID: "emp-1", Name: "Alice", Active: true})

	cfg := &config.Config{
		Web:        config.WebConfig{Host: "127.0.0.1", Port: 0, LoginRatePerMinute: 2},
		Credential: config.CredentialConfig{Secret: "server-secret"},
		Attendance: config.AttendanceConfig{Timezone: "UTC"},
	}
	tokens, err := credential.NewService(cfg.Credential)
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(cfg, Services{
		Backend:    backend,
		Tokens:     tokens,
		Attendance: attendance.NewService(backend, cfg.Attendance, attendance.WithLogger(logging.Discard())),
		Metrics:    metrics.New(),
		Logger:     logging.Discard(),
	})
	t.Cleanup(func() { s.loginLimiter.Stop() })
	return s
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kiosk/login", strings.NewReader(`{"login":"central","password":"s3cret"}`))
	rec := serve(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.AccessToken
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t)
	serve(s, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "presence_http_request_duration_seconds") {
		t.Error("expected request histogram in exposition")
	}
}

func TestServer_ProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/v1/kiosk/descriptors", "/api/v1/kiosk/attendance/today", "/api/v1/kiosk/identities/emp-1"} {
		rec := serve(s, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status %d, want 401", path, rec.Code)
		}
	}
}

func TestServer_KioskFlow(t *testing.T) {
	s := newTestServer(t)
	token := login(t, s)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/kiosk/attendance", strings.NewReader(`{"identity_id":"emp-1","direction":"in"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("attendance status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store, no-cache, must-revalidate, private" {
		t.Errorf("Cache-Control = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/kiosk/identities/emp-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = serve(s, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Alice") {
		t.Errorf("identity status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestServer_LoginRateLimit(t *testing.T) {
	s := newTestServer(t)

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/kiosk/login", strings.NewReader(`{"login":"central","password":"wrong"}`))
		req.RemoteAddr = "198.51.100.4:4000"
		codes = append(codes, serve(s, req).Code)
	}

	want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("attempt %d status = %d, want %d", i+1, codes[i], want[i])
		}
	}
}
