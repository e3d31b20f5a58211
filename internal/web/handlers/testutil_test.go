package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/presence-kiosk/internal/attendance"
	"github.com/kozaktomas/presence-kiosk/internal/config"
	"github.com/kozaktomas/presence-kiosk/internal/credential"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/database/mock"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"github.com/kozaktomas/presence-kiosk/internal/metrics"
	"github.com/kozaktomas/presence-kiosk/internal/web/middleware"
	"golang.org/x/crypto/bcrypt"
)

// testClock is a settable time source shared by the services under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv bundles a kiosk handler with its mock stores
type testEnv struct {
	handler    *KioskHandler
	tokens     *credential.Service
	clock      *testClock
	identities *mock.MockIdentityStore
	locations  *mock.MockLocationStore
	embeddings *mock.MockEmbeddingStore
	presence   *mock.MockPresenceStore
	metrics    *metrics.Metrics
}

// newTestEnv creates a handler over seeded mock stores: location "loc-central"
// (login "central", password "s3cret") and identities emp-1 and emp-2.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	backend := mock.NewBackend()
	clock := &testClock{now: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	env := &testEnv{
		clock:      clock,
		identities: backend.Identities.(*mock.MockIdentityStore),
		locations:  backend.Locations.(*mock.MockLocationStore),
		embeddings: backend.Embeddings.(*mock.MockEmbeddingStore),
		presence:   backend.Presence.(*mock.MockPresenceStore),
		metrics:    metrics.New(),
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	env.locations.AddLocation(database.Location{
		ID: "loc-central", Name: "Central", Active: true,
		Login: "central", PasswordHash: string(hash),
		Geo: &database.GeoZone{Lat: 50.0, Lng: 14.0, RadiusMeters: 100},
	})
	env.locations.AddLocation(database.Location{ID: "loc-north", Name: "North", Active: true})
	env.identities.AddIdentity(database.Identity{ID: "emp-1", Name: "Alice", Role: "engineer", PhotoRef: "photos/emp-1.jpg", Active: true})
	env.identities.AddIdentity(database.Identity{ID: "emp-2", Name: "Bob", Active: true})
	env.identities.AddIdentity(database.Identity{ID: "emp-gone", Name: "Carol", Active: false})

	env.tokens, err = credential.NewService(config.CredentialConfig{Secret: "handler-secret"}, credential.WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	auth := credential.NewAuthenticator(backend.Locations, env.tokens, logging.Discard())
	att := attendance.NewService(backend, config.AttendanceConfig{Timezone: "UTC"},
		attendance.WithClock(clock.Now),
		attendance.WithLogger(logging.Discard()),
		attendance.WithMetrics(env.metrics),
	)
	env.handler = NewKioskHandler(auth, att, backend, env.metrics, logging.Discard())
	return env
}

// jsonRequest creates a request with a JSON body
func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// requestWithClaims creates a request carrying kiosk claims for a location in context
func requestWithClaims(r *http.Request, locationID string) *http.Request {
	ctx := middleware.SetClaimsInContext(r.Context(), &credential.Claims{LocationID: locationID})
	return r.WithContext(ctx)
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message and code.
// An empty expectedMessage only checks the code.
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage, expectedCode string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if expectedMessage != "" && result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
	if result["code"] != expectedCode {
		t.Errorf("expected code '%s', got '%s'", expectedCode, result["code"])
	}
}
