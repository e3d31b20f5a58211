package credential

import (
	"context"
	"errors"
	"testing"

	"github.com/kozaktomas/presence-kiosk/internal/apperr"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/database/mock"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func minCostHash(t *testing.T, password string) string {
	t.Helper()
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(b)
}

func newTestAuthenticator(t *testing.T) (*Authenticator, *mock.MockLocationStore) {
	t.Helper()
	locations := mock.NewMockLocationStore()
	locations.AddLocation(database.Location{
		ID: "loc-central", Name: "Central", Active: true,
		Login: "central", PasswordHash: minCostHash(t, "s3cret"),
	})
	locations.AddLocation(database.Location{
		ID: "loc-closed", Name: "Closed", Active: false,
		Login: "closed", PasswordHash: minCostHash(t, "s3cret"),
	})
	locations.AddLocation(database.Location{
		ID: "loc-office", Name: "Office", Active: true,
		Login: "office", PasswordHash: minCostHash(t, "s3cret"),
		AllowedIPs: []string{"10.0.0.0/24", "192.168.1.7"},
	})
	return NewAuthenticator(locations, newTestService(t, testConfig(), baseTime), logging.Discard()), locations
}

func TestAuthenticator_Login(t *testing.T) {
	auth, _ := newTestAuthenticator(t)

	res, err := auth.Login(context.Background(), LoginRequest{Login: " CENTRAL ", Password: "s3cret", ClientIP: "203.0.113.9"})
	require.NoError(t, err)
	assert.Equal(t, "loc-central", res.LocationID)
	assert.Equal(t, "Central", res.LocationName)
	assert.Equal(t, int64(43200), res.ExpiresInSeconds)

	claims, err := auth.tokens.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "loc-central", claims.LocationID)
}

func TestAuthenticator_LoginFailures(t *testing.T) {
	tests := []struct {
		name     string
		req      LoginRequest
		wantKind apperr.Kind
		wantCode string
	}{
		{"empty login", LoginRequest{Password: "s3cret"}, apperr.KindValidation, apperr.CodeInvalidRequest},
		{"empty password", LoginRequest{Login: "central"}, apperr.KindValidation, apperr.CodeInvalidRequest},
		{"unknown login", LoginRequest{Login: "nobody", Password: "s3cret"}, apperr.KindAuth, apperr.CodeUnauthorized},
		{"wrong password", LoginRequest{Login: "central", Password: "guess"}, apperr.KindAuth, apperr.CodeUnauthorized},
		{"inactive location", LoginRequest{Login: "closed", Password: "s3cret"}, apperr.KindForbidden, apperr.CodeLocationInactive},
		{"ip not allowed", LoginRequest{Login: "office", Password: "s3cret", ClientIP: "10.0.1.1"}, apperr.KindForbidden, apperr.CodeIPNotAllowed},
		{"missing ip with allow-list", LoginRequest{Login: "office", Password: "s3cret"}, apperr.KindForbidden, apperr.CodeIPNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth, _ := newTestAuthenticator(t)
			_, err := auth.Login(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			assert.Equal(t, tt.wantCode, apperr.CodeOf(err))
		})
	}
}

func TestAuthenticator_LoginAllowedIP(t *testing.T) {
	auth, _ := newTestAuthenticator(t)

	for _, ip := range []string{"10.0.0.42", "192.168.1.7", "::ffff:10.0.0.1"} {
		_, err := auth.Login(context.Background(), LoginRequest{Login: "office", Password: "s3cret", ClientIP: ip})
		assert.NoError(t, err, ip)
	}
}

func TestAuthenticator_StoreFailure(t *testing.T) {
	auth, locations := newTestAuthenticator(t)
	boom := errors.New("db down")
	locations.GetError = boom

	_, err := auth.Login(context.Background(), LoginRequest{Login: "central", Password: "s3cret"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 500, apperr.HTTPStatus(err))
}

func TestIPAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		ip      string
		want    bool
	}{
		{"empty list allows all", nil, "198.51.100.1", true},
		{"exact match", []string{"198.51.100.1"}, "198.51.100.1", true},
		{"exact mismatch", []string{"198.51.100.1"}, "198.51.100.2", false},
		{"cidr match", []string{"10.0.0.0/8"}, "10.20.30.40", true},
		{"cidr mismatch", []string{"10.0.0.0/8"}, "11.0.0.1", false},
		{"ipv6 prefix", []string{"2001:db8::/32"}, "2001:db8::1", true},
		{"mapped ipv4", []string{"10.0.0.1"}, "::ffff:10.0.0.1", true},
		{"invalid entry skipped", []string{"not-an-ip", "10.0.0.1"}, "10.0.0.1", true},
		{"invalid client ip", []string{"10.0.0.1"}, "garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IPAllowed(tt.allowed, tt.ip))
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "s3cret"))
	assert.False(t, CheckPassword(hash, "other"))
	assert.False(t, CheckPassword("not-a-hash", "s3cret"))
}

func TestValidIPEntry(t *testing.T) {
	for _, entry := range []string{"10.0.0.1", " 10.0.0.0/8 ", "2001:db8::/32", "::1"} {
		assert.True(t, ValidIPEntry(entry), entry)
	}
	for _, entry := range []string{"", "office", "10.0.0.0/33", "10.0.0.300"} {
		assert.False(t, ValidIPEntry(entry), entry)
	}
}
