package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"

	"github.com/kozaktomas/presence-kiosk/internal/apperr"
	"github.com/kozaktomas/presence-kiosk/internal/database"
	"github.com/kozaktomas/presence-kiosk/internal/logging"
	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns the bcrypt hash stored for a location login.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(b), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// unknownLoginHash is compared against when the login does not exist so
// both failure paths pay for one bcrypt comparison.
var unknownLoginHash = sync.OnceValue(func() []byte {
	b, _ := bcrypt.GenerateFromPassword([]byte("presence-kiosk"), bcrypt.DefaultCost)
	return b
})

// IPAllowed reports whether ip matches one of the allow-list entries.
// Entries are single addresses or CIDR prefixes; an empty list allows all.
func IPAllowed(allowed []string, ip string) bool {
	if len(allowed) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// ValidIPEntry reports whether entry is a usable allow-list entry.
func ValidIPEntry(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

// LoginRequest holds kiosk login credentials.
type LoginRequest struct {
	Login    string
	Password string
	ClientIP string // transport address of the caller
}

// LoginResult is a token plus the location it is bound to.
type LoginResult struct {
	Issued
	LocationID   string
	LocationName string
}

// Authenticator exchanges location credentials for kiosk tokens.
type Authenticator struct {
	locations database.LocationReader
	tokens    *Service
	logger    *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(locations database.LocationReader, tokens *Service, logger *slog.Logger) *Authenticator {
	return &Authenticator{locations: locations, tokens: tokens, logger: logging.OrDefault(logger)}
}

// Login verifies the location login and password and issues a token.
// Unknown logins and wrong passwords are indistinguishable to the caller.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	login := CanonicalLogin(req.Login)
	if login == "" || req.Password == "" {
		return nil, apperr.Validation("login and password are required")
	}

	loc, err := a.locations.GetLocationByLogin(ctx, login)
	if errors.Is(err, database.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(unknownLoginHash(), []byte(req.Password))
		return nil, apperr.Auth("invalid login or password", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("loading location by login: %w", err)
	}

	if !CheckPassword(loc.PasswordHash, req.Password) {
		a.logger.Warn("kiosk login rejected", "login", login, "reason", "password")
		return nil, apperr.Auth("invalid login or password", nil)
	}
	if !loc.Active {
		return nil, apperr.Forbidden(apperr.CodeLocationInactive, "location is inactive")
	}
	if !IPAllowed(loc.AllowedIPs, req.ClientIP) {
		a.logger.Warn("kiosk login rejected", "login", login, "reason", "ip", "client_ip", req.ClientIP)
		return nil, apperr.Forbidden(apperr.CodeIPNotAllowed, "client address is not allowed for this location")
	}

	issued, err := a.tokens.Issue(loc.ID, 0)
	if err != nil {
		return nil, err
	}

	a.logger.Info("kiosk logged in", "location_id", loc.ID, "client_ip", req.ClientIP)
	return &LoginResult{Issued: *issued, LocationID: loc.ID, LocationName: loc.Name}, nil
}
