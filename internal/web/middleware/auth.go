package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kozaktomas/presence-kiosk/internal/apperr"
	"github.com/kozaktomas/presence-kiosk/internal/credential"
)

type contextKey string

const claimsContextKey contextKey = "kiosk-claims"

// writeError writes the {"error", "code"} body used by every API error.
func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

// RequireKiosk is middleware that requires a valid kiosk bearer token
func RequireKiosk(tokens *credential.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := tokens.RequireBearer(r.Header.Get("Authorization"))
			if err != nil {
				message := "unauthorized"
				var e *apperr.Error
				if errors.As(err, &e) {
					message = e.Message
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="kiosk"`)
				writeError(w, http.StatusUnauthorized, message, apperr.CodeUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaimsFromContext retrieves the verified kiosk claims from the request context
func GetClaimsFromContext(ctx context.Context) *credential.Claims {
	claims, ok := ctx.Value(claimsContextKey).(*credential.Claims)
	if !ok {
		return nil
	}
	return claims
}

// SetClaimsInContext adds kiosk claims to the context.
// This is primarily for testing - use RequireKiosk middleware in production.
func SetClaimsInContext(ctx context.Context, claims *credential.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}
