package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/cart-service/internal/auth"
	"github.com/example/cart-service/internal/domain/cart"
)

// SessionCookie carries the guest session ID across requests until the
// shopper authenticates.
const SessionCookie = "cart_session"

// respondError writes a JSON error response
func respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// ExtractToken extracts JWT token from cookie or Authorization header
func ExtractToken(r *http.Request) string {
	// Try cookie first (for browser)
	if cookie, err := r.Cookie("access_token"); err == nil {
		return cookie.Value
	}
	// Fall back to Authorization header (for API clients)
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

type contextKey string

const (
	UserContextKey    contextKey = "user"
	OwnerContextKey   contextKey = "owner"
	SessionContextKey contextKey = "session"
)

// ResolveOwner maps every request to exactly one cart owner. A valid
// bearer token wins and yields the user's key; otherwise the guest
// session cookie is used, minted on first contact. A present but invalid
// token is rejected rather than silently downgraded to a guest.
func ResolveOwner(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if tokenString := ExtractToken(r); tokenString != "" {
				claims, err := jwtService.Validate(tokenString)
				if err != nil {
					respondError(w, "invalid token", http.StatusUnauthorized)
					return
				}
				ctx = context.WithValue(ctx, UserContextKey, claims)
				ctx = context.WithValue(ctx, OwnerContextKey, cart.UserKey(claims.UserID))
			}

			sessionID := sessionFromCookie(r)
			if sessionID == "" && ctx.Value(OwnerContextKey) == nil {
				sessionID = uuid.New().String()
				http.SetCookie(w, &http.Cookie{
					Name:     SessionCookie,
					Value:    sessionID,
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
					Expires:  time.Now().Add(7 * 24 * time.Hour),
				})
			}
			if sessionID != "" {
				ctx = context.WithValue(ctx, SessionContextKey, sessionID)
				if ctx.Value(OwnerContextKey) == nil {
					ctx = context.WithValue(ctx, OwnerContextKey, cart.SessionKey(sessionID))
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects requests that did not authenticate. Used for the
// merge and convert endpoints, which only make sense for a known user.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetUserFromContext(r.Context()); !ok {
			respondError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// GetUserFromContext retrieves user claims from the request context
func GetUserFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*auth.Claims)
	return claims, ok
}

// GetOwner retrieves the resolved cart owner from the request context.
func GetOwner(ctx context.Context) (cart.OwnerKey, bool) {
	owner, ok := ctx.Value(OwnerContextKey).(cart.OwnerKey)
	return owner, ok
}

// GetSessionID retrieves the guest session ID, if one accompanied the
// request.
func GetSessionID(ctx context.Context) string {
	sessionID, _ := ctx.Value(SessionContextKey).(string)
	return sessionID
}
