package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/itskum47/convoy/server/auth"
)

// ContextKey is a strict type for context keys to prevent collisions.
type ContextKey string

const (
	// UserKey is the context key holding the authenticated user id.
	UserKey ContextKey = "user_id"
)

// AuthMiddleware enforces bearer authentication on requests and injects the
// resolved user id into the request context. Fails fast on missing or
// malformed headers.
func AuthMiddleware(verifier auth.TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		id, err := verifier.Verify(token)
		if err != nil {
			http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, id.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid Authorization format, expected 'Bearer <token>'")
	}
	return parts[1], nil
}

// GetUserFromContext safely retrieves the user id from the context.
func GetUserFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(UserKey)
	if val == nil {
		return "", fmt.Errorf("user_id not found in context")
	}
	userID, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("user_id in context is not a string")
	}
	return userID, nil
}
