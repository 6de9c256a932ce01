package handlers

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	// ActorContextKey holds the name recorded on manual corrections.
	ActorContextKey ContextKey = "actor"

	adminTokenHeader = "X-Admin-Token"
	actorHeader      = "X-Actor"
	defaultActor     = "admin"
)

// AdminAuth guards admin routes with a shared token checked against a bcrypt hash.
type AdminAuth struct {
	hash []byte
}

// NewAdminAuth creates the middleware. An empty hash disables every admin route.
func NewAdminAuth(hash string) *AdminAuth {
	return &AdminAuth{hash: []byte(strings.TrimSpace(hash))}
}

// HashAdminToken returns the bcrypt hash to put in ADMIN_TOKEN_HASH.
func HashAdminToken(token string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Require verifies the X-Admin-Token header and stores the caller's actor
// name (X-Actor, default "admin") in the request context.
func (a *AdminAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.hash) == 0 {
			WriteAPIError(w, http.StatusForbidden, "admin_disabled", "admin routes are disabled, set ADMIN_TOKEN_HASH")
			return
		}
		token := r.Header.Get(adminTokenHeader)
		if token == "" {
			WriteAPIError(w, http.StatusUnauthorized, "unauthorized", adminTokenHeader+" header required")
			return
		}
		if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
			WriteAPIError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}

		actor := strings.TrimSpace(r.Header.Get(actorHeader))
		if actor == "" {
			actor = defaultActor
		}
		ctx := context.WithValue(r.Context(), ActorContextKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) string {
	if actor, ok := r.Context().Value(ActorContextKey).(string); ok && actor != "" {
		return actor
	}
	return defaultActor
}
