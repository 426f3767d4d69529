package auth

import (
	"context"
	"net/http"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

type contextKey int

const userKey contextKey = iota

// UserLoader resolves a user id to the full record; *store.DB
// satisfies it.
type UserLoader interface {
	GetUser(ctx context.Context, id int64) (*core.User, error)
}

// UserFrom returns the authenticated user attached by Middleware.
func UserFrom(ctx context.Context) (*core.User, bool) {
	u, ok := ctx.Value(userKey).(*core.User)
	return u, ok
}

// WithUser attaches a user to the context; exported for tests and the
// realtime handshake.
func WithUser(ctx context.Context, u *core.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// Middleware resolves the session once per request and attaches the
// full user record for downstream role checks. Unauthenticated requests
// are rejected before any handler runs.
func Middleware(sessions *Sessions, users UserLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := sessions.Resolve(r)
			if err != nil {
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}
			user, err := users.GetUser(r.Context(), userID)
			if err != nil {
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireRoles wraps a handler with a role gate; the check runs before
// the operation.
func RequireRoles(roles ...core.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFrom(r.Context())
			if !ok {
				http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
				return
			}
			if !HasRole(user, roles...) {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
