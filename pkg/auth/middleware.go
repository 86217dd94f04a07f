package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const adminContextKey contextKey = "admin"

// AdminFromContext retrieves the authenticated admin from the context.
func AdminFromContext(ctx context.Context) *Admin {
	admin, ok := ctx.Value(adminContextKey).(*Admin)
	if !ok {
		return nil
	}

	return admin
}

// ContextWithAdmin adds an admin to the context.
func ContextWithAdmin(ctx context.Context, admin *Admin) context.Context {
	return context.WithValue(ctx, adminContextKey, admin)
}

// Middleware rejects requests without a valid admin token. It lets every
// request through when the service has no admins.
func Middleware(svc Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !svc.Enabled() {
				next.ServeHTTP(w, r)

				return
			}

			admin, err := svc.Authenticate(extractToken(r))
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithAdmin(r.Context(), admin)))
		})
	}
}

// extractToken extracts the bearer token from the request.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")

	// Support both "Bearer <token>" and "<token>" formats.
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return token
	}

	return authHeader
}
