package middleware

import (
	"context"
	"net/http"
)

const ownerIDKey contextKey = "owner_id"

// Identity extracts the authenticated user id injected by the upstream auth
// layer. Session validation happens before requests reach this service; this
// middleware only carries the already-trusted identity into the context.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.Header.Get("X-User-ID")
		ctx := context.WithValue(r.Context(), ownerIDKey, ownerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OwnerIDFromContext returns the authenticated user id, or "" when the
// request carried none.
func OwnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ownerIDKey).(string); ok {
		return v
	}
	return ""
}
