package tenant

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// RequireID resolves the tenant id and stores it in the request context,
// rejecting requests without one. Mount it on every tenant-scoped route
// group; webhook and health endpoints stay outside it.
func RequireID(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := resolver(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid tenant identifier")
				return
			}
			if id == uuid.Nil {
				writeError(w, http.StatusUnauthorized, "tenant identification required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
