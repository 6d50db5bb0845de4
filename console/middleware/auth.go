package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ViewTokenMiddleware requires "Authorization: Bearer <token>" on every
// request. Browsers cannot set headers on a WebSocket upgrade, so the
// stream may pass the token as ?token= instead. An empty token disables
// the check.
func ViewTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.URL.Query().Get("token")
			if h := r.Header.Get("Authorization"); h != "" {
				parts := strings.SplitN(h, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
					return
				}
				presented = parts[1]
			}

			if presented == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				http.Error(w, "Unauthorized: invalid view token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
