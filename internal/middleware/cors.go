// Package middleware holds small http.Handler wrappers shared by
// internal/httpapi, grounded on the teacher's pkg/middleware (AliasHandler
// survived retrieval; CorsMiddleware did not, but its call site in
// pkg/inference/scheduling/http_handler.go — RebuildRoutes(allowedOrigins)
// — fixes its signature and behavior).
package middleware

import (
	"net/http"
	"strings"
)

// CorsMiddleware wraps next, answering preflight requests and setting
// Access-Control-Allow-Origin for any request whose Origin header is in
// allowedOrigins. An empty allowedOrigins disables CORS handling: the
// wrapped handler is returned unmodified.
func CorsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		return next
	}

	allowed := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
				"Content-Type", "Authorization", "X-Request-Origin",
			}, ", "))
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
