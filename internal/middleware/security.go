package middleware

import (
	"net/http"
)

// SecurityHeaders adds security-related HTTP headers to API responses. The
// server only speaks JSON and websockets, so the CSP forbids everything else.
func SecurityHeaders() func(http.Handler) http.Handler {
	const csp = "default-src 'none'; connect-src 'self' wss: ws:; frame-ancestors 'none'"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Content-Security-Policy", csp)
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			w.Header().Set("Cache-Control", "no-store")

			next.ServeHTTP(w, r)
		})
	}
}
