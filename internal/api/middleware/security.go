package middleware

import "net/http"

// SecurityHeaders sets response headers suited to a JSON-only API. HSTS is
// sent only when tlsEnabled.
func SecurityHeaders(tlsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			// Nothing served here is meant to be rendered or framed.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			// Responses can carry one-time credentials.
			h.Set("Cache-Control", "no-store")
			if tlsEnabled {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
