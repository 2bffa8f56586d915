package httpserver

import (
	"net/http"

	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// securityHeadersMiddleware adds baseline security headers to every response.
// Paid requests are additionally marked no-store so neither a challenge nor a
// receipt is served from a shared cache.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		if r.Header.Get(x402.PaymentHeader) != "" {
			h.Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}
