package httpserver

import (
	"crypto/subtle"
	"net/http"

	apierrors "github.com/CedrosPay/x402-demo/internal/errors"
)

// adminMetricsAuth protects /metrics with an optional bearer key. With no
// key configured the endpoint is open.
func adminMetricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		expected := []byte("Bearer " + apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				apierrors.WriteError(w, apierrors.ErrCodeUnauthorized, "Invalid or missing admin API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
