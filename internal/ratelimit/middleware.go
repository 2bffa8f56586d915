// Package ratelimit throttles requests globally, per payer and per IP.
package ratelimit

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/CedrosPay/x402-demo/internal/config"
	apierrors "github.com/CedrosPay/x402-demo/internal/errors"
	"github.com/CedrosPay/x402-demo/internal/logger"
	"github.com/CedrosPay/x402-demo/internal/metrics"
	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// Config holds rate limiting configuration.
type Config struct {
	GlobalEnabled bool
	GlobalLimit   int // requests per window
	GlobalWindow  time.Duration

	// Per-payer limits key on the `from` address of the X-PAYMENT authorization.
	PerPayerEnabled bool
	PerPayerLimit   int
	PerPayerWindow  time.Duration

	// Per-IP limits apply to every request, paid or not.
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics // optional
}

// DefaultConfig returns generous limits that stop obvious spam without
// getting in the way of a demo.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  time.Minute,

		PerPayerEnabled: true,
		PerPayerLimit:   60,
		PerPayerWindow:  time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  time.Minute,
	}
}

// ConfigFrom maps the rate_limit section of the app config.
func ConfigFrom(cfg config.RateLimitConfig, m *metrics.Metrics) Config {
	return Config{
		GlobalEnabled:   cfg.GlobalEnabled,
		GlobalLimit:     cfg.GlobalLimit,
		GlobalWindow:    cfg.GlobalWindow.Duration,
		PerPayerEnabled: cfg.PerPayerEnabled,
		PerPayerLimit:   cfg.PerPayerLimit,
		PerPayerWindow:  cfg.PerPayerWindow.Duration,
		PerIPEnabled:    cfg.PerIPEnabled,
		PerIPLimit:      cfg.PerIPLimit,
		PerIPWindow:     cfg.PerIPWindow.Duration,
		Metrics:         m,
	}
}

// createRateLimitHandler builds the 429 handler shared by all limiters.
func createRateLimitHandler(
	limitType string,
	window time.Duration,
	extractIdentifier func(*http.Request) string,
	metricsCollector *metrics.Metrics,
) func(http.ResponseWriter, *http.Request) {
	windowSeconds := int(window.Seconds())
	if windowSeconds < 1 {
		windowSeconds = 1
	}

	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}

		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType, identifier)
		}

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_payer":
			message = fmt.Sprintf("Rate limit exceeded for payer %s. Please try again later.", identifier)
		case "per_ip":
			message = "IP rate limit exceeded. Please try again later."
		default:
			message = "Rate limit exceeded. Please try again later."
		}

		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		apierrors.NewErrorResponse(apierrors.ErrCodeRateLimited, message).
			WithDetails(fmt.Sprintf("retry after %ds", windowSeconds)).
			WriteJSON(w)
	}
}

func passthrough(next http.Handler) http.Handler {
	return next
}

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled || cfg.GlobalLimit <= 0 {
		return passthrough
	}

	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(createRateLimitHandler("global", cfg.GlobalWindow, nil, cfg.Metrics)),
	)
}

// PayerLimiter limits paid requests per payer. Requests without a decodable
// X-PAYMENT header skip it and are governed by the IP limiter alone.
//
// The key is the authorization `from` before any signature check, so a
// client can rotate it freely. This limiter spreads load between honest
// payers; the IP limiter is the abuse bound.
func PayerLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerPayerEnabled || cfg.PerPayerLimit <= 0 {
		return passthrough
	}

	limit := httprate.Limit(
		cfg.PerPayerLimit,
		cfg.PerPayerWindow,
		httprate.WithKeyFuncs(payerKeyExtractor),
		httprate.WithLimitHandler(createRateLimitHandler(
			"per_payer",
			cfg.PerPayerWindow,
			func(r *http.Request) string { return logger.TruncateAddress(extractPayerFromRequest(r)) },
			cfg.Metrics,
		)),
	)
	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if extractPayerFromRequest(r) == "" {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// IPLimiter creates a per-IP rate limiter middleware.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled || cfg.PerIPLimit <= 0 {
		return passthrough
	}

	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(createRateLimitHandler("per_ip", cfg.PerIPWindow, nil, cfg.Metrics)),
	)
}

// payerKeyExtractor is a httprate.KeyFunc keyed on the paying address.
func payerKeyExtractor(r *http.Request) (string, error) {
	return "payer:" + extractPayerFromRequest(r), nil
}

// extractPayerFromRequest returns the lowercased authorization `from`
// address, or "" when the request carries no usable payment.
func extractPayerFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get(x402.PaymentHeader))
	if header == "" {
		return ""
	}
	payload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		return ""
	}
	return strings.ToLower(payload.Payload.From)
}
