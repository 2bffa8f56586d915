package paywall

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/CedrosPay/x402-demo/internal/errors"
	"github.com/CedrosPay/x402-demo/internal/logger"
	"github.com/CedrosPay/x402-demo/pkg/responders"
	"github.com/CedrosPay/x402-demo/pkg/x402"
)

type contextKey string

const (
	contextKeyAuthorization contextKey = "paywall.authorization"
	contextKeyResourceID    contextKey = "paywall.resourceID"
)

// ResourceResolver extracts the paywall resource identifier from the request.
type ResourceResolver func(*http.Request) (string, error)

// StaticResource resolves every request to the same resource.
func StaticResource(resourceID string) ResourceResolver {
	return func(*http.Request) (string, error) { return resourceID, nil }
}

// Middleware enforces payment before calling the downstream handler. On
// success the X-PAYMENT-RESPONSE header is set and the authorization result
// is stored in the request context.
func (s *Service) Middleware(resolver ResourceResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resourceID, err := resolver(r)
			if err != nil {
				if errors.Is(err, ErrResourceNotConfigured) {
					apierrors.WriteError(w, apierrors.ErrCodeResourceNotFound, "resource not found")
					return
				}
				apierrors.WriteError(w, apierrors.ErrCodeInvalidRequest, err.Error())
				return
			}

			result, err := s.Authorize(r.Context(), resourceID, r.Header.Get(x402.PaymentHeader))
			if err != nil {
				if errors.Is(err, ErrResourceNotConfigured) {
					apierrors.WriteError(w, apierrors.ErrCodeResourceNotFound, "resource not found")
					return
				}
				log := logger.FromContext(r.Context())
				log.Error().
					Err(err).
					Str("resource_id", resourceID).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("paywall.authorize_error")
				apierrors.WriteError(w, apierrors.ErrCodeInternalError, "internal server error")
				return
			}

			switch result.Outcome {
			case OutcomeChallenge:
				responders.PaymentRequired(w, result.Challenge)
				return
			case OutcomeMalformed:
				apierrors.WriteErrorWithDetails(w, apierrors.ErrCodeInvalidPaymentFormat, MessageInvalidFormat, result.Details)
				return
			case OutcomeVerifyFailed:
				apierrors.WriteErrorWithReason(w, apierrors.ErrCodeVerificationFailed, MessageVerificationFailed, result.Reason)
				return
			case OutcomeSettleFailed:
				apierrors.WriteErrorWithReason(w, apierrors.ErrCodeSettlementFailed, MessageSettlementFailed, result.Reason)
				return
			}

			if result.Settlement != nil {
				if encoded, err := x402.EncodeSettlementHeader(*result.Settlement); err == nil {
					w.Header().Set(x402.PaymentResponseHeader, encoded)
				}
			}

			ctx := context.WithValue(r.Context(), contextKeyAuthorization, result)
			ctx = context.WithValue(ctx, contextKeyResourceID, resourceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthorizationFromContext retrieves the authorization result for the handler.
func AuthorizationFromContext(ctx context.Context) (AuthorizationResult, bool) {
	val := ctx.Value(contextKeyAuthorization)
	if val == nil {
		return AuthorizationResult{}, false
	}
	result, ok := val.(AuthorizationResult)
	return result, ok
}

// ResourceIDFromContext retrieves the resolved resource identifier.
func ResourceIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(contextKeyResourceID)
	if id, ok := val.(string); ok {
		return id, true
	}
	return "", false
}

// ReceiptFromContext returns the payment receipt of a granted request.
func ReceiptFromContext(ctx context.Context) (*Receipt, bool) {
	result, ok := AuthorizationFromContext(ctx)
	if !ok || result.Receipt == nil {
		return nil, false
	}
	return result.Receipt, true
}
