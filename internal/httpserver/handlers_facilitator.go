package httpserver

import (
	"context"
	"net/http"
	"strings"

	apierrors "github.com/CedrosPay/x402-demo/internal/errors"
	"github.com/CedrosPay/x402-demo/internal/logger"
	"github.com/CedrosPay/x402-demo/pkg/responders"
	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// decodeFacilitatorRequest reads a {paymentHeader, paymentRequirements} body.
// It writes the 400 itself and returns false when the body is unusable.
func decodeFacilitatorRequest(w http.ResponseWriter, r *http.Request) (x402.VerifyRequest, bool) {
	var req x402.VerifyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteErrorWithDetails(w, apierrors.ErrCodeInvalidRequest, "invalid request body", err.Error())
		return req, false
	}
	if strings.TrimSpace(req.PaymentHeader) == "" {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidRequest, "paymentHeader is required")
		return req, false
	}
	return req, true
}

// facilitatorVerify passes a verify call through to the configured facilitator.
func (h *handlers) facilitatorVerify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFacilitatorRequest(w, r)
	if !ok {
		return
	}

	result := h.paywall.Facilitator().Verify(r.Context(), req.PaymentHeader, req.PaymentRequirements)
	if !result.IsValid {
		log := logger.FromContext(r.Context())
		log.Info().
			Str("reason", result.Reason()).
			Str("network", req.PaymentRequirements.Network).
			Msg("facilitator_proxy.verify_rejected")
	}
	responders.JSON(w, http.StatusOK, result)
}

// facilitatorSettle passes a settle call through to the configured facilitator.
func (h *handlers) facilitatorSettle(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFacilitatorRequest(w, r)
	if !ok {
		return
	}

	// A settlement in flight keeps running if the caller goes away.
	result := h.paywall.Facilitator().Settle(context.WithoutCancel(r.Context()), req.PaymentHeader, req.PaymentRequirements)
	log := logger.FromContext(r.Context())
	if result.Success {
		log.Info().
			Str("tx_hash", result.TxHash).
			Str("payer", logger.TruncateAddress(result.Payer)).
			Msg("facilitator_proxy.settled")
	} else {
		log.Info().Str("error", result.Error).Msg("facilitator_proxy.settle_failed")
	}
	responders.JSON(w, http.StatusOK, result)
}

func (h *handlers) facilitatorSupported(w http.ResponseWriter, r *http.Request) {
	kinds, err := h.paywall.Facilitator().Supported(r.Context())
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg("facilitator_proxy.supported_failed")
		apierrors.WriteErrorWithDetails(w, apierrors.ErrCodeFacilitatorUnavailable, "facilitator unavailable", err.Error())
		return
	}
	if kinds == nil {
		kinds = []x402.SupportedKind{}
	}
	responders.JSON(w, http.StatusOK, x402.SupportedResponse{Kinds: kinds})
}
