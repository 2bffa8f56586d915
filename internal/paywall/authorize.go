package paywall

import (
	"context"
	"strings"
	"time"

	"github.com/CedrosPay/x402-demo/internal/config"
	"github.com/CedrosPay/x402-demo/internal/logger"
	"github.com/CedrosPay/x402-demo/internal/nonces"
	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// Authorize runs one request to a priced resource through the payment state
// machine. Payment failures are reported through the result; the error is
// reserved for unknown resources and infrastructure failures.
func (s *Service) Authorize(ctx context.Context, resourceID, paymentHeader string) (AuthorizationResult, error) {
	resource, err := s.ResourceDefinition(resourceID)
	if err != nil {
		return AuthorizationResult{}, err
	}

	paymentHeader = strings.TrimSpace(paymentHeader)
	if paymentHeader == "" {
		challenge, err := s.challenge(ctx, resourceID, resource)
		if err != nil {
			return AuthorizationResult{}, err
		}
		return AuthorizationResult{Outcome: OutcomeChallenge, ResourceID: resourceID, Challenge: &challenge}, nil
	}

	return s.redeem(ctx, resourceID, resource, paymentHeader)
}

func (s *Service) redeem(ctx context.Context, resourceID string, resource config.PaywallResource, header string) (AuthorizationResult, error) {
	log := logger.FromContext(ctx)
	start := s.now()

	payload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		log.Info().
			Err(err).
			Str("resource_id", resourceID).
			Msg("paywall.payment_malformed")
		return s.fail(resourceID, start, AuthorizationResult{
			Outcome: OutcomeMalformed,
			Reason:  x402.ReasonInvalidPayload,
			Details: err.Error(),
		}), nil
	}
	auth := payload.Payload
	payer := auth.From

	// The payment must answer a challenge this server issued.
	record, state, err := s.registry.Lookup(ctx, auth.Nonce)
	if err != nil {
		return AuthorizationResult{}, err
	}
	switch state {
	case nonces.Unknown:
		return s.fail(resourceID, start, AuthorizationResult{Outcome: OutcomeVerifyFailed, Reason: state.Reason(), Payer: payer}), nil
	case nonces.AlreadyUsed, nonces.Expired:
		return s.fail(resourceID, start, AuthorizationResult{Outcome: OutcomeSettleFailed, Reason: state.Reason(), Payer: payer}), nil
	}

	issued := record.Requirement
	if reason := crossCheck(s.ResourcePath(resource), record.Resource, issued, payload); reason != "" {
		log.Warn().
			Str("resource_id", resourceID).
			Str("reason", reason).
			Str("payer", logger.TruncateAddress(payer)).
			Msg("paywall.requirement_mismatch")
		return s.fail(resourceID, start, AuthorizationResult{Outcome: OutcomeVerifyFailed, Reason: reason, Payer: payer}), nil
	}

	verdict := s.facilitator.Verify(ctx, header, issued)
	if !verdict.IsValid {
		log.Info().
			Str("resource_id", resourceID).
			Str("reason", verdict.Reason()).
			Str("payer", logger.TruncateAddress(payer)).
			Msg("paywall.verification_failed")
		return s.fail(resourceID, start, AuthorizationResult{Outcome: OutcomeVerifyFailed, Reason: verdict.Reason(), Payer: payer}), nil
	}
	if verdict.Payer != "" {
		payer = verdict.Payer
	}

	// From here the payment is committed. A client that disconnects or a
	// request deadline must not abandon a consumed nonce mid-settlement.
	ctx = context.WithoutCancel(ctx)

	consumed, err := s.registry.Consume(ctx, auth.Nonce)
	if err != nil {
		return AuthorizationResult{}, err
	}
	if consumed != nonces.Accepted {
		log.Warn().
			Str("resource_id", resourceID).
			Str("result", string(consumed)).
			Str("payer", logger.TruncateAddress(payer)).
			Msg("paywall.nonce_rejected")
		return s.fail(resourceID, start, AuthorizationResult{Outcome: OutcomeSettleFailed, Reason: consumed.Reason(), Payer: payer}), nil
	}

	// The nonce stays consumed whatever settlement returns; the client
	// retries with a fresh challenge.
	settleStart := time.Now()
	settlement := s.facilitator.Settle(ctx, header, issued)
	if !settlement.Success {
		log.Error().
			Str("resource_id", resourceID).
			Str("reason", settlement.Error).
			Str("payer", logger.TruncateAddress(payer)).
			Msg("paywall.settlement_failed")
		return s.fail(resourceID, start, AuthorizationResult{Outcome: OutcomeSettleFailed, Reason: settlement.Error, Payer: payer, Settlement: &settlement}), nil
	}

	network := settlement.NetworkID
	if network == "" {
		network = issued.Network
		settlement.NetworkID = network
	}
	if settlement.Payer == "" {
		settlement.Payer = payer
	}

	if s.metrics != nil {
		s.metrics.ObservePayment(resourceID, true, s.now().Sub(start))
		s.metrics.ObserveSettlement(network, time.Since(settleStart))
		s.metrics.ObserveSettledAmount(network, issued.Asset, issued.MaxAmountRequired)
	}
	log.Info().
		Str("resource_id", resourceID).
		Str("payer", logger.TruncateAddress(payer)).
		Str("tx_hash", settlement.TxHash).
		Str("network", network).
		Msg("paywall.payment_settled")

	return AuthorizationResult{
		Outcome:    OutcomeGranted,
		ResourceID: resourceID,
		Payer:      payer,
		Settlement: &settlement,
		Receipt: &Receipt{
			TxHash:   settlement.TxHash,
			Network:  network,
			Explorer: s.ExplorerURL(settlement.TxHash),
		},
	}, nil
}

// fail records the failure and stamps the resource id on the result.
func (s *Service) fail(resourceID string, start time.Time, result AuthorizationResult) AuthorizationResult {
	result.ResourceID = resourceID
	if s.metrics != nil {
		s.metrics.ObservePayment(resourceID, false, s.now().Sub(start))
		s.metrics.ObservePaymentFailure(resourceID, string(result.Outcome), result.Reason)
	}
	return result
}

// crossCheck compares the presented payment with the requirement issued for
// its nonce. It returns the first mismatch as an x402 reason.
func crossCheck(path, issuedFor string, issued x402.PaymentRequirement, payload x402.PaymentPayload) string {
	auth := payload.Payload
	switch {
	case issuedFor != path:
		return x402.ReasonRequirementMismatch
	case payload.Scheme != issued.Scheme:
		return x402.ReasonUnsupportedScheme
	case !strings.EqualFold(payload.Network, issued.Network):
		return x402.ReasonNetworkMismatch
	case !strings.EqualFold(auth.To, issued.PayTo):
		return x402.ReasonRecipientMismatch
	}

	paid, err := x402.ParseAmount(auth.Value)
	if err != nil {
		return x402.ReasonAuthorizationValue
	}
	required, err := x402.ParseAmount(issued.MaxAmountRequired)
	if err != nil || paid.Cmp(required) != 0 {
		return x402.ReasonAuthorizationValue
	}
	return ""
}
