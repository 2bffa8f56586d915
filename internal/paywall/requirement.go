package paywall

import (
	"context"
	"fmt"

	"github.com/CedrosPay/x402-demo/internal/config"
	"github.com/CedrosPay/x402-demo/internal/logger"
	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// buildRequirement derives the unbound requirement for a resource.
func (s *Service) buildRequirement(resource config.PaywallResource) x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           s.cfg.X402.Network,
		MaxAmountRequired: resource.Amount,
		Resource:          s.ResourcePath(resource),
		Description:       resource.Description,
		MimeType:          resource.MimeType,
		PayTo:             s.cfg.X402.PayTo,
		MaxTimeoutSeconds: s.cfg.X402.MaxTimeoutSeconds,
		Asset:             s.cfg.X402.Asset,
		Extra: &x402.TokenMetadata{
			Name:    s.cfg.X402.TokenName,
			Version: s.cfg.X402.TokenVersion,
		},
	}
}

// Challenge issues a fresh nonce for the resource and returns the 402 body.
func (s *Service) Challenge(ctx context.Context, resourceID string) (x402.PaymentRequiredResponse, error) {
	resource, err := s.ResourceDefinition(resourceID)
	if err != nil {
		return x402.PaymentRequiredResponse{}, err
	}
	return s.challenge(ctx, resourceID, resource)
}

func (s *Service) challenge(ctx context.Context, resourceID string, resource config.PaywallResource) (x402.PaymentRequiredResponse, error) {
	_, req, err := s.registry.Issue(ctx, s.cfg.X402.NonceTTL.Duration, s.buildRequirement(resource))
	if err != nil {
		return x402.PaymentRequiredResponse{}, fmt.Errorf("issue challenge: %w", err)
	}
	if err := req.Validate(); err != nil {
		return x402.PaymentRequiredResponse{}, fmt.Errorf("invalid requirement for %s: %w", resourceID, err)
	}

	if s.metrics != nil {
		s.metrics.ObserveChallenge(resourceID)
	}
	log := logger.FromContext(ctx)
	log.Debug().
		Str("resource_id", resourceID).
		Str("nonce", logger.TruncateAddress(req.Nonce)).
		Str("amount", req.MaxAmountRequired).
		Msg("paywall.challenge_issued")

	return x402.PaymentRequiredResponse{
		X402Version: x402.Version,
		Accepts:     []x402.PaymentRequirement{req},
		Error:       "Payment required for " + req.Resource,
	}, nil
}
