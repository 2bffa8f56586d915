// Package paywall gates priced resources behind x402 payments.
package paywall

import (
	"strings"
	"time"

	"github.com/CedrosPay/x402-demo/internal/config"
	"github.com/CedrosPay/x402-demo/internal/facilitator"
	"github.com/CedrosPay/x402-demo/internal/metrics"
	"github.com/CedrosPay/x402-demo/internal/nonces"
)

// Service orchestrates challenges, verification and settlement.
type Service struct {
	cfg         *config.Config
	registry    *nonces.Registry
	facilitator facilitator.Client
	metrics     *metrics.Metrics // optional
	now         func() time.Time
}

// NewService constructs a paywall service.
func NewService(cfg *config.Config, registry *nonces.Registry, fac facilitator.Client, metricsCollector *metrics.Metrics) *Service {
	return &Service{
		cfg:         cfg,
		registry:    registry,
		facilitator: fac,
		metrics:     metricsCollector,
		now:         time.Now,
	}
}

// Facilitator returns the client used for verify and settle.
func (s *Service) Facilitator() facilitator.Client {
	return s.facilitator
}

// ResourceDefinition resolves the pricing config for a resource ID.
func (s *Service) ResourceDefinition(resourceID string) (config.PaywallResource, error) {
	if resourceID == "" {
		return config.PaywallResource{}, ErrResourceNotConfigured
	}
	resource, ok := s.cfg.Paywall.Resources[resourceID]
	if !ok {
		return config.PaywallResource{}, ErrResourceNotConfigured
	}
	return resource, nil
}

// Resources returns every priced resource in stable order.
func (s *Service) Resources() []config.PaywallResource {
	ids := s.cfg.ResourceIDs()
	out := make([]config.PaywallResource, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.cfg.Paywall.Resources[id])
	}
	return out
}

// ResourcePath is the externally visible path of a resource, route prefix included.
func (s *Service) ResourcePath(resource config.PaywallResource) string {
	return s.cfg.Server.RoutePrefix + resource.Path
}

// ExplorerURL links a transaction hash to the configured block explorer.
func (s *Service) ExplorerURL(txHash string) string {
	if s.cfg.X402.ExplorerTxURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimSuffix(s.cfg.X402.ExplorerTxURL, "/") + "/" + txHash
}
