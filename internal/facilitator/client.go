// Package facilitator verifies and settles x402 payments, either by calling
// a remote facilitator service or in process.
package facilitator

import (
	"context"

	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// Client is the facilitator contract seen by the resource server.
//
// Verify and Settle never return errors: transport and upstream failures are
// folded into the response so callers have a single failure path.
type Client interface {
	Supported(ctx context.Context) ([]x402.SupportedKind, error)
	Verify(ctx context.Context, header string, req x402.PaymentRequirement) x402.VerifyResponse
	Settle(ctx context.Context, header string, req x402.PaymentRequirement) x402.SettleResponse
}

// Outcome labels recorded on facilitator call metrics.
const (
	outcomeOK          = "ok"
	outcomeRejected    = "rejected"
	outcomeError       = "error"
	outcomeCircuitOpen = "circuit_open"
)
