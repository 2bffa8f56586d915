package paywall

import (
	"errors"

	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// ErrResourceNotConfigured indicates the requested resource has no pricing.
var ErrResourceNotConfigured = errors.New("paywall: resource not configured")

// Outcome is the terminal state of one authorization attempt.
type Outcome string

const (
	// OutcomeChallenge: no payment presented, a 402 challenge was issued.
	OutcomeChallenge Outcome = "challenge"
	// OutcomeMalformed: the X-PAYMENT header could not be decoded.
	OutcomeMalformed Outcome = "malformed"
	// OutcomeVerifyFailed: the payment does not satisfy the issued requirement.
	OutcomeVerifyFailed Outcome = "verify_failed"
	// OutcomeSettleFailed: the nonce could not be redeemed or settlement failed.
	OutcomeSettleFailed Outcome = "settle_failed"
	// OutcomeGranted: the payment settled and access is granted.
	OutcomeGranted Outcome = "granted"
)

// Client-facing messages for each failure outcome.
const (
	MessageInvalidFormat      = "Invalid payment format"
	MessageVerificationFailed = "Payment verification failed"
	MessageSettlementFailed   = "Payment settlement failed"
)

// AuthorizationResult captures the outcome of an access attempt.
type AuthorizationResult struct {
	Outcome    Outcome
	ResourceID string

	// Challenge is set for OutcomeChallenge.
	Challenge *x402.PaymentRequiredResponse

	// Reason and Details describe failures.
	Reason  string
	Details string

	Payer      string
	Settlement *x402.SettleResponse
	Receipt    *Receipt
}

// Granted reports whether access was granted.
func (r AuthorizationResult) Granted() bool {
	return r.Outcome == OutcomeGranted
}

// Receipt is the payment summary embedded in paid response bodies.
type Receipt struct {
	TxHash   string `json:"txHash"`
	Network  string `json:"network"`
	Explorer string `json:"explorer"`
}
