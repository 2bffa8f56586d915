package x402

import "time"

// Protocol identifiers.
const (
	// Version is the only x402 protocol version this module speaks.
	Version = 1

	// SchemeExact is the EIP-3009 transferWithAuthorization scheme.
	SchemeExact = "exact"

	// PaymentHeader carries the base64 encoded PaymentPayload on paid requests.
	PaymentHeader = "X-PAYMENT"

	// PaymentResponseHeader carries the base64 encoded SettleResponse on success.
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

// EIP-712 domain defaults for USDC.
const (
	DefaultTokenName    = "USD Coin"
	DefaultTokenVersion = "2"
	DefaultDecimals     = 6
)

// Authorization time windows
const (
	// ValidBeforeBuffer is the minimum lifetime an authorization must have left
	// when it reaches the facilitator (roughly three blocks on Base).
	ValidBeforeBuffer = 6 * time.Second

	// ValidAfterSkew backdates validAfter on the client so small clock drift
	// between payer and facilitator does not reject fresh authorizations.
	ValidAfterSkew = 60 * time.Second
)
