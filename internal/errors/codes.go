package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Payment flow errors on priced endpoints
const (
	// X-PAYMENT could not be decoded into a payment payload
	ErrCodeInvalidPaymentFormat ErrorCode = "invalid_payment_format"
	// Facilitator or requirement cross-check rejected the payment
	ErrCodeVerificationFailed ErrorCode = "verification_failed"
	// Nonce redemption or on-chain settlement failed
	ErrCodeSettlementFailed ErrorCode = "settlement_failed"
)

// Request errors
const (
	ErrCodeInvalidRequest   ErrorCode = "invalid_request"
	ErrCodeResourceNotFound ErrorCode = "resource_not_found"
	ErrCodeUnauthorized     ErrorCode = "unauthorized"
	ErrCodeRateLimited      ErrorCode = "rate_limited"
)

// External service errors
const (
	ErrCodeFacilitatorUnavailable ErrorCode = "facilitator_unavailable"
	ErrCodeRPCError               ErrorCode = "rpc_error"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
)

// IsRetryable returns whether the client can expect a retry to succeed.
// A failed settlement is retryable with a fresh challenge; a malformed
// header is retryable by resubmitting a corrected one.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeInvalidPaymentFormat,
		ErrCodeSettlementFailed,
		ErrCodeFacilitatorUnavailable,
		ErrCodeRPCError,
		ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeInvalidPaymentFormat, ErrCodeInvalidRequest:
		return 400
	case ErrCodeUnauthorized:
		return 401
	case ErrCodeVerificationFailed, ErrCodeSettlementFailed:
		return 402
	case ErrCodeResourceNotFound:
		return 404
	case ErrCodeRateLimited:
		return 429
	case ErrCodeFacilitatorUnavailable, ErrCodeRPCError:
		return 502
	default:
		return 500
	}
}
