package x402

import "fmt"

// Reasons reported in VerifyResponse.InvalidReason and SettleResponse.Error.
const (
	ReasonInvalidPayload         = "invalid_payment_payload"
	ReasonInvalidVersion         = "invalid_x402_version"
	ReasonUnsupportedScheme      = "unsupported_scheme"
	ReasonNetworkMismatch        = "network_mismatch"
	ReasonInvalidNetwork         = "invalid_network"
	ReasonRecipientMismatch      = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonAuthorizationValue     = "invalid_exact_evm_payload_authorization_value"
	ReasonAuthorizationBefore    = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonAuthorizationAfter     = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonInvalidSignature       = "invalid_exact_evm_payload_signature"
	ReasonInsufficientFunds      = "insufficient_funds"
	ReasonAuthorizationNonceUsed = "authorization_nonce_already_used"
	ReasonNonceUnknown           = "nonce_unknown"
	ReasonNonceExpired           = "nonce_expired"
	ReasonNonceAlreadyUsed       = "nonce_already_used"
	ReasonRequirementMismatch    = "requirement_mismatch"
	ReasonTransactionFailed      = "transaction_failed"
	ReasonInvalidTxState         = "invalid_transaction_state"
)

// VerificationError classifies failures encountered while checking a payment.
type VerificationError struct {
	Reason  string // machine-readable reason
	Message string // user-friendly message
	Err     error  // technical error for logging
}

func (e VerificationError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e VerificationError) Unwrap() error {
	return e.Err
}

// NewVerificationError creates a verification error with a user-friendly message.
func NewVerificationError(reason string, err error) VerificationError {
	return VerificationError{
		Reason:  reason,
		Message: GetUserFriendlyMessage(reason),
		Err:     err,
	}
}

// GetUserFriendlyMessage converts a reason into text suitable for end users.
func GetUserFriendlyMessage(reason string) string {
	switch reason {
	case ReasonInvalidPayload:
		return "The payment header could not be decoded."
	case ReasonInvalidVersion:
		return "Unsupported x402 protocol version."
	case ReasonUnsupportedScheme:
		return "Unsupported payment scheme."
	case ReasonNetworkMismatch, ReasonInvalidNetwork:
		return "Payment was signed for a different network."
	case ReasonRecipientMismatch:
		return "Payment sent to wrong address. Please check the recipient address and try again."
	case ReasonAuthorizationValue:
		return "Payment amount is less than required. Please check the payment amount and try again."
	case ReasonAuthorizationBefore:
		return "Payment authorization has expired. Please request a new quote."
	case ReasonAuthorizationAfter:
		return "Payment authorization is not valid yet."
	case ReasonInvalidSignature:
		return "Invalid payment signature. Please try again."
	case ReasonInsufficientFunds:
		return "Insufficient token balance. Please add more tokens to your wallet and try again."
	case ReasonAuthorizationNonceUsed, ReasonNonceAlreadyUsed:
		return "This payment has already been processed. Each payment can only be used once."
	case ReasonNonceUnknown:
		return "This payment does not match any issued challenge. Please request a new quote."
	case ReasonNonceExpired:
		return "The payment challenge has expired. Please request a new quote."
	case ReasonRequirementMismatch:
		return "Payment does not match the requirement that was issued for this resource."
	case ReasonTransactionFailed, ReasonInvalidTxState:
		return "Transaction failed on the blockchain. Please try again."
	default:
		return fmt.Sprintf("Payment verification failed: %s", reason)
	}
}
