package errors

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the error body returned to clients.
// The shape is flat so x402 clients can read error and reason directly.
type ErrorResponse struct {
	Error     string    `json:"error"`             // Human-readable message
	Code      ErrorCode `json:"code"`              // Machine-readable error code
	Reason    string    `json:"reason,omitempty"`  // x402 invalidReason / settlement error
	Details   string    `json:"details,omitempty"` // Decoder or validation detail
	Retryable bool      `json:"retryable"`
}

// NewErrorResponse creates an error response for code.
func NewErrorResponse(code ErrorCode, message string) ErrorResponse {
	return ErrorResponse{
		Error:     message,
		Code:      code,
		Retryable: code.IsRetryable(),
	}
}

// WithReason attaches a machine-readable reason.
func (e ErrorResponse) WithReason(reason string) ErrorResponse {
	e.Reason = reason
	return e
}

// WithDetails attaches a free-form detail string.
func (e ErrorResponse) WithDetails(details string) ErrorResponse {
	e.Details = details
	return e
}

// WriteJSON writes the error response as JSON with the code's HTTP status.
func (e ErrorResponse) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(e)
}

// WriteError writes an error response in one call.
func WriteError(w http.ResponseWriter, code ErrorCode, message string) {
	NewErrorResponse(code, message).WriteJSON(w)
}

// WriteErrorWithReason writes an error carrying an x402 reason.
func WriteErrorWithReason(w http.ResponseWriter, code ErrorCode, message, reason string) {
	NewErrorResponse(code, message).WithReason(reason).WriteJSON(w)
}

// WriteErrorWithDetails writes an error carrying a detail string.
func WriteErrorWithDetails(w http.ResponseWriter, code ErrorCode, message, details string) {
	NewErrorResponse(code, message).WithDetails(details).WriteJSON(w)
}
