package x402

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// PaymentRequirement describes one acceptable way to pay for a resource.
// Reference: https://github.com/coinbase/x402
type PaymentRequirement struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"` // smallest token units
	Resource          string         `json:"resource,omitempty"`
	Description       string         `json:"description,omitempty"`
	MimeType          string         `json:"mimeType"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Nonce             string         `json:"nonce,omitempty"`
	Extra             *TokenMetadata `json:"extra,omitempty"`
}

// TokenMetadata carries the EIP-712 domain name and version of the asset.
type TokenMetadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentRequiredResponse is the body of a 402 challenge.
type PaymentRequiredResponse struct {
	X402Version int                  `json:"x402Version"`
	Accepts     []PaymentRequirement `json:"accepts"`
	Error       string               `json:"error,omitempty"`
}

// PaymentPayload is the x402 v1 envelope carried in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int                  `json:"x402Version"`
	Scheme      string               `json:"scheme"`
	Network     string               `json:"network"`
	Payload     EIP3009Authorization `json:"payload"`
}

// EIP3009Authorization is the signed transferWithAuthorization message for
// the exact scheme. Value is a decimal string in smallest units; the nonce is
// 32 bytes hex and the signature is 65 bytes hex (r || s || v).
type EIP3009Authorization struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Value       string   `json:"value"`
	ValidAfter  UnixTime `json:"validAfter"`
	ValidBefore UnixTime `json:"validBefore"`
	Nonce       string   `json:"nonce"`
	Signature   string   `json:"signature"`
}

// UnixTime is a unix timestamp in seconds. It is written as a JSON number and
// read from either a number or a decimal string.
type UnixTime int64

// UnmarshalJSON accepts 1700000000 and "1700000000".
func (u *UnixTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*u = 0
		return nil
	}
	raw := strings.Trim(string(data), `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("x402: invalid unix time %s", string(data))
	}
	*u = UnixTime(v)
	return nil
}

// VerifyRequest is the body posted to a facilitator's /verify endpoint.
type VerifyRequest struct {
	X402Version         int                `json:"x402Version"`
	PaymentHeader       string             `json:"paymentHeader"`
	PaymentRequirements PaymentRequirement `json:"paymentRequirements"`
}

// SettleRequest is the body posted to a facilitator's /settle endpoint.
type SettleRequest = VerifyRequest

// VerifyResponse is the facilitator's verdict on a payment header.
type VerifyResponse struct {
	IsValid       bool    `json:"isValid"`
	InvalidReason *string `json:"invalidReason"`
	Payer         string  `json:"payer,omitempty"`
}

// Reason returns the invalid reason or an empty string.
func (v VerifyResponse) Reason() string {
	if v.InvalidReason == nil {
		return ""
	}
	return *v.InvalidReason
}

// Valid builds a successful VerifyResponse.
func Valid(payer string) VerifyResponse {
	return VerifyResponse{IsValid: true, Payer: payer}
}

// Invalid builds a failed VerifyResponse.
func Invalid(reason string) VerifyResponse {
	return VerifyResponse{IsValid: false, InvalidReason: &reason}
}

// SettleResponse reports the outcome of submitting an authorization on chain.
type SettleResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	NetworkID string `json:"networkId,omitempty"`
	Payer     string `json:"payer,omitempty"`
}

// SettleFailed builds a failed SettleResponse.
func SettleFailed(reason string) SettleResponse {
	return SettleResponse{Success: false, Error: reason}
}

// SupportedKind is one scheme/network pair a facilitator can settle.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// SupportedResponse is the body of a facilitator's /supported endpoint.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}
