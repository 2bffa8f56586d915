package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EncodePaymentHeader serializes a payload for the X-PAYMENT header.
func EncodePaymentHeader(payload PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("x402: marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader decodes the X-PAYMENT header into a PaymentPayload.
// Raw JSON is accepted for testing.
func DecodePaymentHeader(header string) (PaymentPayload, error) {
	data, err := decodeBase64JSON(header)
	if err != nil {
		return PaymentPayload{}, err
	}

	var payload PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PaymentPayload{}, fmt.Errorf("x402: parse payment payload: %w", err)
	}
	if err := payload.Payload.validateFields(); err != nil {
		return payload, err
	}
	return payload, nil
}

// EncodeSettlementHeader serializes a settlement for the X-PAYMENT-RESPONSE header.
func EncodeSettlementHeader(resp SettleResponse) (string, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("x402: marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlementHeader decodes an X-PAYMENT-RESPONSE header.
func DecodeSettlementHeader(header string) (SettleResponse, error) {
	data, err := decodeBase64JSON(header)
	if err != nil {
		return SettleResponse{}, err
	}
	var resp SettleResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return SettleResponse{}, fmt.Errorf("x402: parse settlement: %w", err)
	}
	return resp, nil
}

func decodeBase64JSON(header string) ([]byte, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return nil, errors.New("x402: empty header")
	}
	if strings.HasPrefix(raw, "{") {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("x402: decode base64: %w", err)
		}
	}
	return decoded, nil
}

func (a EIP3009Authorization) validateFields() error {
	var missing []string
	if a.From == "" {
		missing = append(missing, "from")
	}
	if a.To == "" {
		missing = append(missing, "to")
	}
	if a.Value == "" {
		missing = append(missing, "value")
	}
	if a.Nonce == "" {
		missing = append(missing, "nonce")
	}
	if a.Signature == "" {
		missing = append(missing, "signature")
	}
	if len(missing) > 0 {
		return fmt.Errorf("x402: payment payload missing %s", strings.Join(missing, ", "))
	}
	return nil
}
