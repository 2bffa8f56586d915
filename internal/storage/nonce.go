package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// ChallengeNonce is the server-side record of a 402 challenge.
// The nonce doubles as the EIP-3009 authorization nonce the payer must sign,
// so a payment can be tied back to exactly one issued requirement.
type ChallengeNonce struct {
	ID          string                  // 0x-prefixed 32 byte hex nonce
	Resource    string                  // Resource id the challenge was issued for
	Requirement x402.PaymentRequirement // Requirement as sent in the 402 body
	CreatedAt   time.Time
	ExpiresAt   time.Time
	ConsumedAt  *time.Time // nil until the nonce is redeemed
}

// IsConsumed returns true if this nonce has been redeemed.
func (n ChallengeNonce) IsConsumed() bool {
	return n.ConsumedAt != nil
}

// IsExpiredAt reports whether the nonce is past its expiry at the given moment.
func (n ChallengeNonce) IsExpiredAt(now time.Time) bool {
	return !now.Before(n.ExpiresAt)
}

// normalizeNonceID lowercases hex ids so lookups are case-insensitive.
func normalizeNonceID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func validateChallengeNonce(n *ChallengeNonce) error {
	n.ID = normalizeNonceID(n.ID)
	if n.ID == "" {
		return fmt.Errorf("challenge nonce requires id")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.ExpiresAt.IsZero() {
		return fmt.Errorf("challenge nonce %s requires expires_at", n.ID)
	}
	return nil
}
