package x402

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var chainIDs = map[string]int64{
	"base-sepolia": 84532,
	"base":         8453,
	"ethereum":     1,
	"sepolia":      11155111,
}

// ChainID maps a network name to its EVM chain id. Unknown names map to 1.
func ChainID(network string) int64 {
	if id, ok := chainIDs[strings.ToLower(strings.TrimSpace(network))]; ok {
		return id
	}
	return 1
}

// KnownNetwork reports whether ChainID has an explicit entry for network.
func KnownNetwork(network string) bool {
	_, ok := chainIDs[strings.ToLower(strings.TrimSpace(network))]
	return ok
}

// FormatAmount renders an integer amount of smallest units as a decimal with
// exactly decimals fractional digits: ("1000000", 6) -> "1.000000".
func FormatAmount(amount string, decimals int) (string, error) {
	if decimals < 0 {
		return "", fmt.Errorf("x402: negative decimals %d", decimals)
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok {
		return "", fmt.Errorf("x402: invalid integer amount %q", amount)
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	split := len(digits) - decimals
	out := digits[:split]
	if decimals > 0 {
		out += "." + digits[split:]
	}
	if neg {
		out = "-" + out
	}
	return out, nil
}

// ParseAmount parses a decimal string of smallest units.
func ParseAmount(amount string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok {
		return nil, fmt.Errorf("x402: invalid integer amount %q", amount)
	}
	return v, nil
}

// Validate checks that the requirement is structurally well formed.
// With no schemes given only SchemeExact is accepted.
func (r PaymentRequirement) Validate(supportedSchemes ...string) error {
	if len(supportedSchemes) == 0 {
		supportedSchemes = []string{SchemeExact}
	}
	var errs []error

	if v, err := ParseAmount(r.MaxAmountRequired); err != nil {
		errs = append(errs, err)
	} else if v.Sign() < 0 {
		errs = append(errs, fmt.Errorf("x402: maxAmountRequired must be >= 0, got %s", r.MaxAmountRequired))
	}
	if r.MaxTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("x402: maxTimeoutSeconds must be > 0, got %d", r.MaxTimeoutSeconds))
	}
	supported := false
	for _, s := range supportedSchemes {
		if r.Scheme == s {
			supported = true
			break
		}
	}
	if !supported {
		errs = append(errs, fmt.Errorf("x402: unsupported scheme %q", r.Scheme))
	}
	return errors.Join(errs...)
}

// WithNonce returns a copy of the requirement bound to nonce.
func (r PaymentRequirement) WithNonce(nonce string) PaymentRequirement {
	out := r
	out.Nonce = nonce
	if r.Extra != nil {
		extra := *r.Extra
		out.Extra = &extra
	}
	return out
}

// TokenDomain returns the EIP-712 name and version, defaulting to USDC.
func (r PaymentRequirement) TokenDomain() (name, version string) {
	name, version = DefaultTokenName, DefaultTokenVersion
	if r.Extra != nil {
		if r.Extra.Name != "" {
			name = r.Extra.Name
		}
		if r.Extra.Version != "" {
			version = r.Extra.Version
		}
	}
	return name, version
}
