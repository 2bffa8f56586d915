package evm

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// Signer signs EIP-3009 authorizations with a local secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex private key, with or without 0x prefix.
func NewSigner(privateKeyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: parse private key: %w", err)
	}
	return NewSignerFromKey(key), nil
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the checksummed signer address.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey exposes the key for transaction signing.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// SignAuthorization returns a 0x-hex 65 byte signature with v in {27, 28}.
func (s *Signer) SignAuthorization(auth x402.EIP3009Authorization, domain Domain) (string, error) {
	digest, err := HashTransferWithAuthorization(auth, domain)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("evm: sign authorization: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverSigner returns the address that produced signature over auth.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(auth x402.EIP3009Authorization, domain Domain, signature string) (common.Address, error) {
	digest, err := HashTransferWithAuthorization(auth, domain)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := DecodeSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("evm: recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// NewNonce returns 32 random bytes as 0x-hex.
func NewNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("evm: generate nonce: %w", err)
	}
	return hexutil.Encode(b), nil
}

// NewAuthorization builds an unsigned authorization paying req from from.
// The window opens ValidAfterSkew before now and closes maxTimeoutSeconds
// after it. The requirement nonce is reused when present.
func NewAuthorization(req x402.PaymentRequirement, from common.Address, now time.Time) (x402.EIP3009Authorization, error) {
	nonce := req.Nonce
	if nonce == "" {
		var err error
		if nonce, err = NewNonce(); err != nil {
			return x402.EIP3009Authorization{}, err
		}
	}
	return x402.EIP3009Authorization{
		From:        from.Hex(),
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  x402.UnixTime(now.Add(-x402.ValidAfterSkew).Unix()),
		ValidBefore: x402.UnixTime(now.Add(time.Duration(req.MaxTimeoutSeconds) * time.Second).Unix()),
		Nonce:       nonce,
	}, nil
}
