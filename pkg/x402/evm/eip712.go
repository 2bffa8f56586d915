// Package evm implements the EIP-712 / EIP-3009 primitives used by the exact
// scheme: hashing a TransferWithAuthorization, signing it and recovering the
// signer.
package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// Domain is the EIP-712 domain of the token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// DomainFor derives the signing domain from a requirement. Name and version
// fall back to USDC defaults when extra is absent.
func DomainFor(req x402.PaymentRequirement) Domain {
	name, version := req.TokenDomain()
	return Domain{
		Name:              name,
		Version:           version,
		ChainID:           big.NewInt(x402.ChainID(req.Network)),
		VerifyingContract: req.Asset,
	}
}

var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// HashTransferWithAuthorization returns the EIP-712 digest
// keccak256(0x19 0x01 || domainSeparator || hashStruct(message)).
func HashTransferWithAuthorization(auth x402.EIP3009Authorization, domain Domain) ([]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("evm: invalid authorization value %q", auth.Value)
	}
	nonce, err := DecodeNonce(auth.Nonce)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("evm: invalid authorization address")
	}
	if !common.IsHexAddress(domain.VerifyingContract) {
		return nil, fmt.Errorf("evm: invalid verifying contract %q", domain.VerifyingContract)
	}
	chainID := domain.ChainID
	if chainID == nil {
		chainID = big.NewInt(1)
	}

	typedData := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: common.HexToAddress(domain.VerifyingContract).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       value,
			"validAfter":  big.NewInt(int64(auth.ValidAfter)),
			"validBefore": big.NewInt(int64(auth.ValidBefore)),
			"nonce":       nonce[:],
		},
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("evm: hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("evm: hash domain: %w", err)
	}

	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// DecodeNonce parses a 0x-prefixed 32 byte authorization nonce.
func DecodeNonce(nonce string) ([32]byte, error) {
	var out [32]byte
	b, err := decodeHex(nonce)
	if err != nil {
		return out, fmt.Errorf("evm: invalid nonce: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("evm: nonce must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// DecodeSignature parses a 65 byte r || s || v signature.
func DecodeSignature(signature string) ([]byte, error) {
	b, err := decodeHex(signature)
	if err != nil {
		return nil, fmt.Errorf("evm: invalid signature: %w", err)
	}
	if len(b) != crypto.SignatureLength {
		return nil, fmt.Errorf("evm: signature must be %d bytes, got %d", crypto.SignatureLength, len(b))
	}
	return b, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}
