package facilitator

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/x402-demo/pkg/x402"
	"github.com/CedrosPay/x402-demo/pkg/x402/evm"
)

// ErrStateUnavailable is returned by submitters that cannot read chain state.
// Local skips the matching check instead of rejecting the payment.
var ErrStateUnavailable = errors.New("facilitator: chain state unavailable")

// Submitter executes a verified authorization and answers the on-chain
// questions the verifier asks.
type Submitter interface {
	// BalanceOf returns owner's balance of the asset token.
	BalanceOf(ctx context.Context, network string, asset, owner common.Address) (*big.Int, error)
	// AuthorizationUsed reports whether the token contract already consumed nonce for authorizer.
	AuthorizationUsed(ctx context.Context, network string, asset, authorizer common.Address, nonce [32]byte) (bool, error)
	// Submit executes transferWithAuthorization and returns the transaction hash.
	// A non-empty hash may accompany an error when the transaction was sent but failed.
	Submit(ctx context.Context, req x402.PaymentRequirement, auth x402.EIP3009Authorization) (string, error)
}

// SimulatedSubmitter settles without touching a chain. The transaction hash
// is keccak256 of the signature, so it is stable per authorization.
type SimulatedSubmitter struct{}

// BalanceOf is not available without a chain.
func (SimulatedSubmitter) BalanceOf(context.Context, string, common.Address, common.Address) (*big.Int, error) {
	return nil, ErrStateUnavailable
}

// AuthorizationUsed is not available without a chain.
func (SimulatedSubmitter) AuthorizationUsed(context.Context, string, common.Address, common.Address, [32]byte) (bool, error) {
	return false, ErrStateUnavailable
}

// Submit returns the simulated transaction hash.
func (SimulatedSubmitter) Submit(_ context.Context, _ x402.PaymentRequirement, auth x402.EIP3009Authorization) (string, error) {
	sig, err := evm.DecodeSignature(auth.Signature)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(crypto.Keccak256(sig)), nil
}
