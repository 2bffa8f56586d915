package facilitator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-demo/internal/metrics"
	"github.com/CedrosPay/x402-demo/pkg/x402"
	"github.com/CedrosPay/x402-demo/pkg/x402/evm"
)

// Local verifies and settles exact-scheme payments in process.
type Local struct {
	submitter Submitter
	networks  map[string]bool
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu    sync.Mutex
	spent map[string]struct{} // payer:nonce of settled authorizations
}

// LocalOption configures a Local facilitator.
type LocalOption func(*Local)

// WithLocalLogger sets the logger.
func WithLocalLogger(l zerolog.Logger) LocalOption {
	return func(f *Local) { f.logger = l }
}

// WithLocalMetrics records verify and settle outcomes.
func WithLocalMetrics(m *metrics.Metrics) LocalOption {
	return func(f *Local) { f.metrics = m }
}

// WithLocalClock overrides time.Now.
func WithLocalClock(now func() time.Time) LocalOption {
	return func(f *Local) { f.now = now }
}

// NewLocal creates an in-process facilitator for the given networks.
// A nil submitter settles in simulation.
func NewLocal(submitter Submitter, networks []string, opts ...LocalOption) *Local {
	if submitter == nil {
		submitter = SimulatedSubmitter{}
	}
	f := &Local{
		submitter: submitter,
		networks:  make(map[string]bool, len(networks)),
		logger:    zerolog.Nop(),
		now:       time.Now,
		spent:     make(map[string]struct{}),
	}
	for _, n := range networks {
		f.networks[strings.ToLower(n)] = true
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Supported lists one exact kind per configured network.
func (f *Local) Supported(context.Context) ([]x402.SupportedKind, error) {
	kinds := make([]x402.SupportedKind, 0, len(f.networks))
	for n := range f.networks {
		kinds = append(kinds, x402.SupportedKind{X402Version: x402.Version, Scheme: x402.SchemeExact, Network: n})
	}
	return kinds, nil
}

// Verify checks the header against req without side effects.
func (f *Local) Verify(ctx context.Context, header string, req x402.PaymentRequirement) x402.VerifyResponse {
	start := time.Now()
	resp := f.verify(ctx, header, req)
	f.observe("verify", resp.IsValid, start)
	return resp
}

// Settle re-verifies, marks the authorization spent and submits it.
func (f *Local) Settle(ctx context.Context, header string, req x402.PaymentRequirement) x402.SettleResponse {
	start := time.Now()
	resp := f.settle(ctx, header, req)
	f.observe("settle", resp.Success, start)
	return resp
}

func (f *Local) settle(ctx context.Context, header string, req x402.PaymentRequirement) x402.SettleResponse {
	verdict := f.verify(ctx, header, req)
	if !verdict.IsValid {
		return x402.SettleResponse{Success: false, Error: verdict.Reason(), NetworkID: req.Network, Payer: verdict.Payer}
	}

	// verify already decoded the header successfully.
	payload, _ := x402.DecodePaymentHeader(header)
	auth := payload.Payload
	key := spentKey(auth)
	if !f.markSpent(key) {
		return x402.SettleResponse{Success: false, Error: x402.ReasonAuthorizationNonceUsed, NetworkID: req.Network, Payer: verdict.Payer}
	}

	txHash, err := f.submitter.Submit(ctx, req, auth)
	if err != nil {
		// Without a hash nothing was broadcast, so the authorization stays
		// redeemable. A broadcast transaction may still mine.
		if txHash == "" {
			f.unmarkSpent(key)
		}
		f.logger.Error().
			Err(err).
			Str("network", req.Network).
			Str("tx_hash", txHash).
			Msg("facilitator.settle_failed")

		var verr x402.VerificationError
		reason := x402.ReasonTransactionFailed
		if errors.As(err, &verr) {
			reason = verr.Reason
		}
		return x402.SettleResponse{Success: false, Error: reason, TxHash: txHash, NetworkID: req.Network, Payer: verdict.Payer}
	}

	f.logger.Info().
		Str("network", req.Network).
		Str("tx_hash", txHash).
		Str("payer", verdict.Payer).
		Msg("facilitator.settled")
	return x402.SettleResponse{Success: true, TxHash: txHash, NetworkID: req.Network, Payer: verdict.Payer}
}

// verify runs the exact-scheme checks in order and stops at the first failure.
func (f *Local) verify(ctx context.Context, header string, req x402.PaymentRequirement) x402.VerifyResponse {
	payload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		return x402.Invalid(x402.ReasonInvalidPayload)
	}
	auth := payload.Payload

	if payload.X402Version != x402.Version {
		return x402.Invalid(x402.ReasonInvalidVersion)
	}
	if payload.Scheme != x402.SchemeExact || req.Scheme != x402.SchemeExact {
		return x402.Invalid(x402.ReasonUnsupportedScheme)
	}
	if !strings.EqualFold(payload.Network, req.Network) {
		return x402.Invalid(x402.ReasonNetworkMismatch)
	}
	if !f.networks[strings.ToLower(req.Network)] || !x402.KnownNetwork(req.Network) {
		return x402.Invalid(x402.ReasonInvalidNetwork)
	}
	if !common.IsHexAddress(auth.To) || !strings.EqualFold(auth.To, req.PayTo) {
		return x402.Invalid(x402.ReasonRecipientMismatch)
	}

	value, err := x402.ParseAmount(auth.Value)
	if err != nil {
		return x402.Invalid(x402.ReasonInvalidPayload)
	}
	required, err := x402.ParseAmount(req.MaxAmountRequired)
	if err != nil || value.Cmp(required) < 0 {
		return x402.Invalid(x402.ReasonAuthorizationValue)
	}

	now := f.now()
	if int64(auth.ValidBefore) < now.Add(x402.ValidBeforeBuffer).Unix() {
		return x402.Invalid(x402.ReasonAuthorizationBefore)
	}
	if int64(auth.ValidAfter) > now.Unix() {
		return x402.Invalid(x402.ReasonAuthorizationAfter)
	}

	signer, err := evm.RecoverSigner(auth, evm.DomainFor(req), auth.Signature)
	if err != nil || !common.IsHexAddress(auth.From) || signer != common.HexToAddress(auth.From) {
		return x402.Invalid(x402.ReasonInvalidSignature)
	}
	payer := signer.Hex()

	if f.isSpent(spentKey(auth)) {
		return x402.Invalid(x402.ReasonAuthorizationNonceUsed)
	}

	asset := common.HexToAddress(req.Asset)
	nonce, err := evm.DecodeNonce(auth.Nonce)
	if err != nil {
		return x402.Invalid(x402.ReasonInvalidPayload)
	}
	used, err := f.submitter.AuthorizationUsed(ctx, req.Network, asset, signer, nonce)
	switch {
	case err == nil && used:
		return x402.Invalid(x402.ReasonAuthorizationNonceUsed)
	case err != nil && !errors.Is(err, ErrStateUnavailable):
		f.logger.Warn().Err(err).Str("network", req.Network).Msg("facilitator.authorization_state_unavailable")
	}

	balance, err := f.submitter.BalanceOf(ctx, req.Network, asset, signer)
	switch {
	case err == nil && balance.Cmp(value) < 0:
		return x402.VerifyResponse{IsValid: false, InvalidReason: strPtr(x402.ReasonInsufficientFunds), Payer: payer}
	case err != nil && !errors.Is(err, ErrStateUnavailable):
		f.logger.Warn().Err(err).Str("network", req.Network).Msg("facilitator.balance_unavailable")
	}

	return x402.Valid(payer)
}

func (f *Local) isSpent(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.spent[key]
	return ok
}

// markSpent returns false when key was already present.
func (f *Local) markSpent(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.spent[key]; ok {
		return false
	}
	f.spent[key] = struct{}{}
	return true
}

func (f *Local) unmarkSpent(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.spent, key)
}

func (f *Local) observe(op string, ok bool, start time.Time) {
	if f.metrics == nil {
		return
	}
	outcome := outcomeOK
	if !ok {
		outcome = outcomeRejected
	}
	f.metrics.ObserveFacilitatorCall("local_"+op, outcome, time.Since(start))
}

func spentKey(auth x402.EIP3009Authorization) string {
	return fmt.Sprintf("%s:%s", strings.ToLower(auth.From), strings.ToLower(auth.Nonce))
}

func strPtr(s string) *string {
	return &s
}
