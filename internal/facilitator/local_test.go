package facilitator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/CedrosPay/x402-demo/pkg/x402"
	"github.com/CedrosPay/x402-demo/pkg/x402/evm"
)

// Well-known anvil development keys.
const (
	payeeKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	payerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var testReq = x402.PaymentRequirement{
	Scheme:            x402.SchemeExact,
	Network:           "base-sepolia",
	MaxAmountRequired: "1000000",
	Resource:          "/premium-data",
	MimeType:          "application/json",
	PayTo:             "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
	MaxTimeoutSeconds: 300,
	Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	Extra:             &x402.TokenMetadata{Name: "USDC", Version: "2"},
}

func newPayer(t *testing.T) *evm.Signer {
	t.Helper()
	signer, err := evm.NewSigner(payerKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return signer
}

// paymentHeader signs an authorization for req after applying mutate.
func paymentHeader(t *testing.T, signer *evm.Signer, req x402.PaymentRequirement, now time.Time, mutate func(*x402.PaymentPayload)) string {
	t.Helper()
	auth, err := evm.NewAuthorization(req, signer.Address(), now)
	if err != nil {
		t.Fatalf("NewAuthorization: %v", err)
	}
	payload := x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     req.Network,
		Payload:     auth,
	}
	if mutate != nil {
		mutate(&payload)
	}
	sig, err := signer.SignAuthorization(payload.Payload, evm.DomainFor(req))
	if err != nil {
		t.Fatalf("SignAuthorization: %v", err)
	}
	payload.Payload.Signature = sig

	header, err := x402.EncodePaymentHeader(payload)
	if err != nil {
		t.Fatalf("EncodePaymentHeader: %v", err)
	}
	return header
}

func TestLocal_VerifyValid(t *testing.T) {
	signer := newPayer(t)
	f := NewLocal(nil, []string{"base-sepolia"})

	resp := f.Verify(context.Background(), paymentHeader(t, signer, testReq, time.Now(), nil), testReq)
	if !resp.IsValid {
		t.Fatalf("expected valid, got %q", resp.Reason())
	}
	if resp.Payer != signer.Address().Hex() {
		t.Errorf("payer = %s, want %s", resp.Payer, signer.Address().Hex())
	}
}

func TestLocal_VerifyRejections(t *testing.T) {
	signer := newPayer(t)
	now := time.Now()

	tests := []struct {
		name   string
		req    x402.PaymentRequirement
		mutate func(*x402.PaymentPayload)
		want   string
	}{
		{
			name:   "wrong version",
			mutate: func(p *x402.PaymentPayload) { p.X402Version = 2 },
			want:   x402.ReasonInvalidVersion,
		},
		{
			name:   "wrong scheme",
			mutate: func(p *x402.PaymentPayload) { p.Scheme = "upto" },
			want:   x402.ReasonUnsupportedScheme,
		},
		{
			name:   "network mismatch",
			mutate: func(p *x402.PaymentPayload) { p.Network = "base" },
			want:   x402.ReasonNetworkMismatch,
		},
		{
			name:   "unsupported network",
			req:    withNetwork(testReq, "sepolia"),
			mutate: func(p *x402.PaymentPayload) { p.Network = "sepolia" },
			want:   x402.ReasonInvalidNetwork,
		},
		{
			name:   "wrong recipient",
			mutate: func(p *x402.PaymentPayload) { p.Payload.To = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8" },
			want:   x402.ReasonRecipientMismatch,
		},
		{
			name:   "value too low",
			mutate: func(p *x402.PaymentPayload) { p.Payload.Value = "999999" },
			want:   x402.ReasonAuthorizationValue,
		},
		{
			name:   "expires inside buffer",
			mutate: func(p *x402.PaymentPayload) { p.Payload.ValidBefore = x402.UnixTime(now.Add(3 * time.Second).Unix()) },
			want:   x402.ReasonAuthorizationBefore,
		},
		{
			name:   "already expired",
			mutate: func(p *x402.PaymentPayload) { p.Payload.ValidBefore = x402.UnixTime(now.Add(-time.Minute).Unix()) },
			want:   x402.ReasonAuthorizationBefore,
		},
		{
			name:   "not yet valid",
			mutate: func(p *x402.PaymentPayload) { p.Payload.ValidAfter = x402.UnixTime(now.Add(time.Minute).Unix()) },
			want:   x402.ReasonAuthorizationAfter,
		},
		{
			name:   "from does not match signer",
			mutate: func(p *x402.PaymentPayload) { p.Payload.From = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" },
			want:   x402.ReasonInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			if req.Scheme == "" {
				req = testReq
			}
			f := NewLocal(nil, []string{"base-sepolia"}, WithLocalClock(func() time.Time { return now }))

			resp := f.Verify(context.Background(), paymentHeader(t, signer, req, now, tt.mutate), req)
			if resp.IsValid {
				t.Fatal("expected rejection")
			}
			if resp.Reason() != tt.want {
				t.Errorf("reason = %q, want %q", resp.Reason(), tt.want)
			}
		})
	}
}

func TestLocal_VerifyTamperedSignature(t *testing.T) {
	signer := newPayer(t)
	header := paymentHeader(t, signer, testReq, time.Now(), nil)

	payload, err := x402.DecodePaymentHeader(header)
	if err != nil {
		t.Fatal(err)
	}
	// Raising the value after signing keeps every other check green.
	payload.Payload.Value = "2000000"
	tampered, _ := x402.EncodePaymentHeader(payload)

	resp := NewLocal(nil, []string{"base-sepolia"}).Verify(context.Background(), tampered, testReq)
	if resp.Reason() != x402.ReasonInvalidSignature {
		t.Errorf("reason = %q, want %q", resp.Reason(), x402.ReasonInvalidSignature)
	}
}

func TestLocal_VerifyGarbage(t *testing.T) {
	resp := NewLocal(nil, []string{"base-sepolia"}).Verify(context.Background(), "not-base64!", testReq)
	if resp.Reason() != x402.ReasonInvalidPayload {
		t.Errorf("reason = %q, want %q", resp.Reason(), x402.ReasonInvalidPayload)
	}
}

func TestLocal_SettleOnce(t *testing.T) {
	signer := newPayer(t)
	f := NewLocal(SimulatedSubmitter{}, []string{"base-sepolia"})
	ctx := context.Background()
	header := paymentHeader(t, signer, testReq, time.Now(), nil)

	resp := f.Settle(ctx, header, testReq)
	if !resp.Success {
		t.Fatalf("settle failed: %s", resp.Error)
	}
	payload, _ := x402.DecodePaymentHeader(header)
	sig, _ := evm.DecodeSignature(payload.Payload.Signature)
	if want := hexutil.Encode(crypto.Keccak256(sig)); resp.TxHash != want {
		t.Errorf("tx hash = %s, want %s", resp.TxHash, want)
	}
	if resp.NetworkID != "base-sepolia" || resp.Payer != signer.Address().Hex() {
		t.Errorf("unexpected settle response: %+v", resp)
	}

	again := f.Settle(ctx, header, testReq)
	if again.Success || again.Error != x402.ReasonAuthorizationNonceUsed {
		t.Errorf("second settle: got %+v", again)
	}
	if v := f.Verify(ctx, header, testReq); v.Reason() != x402.ReasonAuthorizationNonceUsed {
		t.Errorf("verify after settle: got %q", v.Reason())
	}
}

func TestLocal_ConcurrentSettle(t *testing.T) {
	signer := newPayer(t)
	f := NewLocal(nil, []string{"base-sepolia"})
	header := paymentHeader(t, signer, testReq, time.Now(), nil)

	var (
		wg      sync.WaitGroup
		settled atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Settle(context.Background(), header, testReq).Success {
				settled.Add(1)
			}
		}()
	}
	wg.Wait()

	if settled.Load() != 1 {
		t.Errorf("settled = %d, want exactly 1", settled.Load())
	}
}

// stubSubmitter answers chain-state questions from fields.
type stubSubmitter struct {
	balance   *big.Int
	used      bool
	stateErr  error
	submitErr error
	failHash  string // returned with submitErr
	submits   atomic.Int32
}

func (s *stubSubmitter) BalanceOf(context.Context, string, common.Address, common.Address) (*big.Int, error) {
	if s.stateErr != nil {
		return nil, s.stateErr
	}
	return s.balance, nil
}

func (s *stubSubmitter) AuthorizationUsed(context.Context, string, common.Address, common.Address, [32]byte) (bool, error) {
	if s.stateErr != nil {
		return false, s.stateErr
	}
	return s.used, nil
}

func (s *stubSubmitter) Submit(context.Context, x402.PaymentRequirement, x402.EIP3009Authorization) (string, error) {
	s.submits.Add(1)
	if s.submitErr != nil {
		return s.failHash, s.submitErr
	}
	return "0xbeef", nil
}

func TestLocal_ChainStateChecks(t *testing.T) {
	signer := newPayer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		stub *stubSubmitter
		want string
	}{
		{"insufficient balance", &stubSubmitter{balance: big.NewInt(10)}, x402.ReasonInsufficientFunds},
		{"nonce used on chain", &stubSubmitter{balance: big.NewInt(5_000_000), used: true}, x402.ReasonAuthorizationNonceUsed},
		{"funded", &stubSubmitter{balance: big.NewInt(5_000_000)}, ""},
		{"rpc down is not fatal", &stubSubmitter{stateErr: errors.New("dial tcp: refused")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewLocal(tt.stub, []string{"base-sepolia"})
			resp := f.Verify(ctx, paymentHeader(t, signer, testReq, time.Now(), nil), testReq)
			if resp.Reason() != tt.want {
				t.Errorf("reason = %q, want %q", resp.Reason(), tt.want)
			}
		})
	}
}

func TestLocal_SettleSubmitFailure(t *testing.T) {
	signer := newPayer(t)
	ctx := context.Background()
	stub := &stubSubmitter{balance: big.NewInt(5_000_000), submitErr: errors.New("dial tcp: refused")}
	f := NewLocal(stub, []string{"base-sepolia"})
	header := paymentHeader(t, signer, testReq, time.Now(), nil)

	resp := f.Settle(ctx, header, testReq)
	if resp.Success || resp.Error != x402.ReasonTransactionFailed || resp.TxHash != "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	stub.submitErr = x402.NewVerificationError(x402.ReasonInvalidTxState, errors.New("gas estimation failed"))
	resp = f.Settle(ctx, header, testReq)
	if resp.Error != x402.ReasonInvalidTxState {
		t.Errorf("error = %q, want %q", resp.Error, x402.ReasonInvalidTxState)
	}

	// Nothing was broadcast, so the authorization is still redeemable.
	stub.submitErr = nil
	resp = f.Settle(ctx, header, testReq)
	if !resp.Success || resp.TxHash != "0xbeef" {
		t.Errorf("retry after failure: %+v", resp)
	}
	if stub.submits.Load() != 3 {
		t.Errorf("submits = %d, want 3", stub.submits.Load())
	}
}

func TestLocal_SettleBroadcastFailureStaysSpent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"receipt wait timed out", errors.New("context deadline exceeded"), x402.ReasonTransactionFailed},
		{"reverted", x402.NewVerificationError(x402.ReasonInvalidTxState, errors.New("reverted")), x402.ReasonInvalidTxState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signer := newPayer(t)
			ctx := context.Background()
			stub := &stubSubmitter{balance: big.NewInt(5_000_000), submitErr: tt.err, failHash: "0xfeed"}
			f := NewLocal(stub, []string{"base-sepolia"})
			header := paymentHeader(t, signer, testReq, time.Now(), nil)

			resp := f.Settle(ctx, header, testReq)
			if resp.Success || resp.Error != tt.want || resp.TxHash != "0xfeed" {
				t.Fatalf("unexpected response: %+v", resp)
			}

			// The transaction is on chain, so the authorization must not be submitted again.
			stub.submitErr = nil
			resp = f.Settle(ctx, header, testReq)
			if resp.Success || resp.Error != x402.ReasonAuthorizationNonceUsed {
				t.Errorf("second settle: %+v", resp)
			}
			if stub.submits.Load() != 1 {
				t.Errorf("submits = %d, want 1", stub.submits.Load())
			}
		})
	}
}

func TestLocal_Supported(t *testing.T) {
	kinds, err := NewLocal(nil, []string{"Base-Sepolia"}).Supported(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(kinds) != 1 || kinds[0].Network != "base-sepolia" || kinds[0].X402Version != x402.Version {
		t.Errorf("unexpected kinds: %+v", kinds)
	}
}

func TestSimulatedSubmitter_NoChainState(t *testing.T) {
	var s SimulatedSubmitter
	if _, err := s.BalanceOf(context.Background(), "base-sepolia", common.Address{}, common.Address{}); !errors.Is(err, ErrStateUnavailable) {
		t.Errorf("BalanceOf err = %v", err)
	}
	if _, err := s.Submit(context.Background(), testReq, x402.EIP3009Authorization{Signature: "0x1234"}); err == nil {
		t.Error("expected error for short signature")
	}
}

func withNetwork(req x402.PaymentRequirement, network string) x402.PaymentRequirement {
	req.Network = network
	return req
}

var _ Client = (*Local)(nil)
var _ Client = (*HTTPClient)(nil)
var _ Submitter = (*ChainSubmitter)(nil)
