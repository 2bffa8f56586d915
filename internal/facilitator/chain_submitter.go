package facilitator

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-demo/internal/circuitbreaker"
	"github.com/CedrosPay/x402-demo/internal/logger"
	"github.com/CedrosPay/x402-demo/internal/metrics"
	"github.com/CedrosPay/x402-demo/internal/rpcutil"
	"github.com/CedrosPay/x402-demo/pkg/x402"
	"github.com/CedrosPay/x402-demo/pkg/x402/evm"
)

// tokenABI covers the EIP-3009 and ERC-20 calls the facilitator makes.
const tokenABI = `[
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "authorizer", "type": "address"},
			{"name": "nonce", "type": "bytes32"}
		],
		"name": "authorizationState",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// transferGasLimit covers transferWithAuthorization on USDC with headroom.
const transferGasLimit uint64 = 300000

// ChainClient is the subset of ethclient.Client the submitter uses.
type ChainClient interface {
	ethereum.ContractCaller
	ethereum.GasPricer
	ethereum.TransactionSender
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// ChainSubmitter settles authorizations by sending transferWithAuthorization
// from a funded facilitator account.
type ChainSubmitter struct {
	client         ChainClient
	abi            abi.ABI
	key            *ecdsa.PrivateKey
	from           common.Address
	network        string
	chainID        *big.Int
	receiptTimeout time.Duration

	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// sendMu serializes nonce acquisition and broadcast for the sender account.
	sendMu sync.Mutex
}

// ChainSubmitterConfig configures a ChainSubmitter.
type ChainSubmitterConfig struct {
	RPCURL         string
	PrivateKey     string
	Network        string
	ReceiptTimeout time.Duration
	Breakers       *circuitbreaker.Manager
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// DialChainSubmitter connects to the RPC endpoint and checks its chain id
// against the configured network.
func DialChainSubmitter(ctx context.Context, cfg ChainSubmitterConfig) (*ChainSubmitter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	s, err := NewChainSubmitter(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}

	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if remote.Cmp(s.chainID) != 0 {
		client.Close()
		return nil, fmt.Errorf("rpc chain id %s does not match network %s (%s)", remote, cfg.Network, s.chainID)
	}
	return s, nil
}

// NewChainSubmitter wraps an existing client.
func NewChainSubmitter(client ChainClient, cfg ChainSubmitterConfig) (*ChainSubmitter, error) {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse facilitator private key: %w", err)
	}
	if !x402.KnownNetwork(cfg.Network) {
		return nil, fmt.Errorf("unsupported network %q", cfg.Network)
	}
	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ChainSubmitter{
		client:         client,
		abi:            parsed,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		network:        strings.ToLower(cfg.Network),
		chainID:        big.NewInt(x402.ChainID(cfg.Network)),
		receiptTimeout: timeout,
		breakers:       cfg.Breakers,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
	}, nil
}

// Close releases the underlying RPC connection when the client owns one.
func (s *ChainSubmitter) Close() error {
	if c, ok := s.client.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

// Address returns the account that pays gas.
func (s *ChainSubmitter) Address() common.Address {
	return s.from
}

// GasBalance returns the sender's native balance in wei.
func (s *ChainSubmitter) GasBalance(ctx context.Context) (*big.Int, error) {
	return rpcCall(ctx, s, "eth_getBalance", func() (*big.Int, error) {
		return s.client.BalanceAt(ctx, s.from, nil)
	})
}

// Network is the network the submitter is bound to.
func (s *ChainSubmitter) Network() string {
	return s.network
}

// BalanceOf calls balanceOf(owner) on asset.
func (s *ChainSubmitter) BalanceOf(ctx context.Context, network string, asset, owner common.Address) (*big.Int, error) {
	if err := s.checkNetwork(network); err != nil {
		return nil, err
	}
	out, err := s.read(ctx, asset, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", out[0])
	}
	return balance, nil
}

// AuthorizationUsed calls authorizationState(authorizer, nonce) on asset.
func (s *ChainSubmitter) AuthorizationUsed(ctx context.Context, network string, asset, authorizer common.Address, nonce [32]byte) (bool, error) {
	if err := s.checkNetwork(network); err != nil {
		return false, err
	}
	out, err := s.read(ctx, asset, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result %T", out[0])
	}
	return used, nil
}

// Submit sends transferWithAuthorization and waits for a successful receipt.
func (s *ChainSubmitter) Submit(ctx context.Context, req x402.PaymentRequirement, auth x402.EIP3009Authorization) (string, error) {
	if err := s.checkNetwork(req.Network); err != nil {
		return "", err
	}
	data, err := s.packTransfer(auth)
	if err != nil {
		return "", x402.NewVerificationError(x402.ReasonInvalidPayload, err)
	}

	start := time.Now()
	tx, err := s.send(ctx, common.HexToAddress(req.Asset), data)
	if err != nil {
		return "", err
	}
	hash := tx.Hash().Hex()

	s.logger.Info().
		Str("tx_hash", hash).
		Str("network", s.network).
		Str("from", logger.TruncateAddress(auth.From)).
		Msg("facilitator.tx_sent")

	receipt, err := s.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return hash, fmt.Errorf("wait for receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, x402.NewVerificationError(x402.ReasonInvalidTxState,
			fmt.Errorf("transaction %s reverted in block %s", hash, receipt.BlockNumber))
	}
	if s.metrics != nil {
		s.metrics.ObserveSettlement(s.network, time.Since(start))
	}
	return hash, nil
}

func (s *ChainSubmitter) packTransfer(auth x402.EIP3009Authorization) ([]byte, error) {
	value, err := x402.ParseAmount(auth.Value)
	if err != nil {
		return nil, err
	}
	nonce, err := evm.DecodeNonce(auth.Nonce)
	if err != nil {
		return nil, err
	}
	sig, err := evm.DecodeSignature(auth.Signature)
	if err != nil {
		return nil, err
	}

	var r, sv [32]byte
	copy(r[:], sig[0:32])
	copy(sv[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	return s.abi.Pack("transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		big.NewInt(int64(auth.ValidAfter)),
		big.NewInt(int64(auth.ValidBefore)),
		nonce,
		v, r, sv,
	)
}

func (s *ChainSubmitter) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := rpcCall(ctx, s, "eth_getTransactionCount", func() (uint64, error) {
		return s.client.PendingNonceAt(ctx, s.from)
	})
	if err != nil {
		return nil, fmt.Errorf("get pending nonce: %w", err)
	}
	gasPrice, err := rpcCall(ctx, s, "eth_gasPrice", func() (*big.Int, error) {
		return s.client.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), transferGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	// Broadcast is not retried: a resend after an ambiguous failure could double submit.
	start := time.Now()
	_, err = circuitbreaker.Do(s.breakers, circuitbreaker.ServiceChainRPC, func() (struct{}, error) {
		return struct{}{}, s.client.SendTransaction(ctx, signed)
	})
	s.observeRPC("eth_sendRawTransaction", start, err)
	if err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}

func (s *ChainSubmitter) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	return rpcutil.WithRetryCustom(ctx, rpcutil.ReceiptPollConfig(), func() (*types.Receipt, error) {
		start := time.Now()
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		s.observeRPC("eth_getTransactionReceipt", start, err)
		return receipt, err
	})
}

// read packs method, calls asset and unpacks the result.
func (s *ChainSubmitter) read(ctx context.Context, asset common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := s.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	result, err := rpcCall(ctx, s, "eth_call", func() ([]byte, error) {
		return s.client.CallContract(ctx, ethereum.CallMsg{To: &asset, Data: data}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	out, err := s.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result", method)
	}
	return out, nil
}

func (s *ChainSubmitter) checkNetwork(network string) error {
	if !strings.EqualFold(network, s.network) {
		return x402.NewVerificationError(x402.ReasonInvalidNetwork,
			fmt.Errorf("submitter is bound to %s, got %s", s.network, network))
	}
	return nil
}

func (s *ChainSubmitter) observeRPC(method string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveRPCCall(method, s.network, time.Since(start), err)
	}
}

// rpcCall runs an idempotent RPC through the chain breaker with retries.
func rpcCall[T any](ctx context.Context, s *ChainSubmitter, method string, fn func() (T, error)) (T, error) {
	return rpcutil.WithRetry(ctx, func() (T, error) {
		start := time.Now()
		v, err := circuitbreaker.Do(s.breakers, circuitbreaker.ServiceChainRPC, fn)
		s.observeRPC(method, start, err)
		return v, err
	})
}
