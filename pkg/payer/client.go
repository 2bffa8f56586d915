// Package payer implements the buyer side of an x402 exchange: request a
// resource, answer the 402 challenge with a signed EIP-3009 authorization,
// and collect the paid response.
package payer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-demo/pkg/x402"
	"github.com/CedrosPay/x402-demo/pkg/x402/evm"
)

// ErrNoPaymentOptions is returned when a 402 challenge lists nothing to pay.
var ErrNoPaymentOptions = errors.New("no payment options available")

// Signer signs transferWithAuthorization messages. *evm.Signer satisfies it.
type Signer interface {
	Address() common.Address
	SignAuthorization(auth x402.EIP3009Authorization, domain evm.Domain) (string, error)
}

var _ Signer = (*evm.Signer)(nil)

// Receipt is the payment summary a paid resource embeds in its body.
type Receipt struct {
	TxHash   string `json:"txHash"`
	Network  string `json:"network"`
	Explorer string `json:"explorer"`
}

// Result is the outcome of a Fetch.
type Result struct {
	// Paid is false when the resource was served without a challenge.
	Paid   bool
	Status int
	Body   []byte

	// Requirement is the accepted challenge entry, set when Paid.
	Requirement *x402.PaymentRequirement
	// Payment is decoded from the body's "payment" field when present.
	Payment *Receipt
	// Settlement is decoded from X-PAYMENT-RESPONSE when present.
	Settlement *x402.SettleResponse
}

// PaymentError is returned when the server rejects a presented payment.
type PaymentError struct {
	Status  int
	Message string
	Reason  string
}

func (e *PaymentError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Reason)
	}
	return e.Message
}

// Client pays for x402 resources with a single signer.
type Client struct {
	HTTP   *http.Client
	Signer Signer
	// Now defaults to time.Now. Authorization windows are computed from it.
	Now func() time.Time
}

// Fetch GETs url, paying the first accepted requirement if challenged.
func (c *Client) Fetch(ctx context.Context, url string) (*Result, error) {
	if c.Signer == nil {
		return nil, errors.New("payer: signer is required")
	}

	status, header, body, err := c.get(ctx, url, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusPaymentRequired {
		return &Result{Paid: false, Status: status, Body: body}, nil
	}

	var challenge x402.PaymentRequiredResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("payer: decode challenge: %w", err)
	}
	if len(challenge.Accepts) == 0 {
		return nil, ErrNoPaymentOptions
	}
	req := challenge.Accepts[0]

	paymentHeader, err := c.Authorize(req)
	if err != nil {
		return nil, err
	}

	status, header, body, err = c.get(ctx, url, paymentHeader)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, rejection(status, body)
	}

	result := &Result{Paid: true, Status: status, Body: body, Requirement: &req}

	var paid struct {
		Payment *Receipt `json:"payment"`
	}
	if err := json.Unmarshal(body, &paid); err == nil {
		result.Payment = paid.Payment
	}
	if encoded := header.Get(x402.PaymentResponseHeader); encoded != "" {
		settlement, err := x402.DecodeSettlementHeader(encoded)
		if err != nil {
			return nil, fmt.Errorf("payer: decode %s: %w", x402.PaymentResponseHeader, err)
		}
		result.Settlement = &settlement
	}
	return result, nil
}

// Authorize signs an authorization satisfying req and returns the X-PAYMENT
// header value.
func (c *Client) Authorize(req x402.PaymentRequirement) (string, error) {
	auth, err := evm.NewAuthorization(req, c.Signer.Address(), c.now())
	if err != nil {
		return "", err
	}
	auth.Signature, err = c.Signer.SignAuthorization(auth, evm.DomainFor(req))
	if err != nil {
		return "", fmt.Errorf("payer: sign authorization: %w", err)
	}
	return x402.EncodePaymentHeader(x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     auth,
	})
}

func (c *Client) get(ctx context.Context, url, paymentHeader string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("payer: new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if paymentHeader != "" {
		req.Header.Set(x402.PaymentHeader, paymentHeader)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("payer: request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("payer: read body: %w", err)
	}
	return resp.StatusCode, resp.Header, bytes.TrimSpace(body), nil
}

func rejection(status int, body []byte) error {
	var failure struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(body, &failure)
	if failure.Error == "" {
		failure.Error = "Payment failed"
	}
	return &PaymentError{Status: status, Message: failure.Error, Reason: failure.Reason}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
