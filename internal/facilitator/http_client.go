package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-demo/internal/circuitbreaker"
	"github.com/CedrosPay/x402-demo/internal/httputil"
	"github.com/CedrosPay/x402-demo/internal/metrics"
	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// DefaultURL is the public x402 facilitator.
const DefaultURL = "https://x402.org/facilitator"

// errUpstream marks 5xx responses so the breaker counts them as failures.
var errUpstream = errors.New("facilitator upstream error")

// HTTPClient talks to a remote facilitator over HTTP.
type HTTPClient struct {
	baseURL  string
	http     *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the default pooled client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithBreakers routes calls through the facilitator circuit breaker.
func WithBreakers(m *circuitbreaker.Manager) HTTPOption {
	return func(h *HTTPClient) { h.breakers = m }
}

// WithHTTPMetrics records call outcomes and latency.
func WithHTTPMetrics(m *metrics.Metrics) HTTPOption {
	return func(h *HTTPClient) { h.metrics = m }
}

// WithHTTPLogger sets the logger for upstream failures.
func WithHTTPLogger(l zerolog.Logger) HTTPOption {
	return func(h *HTTPClient) { h.logger = l }
}

// NewHTTPClient creates a client for the facilitator at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...HTTPOption) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httputil.NewClient(timeout),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the facilitator base URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Verify posts the header to {base}/verify.
func (c *HTTPClient) Verify(ctx context.Context, header string, req x402.PaymentRequirement) x402.VerifyResponse {
	resp, err := c.call(ctx, "verify", http.MethodPost, "/verify", newRequest(header, req))
	if err != nil {
		c.logger.Warn().Err(err).Msg("facilitator.verify_unreachable")
		return x402.Invalid("Verification failed: " + err.Error())
	}
	if !resp.OK() {
		return x402.Invalid("Facilitator error: " + string(resp.Body))
	}

	var out x402.VerifyResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return x402.Invalid("Verification failed: " + err.Error())
	}
	if !out.IsValid && out.InvalidReason == nil {
		out = x402.Invalid(x402.ReasonInvalidPayload)
	}
	return out
}

// settleWire accepts both this server's field names and those used by the
// public facilitator (transaction, network, errorReason).
type settleWire struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	ErrorReason string `json:"errorReason"`
	TxHash      string `json:"txHash"`
	Transaction string `json:"transaction"`
	NetworkID   string `json:"networkId"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

func (w settleWire) response() x402.SettleResponse {
	return x402.SettleResponse{
		Success:   w.Success,
		Error:     firstNonEmpty(w.Error, w.ErrorReason),
		TxHash:    firstNonEmpty(w.TxHash, w.Transaction),
		NetworkID: firstNonEmpty(w.NetworkID, w.Network),
		Payer:     w.Payer,
	}
}

// Settle posts the header to {base}/settle.
func (c *HTTPClient) Settle(ctx context.Context, header string, req x402.PaymentRequirement) x402.SettleResponse {
	resp, err := c.call(ctx, "settle", http.MethodPost, "/settle", newRequest(header, req))
	if err != nil {
		c.logger.Warn().Err(err).Msg("facilitator.settle_unreachable")
		return x402.SettleFailed("Settlement failed: " + err.Error())
	}
	if !resp.OK() {
		return x402.SettleFailed("Settlement failed: " + string(resp.Body))
	}

	var wire settleWire
	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return x402.SettleFailed("Settlement failed: " + err.Error())
	}
	out := wire.response()
	if !out.Success && out.Error == "" {
		out.Error = x402.ReasonTransactionFailed
	}
	return out
}

// Supported lists the scheme/network pairs the facilitator settles.
// Both {"kinds": [...]} and a bare array are accepted.
func (c *HTTPClient) Supported(ctx context.Context) ([]x402.SupportedKind, error) {
	resp, err := c.call(ctx, "supported", http.MethodGet, "/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("facilitator supported: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("facilitator error: %d", resp.StatusCode)
	}

	var wrapped x402.SupportedResponse
	if err := json.Unmarshal(resp.Body, &wrapped); err == nil && wrapped.Kinds != nil {
		return wrapped.Kinds, nil
	}
	var kinds []x402.SupportedKind
	if err := json.Unmarshal(resp.Body, &kinds); err != nil {
		return nil, fmt.Errorf("decode supported response: %w", err)
	}
	return kinds, nil
}

// call performs one request through the breaker. Non-2xx responses are
// returned without error; only transport failures and open breakers error.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, body any) (httputil.Response, error) {
	start := time.Now()
	resp, err := circuitbreaker.Do(c.breakers, circuitbreaker.ServiceFacilitator, func() (httputil.Response, error) {
		r, err := httputil.DoJSON(ctx, c.http, method, c.baseURL+path, body)
		if err == nil && r.StatusCode >= http.StatusInternalServerError {
			return r, errUpstream
		}
		return r, err
	})
	if errors.Is(err, errUpstream) {
		err = nil
	}

	outcome := outcomeOK
	switch {
	case circuitbreaker.IsOpen(err):
		outcome = outcomeCircuitOpen
	case err != nil:
		outcome = outcomeError
	case !resp.OK():
		outcome = outcomeRejected
	}
	if c.metrics != nil {
		c.metrics.ObserveFacilitatorCall(op, outcome, time.Since(start))
	}
	return resp, err
}

func newRequest(header string, req x402.PaymentRequirement) x402.VerifyRequest {
	return x402.VerifyRequest{
		X402Version:         x402.Version,
		PaymentHeader:       header,
		PaymentRequirements: req,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
