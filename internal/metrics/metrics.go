package metrics

import (
	"math/big"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the x402 demo server.
type Metrics struct {
	// Payment metrics
	PaymentsTotal        *prometheus.CounterVec
	PaymentsSuccessTotal *prometheus.CounterVec
	PaymentsFailedTotal  *prometheus.CounterVec
	PaymentAmountTotal   *prometheus.CounterVec
	PaymentDuration      *prometheus.HistogramVec
	SettlementDuration   *prometheus.HistogramVec

	// Challenge / nonce registry metrics
	ChallengesIssuedTotal *prometheus.CounterVec
	NonceConsumeTotal     *prometheus.CounterVec
	NoncesSweptTotal      prometheus.Counter

	// Facilitator metrics
	FacilitatorCallsTotal   *prometheus.CounterVec
	FacilitatorCallDuration *prometheus.HistogramVec

	// RPC call metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec

	// Settlement wallet
	GasBalance *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_payments_total",
				Help: "Total number of payment attempts (requests carrying X-PAYMENT)",
			},
			[]string{"resource"},
		),
		PaymentsSuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_payments_success_total",
				Help: "Total number of settled payments",
			},
			[]string{"resource"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_payments_failed_total",
				Help: "Total number of failed payments by stage",
			},
			[]string{"resource", "stage", "reason"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_payment_amount_total",
				Help: "Total settled amount in smallest token units",
			},
			[]string{"network", "asset"},
		),
		PaymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_payment_duration_seconds",
				Help:    "Time taken to verify and settle a payment (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"resource"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_settlement_duration_seconds",
				Help:    "Time spent in facilitator settlement",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"network"},
		),

		ChallengesIssuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_challenges_issued_total",
				Help: "Total number of 402 challenges issued",
			},
			[]string{"resource"},
		),
		NonceConsumeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_nonce_consume_total",
				Help: "Nonce consume attempts by result",
			},
			[]string{"result"},
		),
		NoncesSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "x402_nonces_swept_total",
				Help: "Total number of expired nonces removed by the sweeper",
			},
		),

		FacilitatorCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_facilitator_calls_total",
				Help: "Total number of facilitator calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		FacilitatorCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_facilitator_call_duration_seconds",
				Help:    "Duration of facilitator calls",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"operation"},
		),

		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_rpc_calls_total",
				Help: "Total number of JSON-RPC calls to the chain",
			},
			[]string{"method", "network"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_rpc_call_duration_seconds",
				Help:    "Duration of JSON-RPC calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "network"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_rpc_errors_total",
				Help: "Total number of JSON-RPC errors",
			},
			[]string{"method", "network", "error_type"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "x402_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "x402_db_query_duration_seconds",
				Help:    "Nonce store query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),

		GasBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "x402_facilitator_gas_balance_eth",
				Help: "Native balance of the local facilitator's settlement account",
			},
			[]string{"network", "address"},
		),
	}
}

// ObservePayment records a payment attempt and its outcome.
func (m *Metrics) ObservePayment(resource string, success bool, duration time.Duration) {
	m.PaymentsTotal.WithLabelValues(resource).Inc()
	if success {
		m.PaymentsSuccessTotal.WithLabelValues(resource).Inc()
	}
	m.PaymentDuration.WithLabelValues(resource).Observe(duration.Seconds())
}

// ObservePaymentFailure records a failed payment with the stage it failed at.
func (m *Metrics) ObservePaymentFailure(resource, stage, reason string) {
	m.PaymentsFailedTotal.WithLabelValues(resource, stage, ReasonLabel(reason)).Inc()
}

// ObserveSettledAmount adds a settled amount in smallest units.
func (m *Metrics) ObserveSettledAmount(network, asset, amount string) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() <= 0 {
		return
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	m.PaymentAmountTotal.WithLabelValues(network, strings.ToLower(asset)).Add(f)
}

// ObserveSettlement records settlement time.
func (m *Metrics) ObserveSettlement(network string, duration time.Duration) {
	m.SettlementDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObserveChallenge records an issued 402 challenge.
func (m *Metrics) ObserveChallenge(resource string) {
	m.ChallengesIssuedTotal.WithLabelValues(resource).Inc()
}

// ObserveNonceConsume records the outcome of a nonce consume.
func (m *Metrics) ObserveNonceConsume(result string) {
	m.NonceConsumeTotal.WithLabelValues(result).Inc()
}

// ObserveNonceSweep records how many expired nonces a sweep removed.
func (m *Metrics) ObserveNonceSweep(removed int64) {
	if removed > 0 {
		m.NoncesSweptTotal.Add(float64(removed))
	}
}

// ObserveFacilitatorCall records a verify/settle/supported call.
func (m *Metrics) ObserveFacilitatorCall(operation, outcome string, duration time.Duration) {
	m.FacilitatorCallsTotal.WithLabelValues(operation, outcome).Inc()
	m.FacilitatorCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveRPCCall records a JSON-RPC call to the chain.
func (m *Metrics) ObserveRPCCall(method, network string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(method, network).Inc()
	m.RPCCallDuration.WithLabelValues(method, network).Observe(duration.Seconds())

	if err != nil {
		errStr := strings.ToLower(err.Error())
		errorType := "other"
		switch {
		case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
			errorType = "timeout"
		case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "429"):
			errorType = "rate_limit"
		case strings.Contains(errStr, "connection"):
			errorType = "connection"
		case strings.Contains(errStr, "not found"):
			errorType = "not_found"
		case strings.Contains(errStr, "reverted"):
			errorType = "reverted"
		}
		m.RPCErrorsTotal.WithLabelValues(method, network, errorType).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a nonce store query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// MeasureDBQuery starts a timer for one store call. Call the result when the
// call returns. A nil m records nothing.
//
//	defer metrics.MeasureDBQuery(m, "consume_nonce", "postgres")()
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() { m.ObserveDBQuery(operation, backend, time.Since(start)) }
}

// ReasonLabel bounds the cardinality of free-form failure reasons. Remote
// facilitators embed response bodies after a colon; only the prefix is kept.
func ReasonLabel(reason string) string {
	if reason == "" {
		return "unknown"
	}
	if i := strings.Index(reason, ":"); i > 0 {
		reason = reason[:i]
	}
	reason = strings.ToLower(strings.TrimSpace(reason))
	reason = strings.ReplaceAll(reason, " ", "_")
	if len(reason) > 64 {
		reason = reason[:64]
	}
	return reason
}

// ObserveGasBalance records the settlement account balance in ether.
func (m *Metrics) ObserveGasBalance(network, address string, eth float64) {
	m.GasBalance.WithLabelValues(network, strings.ToLower(address)).Set(eth)
}
