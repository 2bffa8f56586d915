package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}
	if m.PaymentsTotal == nil || m.PaymentsFailedTotal == nil || m.ChallengesIssuedTotal == nil {
		t.Error("payment metrics should be initialized")
	}
	if m.NonceConsumeTotal == nil || m.NoncesSweptTotal == nil {
		t.Error("nonce metrics should be initialized")
	}
	if m.FacilitatorCallsTotal == nil || m.FacilitatorCallDuration == nil {
		t.Error("facilitator metrics should be initialized")
	}
}

func TestObservePayment(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObservePayment("premium-data", true, 1*time.Second)
	m.ObservePayment("premium-data", false, 1*time.Second)

	count := promtest.ToFloat64(m.PaymentsTotal.WithLabelValues("premium-data"))
	if count != 2 {
		t.Errorf("expected 2 payment attempts, got %.0f", count)
	}

	successCount := promtest.ToFloat64(m.PaymentsSuccessTotal.WithLabelValues("premium-data"))
	if successCount != 1 {
		t.Errorf("expected 1 successful payment, got %.0f", successCount)
	}
}

func TestObservePaymentFailure(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObservePaymentFailure("api-call", "verify", "Facilitator error: upstream exploded with a long body")

	count := promtest.ToFloat64(m.PaymentsFailedTotal.WithLabelValues("api-call", "verify", "facilitator_error"))
	if count != 1 {
		t.Errorf("expected 1 failed payment, got %.0f", count)
	}
}

func TestObserveSettledAmount(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSettledAmount("base-sepolia", "0xABC", "1000000")
	m.ObserveSettledAmount("base-sepolia", "0xabc", "100000")
	m.ObserveSettledAmount("base-sepolia", "0xabc", "garbage")

	amount := promtest.ToFloat64(m.PaymentAmountTotal.WithLabelValues("base-sepolia", "0xabc"))
	if amount != 1100000 {
		t.Errorf("expected 1100000 units, got %.0f", amount)
	}
}

func TestObserveNonceMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveChallenge("premium-data")
	m.ObserveNonceConsume("accepted")
	m.ObserveNonceConsume("already_used")
	m.ObserveNonceSweep(3)
	m.ObserveNonceSweep(0)

	if got := promtest.ToFloat64(m.ChallengesIssuedTotal.WithLabelValues("premium-data")); got != 1 {
		t.Errorf("expected 1 challenge, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.NonceConsumeTotal.WithLabelValues("already_used")); got != 1 {
		t.Errorf("expected 1 already_used, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.NoncesSweptTotal); got != 3 {
		t.Errorf("expected 3 swept, got %.0f", got)
	}
}

func TestObserveFacilitatorCall(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveFacilitatorCall("verify", "valid", 20*time.Millisecond)
	m.ObserveFacilitatorCall("verify", "error", 20*time.Millisecond)

	if got := promtest.ToFloat64(m.FacilitatorCallsTotal.WithLabelValues("verify", "error")); got != 1 {
		t.Errorf("expected 1 failed verify call, got %.0f", got)
	}
}

func TestObserveRPCCall(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		errorType  string
		wantErrors float64
	}{
		{name: "successful RPC call", wantErrors: 0, errorType: "connection"},
		{name: "connection error", err: &testError{msg: "connection reset"}, errorType: "connection", wantErrors: 1},
		{name: "timeout", err: &testError{msg: "context deadline exceeded"}, errorType: "timeout", wantErrors: 1},
		{name: "revert", err: &testError{msg: "execution reverted: FiatTokenV2: invalid signature"}, errorType: "reverted", wantErrors: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := prometheus.NewRegistry()
			m := New(registry)

			m.ObserveRPCCall("eth_sendRawTransaction", "base-sepolia", 100*time.Millisecond, tt.err)

			calls := promtest.ToFloat64(m.RPCCallsTotal.WithLabelValues("eth_sendRawTransaction", "base-sepolia"))
			if calls != 1 {
				t.Errorf("expected 1 RPC call, got %.0f", calls)
			}
			errs := promtest.ToFloat64(m.RPCErrorsTotal.WithLabelValues("eth_sendRawTransaction", "base-sepolia", tt.errorType))
			if errs != tt.wantErrors {
				t.Errorf("expected %.0f RPC errors, got %.0f", tt.wantErrors, errs)
			}
		})
	}
}

func TestObserveRateLimit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRateLimit("per_payer", "0x7099...79C8")

	hits := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("per_payer", "0x7099...79C8"))
	if hits != 1 {
		t.Errorf("expected 1 rate limit hit, got %.0f", hits)
	}
}

func TestReasonLabel(t *testing.T) {
	tests := map[string]string{
		"":                                    "unknown",
		"nonce_already_used":                  "nonce_already_used",
		"Settlement failed: boom":             "settlement_failed",
		"Verification failed: EOF":            "verification_failed",
		"invalid_exact_evm_payload_signature": "invalid_exact_evm_payload_signature",
	}
	for in, want := range tests {
		if got := ReasonLabel(in); got != want {
			t.Errorf("ReasonLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMeasureDBQueryNil(t *testing.T) {
	// nil collector must be a no-op
	MeasureDBQuery(nil, "consume_nonce", "memory")()
}

func TestMeasureDBQueryRecords(t *testing.T) {
	m := New(prometheus.NewRegistry())
	MeasureDBQuery(m, "consume_nonce", "postgres")()

	if n := promtest.CollectAndCount(m.DBQueryDuration); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}

type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}
