package paywall

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/CedrosPay/x402-demo/pkg/x402"
)

func protected(t *testing.T, env *testEnv) http.Handler {
	t.Helper()
	return env.svc.Middleware(StaticResource("premium-data"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receipt, ok := ReceiptFromContext(r.Context())
		if !ok {
			t.Error("receipt missing from context")
		}
		if id, _ := ResourceIDFromContext(r.Context()); id != "premium-data" {
			t.Errorf("resource id = %q", id)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"payment": receipt})
	}))
}

func TestMiddleware_Challenge(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := httptest.NewRecorder()
	protected(t, env).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/premium-data", nil))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	var body x402.PaymentRequiredResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.X402Version != 1 || len(body.Accepts) != 1 || body.Accepts[0].MaxAmountRequired != "1000000" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestMiddleware_InvalidFormat(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/premium-data", nil)
	req.Header.Set(x402.PaymentHeader, "not a payment")
	rec := httptest.NewRecorder()
	protected(t, env).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != MessageInvalidFormat || body["details"] == "" || body["code"] != "invalid_payment_format" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestMiddleware_PaidRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	handler := protected(t, env)

	header := env.pay(t, env.challenge(t, "premium-data"), nil)
	req := httptest.NewRequest(http.MethodGet, "/premium-data", nil)
	req.Header.Set(x402.PaymentHeader, header)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	settlement, err := x402.DecodeSettlementHeader(rec.Header().Get(x402.PaymentResponseHeader))
	if err != nil {
		t.Fatalf("decode settlement header: %v", err)
	}
	if !settlement.Success || settlement.TxHash == "" || settlement.NetworkID != "base-sepolia" {
		t.Errorf("unexpected settlement: %+v", settlement)
	}

	var body struct {
		Payment Receipt `json:"payment"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body.Payment.TxHash != settlement.TxHash {
		t.Errorf("receipt tx = %s, header tx = %s", body.Payment.TxHash, settlement.TxHash)
	}

	// Replaying the same header is a settlement failure.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("replay status = %d", rec.Code)
	}
	var failure map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&failure)
	if failure["error"] != MessageSettlementFailed || failure["reason"] != x402.ReasonNonceAlreadyUsed {
		t.Errorf("unexpected replay body: %v", failure)
	}
}

func TestMiddleware_ResolverErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { t.Error("handler must not run") })

	tests := []struct {
		name     string
		resolver ResourceResolver
		want     int
	}{
		{"not configured", func(*http.Request) (string, error) { return "", ErrResourceNotConfigured }, http.StatusNotFound},
		{"bad request", func(*http.Request) (string, error) { return "", errors.New("missing id") }, http.StatusBadRequest},
		{"unknown resource", StaticResource("missing"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.svc.Middleware(tt.resolver)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
