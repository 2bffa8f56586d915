package facilitator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CedrosPay/x402-demo/internal/circuitbreaker"
	"github.com/CedrosPay/x402-demo/pkg/x402"
)

var remoteReq = x402.PaymentRequirement{
	Scheme:            x402.SchemeExact,
	Network:           "base-sepolia",
	MaxAmountRequired: "1000000",
	Resource:          "/premium-data",
	MimeType:          "application/json",
	PayTo:             "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
	MaxTimeoutSeconds: 300,
	Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
}

func TestHTTPClient_VerifySuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body x402.VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.PaymentHeader != "header" || body.X402Version != x402.Version {
			t.Errorf("unexpected body: %+v", body)
		}
		if body.PaymentRequirements.MaxAmountRequired != "1000000" {
			t.Errorf("requirements not forwarded: %+v", body.PaymentRequirements)
		}
		_, _ = w.Write([]byte(`{"isValid":true,"invalidReason":null,"payer":"0xabc"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", time.Second)
	resp := client.Verify(context.Background(), "header", remoteReq)
	if !resp.IsValid || resp.Payer != "0xabc" {
		t.Errorf("unexpected verify response: %+v", resp)
	}
}

func TestHTTPClient_VerifyFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	resp := NewHTTPClient(server.URL, time.Second).Verify(context.Background(), "header", remoteReq)
	if resp.IsValid || resp.Reason() != "Facilitator error: boom" {
		t.Errorf("got %+v, want Facilitator error: boom", resp)
	}

	unreachable := httptest.NewServer(http.NotFoundHandler())
	unreachable.Close()
	resp = NewHTTPClient(unreachable.URL, time.Second).Verify(context.Background(), "header", remoteReq)
	if resp.IsValid || !strings.HasPrefix(resp.Reason(), "Verification failed: ") {
		t.Errorf("got %+v, want transport failure", resp)
	}
}

func TestHTTPClient_SettleMapsUpstreamFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"success":true,"transaction":"0xdeadbeef","network":"base-sepolia","payer":"0xabc"}`))
	}))
	defer server.Close()

	resp := NewHTTPClient(server.URL, time.Second).Settle(context.Background(), "header", remoteReq)
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	if resp.TxHash != "0xdeadbeef" || resp.NetworkID != "base-sepolia" || resp.Payer != "0xabc" {
		t.Errorf("fields not mapped: %+v", resp)
	}
}

func TestHTTPClient_SettleFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"rejected", http.StatusBadRequest, "bad header", "Settlement failed: bad header"},
		{"error reason", http.StatusOK, `{"success":false,"errorReason":"insufficient_funds"}`, "insufficient_funds"},
		{"no reason", http.StatusOK, `{"success":false}`, x402.ReasonTransactionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			resp := NewHTTPClient(server.URL, time.Second).Settle(context.Background(), "header", remoteReq)
			if resp.Success || resp.Error != tt.wantErr {
				t.Errorf("got %+v, want error %q", resp, tt.wantErr)
			}
		})
	}
}

func TestHTTPClient_Supported(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"wrapped", `{"kinds":[{"x402Version":1,"scheme":"exact","network":"base-sepolia"}]}`},
		{"bare array", `[{"x402Version":1,"scheme":"exact","network":"base-sepolia"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/supported" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			kinds, err := NewHTTPClient(server.URL, time.Second).Supported(context.Background())
			if err != nil {
				t.Fatalf("Supported: %v", err)
			}
			if len(kinds) != 1 || kinds[0].Network != "base-sepolia" || kinds[0].Scheme != x402.SchemeExact {
				t.Errorf("unexpected kinds: %+v", kinds)
			}
		})
	}
}

func TestHTTPClient_SupportedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL, time.Second).Supported(context.Background())
	if err == nil || err.Error() != "facilitator error: 503" {
		t.Errorf("got %v, want facilitator error: 503", err)
	}
}

func TestHTTPClient_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	cfg := circuitbreaker.DefaultConfig()
	cfg.Facilitator.ConsecutiveFailures = 2
	cfg.Facilitator.Timeout = time.Minute
	breakers := circuitbreaker.NewManager(cfg)

	client := NewHTTPClient(server.URL, time.Second, WithBreakers(breakers))
	for i := 0; i < 2; i++ {
		resp := client.Verify(context.Background(), "header", remoteReq)
		if !strings.HasPrefix(resp.Reason(), "Facilitator error: ") {
			t.Fatalf("call %d: got %+v", i, resp)
		}
	}

	resp := client.Verify(context.Background(), "header", remoteReq)
	if resp.IsValid || !strings.HasPrefix(resp.Reason(), "Verification failed: ") {
		t.Errorf("open breaker: got %+v", resp)
	}
	if hits.Load() != 2 {
		t.Errorf("upstream hits = %d, want 2", hits.Load())
	}
	if got := breakers.State(circuitbreaker.ServiceFacilitator); got != "open" {
		t.Errorf("breaker state = %s, want open", got)
	}
}
