package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/CedrosPay/x402-demo/pkg/x402"
)

type stubFacilitator struct {
	verify       x402.VerifyResponse
	settle       x402.SettleResponse
	kinds        []x402.SupportedKind
	supportedErr error
}

func (s stubFacilitator) Supported(context.Context) ([]x402.SupportedKind, error) {
	return s.kinds, s.supportedErr
}

func (s stubFacilitator) Verify(context.Context, string, x402.PaymentRequirement) x402.VerifyResponse {
	return s.verify
}

func (s stubFacilitator) Settle(context.Context, string, x402.PaymentRequirement) x402.SettleResponse {
	return s.settle
}

func (s *testServer) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(s.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestFacilitatorProxy_VerifyAndSettle(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	req := srv.challenge(t, "/premium-data")
	header := srv.sign(t, req, nil)

	body := map[string]any{"paymentHeader": header, "paymentRequirements": req}

	status, verify := srv.post(t, "/facilitator/verify", body)
	if status != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", status)
	}
	if verify["isValid"] != true || verify["payer"] != srv.signer.Address().Hex() {
		t.Errorf("verify = %v", verify)
	}

	status, settle := srv.post(t, "/facilitator/settle", body)
	if status != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d", status)
	}
	if settle["success"] != true || settle["networkId"] != "base-sepolia" {
		t.Errorf("settle = %v", settle)
	}

	// The local facilitator remembers spent authorizations.
	_, again := srv.post(t, "/facilitator/settle", body)
	if again["success"] != false || again["error"] != x402.ReasonAuthorizationNonceUsed {
		t.Errorf("second settle = %v", again)
	}
}

func TestFacilitatorProxy_VerifyRejectionIsNot4xx(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)
	req := srv.challenge(t, "/premium-data")
	header := srv.sign(t, req, func(a *x402.EIP3009Authorization) { a.Value = "1" })

	status, verify := srv.post(t, "/facilitator/verify", map[string]any{"paymentHeader": header, "paymentRequirements": req})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if verify["isValid"] != false || verify["invalidReason"] != x402.ReasonAuthorizationValue {
		t.Errorf("verify = %v", verify)
	}
}

func TestFacilitatorProxy_BadRequests(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	tests := []struct {
		name string
		body any
	}{
		{name: "not json", body: "{"},
		{name: "unknown field", body: `{"paymentHeader":"abc","extra":1}`},
		{name: "missing header", body: map[string]any{"paymentRequirements": map[string]any{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, path := range []string{"/facilitator/verify", "/facilitator/settle"} {
				status, body := srv.post(t, path, tt.body)
				if status != http.StatusBadRequest {
					t.Fatalf("%s: expected 400, got %d", path, status)
				}
				if body["code"] != "invalid_request" {
					t.Errorf("%s: code = %v", path, body["code"])
				}
			}
		})
	}
}

func TestFacilitatorProxy_Supported(t *testing.T) {
	srv := newTestServer(t, nil, nil, nil)

	resp, body := srv.get(t, "/facilitator/supported", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	kinds, _ := body["kinds"].([]any)
	if len(kinds) != 1 {
		t.Fatalf("kinds = %v", body["kinds"])
	}
	kind := kinds[0].(map[string]any)
	if kind["scheme"] != "exact" || kind["network"] != "base-sepolia" || kind["x402Version"] != float64(1) {
		t.Errorf("kind = %v", kind)
	}
}

func TestFacilitatorProxy_SupportedUpstreamFailure(t *testing.T) {
	srv := newTestServer(t, nil, stubFacilitator{supportedErr: errors.New("facilitator error: 500")}, nil)

	resp, body := srv.get(t, "/facilitator/supported", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if body["code"] != "facilitator_unavailable" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestFacilitatorProxy_PassesThroughRemoteResult(t *testing.T) {
	reason := "insufficient_funds"
	srv := newTestServer(t, nil, stubFacilitator{
		verify: x402.VerifyResponse{IsValid: false, InvalidReason: &reason},
		settle: x402.SettleResponse{Success: false, Error: "Settlement failed: boom"},
	}, nil)

	body := map[string]any{"paymentHeader": "abc", "paymentRequirements": map[string]any{"scheme": "exact"}}
	if _, verify := srv.post(t, "/facilitator/verify", body); verify["invalidReason"] != reason {
		t.Errorf("verify = %v", verify)
	}
	if _, settle := srv.post(t, "/facilitator/settle", body); settle["error"] != "Settlement failed: boom" {
		t.Errorf("settle = %v", settle)
	}
}
