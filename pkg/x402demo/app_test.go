package x402demo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-demo/internal/facilitator"
	"github.com/CedrosPay/x402-demo/internal/storage"
	"github.com/CedrosPay/x402-demo/pkg/payer"
	"github.com/CedrosPay/x402-demo/pkg/x402"
	"github.com/CedrosPay/x402-demo/pkg/x402/evm"
)

const testPayerKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func loadTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.RateLimit.GlobalEnabled = false
	cfg.RateLimit.PerPayerEnabled = false
	cfg.RateLimit.PerIPEnabled = false
	return cfg
}

func newTestApp(t *testing.T, cfg *Config, opts ...Option) (*App, *httptest.Server) {
	t.Helper()
	opts = append([]Option{
		WithPrometheusRegistry(prometheus.NewRegistry()),
		WithLogger(zerolog.Nop()),
	}, opts...)

	app, err := NewApp(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	return app, srv
}

func TestNewApp_RequiresConfig(t *testing.T) {
	if _, err := NewApp(context.Background(), nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestNewApp_LocalFacilitatorEndToEnd(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Facilitator.Mode = "local"
	cfg.Facilitator.Local.Submitter = "simulated"

	app, srv := newTestApp(t, cfg)
	if _, ok := app.Facilitator.(*facilitator.Local); !ok {
		t.Fatalf("facilitator = %T, want *facilitator.Local", app.Facilitator)
	}

	signer, err := evm.NewSigner(testPayerKey)
	if err != nil {
		t.Fatal(err)
	}
	client := &payer.Client{HTTP: srv.Client(), Signer: signer}

	result, err := client.Fetch(context.Background(), srv.URL+"/premium-data")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !result.Paid || result.Payment == nil || result.Payment.TxHash == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := promtest.ToFloat64(app.Metrics.PaymentsSuccessTotal.WithLabelValues("premium-data")); got != 1 {
		t.Errorf("successful payments = %v, want 1", got)
	}

	free, err := client.Fetch(context.Background(), srv.URL+"/public")
	if err != nil || free.Paid {
		t.Errorf("public: %+v, %v", free, err)
	}
}

func TestNewApp_RemoteFacilitator(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/supported" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(x402.SupportedResponse{
			Kinds: []x402.SupportedKind{{X402Version: 1, Scheme: "exact", Network: "base-sepolia"}},
		})
	}))
	defer upstream.Close()

	cfg := loadTestConfig(t)
	cfg.Facilitator.Mode = "remote"
	cfg.Facilitator.URL = upstream.URL

	app, srv := newTestApp(t, cfg)
	if _, ok := app.Facilitator.(*facilitator.HTTPClient); !ok {
		t.Fatalf("facilitator = %T, want *facilitator.HTTPClient", app.Facilitator)
	}

	resp, err := http.Get(srv.URL + "/facilitator/supported")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var supported x402.SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supported); err != nil {
		t.Fatal(err)
	}
	if len(supported.Kinds) != 1 || supported.Kinds[0].Network != "base-sepolia" {
		t.Errorf("kinds = %+v", supported.Kinds)
	}
}

func TestNewApp_InjectedStoreAndFacilitator(t *testing.T) {
	store := storage.NewMemoryStore()
	fac := facilitator.NewLocal(nil, []string{"base-sepolia"})

	app, srv := newTestApp(t, loadTestConfig(t), WithStore(store), WithFacilitator(fac))
	if app.Store != store || app.Facilitator != fac {
		t.Fatal("injected components were not used")
	}

	resp, err := http.Get(srv.URL + "/api-call")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if store.Len() != 1 {
		t.Errorf("issued nonces = %d, want 1", store.Len())
	}
}

func TestNewApp_UnknownFacilitatorMode(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Facilitator.Mode = "carrier-pigeon"

	_, err := NewApp(context.Background(), cfg,
		WithPrometheusRegistry(prometheus.NewRegistry()),
		WithLogger(zerolog.Nop()),
	)
	if err == nil {
		t.Fatal("expected error for unknown facilitator mode")
	}
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Facilitator.Mode = "local"

	app, err := NewApp(context.Background(), cfg,
		WithPrometheusRegistry(prometheus.NewRegistry()),
		WithLogger(zerolog.Nop()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := app.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := app.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
