package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides(t *testing.T) {
	defer clearEnv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name:    "PORT alias sets listen address",
			envVars: map[string]string{"PORT": "4021"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":4021" {
					t.Errorf("Expected :4021, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name:    "X402_SERVER_ADDRESS wins over PORT",
			envVars: map[string]string{"PORT": "4021", "X402_SERVER_ADDRESS": "127.0.0.1:5000"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != "127.0.0.1:5000" {
					t.Errorf("Expected 127.0.0.1:5000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name:    "route prefix is normalized",
			envVars: map[string]string{"X402_ROUTE_PREFIX": "x402/"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/x402" {
					t.Errorf("Expected /x402, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
		{
			name:    "SERVER_WALLET_ADDRESS alias sets pay_to",
			envVars: map[string]string{"SERVER_WALLET_ADDRESS": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.X402.PayTo != "0x70997970C51812dc3A010C7d01b50e0d17dc79C8" {
					t.Errorf("unexpected pay_to %s", cfg.X402.PayTo)
				}
			},
		},
		{
			name:    "FACILITATOR_URL alias",
			envVars: map[string]string{"FACILITATOR_URL": "http://localhost:4022"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Facilitator.URL != "http://localhost:4022" {
					t.Errorf("unexpected facilitator url %s", cfg.Facilitator.URL)
				}
			},
		},
		{
			name: "local facilitator settings",
			envVars: map[string]string{
				"X402_FACILITATOR_MODE":        "local",
				"X402_FACILITATOR_SUBMITTER":   "chain",
				"X402_FACILITATOR_PRIVATE_KEY": "0xabc",
				"X402_FACILITATOR_NETWORKS":    "base-sepolia, base",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				local := cfg.Facilitator.Local
				if cfg.Facilitator.Mode != "local" || local.Submitter != "chain" || local.PrivateKey != "0xabc" {
					t.Errorf("unexpected facilitator config %+v", cfg.Facilitator)
				}
				if len(local.Networks) != 2 || local.Networks[1] != "base" {
					t.Errorf("unexpected networks %v", local.Networks)
				}
			},
		},
		{
			name:    "durations and ints",
			envVars: map[string]string{"X402_NONCE_TTL": "90s", "X402_MAX_TIMEOUT_SECONDS": "60", "X402_STORAGE_CLEANUP_INTERVAL": "bogus"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.X402.NonceTTL.Duration != 90*time.Second {
					t.Errorf("nonce ttl = %v", cfg.X402.NonceTTL.Duration)
				}
				if cfg.X402.MaxTimeoutSeconds != 60 {
					t.Errorf("max timeout = %d", cfg.X402.MaxTimeoutSeconds)
				}
				if cfg.Storage.CleanupInterval.Duration != 60*time.Second {
					t.Errorf("invalid duration should be ignored, got %v", cfg.Storage.CleanupInterval.Duration)
				}
			},
		},
		{
			name:    "booleans",
			envVars: map[string]string{"X402_RATE_LIMIT_PER_IP_ENABLED": "false", "X402_CIRCUIT_BREAKER_ENABLED": "0"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.RateLimit.PerIPEnabled || cfg.CircuitBreaker.Enabled {
					t.Errorf("expected booleans disabled: %+v %+v", cfg.RateLimit, cfg.CircuitBreaker)
				}
			},
		},
		{
			name: "low balance monitoring",
			envVars: map[string]string{
				"X402_LOW_BALANCE_ALERT_URL":      "https://hooks.example/gas",
				"X402_LOW_BALANCE_THRESHOLD":      "0.02",
				"X402_LOW_BALANCE_CHECK_INTERVAL": "5m",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				mon := cfg.Monitoring
				if mon.LowBalanceAlertURL != "https://hooks.example/gas" || mon.LowBalanceThreshold != 0.02 {
					t.Errorf("unexpected monitoring config %+v", mon)
				}
				if mon.CheckInterval.Duration != 5*time.Minute {
					t.Errorf("check interval = %v", mon.CheckInterval.Duration)
				}
			},
		},
		{
			name:    "cors origins list",
			envVars: map[string]string{"X402_CORS_ALLOWED_ORIGINS": "http://localhost:3000, https://demo.example"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if len(cfg.Server.CORSAllowedOrigins) != 2 {
					t.Errorf("unexpected origins %v", cfg.Server.CORSAllowedOrigins)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}
