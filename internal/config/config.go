package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with the demo's Base Sepolia defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":3402",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 3 * time.Minute}, // above facilitator timeout plus receipt timeout
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		X402: X402Config{
			Network:           "base-sepolia",
			PayTo:             "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
			TokenName:         "USD Coin",
			TokenVersion:      "2",
			TokenDecimals:     6,
			MaxTimeoutSeconds: 300,
			NonceTTL:          Duration{Duration: 5 * time.Minute},
			ExplorerTxURL:     "https://sepolia.basescan.org/tx/",
		},
		Paywall: PaywallConfig{
			Resources: map[string]PaywallResource{
				"premium-data": {
					Path:        "/premium-data",
					Description: "Premium data access",
					Amount:      "1000000", // 1 USDC
				},
				"api-call": {
					Path:        "/api-call",
					Description: "API call access",
					Amount:      "100000", // 0.1 USDC
				},
			},
		},
		Facilitator: FacilitatorConfig{
			Mode:    "remote",
			URL:     "https://x402.org/facilitator",
			Timeout: Duration{Duration: 30 * time.Second},
			Local: LocalFacilitatorConfig{
				Submitter:      "simulated",
				ReceiptTimeout: Duration{Duration: 2 * time.Minute},
			},
		},
		Storage: StorageConfig{
			Backend:         "memory",
			CleanupInterval: Duration{Duration: 60 * time.Second},
			NoncesTable:     "payment_nonces",
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			GlobalEnabled:   true,
			GlobalLimit:     1000,
			GlobalWindow:    Duration{Duration: 1 * time.Minute},
			PerPayerEnabled: true,
			PerPayerLimit:   60,
			PerPayerWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:    true,
			PerIPLimit:      120,
			PerIPWindow:     Duration{Duration: 1 * time.Minute},
		},
		Monitoring: MonitoringConfig{
			LowBalanceThreshold: 0.005,
			CheckInterval:       Duration{Duration: 15 * time.Minute},
			Timeout:             Duration{Duration: 5 * time.Second},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Facilitator: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			ChainRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
