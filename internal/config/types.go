package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	X402           X402Config           `yaml:"x402"`
	Paywall        PaywallConfig        `yaml:"paywall"`
	Facilitator    FacilitatorConfig    `yaml:"facilitator"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional bearer key protecting /metrics
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// X402Config holds the payment terms advertised in every challenge.
type X402Config struct {
	Network           string   `yaml:"network"`             // base-sepolia, base, ethereum, sepolia
	PayTo             string   `yaml:"pay_to"`              // Recipient address
	Asset             string   `yaml:"asset"`               // EIP-3009 token contract (USDC)
	TokenName         string   `yaml:"token_name"`          // EIP-712 domain name (default: USD Coin)
	TokenVersion      string   `yaml:"token_version"`       // EIP-712 domain version (default: 2)
	TokenDecimals     int      `yaml:"token_decimals"`      // Display decimals (default: 6)
	MaxTimeoutSeconds int      `yaml:"max_timeout_seconds"` // Authorization lifetime granted to payers (default: 300)
	NonceTTL          Duration `yaml:"nonce_ttl"`           // How long an issued challenge stays redeemable (default: 5m)
	ExplorerTxURL     string   `yaml:"explorer_tx_url"`     // Prefix for receipt explorer links
}

// PaywallConfig holds priced resources.
type PaywallConfig struct {
	Resources map[string]PaywallResource `yaml:"resources"`
}

// PaywallResource defines a single protected resource with pricing in smallest token units.
type PaywallResource struct {
	ResourceID  string `yaml:"resource_id"`
	Path        string `yaml:"path"`
	Description string `yaml:"description"`
	Amount      string `yaml:"amount"` // maxAmountRequired, e.g. "1000000" = 1 USDC
	MimeType    string `yaml:"mime_type"`
}

// FacilitatorConfig selects how payments are verified and settled.
type FacilitatorConfig struct {
	Mode    string                 `yaml:"mode"`    // remote | local (default: remote)
	URL     string                 `yaml:"url"`     // Remote facilitator base URL
	Timeout Duration               `yaml:"timeout"` // HTTP timeout for remote calls (default: 30s)
	Local   LocalFacilitatorConfig `yaml:"local"`
}

// LocalFacilitatorConfig configures the in-process facilitator.
type LocalFacilitatorConfig struct {
	Submitter      string   `yaml:"submitter"`       // simulated | chain (default: simulated)
	RPCURL         string   `yaml:"rpc_url"`         // JSON-RPC endpoint for the chain submitter
	PrivateKey     string   `yaml:"-"`               // Loaded from X402_FACILITATOR_PRIVATE_KEY only
	Networks       []string `yaml:"networks"`        // Networks this facilitator settles (default: x402.network)
	ReceiptTimeout Duration `yaml:"receipt_timeout"` // Max wait for a mined receipt (default: 2m)
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds nonce registry storage configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string             `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string             `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	CleanupInterval Duration           `yaml:"cleanup_interval"` // How often expired nonces are swept (default: 60s)
	NoncesTable     string             `yaml:"nonces_table"`     // Table/collection name (default: payment_nonces)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Global rate limiting (across all users)
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	// Per-payer rate limiting (payer decoded from X-PAYMENT)
	PerPayerEnabled bool     `yaml:"per_payer_enabled"`
	PerPayerLimit   int      `yaml:"per_payer_limit"`
	PerPayerWindow  Duration `yaml:"per_payer_window"`

	// Per-IP rate limiting (fallback when payer not identified)
	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled     bool                 `yaml:"enabled"`     // Enable circuit breakers (default: true)
	Facilitator BreakerServiceConfig `yaml:"facilitator"` // Remote facilitator HTTP calls
	ChainRPC    BreakerServiceConfig `yaml:"chain_rpc"`   // JSON-RPC calls made by the local facilitator
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}

// MonitoringConfig configures the low gas balance alert for the local chain submitter.
type MonitoringConfig struct {
	LowBalanceAlertURL  string            `yaml:"low_balance_alert_url"` // Webhook (Discord, Slack, ...) for alerts; empty disables
	LowBalanceThreshold float64           `yaml:"low_balance_threshold"` // Alert below this many ETH (default: 0.005)
	CheckInterval       Duration          `yaml:"check_interval"`        // How often to poll the balance (default: 15m)
	Timeout             Duration          `yaml:"timeout"`               // Webhook HTTP timeout (default: 5s)
	Headers             map[string]string `yaml:"headers"`               // Extra webhook headers
	BodyTemplate        string            `yaml:"body_template"`         // text/template over BalanceAlert; default is a Discord message
}
