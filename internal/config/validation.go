package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":3402"
	}
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	c.X402.Network = strings.ToLower(strings.TrimSpace(c.X402.Network))
	if c.X402.TokenName == "" {
		c.X402.TokenName = x402.DefaultTokenName
	}
	if c.X402.TokenVersion == "" {
		c.X402.TokenVersion = x402.DefaultTokenVersion
	}
	if c.X402.TokenDecimals <= 0 {
		c.X402.TokenDecimals = x402.DefaultDecimals
	}
	if c.X402.NonceTTL.Duration <= 0 {
		c.X402.NonceTTL = Duration{Duration: 5 * time.Minute}
	}

	c.Facilitator.Mode = strings.ToLower(strings.TrimSpace(c.Facilitator.Mode))
	if c.Facilitator.Mode == "" {
		c.Facilitator.Mode = "remote"
	}
	c.Facilitator.URL = strings.TrimSuffix(strings.TrimSpace(c.Facilitator.URL), "/")
	if c.Facilitator.Timeout.Duration <= 0 {
		c.Facilitator.Timeout = Duration{Duration: 30 * time.Second}
	}
	if c.Facilitator.Local.Submitter == "" {
		c.Facilitator.Local.Submitter = "simulated"
	}
	if len(c.Facilitator.Local.Networks) == 0 {
		c.Facilitator.Local.Networks = []string{c.X402.Network}
	}
	if c.Facilitator.Local.ReceiptTimeout.Duration <= 0 {
		c.Facilitator.Local.ReceiptTimeout = Duration{Duration: 2 * time.Minute}
	}

	if c.Storage.CleanupInterval.Duration <= 0 {
		c.Storage.CleanupInterval = Duration{Duration: 60 * time.Second}
	}
	if c.Storage.NoncesTable == "" {
		c.Storage.NoncesTable = "payment_nonces"
	}
	if c.Storage.Backend == "mongodb" && c.Storage.MongoDBDatabase == "" {
		c.Storage.MongoDBDatabase = "x402_demo"
	}

	if c.Monitoring.CheckInterval.Duration <= 0 {
		c.Monitoring.CheckInterval = Duration{Duration: 15 * time.Minute}
	}
	if c.Monitoring.Timeout.Duration <= 0 {
		c.Monitoring.Timeout = Duration{Duration: 5 * time.Second}
	}

	// Normalize resource fields
	for key, resource := range c.Paywall.Resources {
		if resource.ResourceID == "" {
			resource.ResourceID = key
		}
		if resource.Path == "" {
			resource.Path = "/" + key
		}
		if resource.MimeType == "" {
			resource.MimeType = "application/json"
		}
		c.Paywall.Resources[key] = resource
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	// x402 validation
	if !common.IsHexAddress(c.X402.PayTo) {
		errs = append(errs, fmt.Sprintf("x402.pay_to must be a 0x address, got %q", c.X402.PayTo))
	}
	if !common.IsHexAddress(c.X402.Asset) {
		errs = append(errs, fmt.Sprintf("x402.asset must be a 0x token contract, got %q", c.X402.Asset))
	}
	if !x402.KnownNetwork(c.X402.Network) {
		errs = append(errs, fmt.Sprintf("x402.network %q is not supported (base-sepolia, base, ethereum, sepolia)", c.X402.Network))
	}

	// Paywall validation: every resource must yield a well-formed requirement.
	if len(c.Paywall.Resources) == 0 {
		errs = append(errs, "paywall.resources must define at least one resource")
	}
	paths := make(map[string]string)
	for _, name := range c.ResourceIDs() {
		resource := c.Paywall.Resources[name]
		req := x402.PaymentRequirement{
			Scheme:            x402.SchemeExact,
			Network:           c.X402.Network,
			MaxAmountRequired: resource.Amount,
			PayTo:             c.X402.PayTo,
			Asset:             c.X402.Asset,
			MaxTimeoutSeconds: c.X402.MaxTimeoutSeconds,
			MimeType:          resource.MimeType,
		}
		if err := req.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("paywall.resource %q: %v", name, err))
		}
		if !strings.HasPrefix(resource.Path, "/") {
			errs = append(errs, fmt.Sprintf("paywall.resource %q path must start with /, got %q", name, resource.Path))
		} else if reservedPath(resource.Path) {
			errs = append(errs, fmt.Sprintf("paywall.resource %q path %s is reserved", name, resource.Path))
		}
		if other, dup := paths[resource.Path]; dup {
			errs = append(errs, fmt.Sprintf("paywall.resource %q reuses path %s of %q", name, resource.Path, other))
		}
		paths[resource.Path] = name
	}

	// Facilitator validation
	switch c.Facilitator.Mode {
	case "remote":
		if u, err := url.Parse(c.Facilitator.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("facilitator.url must be an absolute URL, got %q", c.Facilitator.URL))
		}
	case "local":
		switch c.Facilitator.Local.Submitter {
		case "simulated":
		case "chain":
			if c.Facilitator.Local.RPCURL == "" {
				errs = append(errs, "facilitator.local.rpc_url is required when submitter is 'chain'")
			}
			if c.Facilitator.Local.PrivateKey == "" {
				errs = append(errs, "X402_FACILITATOR_PRIVATE_KEY is required when submitter is 'chain'")
			}
		default:
			errs = append(errs, fmt.Sprintf("facilitator.local.submitter must be 'simulated' or 'chain', got %q", c.Facilitator.Local.Submitter))
		}
	default:
		errs = append(errs, fmt.Sprintf("facilitator.mode must be 'remote' or 'local', got %q", c.Facilitator.Mode))
	}

	// Storage validation
	switch c.Storage.Backend {
	case "", "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required for the postgres backend")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required for the mongodb backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown storage backend: %s", c.Storage.Backend))
	}

	if alert := c.Monitoring.LowBalanceAlertURL; alert != "" {
		if u, err := url.Parse(alert); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("monitoring.low_balance_alert_url must be an absolute URL, got %q", alert))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ResourceIDs returns the configured resource ids in stable order.
func (c *Config) ResourceIDs() []string {
	ids := make([]string, 0, len(c.Paywall.Resources))
	for id := range c.Paywall.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}

// reservedPath reports whether path is taken by a built-in route.
func reservedPath(path string) bool {
	switch path {
	case "/health", "/public", "/metrics":
		return true
	}
	return path == "/facilitator" || strings.HasPrefix(path, "/facilitator/")
}
