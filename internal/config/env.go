package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// Namespaced variables use the X402_ prefix; the plain names PORT,
// SERVER_WALLET_ADDRESS and FACILITATOR_URL are honored for compatibility
// with the original demo scripts.
func (c *Config) applyEnvOverrides() {
	// Server config
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.Server.Address = ":" + strings.TrimPrefix(port, ":")
	}
	setIfEnv(&c.Server.Address, "X402_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "X402_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "X402_ADMIN_METRICS_API_KEY")
	if origins := os.Getenv("X402_CORS_ALLOWED_ORIGINS"); origins != "" {
		c.Server.CORSAllowedOrigins = splitList(origins)
	}

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "X402_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "X402_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "X402_ENVIRONMENT")

	// x402 config
	setIfEnv(&c.X402.PayTo, "SERVER_WALLET_ADDRESS")
	setIfEnv(&c.X402.PayTo, "X402_PAY_TO")
	setIfEnv(&c.X402.Asset, "X402_ASSET")
	setIfEnv(&c.X402.Network, "X402_NETWORK")
	setIfEnv(&c.X402.TokenName, "X402_TOKEN_NAME")
	setIfEnv(&c.X402.TokenVersion, "X402_TOKEN_VERSION")
	setIntIfEnv(&c.X402.MaxTimeoutSeconds, "X402_MAX_TIMEOUT_SECONDS")
	setDurationIfEnv(&c.X402.NonceTTL, "X402_NONCE_TTL")
	setIfEnv(&c.X402.ExplorerTxURL, "X402_EXPLORER_TX_URL")

	// Facilitator config
	setIfEnv(&c.Facilitator.URL, "FACILITATOR_URL")
	setIfEnv(&c.Facilitator.URL, "X402_FACILITATOR_URL")
	setIfEnv(&c.Facilitator.Mode, "X402_FACILITATOR_MODE")
	setDurationIfEnv(&c.Facilitator.Timeout, "X402_FACILITATOR_TIMEOUT")
	setIfEnv(&c.Facilitator.Local.Submitter, "X402_FACILITATOR_SUBMITTER")
	setIfEnv(&c.Facilitator.Local.RPCURL, "X402_FACILITATOR_RPC_URL")
	setIfEnv(&c.Facilitator.Local.PrivateKey, "X402_FACILITATOR_PRIVATE_KEY")
	if networks := os.Getenv("X402_FACILITATOR_NETWORKS"); networks != "" {
		c.Facilitator.Local.Networks = splitList(networks)
	}

	// Storage config
	setIfEnv(&c.Storage.Backend, "X402_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "X402_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "X402_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "X402_MONGODB_DATABASE")
	setDurationIfEnv(&c.Storage.CleanupInterval, "X402_STORAGE_CLEANUP_INTERVAL")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "X402_RATE_LIMIT_GLOBAL_ENABLED")
	setBoolIfEnv(&c.RateLimit.PerPayerEnabled, "X402_RATE_LIMIT_PER_PAYER_ENABLED")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "X402_RATE_LIMIT_PER_IP_ENABLED")

	// Monitoring config
	setIfEnv(&c.Monitoring.LowBalanceAlertURL, "X402_LOW_BALANCE_ALERT_URL")
	setDurationIfEnv(&c.Monitoring.CheckInterval, "X402_LOW_BALANCE_CHECK_INTERVAL")
	if v := strings.TrimSpace(os.Getenv("X402_LOW_BALANCE_THRESHOLD")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Monitoring.LowBalanceThreshold = f
		}
	}

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "X402_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable, ignoring garbage.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
