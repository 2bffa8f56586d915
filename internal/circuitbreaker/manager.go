package circuitbreaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/CedrosPay/x402-demo/internal/config"
)

// ServiceType identifies different external services for circuit breaker isolation.
type ServiceType string

const (
	ServiceFacilitator ServiceType = "facilitator"
	ServiceChainRPC    ServiceType = "chain_rpc"
)

// Manager holds one circuit breaker per external service so a failing
// facilitator cannot trip chain RPC calls and vice versa.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds circuit breaker configuration for all services.
type Config struct {
	Enabled     bool
	Facilitator BreakerConfig
	ChainRPC    BreakerConfig

	// Logger receives state transitions. Zero value discards them.
	Logger zerolog.Logger
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests is the number of requests allowed through while half-open.
	MaxRequests uint32
	// Interval clears the counts while closed. 0 never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// Trip on ConsecutiveFailures, or when FailureRatio is reached after MinRequests.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a circuit breaker manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, logger zerolog.Logger) *Manager {
	return NewManager(Config{
		Enabled:     cfg.Enabled,
		Facilitator: fromServiceConfig(cfg.Facilitator),
		ChainRPC:    fromServiceConfig(cfg.ChainRPC),
		Logger:      logger,
	})
}

func fromServiceConfig(cfg config.BreakerServiceConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         cfg.MaxRequests,
		Interval:            cfg.Interval.Duration,
		Timeout:             cfg.Timeout.Duration,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		FailureRatio:        cfg.FailureRatio,
		MinRequests:         cfg.MinRequests,
	}
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}
	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceFacilitator] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceFacilitator), cfg.Facilitator, cfg.Logger))
	m.breakers[ServiceChainRPC] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(ServiceChainRPC), cfg.ChainRPC, cfg.Logger))
	return m
}

// Execute wraps a function call with circuit breaker protection.
// A nil manager, a disabled manager, or an unknown service executes fn directly.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if m == nil || !m.config.Enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// Do is a typed convenience over Execute.
func Do[T any](m *Manager, service ServiceType, fn func() (T, error)) (T, error) {
	out, err := m.Execute(service, func() (interface{}, error) {
		return fn()
	})
	v, _ := out.(T)
	return v, err
}

// IsOpen reports whether err was produced by a breaker rejecting the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State returns the current state of a circuit breaker.
// Returns "disabled" if circuit breakers are not enabled or service not found.
func (m *Manager) State(service ServiceType) string {
	if m == nil || !m.config.Enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

// Counts returns the current counts for a circuit breaker.
func (m *Manager) Counts(service ServiceType) Counts {
	if m == nil || !m.config.Enabled {
		return Counts{}
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}

	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func toGobreakerSettings(name string, cfg BreakerConfig, logger zerolog.Logger) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRate >= cfg.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_changed")
		},
	}
}

// DefaultConfig returns the defaults used when no config file is given.
func DefaultConfig() Config {
	service := BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return Config{
		Enabled:     true,
		Facilitator: service,
		ChainRPC:    service,
		Logger:      zerolog.Nop(),
	}
}
