// Package x402demo assembles the paywall, nonce registry, and facilitator
// into an embeddable HTTP application.
package x402demo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-demo/internal/circuitbreaker"
	"github.com/CedrosPay/x402-demo/internal/config"
	"github.com/CedrosPay/x402-demo/internal/dbpool"
	"github.com/CedrosPay/x402-demo/internal/facilitator"
	"github.com/CedrosPay/x402-demo/internal/httpserver"
	"github.com/CedrosPay/x402-demo/internal/lifecycle"
	"github.com/CedrosPay/x402-demo/internal/logger"
	"github.com/CedrosPay/x402-demo/internal/metrics"
	"github.com/CedrosPay/x402-demo/internal/monitoring"
	"github.com/CedrosPay/x402-demo/internal/nonces"
	"github.com/CedrosPay/x402-demo/internal/paywall"
	"github.com/CedrosPay/x402-demo/internal/storage"
)

// App wires the x402 demo components for reuse or standalone serving.
type App struct {
	Config      *config.Config
	Store       storage.Store
	Registry    *nonces.Registry
	Facilitator facilitator.Client
	Paywall     *paywall.Service
	Metrics     *metrics.Metrics
	Breakers    *circuitbreaker.Manager

	router          chi.Router
	logger          zerolog.Logger
	gatherer        prometheus.Gatherer
	resourceManager *lifecycle.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store       storage.Store
	facilitator facilitator.Client
	router      chi.Router
	logger      *zerolog.Logger
	registry    *prometheus.Registry
}

// WithStore sets a custom nonce storage backend. The caller keeps ownership.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithFacilitator injects a facilitator client, bypassing facilitator.mode.
func WithFacilitator(fac facilitator.Client) Option {
	return func(o *options) {
		o.facilitator = fac
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithLogger replaces the logger built from the logging config section.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// WithPrometheusRegistry registers metrics on reg instead of the default
// registerer. /metrics then serves reg.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = reg
	}
}

// NewApp assembles the demo services. Close releases everything it opened,
// newest first.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("x402demo: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "x402-demo",
		Environment: cfg.Logging.Environment,
	})
	if optState.logger != nil {
		appLogger = *optState.logger
	}

	app := &App{
		Config:          cfg,
		logger:          appLogger,
		resourceManager: lifecycle.NewManager(appLogger),
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	app.gatherer = prometheus.DefaultGatherer
	if optState.registry != nil {
		registerer = optState.registry
		app.gatherer = optState.registry
	}
	app.Metrics = metrics.New(registerer)
	app.Breakers = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, appLogger)

	if err := app.initStore(ctx, optState.store); err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Registry = nonces.New(app.Store,
		nonces.WithMetrics(app.Metrics),
		nonces.WithLogger(appLogger),
		nonces.WithSweepInterval(cfg.Storage.CleanupInterval.Duration),
	)
	app.Registry.Start(context.Background())
	app.resourceManager.Register("nonce-registry", app.Registry)

	if optState.facilitator != nil {
		app.Facilitator = optState.facilitator
	} else if err := app.initFacilitator(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Paywall = paywall.NewService(cfg, app.Registry, app.Facilitator, app.Metrics)

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, cfg, app.Paywall, app.Registry, app.Metrics, app.gatherer, appLogger)

	return app, nil
}

// initStore opens the configured nonce backend unless one was injected.
// Postgres goes through a shared pool so the store does not own the DB.
func (a *App) initStore(ctx context.Context, injected storage.Store) error {
	if injected != nil {
		a.Store = injected
		return nil
	}

	storeCfg := storage.StoreConfigFrom(a.Config.Storage, a.Metrics)

	autodetect := storeCfg.Backend == ""
	var sharedDB *sql.DB
	if storeCfg.PostgresURL != "" && (storeCfg.Backend == "postgres" || autodetect) {
		pool, err := dbpool.NewSharedPool(ctx, storeCfg.PostgresURL, storeCfg.PostgresPool)
		if err != nil {
			return fmt.Errorf("init postgres pool: %w", err)
		}
		a.resourceManager.Register("postgres-pool", pool)
		sharedDB = pool.DB()
	}

	store, err := storage.NewStoreWithDB(storeCfg, sharedDB)
	if err != nil {
		return fmt.Errorf("init nonce store: %w", err)
	}
	if storeCfg.Backend == "memory" || (autodetect && sharedDB == nil && storeCfg.MongoDBURL == "") {
		a.logger.Warn().Msg("x402demo: in-memory nonce store loses replay protection on restart")
	}
	a.Store = store
	a.resourceManager.Register("nonce-store", store)
	return nil
}

// initFacilitator builds the remote client or the in-process facilitator.
func (a *App) initFacilitator(ctx context.Context) error {
	cfg := a.Config.Facilitator

	switch cfg.Mode {
	case "", "remote":
		a.Facilitator = facilitator.NewHTTPClient(cfg.URL, cfg.Timeout.Duration,
			facilitator.WithBreakers(a.Breakers),
			facilitator.WithHTTPMetrics(a.Metrics),
			facilitator.WithHTTPLogger(a.logger),
		)
		a.logger.Info().Str("url", cfg.URL).Msg("x402demo.facilitator_remote")
		return nil

	case "local":
		var submitter facilitator.Submitter = facilitator.SimulatedSubmitter{}
		if cfg.Local.Submitter == "chain" {
			chain, err := facilitator.DialChainSubmitter(ctx, facilitator.ChainSubmitterConfig{
				RPCURL:         cfg.Local.RPCURL,
				PrivateKey:     cfg.Local.PrivateKey,
				Network:        a.Config.X402.Network,
				ReceiptTimeout: cfg.Local.ReceiptTimeout.Duration,
				Breakers:       a.Breakers,
				Metrics:        a.Metrics,
				Logger:         a.logger,
			})
			if err != nil {
				return fmt.Errorf("init chain submitter: %w", err)
			}
			a.resourceManager.Register("chain-submitter", chain)
			submitter = chain
			a.logger.Info().
				Str("network", a.Config.X402.Network).
				Str("sender", logger.TruncateAddress(chain.Address().Hex())).
				Msg("x402demo.chain_submitter_ready")

			monitor := monitoring.NewBalanceMonitor(a.Config.Monitoring, chain, a.Metrics, a.logger)
			monitor.Start(context.Background())
			a.resourceManager.Register("balance-monitor", monitor)
		} else {
			a.logger.Warn().Msg("x402demo: local facilitator simulates settlement, no funds move")
		}

		a.Facilitator = facilitator.NewLocal(submitter, cfg.Local.Networks,
			facilitator.WithLocalLogger(a.logger),
			facilitator.WithLocalMetrics(a.Metrics),
		)
		return nil
	}
	return fmt.Errorf("unknown facilitator mode %q", cfg.Mode)
}

// Router returns the chi router with the demo routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Logger returns the application logger.
func (a *App) Logger() zerolog.Logger {
	return a.logger
}

// Close stops the sweeper and releases stores and RPC connections.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// RegisterRoutes attaches the demo endpoints to router using an existing App.
func RegisterRoutes(router chi.Router, app *App) {
	if router == nil || app == nil {
		return
	}
	httpserver.ConfigureRouter(router, app.Config, app.Paywall, app.Registry, app.Metrics, app.gatherer, app.logger)
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(ctx context.Context, cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the demo.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
