package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-demo/internal/config"
	"github.com/CedrosPay/x402-demo/internal/logger"
	"github.com/CedrosPay/x402-demo/internal/metrics"
	"github.com/CedrosPay/x402-demo/internal/paywall"
	"github.com/CedrosPay/x402-demo/internal/ratelimit"
	"github.com/CedrosPay/x402-demo/pkg/x402"
)

var (
	serverStartTime = time.Now()
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server owns the listening http.Server.
type Server struct {
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	paywall  *paywall.Service
	storage  Pinger           // nonce registry backend, reported by /health
	metrics  *metrics.Metrics // Prometheus metrics collector
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, paywallSvc *paywall.Service, storage Pinger, metricsCollector *metrics.Metrics, gatherer prometheus.Gatherer, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()
	ConfigureRouter(router, cfg, paywallSvc, storage, metricsCollector, gatherer, appLogger)
	return Wrap(cfg, router)
}

// Wrap serves an already configured handler with the server timeouts from cfg.
func Wrap(cfg *config.Config, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

// ConfigureRouter attaches the demo routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, paywallSvc *paywall.Service, storage Pinger, metricsCollector *metrics.Metrics, gatherer prometheus.Gatherer, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:      cfg,
		paywall:  paywallSvc,
		storage:  storage,
		metrics:  metricsCollector,
		gatherer: gatherer,
		logger:   appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{x402.PaymentResponseHeader, "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	// Logger first so the request id is in context for everything below.
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.ConfigFrom(cfg.RateLimit, metricsCollector)
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.PayerLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints: health, metrics, and the free resource.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/health", handler.health)
		r.Get(prefix+"/public", handler.public)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", handler.metricsHandler())
	})

	// Paid resources and the facilitator proxy wait on settlement. No request
	// deadline here: settlement is bounded by the facilitator timeout and the
	// receipt timeout, and must not be cut off once a nonce is consumed.
	router.Group(func(r chi.Router) {
		for _, id := range cfg.ResourceIDs() {
			r.With(paywallSvc.Middleware(paywall.StaticResource(id))).
				Get(handler.resourceRoute(id), handler.resourceHandler(id))
		}

		r.Post(prefix+"/facilitator/verify", handler.facilitatorVerify)
		r.Post(prefix+"/facilitator/settle", handler.facilitatorSettle)
		r.Get(prefix+"/facilitator/supported", handler.facilitatorSupported)
	})
}

// resourceRoute returns the mounted path of a priced resource.
func (h *handlers) resourceRoute(resourceID string) string {
	resource, err := h.paywall.ResourceDefinition(resourceID)
	if err != nil {
		return h.cfg.Server.RoutePrefix + "/" + resourceID
	}
	return h.paywall.ResourcePath(resource)
}

func (h *handlers) metricsHandler() http.Handler {
	if h.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
