package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/CedrosPay/x402-demo/internal/httpserver"
	"github.com/CedrosPay/x402-demo/pkg/x402demo"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfgPath := flag.String("config", os.Getenv("X402_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	// A missing .env is normal in production.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("server.dotenv_failed")
	}

	cfg, err := x402demo.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("server.config_invalid")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := x402demo.NewApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("server.init_failed")
	}
	logger := app.Logger()

	srv := httpserver.Wrap(cfg, app.Handler())
	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("address", srv.Addr()).
			Str("network", cfg.X402.Network).
			Str("facilitator_mode", cfg.Facilitator.Mode).
			Str("storage", cfg.Storage.Backend).
			Msg("server.listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("server.shutdown_requested")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server.listen_failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server.shutdown_failed")
	}
	if err := app.Close(); err != nil {
		logger.Error().Err(err).Msg("server.close_failed")
		os.Exit(1)
	}
	logger.Info().Msg("server.stopped")
}
