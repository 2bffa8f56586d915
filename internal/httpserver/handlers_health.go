package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/CedrosPay/x402-demo/internal/logger"
	"github.com/CedrosPay/x402-demo/pkg/responders"
)

const healthCheckTimeout = 3 * time.Second

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Facilitator string `json:"facilitator"`
	Storage     string `json:"storage"`
}

// health reports "ok" when both the facilitator and the nonce store answer,
// and "degraded" (503) otherwise.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:      "ok",
		Uptime:      time.Since(serverStartTime).Round(time.Second).String(),
		Facilitator: "ok",
		Storage:     "ok",
	}
	log := logger.FromContext(r.Context())

	if h.paywall == nil || h.paywall.Facilitator() == nil {
		resp.Facilitator = "unconfigured"
	} else if _, err := h.paywall.Facilitator().Supported(ctx); err != nil {
		log.Warn().Err(err).Msg("health.facilitator_unavailable")
		resp.Facilitator = "unavailable"
	}

	if h.storage == nil {
		resp.Storage = "unconfigured"
	} else if err := h.storage.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health.storage_unavailable")
		resp.Storage = "unavailable"
	}

	status := http.StatusOK
	if resp.Facilitator != "ok" || resp.Storage != "ok" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	responders.JSON(w, status, resp)
}
