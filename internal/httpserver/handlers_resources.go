package httpserver

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/CedrosPay/x402-demo/internal/logger"
	"github.com/CedrosPay/x402-demo/internal/paywall"
	"github.com/CedrosPay/x402-demo/pkg/responders"
)

type premiumData struct {
	Secret         string   `json:"secret"`
	BitcoinPrice   string   `json:"bitcoinPrice"`
	EthereumPrice  string   `json:"ethereumPrice"`
	MarketInsights []string `json:"marketInsights"`
}

type apiCallResult struct {
	Status    string `json:"status"`
	Data      string `json:"data"`
	RequestID string `json:"requestId"`
}

func (h *handlers) public(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"message":   "This is a public endpoint, no payment required!",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// premiumData runs behind the paywall; the receipt is in the request context.
func (h *handlers) premiumData(w http.ResponseWriter, r *http.Request) {
	receipt, _ := paywall.ReceiptFromContext(r.Context())

	responders.JSON(w, http.StatusOK, map[string]any{
		"message": "Payment successful! Here is your premium data.",
		"data": premiumData{
			Secret:        "This is valuable premium content!",
			BitcoinPrice:  "$94,523.45",
			EthereumPrice: "$3,234.12",
			MarketInsights: []string{
				"BTC showing bullish momentum",
				"ETH upgrade scheduled for Q2",
				"DeFi TVL reaching new highs",
			},
		},
		"payment":   receipt,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (h *handlers) apiCall(w http.ResponseWriter, r *http.Request) {
	receipt, _ := paywall.ReceiptFromContext(r.Context())

	requestID, err := randomHex(16)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("api_call.request_id_failed")
		requestID = logger.GetRequestID(r.Context())
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"message": "API call successful!",
		"result": apiCallResult{
			Status:    "ok",
			Data:      "Your API request has been processed",
			RequestID: requestID,
		},
		"payment": receipt,
	})
}

// resourceHandler picks the payload served for a priced resource. Resources
// without a dedicated payload get pricedResource.
func (h *handlers) resourceHandler(resourceID string) http.HandlerFunc {
	switch resourceID {
	case "premium-data":
		return h.premiumData
	case "api-call":
		return h.apiCall
	}
	return func(w http.ResponseWriter, r *http.Request) {
		h.pricedResource(w, r, resourceID)
	}
}

func (h *handlers) pricedResource(w http.ResponseWriter, r *http.Request, resourceID string) {
	receipt, _ := paywall.ReceiptFromContext(r.Context())
	resource, _ := h.paywall.ResourceDefinition(resourceID)

	responders.JSON(w, http.StatusOK, map[string]any{
		"message": "Payment successful!",
		"resource": map[string]string{
			"id":          resourceID,
			"description": resource.Description,
		},
		"payment":   receipt,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
