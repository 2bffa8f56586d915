// Package responders writes JSON HTTP responses.
package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes an application/json response with status code and payload.
// HTML escaping is off so URLs in receipts stay readable.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// PaymentRequired writes a 402 challenge. Challenges carry a single-use
// nonce, so they are never cacheable.
func PaymentRequired(w http.ResponseWriter, challenge any) {
	w.Header().Set("Cache-Control", "no-store")
	JSON(w, http.StatusPaymentRequired, challenge)
}
