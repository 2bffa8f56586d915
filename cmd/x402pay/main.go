// Command x402pay buys an x402-protected resource with an EIP-3009 authorization.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/CedrosPay/x402-demo/pkg/payer"
	"github.com/CedrosPay/x402-demo/pkg/x402/evm"
)

func main() {
	_ = godotenv.Load()

	var (
		serverURL = flag.String("server", "http://localhost:3402", "x402 demo server base URL")
		resource  = flag.String("resource", "/premium-data", "resource path to purchase")
		keyHex    = flag.String("key", os.Getenv("X402_PAYER_PRIVATE_KEY"), "payer private key (hex, defaults to $X402_PAYER_PRIVATE_KEY)")
		timeout   = flag.Duration("timeout", 90*time.Second, "overall request timeout")
	)
	flag.Parse()

	if *keyHex == "" {
		log.Fatal("key flag or X402_PAYER_PRIVATE_KEY is required")
	}
	signer, err := evm.NewSigner(*keyHex)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	url := strings.TrimRight(*serverURL, "/") + "/" + strings.TrimLeft(*resource, "/")
	client := &payer.Client{HTTP: &http.Client{Timeout: *timeout}, Signer: signer}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	log.Printf("payer %s requesting %s", signer.Address().Hex(), url)
	result, err := client.Fetch(ctx, url)
	if err != nil {
		var perr *payer.PaymentError
		if errors.As(err, &perr) {
			log.Fatalf("payment rejected (HTTP %d): %v", perr.Status, perr)
		}
		log.Fatalf("fetch: %v", err)
	}

	if !result.Paid {
		log.Printf("resource served without payment (HTTP %d)", result.Status)
	} else {
		req := result.Requirement
		log.Printf("paid %s atomic units of %s on %s to %s", req.MaxAmountRequired, req.Asset, req.Network, req.PayTo)
		if result.Payment != nil {
			log.Printf("tx: %s", result.Payment.TxHash)
			if result.Payment.Explorer != "" {
				log.Printf("explorer: %s", result.Payment.Explorer)
			}
		}
		if s := result.Settlement; s != nil {
			log.Printf("settlement: success=%t network=%s payer=%s", s.Success, s.NetworkID, s.Payer)
		}
	}

	printBody(result.Body)
}

func printBody(body []byte) {
	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}
