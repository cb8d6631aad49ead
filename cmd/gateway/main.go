// Command gateway runs the OpenAI-compatible HTTP front for the
// marketplace client: it holds the caller's own NWC wallet and
// answers /v1/chat/completions by running a full ask against whatever
// experts match.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nostrmarket/askexperts/internal/clientsession"
	"github.com/nostrmarket/askexperts/internal/config"
	"github.com/nostrmarket/askexperts/internal/httpproxy"
	"github.com/nostrmarket/askexperts/internal/payment/nwc"
	"github.com/nostrmarket/askexperts/internal/relaypool"
)

func main() {
	log.Println("starting askexperts gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("ASKEXPERTS_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if len(cfg.Relays.Discovery) == 0 {
		log.Fatal("ASKEXPERTS_RELAYS (or relays.discovery) must name at least one relay")
	}

	walletNWC := os.Getenv("ASKEXPERTS_WALLET_NWC")
	if walletNWC == "" {
		log.Fatal("ASKEXPERTS_WALLET_NWC must be set to the gateway's own wallet connection string")
	}

	pool := relaypool.New(ctx)
	defer pool.Close()

	backend, err := nwc.NewClient(walletNWC, pool)
	if err != nil {
		log.Fatalf("connect wallet: %v", err)
	}

	srv := &httpproxy.Server{
		Client:          &clientsession.Client{Pool: pool, Backend: backend},
		Relays:          cfg.Relays.Discovery,
		DefaultHashtags: cfg.Gateway.Hashtags,
	}

	addr := cfg.Gateway.ListenAddr
	log.Printf("gateway listening on %s", addr)
	if err := srv.ListenAndServe(addr); err != nil {
		log.Fatalf("gateway server failed: %v", err)
	}
}
