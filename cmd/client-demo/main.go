// Command client-demo is a minimal CLI exercising the full marketplace
// round trip from the command line: it asks a question, waits for
// bids, pays whichever experts quote, and prints every reply as it
// streams in. Built against pkg/sdk rather than internal/clientsession
// directly, the way an external application would use this module.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nostrmarket/askexperts/internal/payment/nwc"
	"github.com/nostrmarket/askexperts/internal/relaypool"
	"github.com/nostrmarket/askexperts/pkg/sdk"
)

func main() {
	var (
		relays   = flag.String("relays", os.Getenv("ASKEXPERTS_RELAYS"), "comma-separated relay URLs")
		hashtags = flag.String("hashtags", "", "comma-separated hashtags to match experts on")
		pubkeys  = flag.String("experts", "", "comma-separated expert pubkeys to ask directly")
		walletNWC = flag.String("wallet", os.Getenv("ASKEXPERTS_WALLET_NWC"), "NWC connection string for payment")
		maxBid   = flag.Int64("max-bid-sats", 0, "reject quotes above this amount (0 = no limit)")
	)
	flag.Parse()

	prompt := strings.Join(flag.Args(), " ")
	if prompt == "" {
		log.Fatal("usage: client-demo [flags] <prompt text>")
	}
	if *relays == "" {
		log.Fatal("-relays (or ASKEXPERTS_RELAYS) is required")
	}
	if *walletNWC == "" {
		log.Fatal("-wallet (or ASKEXPERTS_WALLET_NWC) is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pool := relaypool.New(ctx)
	defer pool.Close()

	backend, err := nwc.NewClient(*walletNWC, pool)
	if err != nil {
		log.Fatalf("connect wallet: %v", err)
	}

	client, err := sdk.NewClient(ctx, sdk.Config{
		Relays:  strings.Split(*relays, ","),
		Backend: backend,
	})
	if err != nil {
		log.Fatalf("build client: %v", err)
	}
	defer client.Close()

	opts := sdk.AskOptions{
		Hashtags:      splitNonEmpty(*hashtags),
		ExpertPubkeys: splitNonEmpty(*pubkeys),
	}
	if *maxBid > 0 {
		opts.MaxBidSats = maxBid
	}
	opts.OnQuote = func(expertPubkey string, amountSats int64) bool {
		fmt.Printf("quote from %s: %d sats, accepting\n", shortPub(expertPubkey), amountSats)
		return true
	}

	summary, err := client.Ask(ctx, prompt, opts, func(reply sdk.Reply) {
		if reply.Err != nil {
			fmt.Printf("[%s] error: %v\n", shortPub(reply.ExpertPubkey), reply.Err)
			return
		}
		fmt.Print(reply.Content)
		if reply.Done {
			fmt.Println()
		}
	})
	if err != nil {
		log.Fatalf("ask failed: %v", err)
	}

	fmt.Printf("\nsent=%d received=%d failed=%d timeout=%d failed_payments=%d\n",
		summary.Sent, summary.Received, summary.Failed, summary.Timeout, summary.FailedPayments)
	if !summary.Succeeded() {
		os.Exit(1)
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func shortPub(pub string) string {
	if len(pub) <= 12 {
		return pub
	}
	return pub[:12] + "…"
}
