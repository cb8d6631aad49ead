// Command worker runs the Expert Worker: it dials the scheduler's
// control plane, and for every job it is handed, starts an expert
// instance that publishes a profile, bids on matching asks, and
// serves prompts end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nostrmarket/askexperts/internal/config"
	"github.com/nostrmarket/askexperts/internal/contextprovider"
	"github.com/nostrmarket/askexperts/internal/expertsession"
	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/nostrcrypto"
	"github.com/nostrmarket/askexperts/internal/payment/nwc"
	"github.com/nostrmarket/askexperts/internal/relaypool"
	"github.com/nostrmarket/askexperts/internal/replygen"
	"github.com/nostrmarket/askexperts/internal/replygen/openaiformat"
	"github.com/nostrmarket/askexperts/internal/scheduler"
	"github.com/nostrmarket/askexperts/internal/worker"
)

// instance bundles a Listener with the relay pool it owns, so Run can
// close the pool once the job is cancelled.
type instance struct {
	pool     *relaypool.Pool
	listener *expertsession.Listener
}

func (i *instance) Run(ctx context.Context) error {
	defer i.pool.Close()
	return i.listener.Run(ctx)
}

// walletClients multiplexes NWC wallet connections by wallet id so
// multiple experts sharing a wallet share one connection.
// The shared relay pool behind them lives for the process.
type walletClients struct {
	pool *relaypool.Pool

	mu      sync.Mutex
	clients map[int64]*nwc.Client
}

func newWalletClients() *walletClients {
	return &walletClients{
		pool:    relaypool.New(context.Background()),
		clients: make(map[int64]*nwc.Client),
	}
}

func (w *walletClients) get(walletID int64, nwcString string) (*nwc.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c, ok := w.clients[walletID]; ok {
		return c, nil
	}
	c, err := nwc.NewClient(nwcString, w.pool)
	if err != nil {
		return nil, err
	}
	w.clients[walletID] = c
	return c, nil
}

func (w *walletClients) Close() {
	w.pool.Close()
}

// newInstanceFactory builds a worker.Factory that wires one expert
// job's NWC wallet, pricer, and reply generator into a fresh
// relaypool + expertsession.Engine + expertsession.Listener.
func newInstanceFactory(cfg config.Config, wallets *walletClients, log *slog.Logger) worker.Factory {
	return func(job scheduler.JobSpec) (worker.Instance, error) {
		if job.NWC == "" {
			return nil, fmt.Errorf("worker: expert %s has no NWC wallet configured", job.Pubkey)
		}

		backend, err := wallets.get(job.WalletID, job.NWC)
		if err != nil {
			return nil, fmt.Errorf("worker: connect wallet for %s: %w", job.Pubkey, err)
		}

		pool := relaypool.New(context.Background())

		identity := nostrcrypto.KeyPair{Priv: job.Privkey, Pub: job.Pubkey}

		pricer := &expertsession.DefaultPricer{
			Context:              contextprovider.NewMemoryProvider(nil),
			Backend:              backend,
			PriceIn:              1,
			PriceOut:             2,
			Margin:               0.1,
			InvoiceExpirySeconds: 600,
		}

		var generator replygen.Generator = &replygen.Fixed{
			Content: []byte("this expert has not been given a reply generator yet"),
		}
		if job.Type == "openai" {
			generator = &openaiformat.Adapter{Inner: generator}
		}

		engine := &expertsession.Engine{
			Identity: identity,
			Pool:     pool,
			Backend:  backend,
			Pricer:   pricer,
			Replies:  generator,
			Log:      log.With("expert", job.Pubkey),
		}

		listener := &expertsession.Listener{
			Identity:        identity,
			Pool:            pool,
			DiscoveryRelays: cfg.Relays.Discovery,
			Profile: expertsession.Profile{
				Hashtags: hashtagsFor(job),
				Format:   formatFor(job),
				Method:   market.MethodLightning,
				Relays:   cfg.Relays.Discovery,
			},
			Bidder: &fixedPriceBidder{},
			Engine: engine,
			Log:    log.With("expert", job.Pubkey),
		}

		return &instance{pool: pool, listener: listener}, nil
	}
}

func hashtagsFor(job scheduler.JobSpec) []string {
	if tags, ok := job.Env["hashtags"]; ok && tags != "" {
		return []string{tags}
	}
	return []string{job.Type}
}

func formatFor(job scheduler.JobSpec) market.Format {
	if job.Type == "openai" {
		return market.FormatOpenAI
	}
	return market.FormatText
}

// fixedPriceBidder bids on every matching ask with a flat headline
// offer; real deployments supply a Bidder informed by docstore
// coverage and wallet balance instead.
type fixedPriceBidder struct{}

func (fixedPriceBidder) Bid(_ context.Context, ask market.Ask) (*expertsession.ExpertBid, error) {
	return &expertsession.ExpertBid{Offer: "happy to help with: " + ask.Summary}, nil
}

func main() {
	log.Println("starting expert worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("ASKEXPERTS_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Worker.SchedulerURL == "" {
		log.Fatal("ASKEXPERTS_SCHEDULER_URL (or worker.scheduler_url) must be set")
	}

	slogger := slog.Default()

	wallets := newWalletClients()
	defer wallets.Close()

	w := &worker.Worker{
		SchedulerURL: cfg.Worker.SchedulerURL,
		Capacity:     cfg.Worker.Capacity,
		Types:        cfg.Worker.Types,
		ID:           cfg.Worker.ID,
		NewInstance:  newInstanceFactory(cfg, wallets, slogger),
		Log:          slogger,
	}

	log.Printf("worker connecting to scheduler at %s (capacity %d)", cfg.Worker.SchedulerURL, cfg.Worker.Capacity)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker exited: %v", err)
	}
}
