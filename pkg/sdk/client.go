// Package sdk is the small public Go SDK for embedding an
// askexperts marketplace client in an application: discover experts,
// pay them, and stream replies, without touching the relay/session
// wire format directly. It is a thin façade over internal/clientsession
// — the type an external module is allowed to import.
package sdk

import (
	"context"
	"fmt"
	"time"

	"github.com/nostrmarket/askexperts/internal/clientsession"
	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/nostrcrypto"
	"github.com/nostrmarket/askexperts/internal/payment"
	"github.com/nostrmarket/askexperts/internal/relaypool"
)

// Config wires a Client to its relay set and payment backend. Backend
// is the caller's wallet (e.g. payment/nwc.Client against their own
// NWC connection string) — this SDK never holds funds itself.
type Config struct {
	Relays  []string
	Backend payment.Backend
}

// Client is the embeddable askexperts SDK client.
type Client struct {
	relays []string
	inner  *clientsession.Client
	pool   *relaypool.Pool
}

// NewClient creates a Client. ctx governs the lifetime of the
// underlying relay pool's background connections; call Close when
// done.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("sdk: at least one relay is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("sdk: a payment backend is required")
	}

	pool := relaypool.New(ctx)
	return &Client{
		relays: cfg.Relays,
		pool:   pool,
		inner:  &clientsession.Client{Pool: pool, Backend: cfg.Backend},
	}, nil
}

// Close releases the client's relay connections.
func (c *Client) Close() {
	c.pool.Close()
}

// Ask runs a full marketplace round trip: discover experts matching
// opts, send prompt to every bidder concurrently, pay each accepted
// quote, and stream every expert's replies to onReply as they arrive.
// It returns once every expert's session has concluded (replied,
// failed, or timed out).
func (c *Client) Ask(ctx context.Context, prompt string, opts AskOptions, onReply func(Reply)) (Summary, error) {
	if len(opts.Hashtags) == 0 && len(opts.ExpertPubkeys) == 0 {
		return Summary{}, fmt.Errorf("%w: sdk.Ask needs hashtags or expert pubkeys", market.ErrInvalidArgument)
	}

	bidTimeout := opts.BidTimeout
	if bidTimeout == 0 {
		bidTimeout = 5 * time.Second
	}

	result, err := c.inner.Ask(ctx, clientsession.AskParams{
		Find: clientsession.FindExpertsParams{
			Summary:       prompt,
			Hashtags:      opts.Hashtags,
			ExpertPubkeys: opts.ExpertPubkeys,
			MaxBidSats:    opts.MaxBidSats,
			Relays:        c.relays,
			Timeout:       bidTimeout,
		},
		Format:      market.FormatText,
		Compression: nostrcrypto.CompressionGzip,
		Content:     []byte(prompt),
		OnQuote: func(q market.Quote) bool {
			if opts.OnQuote == nil || len(q.Invoices) == 0 {
				return true
			}
			return opts.OnQuote("", q.Invoices[0].AmountSats)
		},
		OnReply: func(expertPubkey string, r market.Reply) {
			if onReply == nil {
				return
			}
			var err error
			if r.Error != "" {
				err = fmt.Errorf("%s", r.Error)
			}
			onReply(Reply{ExpertPubkey: expertPubkey, Content: string(r.Content), Done: r.Done, Err: err})
		},
		QuoteTimeout: opts.QuoteTimeout,
		ReplyTimeout: opts.ReplyTimeout,
	})
	if err != nil {
		return Summary{}, err
	}

	return Summary{
		Sent:           result.Sent,
		Failed:         result.Failed,
		Received:       result.Received,
		Timeout:        result.Timeout,
		FailedPayments: result.FailedPayments,
	}, nil
}
