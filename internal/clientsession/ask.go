package clientsession

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/nostrcrypto"
)

// AskParams configures a full multi-expert ask: discovery plus the
// per-expert pipeline for every bid discovery turns up.
type AskParams struct {
	Find        FindExpertsParams
	Format      market.Format
	Compression nostrcrypto.Compression
	Content     []byte

	OnQuote             func(market.Quote) bool
	OnMaxAmountExceeded func(market.Quote) bool
	OnReply             func(expertPubkey string, reply market.Reply)

	QuoteTimeout time.Duration
	ReplyTimeout time.Duration
}

// Ask runs FindExperts then, concurrently, AskExpert against every bid
// returned, summarizing outcomes into an AskResult.
// OnReply, if set, is invoked for every reply chunk from every expert
// as it arrives, in addition to the chunk being counted.
func (c *Client) Ask(ctx context.Context, p AskParams) (market.AskResult, error) {
	bids, askID, err := c.FindExperts(ctx, p.Find)
	if err != nil {
		return market.AskResult{}, err
	}

	result := market.AskResult{Sent: len(bids)}
	if len(bids) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, bid := range bids {
		bid := bid
		relays := bid.Relays
		if len(relays) == 0 {
			relays = p.Find.Relays
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			status, errOut := c.runOne(ctx, p, askID, bid, relays)

			mu.Lock()
			defer mu.Unlock()
			result.PerExpert = append(result.PerExpert, market.ExpertResult{
				ExpertPubkey: bid.ExpertPubkey,
				Status:       status,
				Err:          errOut,
			})
			switch status {
			case "received":
				result.Received++
			case "timeout":
				result.Timeout++
			case "failed_payment":
				result.FailedPayments++
			default:
				result.Failed++
			}
		}()
	}
	wg.Wait()

	return result, nil
}

func (c *Client) runOne(ctx context.Context, p AskParams, askID string, bid market.Bid, relays []string) (status string, err error) {
	replies, err := c.AskExpertByID(ctx, askID, AskExpertParams{
		Bid:                 bid,
		Relays:              relays,
		Format:              p.Format,
		Compression:         p.Compression,
		Content:             p.Content,
		OnQuote:             p.OnQuote,
		OnMaxAmountExceeded: p.OnMaxAmountExceeded,
		MaxBidSats:          p.Find.MaxBidSats,
		QuoteTimeout:        p.QuoteTimeout,
		ReplyTimeout:        p.ReplyTimeout,
	})
	if err != nil {
		if errors.Is(err, market.ErrSessionNotFound) {
			return "failed", err
		}
		if errors.Is(err, market.ErrQuoteTimeout) || errors.Is(err, market.ErrReplyTimeout) {
			return "timeout", err
		}
		if errors.Is(err, market.ErrPaymentFailed) {
			return "failed_payment", err
		}
		return "failed", err
	}

	gotOne := false
	for reply := range replies {
		if p.OnReply != nil {
			p.OnReply(bid.ExpertPubkey, reply)
		}
		if reply.Error != "" {
			return "failed", errString(reply.Error)
		}
		gotOne = true
		if reply.Done {
			break
		}
	}
	if !gotOne {
		return "timeout", market.ErrReplyTimeout
	}
	return "received", nil
}

type errString string

func (e errString) Error() string { return string(e) }
