// Package clientsession implements the client side of the
// marketplace: publishing an Ask under a fresh ephemeral keypair,
// collecting Bids, running the per-expert
// quote/pay/proof/reply pipeline, and summarizing the outcome into an
// AskResult. Every ask gets its own ephemeral identity keypair and
// session key — the client's stable identity, if it has one, never
// touches the wire.
package clientsession

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/nostrcrypto"
	"github.com/nostrmarket/askexperts/internal/payment"
	"github.com/nostrmarket/askexperts/internal/payment/bolt11"
	"github.com/nostrmarket/askexperts/internal/relaypool"
)

// Client runs ask lifecycles against a relay pool and a payment
// backend able to pay invoices it receives from experts.
type Client struct {
	Pool    *relaypool.Pool
	Backend payment.Backend

	sessionsOnce sync.Once
	sessions     *sessionStore
}

// store returns the client's ask_id-indexed session store, created on
// first use so a zero-value Client{Pool: ..., Backend: ...} still works.
func (c *Client) store() *sessionStore {
	c.sessionsOnce.Do(func() { c.sessions = newSessionStore() })
	return c.sessions
}

// FindExpertsParams configures the discovery phase.
type FindExpertsParams struct {
	Summary       string
	Hashtags      []string
	ExpertPubkeys []string // optional directed targeting
	MaxBidSats    *int64
	Relays        []string
	Timeout       time.Duration // default 5s if zero
}

type wireAsk struct {
	Summary  string   `json:"summary"`
	Hashtags []string `json:"hashtags,omitempty"`
}

type wireBid struct {
	Offer      string `json:"offer"`
	BidSats    *int64 `json:"bid_sats,omitempty"`
	Relays     []string `json:"relays,omitempty"`
}

// FindExperts publishes an Ask under a fresh ephemeral keypair and
// collects Bids until Timeout elapses. Bids are deduplicated by
// expert pubkey (first bid wins) and filtered by MaxBidSats when set.
// It also opens this ask's session record — keyed by the returned
// ask_id and holding the ephemeral keypair plus a freshly generated
// session key — so a later AskExpertByID call needs only the ask_id
// to resume it.
func (c *Client) FindExperts(ctx context.Context, p FindExpertsParams) (bids []market.Bid, askID string, err error) {
	if len(p.Relays) == 0 {
		return nil, "", fmt.Errorf("%w: no discovery relays given", market.ErrInvalidArgument)
	}
	if len(p.Hashtags) == 0 && len(p.ExpertPubkeys) == 0 {
		return nil, "", fmt.Errorf("%w: an ask needs hashtags or directed expert pubkeys", market.ErrInvalidArgument)
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	askKeys, err := nostrcrypto.GenerateKeypair()
	if err != nil {
		return nil, "", fmt.Errorf("generate ask keypair: %w", err)
	}
	sessionKey, err := nostrcrypto.NewSessionKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate session key: %w", err)
	}

	body, err := json.Marshal(wireAsk{Summary: p.Summary, Hashtags: p.Hashtags})
	if err != nil {
		return nil, "", fmt.Errorf("marshal ask: %w", err)
	}

	tags := nostr.Tags{}
	for _, h := range p.Hashtags {
		tags = append(tags, nostr.Tag{"t", h})
	}
	for _, pk := range p.ExpertPubkeys {
		tags = append(tags, nostr.Tag{"p", pk})
	}

	askEvt := &nostr.Event{Kind: market.KindAsk, Content: string(body), Tags: tags}
	if err := nostrcrypto.Sign(askEvt, askKeys.Priv); err != nil {
		return nil, "", fmt.Errorf("sign ask: %w", err)
	}
	if _, err := c.Pool.Publish(ctx, askEvt, p.Relays); err != nil {
		return nil, "", fmt.Errorf("publish ask: %w", err)
	}

	c.store().put(newSession(askEvt.ID, askKeys, sessionKey))

	events, err := c.Pool.Fetch(ctx, nostr.Filter{
		Kinds: []int{market.KindBid},
		Tags:  nostr.TagMap{"e": []string{askEvt.ID}},
	}, p.Relays, timeout)
	if err != nil {
		return nil, askEvt.ID, fmt.Errorf("fetch bids: %w", err)
	}

	seen := make(map[string]bool, len(events))
	for _, evt := range events {
		if seen[evt.PubKey] {
			continue // first-bid-wins per expert
		}

		var w wireBid
		if err := json.Unmarshal([]byte(evt.Content), &w); err != nil {
			continue
		}
		if p.MaxBidSats != nil && w.BidSats != nil && *w.BidSats > *p.MaxBidSats {
			continue
		}

		seen[evt.PubKey] = true
		bids = append(bids, market.Bid{
			ID:           evt.ID,
			AskID:        askEvt.ID,
			ExpertPubkey: evt.PubKey,
			Offer:        w.Offer,
			BidSats:      w.BidSats,
			Relays:       w.Relays,
		})
	}

	return bids, askEvt.ID, nil
}

// AskExpertByID resumes the ask_id session FindExperts opened and runs
// AskExpert against it, filling in the session's client keypair and
// session key so the caller only has to supply the bid and prompt.
// It raises market.ErrSessionNotFound if ask_id names no session this
// client opened; sessions are never evicted from the store.
//
// Follow-up turns chain automatically: when a reply in this call's
// stream carries a followup_invoice, the expert's session context is
// updated so the next AskExpertByID call for the same expert uses
// that reply's id as its context_id. An explicit p.ContextID still
// wins over the stored context.
func (c *Client) AskExpertByID(ctx context.Context, askID string, p AskExpertParams) (<-chan market.Reply, error) {
	sess, ok := c.store().get(askID)
	if !ok {
		return nil, fmt.Errorf("%w: ask_id %s", market.ErrSessionNotFound, askID)
	}

	p.ClientKeys = sess.ClientKeys
	p.SessionKey = sess.SessionKey

	contextID := p.ContextID
	if contextID == "" {
		if stored, ok := sess.Context(p.Bid.ExpertPubkey); ok {
			contextID = stored.ContextID
		} else {
			contextID = p.Bid.ID
		}
	}
	p.ContextID = contextID
	sess.recordContext(p.Bid.ExpertPubkey, contextID)

	replies, err := c.AskExpert(ctx, p)
	if err != nil {
		return nil, err
	}

	out := make(chan market.Reply, 4)
	go func() {
		defer close(out)
		for reply := range replies {
			if reply.FollowupInvoice != nil {
				sess.recordFollowup(p.Bid.ExpertPubkey, reply.ID, reply.FollowupInvoice)
			}
			out <- reply
		}
	}()
	return out, nil
}

// AskExpertParams configures a single expert's quote/pay/proof/reply
// pipeline, driven after FindExperts has selected a bid to pursue.
type AskExpertParams struct {
	ClientKeys  nostrcrypto.KeyPair
	SessionKey  nostrcrypto.SessionKey
	Bid         market.Bid
	Relays      []string
	Format      market.Format
	Compression nostrcrypto.Compression
	Content     []byte

	// ContextID is the prompt's context_id: the bid_id for the first
	// turn in a session, or the id of the
	// previous reply carrying a follow-up invoice for any later turn.
	// Defaults to Bid.ID (first turn) when empty.
	ContextID string

	// OnQuote is called once a quote arrives; returning false
	// declines it (no payment, no proof) and AskExpert returns
	// market.ErrQuoteRejected.
	OnQuote func(market.Quote) bool
	// OnMaxAmountExceeded is called instead of OnQuote when the
	// quote's first invoice exceeds MaxBidSats; when it is nil, or
	// returns false, AskExpert returns market.ErrMaxAmountExceeded.
	OnMaxAmountExceeded func(market.Quote) bool
	MaxBidSats          *int64

	QuoteTimeout time.Duration // default 30s
	ReplyTimeout time.Duration // default 60s for the whole reply stream
}

// AskExpert runs the full per-expert pipeline against an already
// collected Bid: it publishes a Prompt, waits for a Quote, pays the
// chosen invoice, publishes a Proof, and streams Replies on the
// returned channel until one arrives with Done set. A failure before
// the proof is published (including a declined quote or a failed
// payment) is returned directly with a nil channel; once the proof is
// out, a failure is reported as a terminal Reply with a non-empty
// Error field, and the channel is always closed.
func (c *Client) AskExpert(ctx context.Context, p AskExpertParams) (<-chan market.Reply, error) {
	quoteTimeout := p.QuoteTimeout
	if quoteTimeout == 0 {
		quoteTimeout = 30 * time.Second
	}

	contextID := p.ContextID
	if contextID == "" {
		contextID = p.Bid.ID
	}
	promptEvt, err := c.publishPrompt(ctx, p, contextID)
	if err != nil {
		return nil, fmt.Errorf("publish prompt: %w", err)
	}

	quote, quoteEvt, err := c.awaitQuote(ctx, p, promptEvt.ID, quoteTimeout)
	if err != nil {
		return nil, err
	}
	if quote.Error != "" {
		return nil, fmt.Errorf("%w: %s", market.ErrQuoteRejected, quote.Error)
	}
	if len(quote.Invoices) == 0 {
		return nil, fmt.Errorf("%w: quote carried no invoices", market.ErrQuoteRejected)
	}

	invoice := quote.Invoices[0]
	decoded, err := bolt11.Decode(invoice.Bolt11, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	if err := bolt11.CheckAmount(decoded, invoice.AmountSats); err != nil {
		return nil, err
	}

	if p.MaxBidSats != nil && invoice.AmountSats > *p.MaxBidSats {
		accept := true
		if p.OnMaxAmountExceeded != nil {
			accept = p.OnMaxAmountExceeded(quote)
		} else {
			accept = false
		}
		if !accept {
			return nil, market.ErrMaxAmountExceeded
		}
	} else if p.OnQuote != nil {
		if !p.OnQuote(quote) {
			return nil, market.ErrQuoteRejected
		}
	}

	preimage, err := c.Backend.PayInvoice(ctx, invoice.Bolt11)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrPaymentFailed, err)
	}

	proofEvt, err := c.publishProof(ctx, p, quoteEvt.ID, preimage)
	if err != nil {
		return nil, fmt.Errorf("publish proof: %w", err)
	}

	out := make(chan market.Reply, 4)
	go c.streamReplies(ctx, p, proofEvt.ID, out)
	return out, nil
}

func (c *Client) publishPrompt(ctx context.Context, p AskExpertParams, contextID string) (*nostr.Event, error) {
	compressed, err := nostrcrypto.Compress(p.Content, p.Compression)
	if err != nil {
		return nil, err
	}
	ciphertext, err := nostrcrypto.Encrypt(compressed, p.SessionKey)
	if err != nil {
		return nil, err
	}

	tags := nostr.Tags{
		{"e", contextID},
		{"p", p.Bid.ExpertPubkey},
		{"format", string(p.Format)},
		{"compr", string(p.Compression)},
	}

	// The first prompt of an ask carries the session key, wrapped to
	// the expert's pubkey — never transmitted in the clear, never
	// reused outside this ask.
	// Every later prompt reuses contextID chaining instead, so the
	// expert derives the key once and caches it per ask.
	if contextID == p.Bid.ID {
		wrapped, err := nostrcrypto.WrapSessionKey(p.SessionKey, p.ClientKeys.Priv, p.Bid.ExpertPubkey)
		if err != nil {
			return nil, fmt.Errorf("wrap session key: %w", err)
		}
		tags = append(tags, nostr.Tag{"key", wrapped})
	}

	evt := &nostr.Event{
		Kind:    market.KindPrompt,
		Content: ciphertext,
		Tags:    tags,
	}
	if err := nostrcrypto.Sign(evt, p.ClientKeys.Priv); err != nil {
		return nil, err
	}
	if _, err := c.Pool.Publish(ctx, evt, p.Relays); err != nil {
		return nil, err
	}
	return evt, nil
}

func (c *Client) awaitQuote(ctx context.Context, p AskExpertParams, promptID string, timeout time.Duration) (market.Quote, *nostr.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	since := nostr.Now()
	sub, err := c.Pool.Subscribe(ctx, nostr.Filter{
		Kinds:   []int{market.KindQuote},
		Authors: []string{p.Bid.ExpertPubkey},
		Tags:    nostr.TagMap{"e": []string{promptID}},
		Since:   &since,
	}, p.Relays)
	if err != nil {
		return market.Quote{}, nil, err
	}
	defer sub.Close()

	select {
	case evt, ok := <-sub.Events:
		if !ok {
			return market.Quote{}, nil, market.ErrQuoteTimeout
		}
		q, err := decodeQuote(evt, p.SessionKey)
		return q, evt, err
	case <-ctx.Done():
		return market.Quote{}, nil, market.ErrQuoteTimeout
	}
}

func (c *Client) publishProof(ctx context.Context, p AskExpertParams, quoteEvtID string, preimage [32]byte) (*nostr.Event, error) {
	plain, err := json.Marshal(wireProof{Method: string(market.MethodLightning), Preimage: hex.EncodeToString(preimage[:])})
	if err != nil {
		return nil, err
	}
	ciphertext, err := nostrcrypto.Encrypt(plain, p.SessionKey)
	if err != nil {
		return nil, err
	}

	evt := &nostr.Event{
		Kind:    market.KindProof,
		Content: ciphertext,
		Tags:    nostr.Tags{{"e", quoteEvtID}, {"p", p.Bid.ExpertPubkey}},
	}
	if err := nostrcrypto.Sign(evt, p.ClientKeys.Priv); err != nil {
		return nil, err
	}
	if _, err := c.Pool.Publish(ctx, evt, p.Relays); err != nil {
		return nil, err
	}
	return evt, nil
}

func (c *Client) streamReplies(ctx context.Context, p AskExpertParams, proofID string, out chan<- market.Reply) {
	defer close(out)

	replyTimeout := p.ReplyTimeout
	if replyTimeout == 0 {
		replyTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	since := nostr.Now()
	sub, err := c.Pool.Subscribe(ctx, nostr.Filter{
		Kinds:   []int{market.KindReply},
		Authors: []string{p.Bid.ExpertPubkey},
		Tags:    nostr.TagMap{"e": []string{proofID}},
		Since:   &since,
	}, p.Relays)
	if err != nil {
		out <- market.Reply{Error: err.Error(), Done: true}
		return
	}
	defer sub.Close()

	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			reply, err := decodeReply(evt, p.SessionKey)
			if err != nil {
				out <- market.Reply{Error: err.Error(), Done: true}
				return
			}
			out <- reply
			if reply.Done {
				return
			}
		case <-ctx.Done():
			out <- market.Reply{Error: market.ErrReplyTimeout.Error(), Done: true}
			return
		}
	}
}

type wireProof struct {
	Method   string `json:"method"`
	Preimage string `json:"preimage"`
}
