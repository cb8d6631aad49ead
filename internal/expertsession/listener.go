package expertsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/nostrcrypto"
	"github.com/nostrmarket/askexperts/internal/relaypool"
)

// ExpertBid is what a Bidder returns to offer on an ask. A nil
// *ExpertBid from Bid means "ignore this ask".
type ExpertBid struct {
	Offer      string
	BidSats    *int64
	Invoice    *market.Invoice // optional pre-issued invoice for the headline bid
}

// Bidder decides whether and how to bid on an incoming ask. Returning
// (nil, nil) means the expert declines to bid.
type Bidder interface {
	Bid(ctx context.Context, ask market.Ask) (*ExpertBid, error)
}

// Profile describes how an expert advertises itself (K_PROFILE).
type Profile struct {
	Hashtags []string
	Format   market.Format
	Method   market.Method
	Stream   bool
	Relays   []string
}

// Listener drives the ask-matching/bidding half of the expert state
// machine: it watches for asks, consults a Bidder, publishes bids,
// then hands every subsequent prompt in that session to Engine. One
// Listener serves one expert identity; Engine itself is per-prompt
// stateless so a single Engine can be shared across every session a
// Listener opens.
type Listener struct {
	Identity        nostrcrypto.KeyPair
	Pool            *relaypool.Pool
	DiscoveryRelays []string
	Profile         Profile
	Bidder          Bidder
	Engine          *Engine
	Enabled         func() bool // polled per-ask; nil means always enabled

	Log *slog.Logger

	mu       sync.Mutex
	sessions map[string]nostrcrypto.SessionKey // client pubkey -> unwrapped session key
}

func (l *Listener) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

func (l *Listener) enabled() bool {
	if l.Enabled == nil {
		return true
	}
	return l.Enabled()
}

// matches reports whether this expert should consider bidding on ask:
// enabled, and either a hashtag overlap or directly targeted.
func (l *Listener) matches(ask market.Ask) bool {
	if !l.enabled() {
		return false
	}
	for _, pk := range ask.ExpertPubkeys {
		if pk == l.Identity.Pub {
			return true
		}
	}
	for _, want := range l.Profile.Hashtags {
		for _, got := range ask.Hashtags {
			if strings.EqualFold(want, got) {
				return true
			}
		}
	}
	return false
}

// sessions are cached by the client's (ephemeral, per-ask) pubkey:
// that key is generated once per ask and reused for every event in the
// ask's lifetime, including follow-up prompts whose
// context_id is a prior reply id rather than the bid_id, so it is the
// one stable correlator available across an entire session.
func (l *Listener) rememberSessionKey(clientPub string, key nostrcrypto.SessionKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessions == nil {
		l.sessions = make(map[string]nostrcrypto.SessionKey)
	}
	l.sessions[clientPub] = key
}

func (l *Listener) sessionKeyFor(clientPub string) (nostrcrypto.SessionKey, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.sessions[clientPub]
	return key, ok
}

type wireAsk struct {
	Summary  string   `json:"summary"`
	Hashtags []string `json:"hashtags,omitempty"`
}

type wireBid struct {
	Offer   string   `json:"offer"`
	BidSats *int64   `json:"bid_sats,omitempty"`
	Relays  []string `json:"relays,omitempty"`
}

// decodeAsk parses a K_ASK event's public JSON body plus its `p` tags
// into a market.Ask. Asks are never encrypted.
func decodeAsk(evt *nostr.Event) (market.Ask, error) {
	var w wireAsk
	if err := json.Unmarshal([]byte(evt.Content), &w); err != nil {
		return market.Ask{}, fmt.Errorf("decode ask: %w", err)
	}
	ask := market.Ask{ID: evt.ID, PubKey: evt.PubKey, Summary: w.Summary, Hashtags: w.Hashtags}
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			ask.ExpertPubkeys = append(ask.ExpertPubkeys, tag[1])
		}
	}
	return ask, nil
}

// handleAsk runs the bid decision for one ask event and, if the
// Bidder offers a bid, publishes a signed K_BID event on the
// listener's DiscoveryRelays.
func (l *Listener) handleAsk(ctx context.Context, evt *nostr.Event, replyRelays []string) {
	ask, err := decodeAsk(evt)
	if err != nil {
		l.logger().Warn("malformed ask", "event", evt.ID, "error", err)
		return
	}
	if !l.matches(ask) {
		return
	}

	offer, err := l.Bidder.Bid(ctx, ask)
	if err != nil {
		l.logger().Warn("bid decision failed", "ask", ask.ID, "error", err)
		return
	}
	if offer == nil {
		return
	}

	body, err := json.Marshal(wireBid{Offer: offer.Offer, BidSats: offer.BidSats, Relays: replyRelays})
	if err != nil {
		l.logger().Warn("marshal bid failed", "ask", ask.ID, "error", err)
		return
	}

	bidEvt := &nostr.Event{
		Kind:    market.KindBid,
		Content: string(body),
		Tags:    nostr.Tags{{"e", ask.ID}, {"p", ask.PubKey}},
	}
	if err := nostrcrypto.Sign(bidEvt, l.Identity.Priv); err != nil {
		l.logger().Warn("sign bid failed", "ask", ask.ID, "error", err)
		return
	}
	relays := l.DiscoveryRelays
	if _, err := l.Pool.Publish(ctx, bidEvt, relays); err != nil {
		l.logger().Warn("publish bid failed", "ask", ask.ID, "error", err)
	}
}

// promptTags extracts the (format, compression, context_id, optional
// wrapped session key) fields a K_PROMPT event carries in its tags.
func promptTags(evt *nostr.Event) (format market.Format, compr, contextID, wrappedKey string) {
	compr = "none"
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "format":
			format = market.Format(tag[1])
		case "compr":
			compr = tag[1]
		case "e":
			contextID = tag[1]
		case "key":
			wrappedKey = tag[1]
		}
	}
	return
}

// dispatchPrompt turns a raw K_PROMPT event into an Inbound and runs
// it through Engine.HandlePrompt. The first prompt of a session
// carries a wrapped "key" tag; every later prompt in the same session
// omits it and is decrypted with the key cached under the client's
// (stable, per-ask) pubkey.
func (l *Listener) dispatchPrompt(ctx context.Context, evt *nostr.Event, replyRelays []string) {
	format, compr, contextID, wrappedKey := promptTags(evt)

	var sessionKey nostrcrypto.SessionKey
	if wrappedKey != "" {
		key, err := nostrcrypto.UnwrapSessionKey(wrappedKey, l.Identity.Priv, evt.PubKey)
		if err != nil {
			l.logger().Warn("unwrap session key failed", "prompt", evt.ID, "error", err)
			return
		}
		sessionKey = key
		l.rememberSessionKey(evt.PubKey, key)
	} else {
		key, ok := l.sessionKeyFor(evt.PubKey)
		if !ok {
			l.logger().Warn("prompt without known session key", "prompt", evt.ID, "client", evt.PubKey)
			return
		}
		sessionKey = key
	}

	plaintext, err := nostrcrypto.Decrypt(evt.Content, sessionKey)
	if err != nil {
		l.logger().Warn("decrypt prompt failed", "prompt", evt.ID, "error", err)
		return
	}
	content, err := nostrcrypto.Decompress(plaintext, nostrcrypto.Compression(compr))
	if err != nil {
		l.logger().Warn("decompress prompt failed", "prompt", evt.ID, "error", err)
		return
	}

	in := Inbound{
		Prompt: market.Prompt{
			ID:          evt.ID,
			ExpertPub:   l.Identity.Pub,
			Format:      format,
			Compression: compr,
			ContextID:   contextID,
			Content:     content,
		},
		SessionKey:  sessionKey,
		ClientPub:   evt.PubKey,
		ReplyRelays: replyRelays,
		Compression: nostrcrypto.Compression(compr),
	}

	if err := l.Engine.HandlePrompt(ctx, in); err != nil {
		l.logger().Warn("handle prompt failed", "prompt", evt.ID, "error", err)
	}
}

// Run subscribes to asks on DiscoveryRelays and to prompts addressed
// to this expert's pubkey, dispatching each to handleAsk/dispatchPrompt
// until ctx is cancelled. It blocks; run it in its own goroutine per
// expert instance.
func (l *Listener) Run(ctx context.Context) error {
	profile := l.Profile
	if len(profile.Relays) == 0 {
		profile.Relays = l.DiscoveryRelays
	}
	if err := PublishProfile(ctx, l.Identity, profile, l.Pool.Publish); err != nil {
		l.logger().Warn("publish profile failed", "error", err)
	}

	askSub, err := l.Pool.Subscribe(ctx, nostr.Filter{Kinds: []int{market.KindAsk}}, l.DiscoveryRelays)
	if err != nil {
		return fmt.Errorf("subscribe asks: %w", err)
	}
	defer askSub.Close()

	promptSub, err := l.Pool.Subscribe(ctx, nostr.Filter{
		Kinds: []int{market.KindPrompt},
		Tags:  nostr.TagMap{"p": []string{l.Identity.Pub}},
	}, l.DiscoveryRelays)
	if err != nil {
		return fmt.Errorf("subscribe prompts: %w", err)
	}
	defer promptSub.Close()

	for {
		select {
		case evt, ok := <-askSub.Events:
			if !ok {
				return nil
			}
			go l.handleAsk(ctx, evt, l.DiscoveryRelays)
		case evt, ok := <-promptSub.Events:
			if !ok {
				return nil
			}
			go l.dispatchPrompt(ctx, evt, l.DiscoveryRelays)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PublishProfile broadcasts this expert's K_PROFILE advertisement so
// clients can learn its streaming capability before subscribing to an
// ask's replies.
func PublishProfile(ctx context.Context, identity nostrcrypto.KeyPair, profile Profile, publish func(ctx context.Context, evt *nostr.Event, relays []string) (map[string]bool, error)) error {
	tags := nostr.Tags{}
	for _, r := range profile.Relays {
		tags = append(tags, nostr.Tag{"relay", r})
	}
	tags = append(tags, nostr.Tag{"f", string(profile.Format)})
	tags = append(tags, nostr.Tag{"m", string(profile.Method)})
	for _, t := range profile.Hashtags {
		tags = append(tags, nostr.Tag{"t", t})
	}
	if profile.Stream {
		tags = append(tags, nostr.Tag{"s", "true"})
	}

	evt := &nostr.Event{Kind: market.KindProfile, Tags: tags}
	if err := nostrcrypto.Sign(evt, identity.Priv); err != nil {
		return fmt.Errorf("sign profile: %w", err)
	}
	_, err := publish(ctx, evt, profile.Relays)
	return err
}
