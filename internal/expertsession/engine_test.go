package expertsession

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/nostrcrypto"
	"github.com/nostrmarket/askexperts/internal/payment/memory"
	"github.com/nostrmarket/askexperts/internal/relaypool"
	"github.com/nostrmarket/askexperts/internal/relaytest"
)

// fixedGenerator replays a canned sequence of chunks, standing in for a
// real replygen.Generator so tests can drive specific streaming shapes
// (including the non-streaming first-chunk-not-done case).
type fixedGenerator struct {
	chunks []Chunk
}

func (g *fixedGenerator) Generate(context.Context, market.Prompt) (<-chan Chunk, error) {
	out := make(chan Chunk, len(g.chunks))
	for _, c := range g.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

// fixedPricer quotes a single invoice for a fixed amount, or rejects
// outright when invoice is nil.
type fixedPricer struct {
	invoice *market.Invoice
	err     error
}

func (p *fixedPricer) Quote(context.Context, market.Prompt) ([]market.Invoice, error) {
	if p.err != nil {
		return nil, p.err
	}
	return []market.Invoice{*p.invoice}, nil
}

// testClient is a minimal hand-rolled counterpart to clientsession.Client,
// used here instead of importing that package so Engine is exercised
// directly through its own wire contract rather than
// through the higher-level client pipeline.
type testClient struct {
	t          *testing.T
	pool       *relaypool.Pool
	keys       nostrcrypto.KeyPair
	sessionKey nostrcrypto.SessionKey
	relays     []string
}

func newTestClient(t *testing.T, relayURL string) *testClient {
	t.Helper()
	keys, err := nostrcrypto.GenerateKeypair()
	require.NoError(t, err)
	sessionKey, err := nostrcrypto.NewSessionKey()
	require.NoError(t, err)

	pool := relaypool.New(context.Background())
	t.Cleanup(pool.Close)

	return &testClient{t: t, pool: pool, keys: keys, sessionKey: sessionKey, relays: []string{relayURL}}
}

func (c *testClient) sendPrompt(ctx context.Context, expertPub string, content []byte) *nostr.Event {
	c.t.Helper()
	evt := &nostr.Event{
		Kind:    market.KindPrompt,
		Content: string(content),
		Tags:    nostr.Tags{{"p", expertPub}, {"format", string(market.FormatText)}},
	}
	require.NoError(c.t, nostrcrypto.Sign(evt, c.keys.Priv))
	_, err := c.pool.Publish(ctx, evt, c.relays)
	require.NoError(c.t, err)
	return evt
}

func (c *testClient) awaitQuote(ctx context.Context, expertPub, promptID string) market.Quote {
	c.t.Helper()
	sub, err := c.pool.Subscribe(ctx, nostr.Filter{
		Kinds:   []int{market.KindQuote},
		Authors: []string{expertPub},
		Tags:    nostr.TagMap{"e": []string{promptID}},
	}, c.relays)
	require.NoError(c.t, err)
	defer sub.Close()

	select {
	case evt := <-sub.Events:
		plain, err := nostrcrypto.Decrypt(evt.Content, c.sessionKey)
		require.NoError(c.t, err)
		var w wireQuote
		require.NoError(c.t, json.Unmarshal(plain, &w))
		q := market.Quote{ID: evt.ID, Error: w.Error}
		for _, wi := range w.Invoices {
			var inv market.Invoice
			inv.Method = market.Method(wi.Method)
			inv.Unit = wi.Unit
			inv.AmountSats = wi.AmountSats
			inv.Bolt11 = wi.Bolt11
			hashBytes, err := hex.DecodeString(wi.PaymentHash)
			require.NoError(c.t, err)
			copy(inv.PaymentHash[:], hashBytes)
			q.Invoices = append(q.Invoices, inv)
		}
		return q
	case <-ctx.Done():
		c.t.Fatal("timed out waiting for quote")
		return market.Quote{}
	}
}

func (c *testClient) sendProof(ctx context.Context, expertPub, quoteEvtID string, preimage [32]byte) *nostr.Event {
	c.t.Helper()
	body, err := json.Marshal(wireProof{Method: string(market.MethodLightning), Preimage: hex.EncodeToString(preimage[:])})
	require.NoError(c.t, err)
	ciphertext, err := nostrcrypto.Encrypt(body, c.sessionKey)
	require.NoError(c.t, err)

	evt := &nostr.Event{
		Kind:    market.KindProof,
		Content: ciphertext,
		Tags:    nostr.Tags{{"e", quoteEvtID}, {"p", expertPub}},
	}
	require.NoError(c.t, nostrcrypto.Sign(evt, c.keys.Priv))
	_, err = c.pool.Publish(ctx, evt, c.relays)
	require.NoError(c.t, err)
	return evt
}

func (c *testClient) awaitReplies(ctx context.Context, expertPub, proofID string) []market.Reply {
	c.t.Helper()
	sub, err := c.pool.Subscribe(ctx, nostr.Filter{
		Kinds:   []int{market.KindReply},
		Authors: []string{expertPub},
		Tags:    nostr.TagMap{"e": []string{proofID}},
	}, c.relays)
	require.NoError(c.t, err)
	defer sub.Close()

	var replies []market.Reply
	for {
		select {
		case evt := <-sub.Events:
			plain, err := nostrcrypto.Decrypt(evt.Content, c.sessionKey)
			require.NoError(c.t, err)
			var w wireReply
			require.NoError(c.t, json.Unmarshal(plain, &w))
			reply := market.Reply{ID: evt.ID, Done: w.Done, Content: []byte(w.Content), Error: w.Error}
			replies = append(replies, reply)
			if reply.Done {
				return replies
			}
		case <-ctx.Done():
			c.t.Fatal("timed out waiting for replies")
			return replies
		}
	}
}

// newTestEngine builds an Engine wired to a real (in-process) relay and
// payment backend. Engine.HandlePrompt takes an already-decoded Inbound
// directly (prompt decryption is internal/expertsession.Listener's job,
// not the engine's), so the test client publishes prompts unencrypted;
// every event the engine itself publishes (quote, reply) is still
// encrypted under the session key and decrypted here, matching the real
// wire contract.
func newTestEngine(t *testing.T, relayURL string, pricer Pricer, replies ReplyGenerator, backend *memory.Backend, stream bool) *Engine {
	t.Helper()
	identity, err := nostrcrypto.GenerateKeypair()
	require.NoError(t, err)

	pool := relaypool.New(context.Background())
	t.Cleanup(pool.Close)

	return &Engine{
		Identity: identity,
		Pool:     pool,
		Backend:  backend,
		Pricer:   pricer,
		Replies:  replies,
		Stream:   stream,
	}
}

func TestHandlePromptHappyPath(t *testing.T) {
	relay := relaytest.NewServer()
	defer relay.Close()

	backend := memory.New()
	invoiceStr, hash, err := backend.MakeInvoice(context.Background(), 10, "quote")
	require.NoError(t, err)

	engine := newTestEngine(t, relay.URL, &fixedPricer{invoice: &market.Invoice{
		Method: market.MethodLightning, AmountSats: 10, Bolt11: invoiceStr, PaymentHash: hash,
	}}, &fixedGenerator{chunks: []Chunk{{Content: []byte("the answer"), Done: true}}}, backend, true)

	client := newTestClient(t, relay.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	promptEvt := client.sendPrompt(ctx, engine.Identity.Pub, []byte("what is it"))
	in := Inbound{
		Prompt:      market.Prompt{ID: promptEvt.ID, ExpertPub: engine.Identity.Pub, Format: market.FormatText, Content: []byte("what is it")},
		SessionKey:  client.sessionKey,
		ClientPub:   client.keys.Pub,
		ReplyRelays: client.relays,
	}

	done := make(chan error, 1)
	go func() { done <- engine.HandlePrompt(ctx, in) }()

	quote := client.awaitQuote(ctx, engine.Identity.Pub, promptEvt.ID)
	require.Empty(t, quote.Error)
	require.Len(t, quote.Invoices, 1)

	preimage, err := backend.PayInvoice(ctx, quote.Invoices[0].Bolt11)
	require.NoError(t, err)

	proofEvt := client.sendProof(ctx, engine.Identity.Pub, quote.ID, preimage)
	replies := client.awaitReplies(ctx, engine.Identity.Pub, proofEvt.ID)

	require.NoError(t, <-done)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Done)
	assert.Equal(t, "the answer", string(replies[0].Content))
}

func TestHandlePromptQuoteRejected(t *testing.T) {
	relay := relaytest.NewServer()
	defer relay.Close()

	backend := memory.New()
	engine := newTestEngine(t, relay.URL, &fixedPricer{err: market.ErrQuoteRejected}, &fixedGenerator{}, backend, true)

	client := newTestClient(t, relay.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	promptEvt := client.sendPrompt(ctx, engine.Identity.Pub, []byte("no context for this"))
	in := Inbound{
		Prompt:      market.Prompt{ID: promptEvt.ID, ExpertPub: engine.Identity.Pub, Format: market.FormatText, Content: []byte("no context for this")},
		SessionKey:  client.sessionKey,
		ClientPub:   client.keys.Pub,
		ReplyRelays: client.relays,
	}

	go func() { _ = engine.HandlePrompt(ctx, in) }()

	quote := client.awaitQuote(ctx, engine.Identity.Pub, promptEvt.ID)
	assert.NotEmpty(t, quote.Error)
	assert.Empty(t, quote.Invoices)
}

func TestHandlePromptPreimageMismatchFailsReply(t *testing.T) {
	relay := relaytest.NewServer()
	defer relay.Close()

	backend := memory.New()
	invoiceStr, hash, err := backend.MakeInvoice(context.Background(), 10, "quote")
	require.NoError(t, err)
	_, err = backend.PayInvoice(context.Background(), invoiceStr)
	require.NoError(t, err)

	engine := newTestEngine(t, relay.URL, &fixedPricer{invoice: &market.Invoice{
		Method: market.MethodLightning, AmountSats: 10, Bolt11: invoiceStr, PaymentHash: hash,
	}}, &fixedGenerator{chunks: []Chunk{{Content: []byte("never reached"), Done: true}}}, backend, true)

	client := newTestClient(t, relay.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	promptEvt := client.sendPrompt(ctx, engine.Identity.Pub, []byte("hi"))
	in := Inbound{
		Prompt:      market.Prompt{ID: promptEvt.ID, ExpertPub: engine.Identity.Pub, Format: market.FormatText, Content: []byte("hi")},
		SessionKey:  client.sessionKey,
		ClientPub:   client.keys.Pub,
		ReplyRelays: client.relays,
	}

	go func() { _ = engine.HandlePrompt(ctx, in) }()

	quote := client.awaitQuote(ctx, engine.Identity.Pub, promptEvt.ID)
	require.Len(t, quote.Invoices, 1)

	var wrongPreimage [32]byte // deliberately wrong
	proofEvt := client.sendProof(ctx, engine.Identity.Pub, quote.ID, wrongPreimage)
	replies := client.awaitReplies(ctx, engine.Identity.Pub, proofEvt.ID)

	require.Len(t, replies, 1)
	assert.True(t, replies[0].Done)
	assert.NotEmpty(t, replies[0].Error)
}

func TestHandlePromptNonStreamingEmitsExactlyOneTerminalReply(t *testing.T) {
	relay := relaytest.NewServer()
	defer relay.Close()

	backend := memory.New()
	invoiceStr, hash, err := backend.MakeInvoice(context.Background(), 10, "quote")
	require.NoError(t, err)

	generator := &fixedGenerator{chunks: []Chunk{
		{Content: []byte("hello "), Done: false},
		{Content: []byte("world"), Done: true},
	}}
	engine := newTestEngine(t, relay.URL, &fixedPricer{invoice: &market.Invoice{
		Method: market.MethodLightning, AmountSats: 10, Bolt11: invoiceStr, PaymentHash: hash,
	}}, generator, backend, false)

	client := newTestClient(t, relay.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	promptEvt := client.sendPrompt(ctx, engine.Identity.Pub, []byte("hi"))
	in := Inbound{
		Prompt:      market.Prompt{ID: promptEvt.ID, ExpertPub: engine.Identity.Pub, Format: market.FormatText, Content: []byte("hi")},
		SessionKey:  client.sessionKey,
		ClientPub:   client.keys.Pub,
		ReplyRelays: client.relays,
	}

	done := make(chan error, 1)
	go func() { done <- engine.HandlePrompt(ctx, in) }()

	quote := client.awaitQuote(ctx, engine.Identity.Pub, promptEvt.ID)
	preimage, err := backend.PayInvoice(ctx, quote.Invoices[0].Bolt11)
	require.NoError(t, err)

	proofEvt := client.sendProof(ctx, engine.Identity.Pub, quote.ID, preimage)
	replies := client.awaitReplies(ctx, engine.Identity.Pub, proofEvt.ID)

	require.NoError(t, <-done)
	// exactly one reply event, carrying both chunks concatenated and
	// Done=true -- not the old bug of publishing the first (non-terminal)
	// chunk and then never completing the session (invariant 4).
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Done)
	assert.Equal(t, "hello world", string(replies[0].Content))
}
