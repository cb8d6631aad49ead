package expertsession

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/nostrcrypto"
	"github.com/nostrmarket/askexperts/internal/payment"
	"github.com/nostrmarket/askexperts/internal/relaypool"
)

// Pricer decides whether and how much to charge for a prompt. A
// non-nil error means the expert declines to quote (market.ErrQuoteRejected
// or a wrapped reason), which the engine turns into a Quote carrying
// only an Error string.
type Pricer interface {
	Quote(ctx context.Context, prompt market.Prompt) ([]market.Invoice, error)
}

// Chunk is one unit of generated reply content.
type Chunk struct {
	Content         []byte
	Done            bool
	FollowupInvoice *market.Invoice
	Err             error
}

// ReplyGenerator produces an answer to a prompt, optionally as a
// stream of chunks. Single-shot generators send exactly one Chunk with
// Done set.
type ReplyGenerator interface {
	Generate(ctx context.Context, prompt market.Prompt) (<-chan Chunk, error)
}

// proofWaitTimeout bounds how long the engine waits for a client's
// payment proof once a quote has been published.
const proofWaitTimeout = 3 * time.Minute

// Engine runs one prompt's full lifecycle: quote, await proof, serve.
// Create one per expert identity; HandlePrompt is safe to call
// concurrently for independent prompts.
type Engine struct {
	Identity nostrcrypto.KeyPair
	Pool     *relaypool.Pool
	Backend  payment.Backend
	Pricer   Pricer
	Replies  ReplyGenerator
	Stream   bool // whether replies are delivered as multiple chunks

	Log *slog.Logger
}

// Inbound is the decrypted view of a prompt event the engine consumes.
// Compression is the method the prompt arrived under; replies are sent
// back the same way.
type Inbound struct {
	Prompt      market.Prompt
	SessionKey  nostrcrypto.SessionKey
	ClientPub   string
	ReplyRelays []string
	Compression nostrcrypto.Compression
}

// HandlePrompt drives one prompt through quoting, proof verification,
// and reply generation, publishing every intermediate and final event
// itself. The returned error is for logging only — failures are always
// surfaced to the client as a signed Reply/Quote carrying Error, never
// by silently dropping the prompt.
func (e *Engine) HandlePrompt(ctx context.Context, in Inbound) error {
	m := NewMachine()
	log := e.logger()

	if err := m.Transition(StateIdle, StateBidOffered); err != nil {
		return err
	}
	if err := m.Transition(StateBidOffered, StateQuoting); err != nil {
		return err
	}

	invoices, quoteErr := e.Pricer.Quote(ctx, in.Prompt)
	if quoteErr == nil && len(invoices) == 0 {
		quoteErr = market.ErrQuoteRejected
	}
	quote := market.Quote{PromptID: in.Prompt.ID}
	if quoteErr != nil {
		quote.Error = quoteErr.Error()
	} else {
		quote.Invoices = invoices
	}

	quoteEvt, err := e.publish(ctx, market.KindQuote, in, in.Prompt.ID, mustMarshalQuote(quote))
	if err != nil {
		return fmt.Errorf("publish quote: %w", err)
	}
	quote.ID = quoteEvt.ID

	if quoteErr != nil {
		_ = m.Transition(StateQuoting, StateFailed)
		return nil
	}

	if err := m.Transition(StateQuoting, StateAwaitingProof); err != nil {
		return err
	}

	proof, err := e.awaitProof(ctx, in, quote.ID)
	if err != nil {
		_ = m.Transition(StateAwaitingProof, StateFailed)
		e.sendErrorReply(ctx, in, "", "", err)
		return err
	}

	invoice := invoices[0]
	if err := payment.VerifyProof(ctx, e.Backend, invoice, proof); err != nil {
		_ = m.Transition(StateAwaitingProof, StateFailed)
		e.sendErrorReply(ctx, in, proof.ID, proof.ID, err)
		return err
	}

	if err := m.Transition(StateAwaitingProof, StateServing); err != nil {
		return err
	}

	chunks, err := e.Replies.Generate(ctx, in.Prompt)
	if err != nil {
		_ = m.Transition(StateServing, StateFailed)
		e.sendErrorReply(ctx, in, proof.ID, proof.ID, err)
		return err
	}

	// Non-streaming experts still generate chunk-by-chunk internally (the
	// same replygen.Generator interface either way), but the invariant
	// that every session ends in exactly one terminal reply means we
	// can't just publish whatever chunk happens to come first: if it
	// isn't the last one, publishing it as-is would leave the client
	// waiting on a reply event that never arrives with Done=true. So
	// buffer and collapse into a single terminal reply instead of
	// relaying chunks as they're produced.
	var buffered market.Reply
	haveBuffered := false

	for chunk := range chunks {
		if chunk.Err != nil {
			_ = m.Transition(StateServing, StateFailed)
			e.sendErrorReply(ctx, in, proof.ID, proof.ID, chunk.Err)
			return chunk.Err
		}

		if e.Stream {
			reply := market.Reply{
				ProofID:         proof.ID,
				Done:            chunk.Done,
				Content:         chunk.Content,
				FollowupInvoice: chunk.FollowupInvoice,
			}
			if _, err := e.publishReply(ctx, in, proof.ID, reply); err != nil {
				log.Warn("publish reply chunk failed", "prompt", in.Prompt.ID, "error", err)
			}
			if chunk.Done {
				return m.Transition(StateServing, StateDone)
			}
			continue
		}

		if haveBuffered {
			buffered.Content = append(buffered.Content, chunk.Content...)
		} else {
			buffered = market.Reply{ProofID: proof.ID, Content: chunk.Content}
			haveBuffered = true
		}
		buffered.FollowupInvoice = chunk.FollowupInvoice
		if chunk.Done {
			break
		}
	}

	if !e.Stream {
		buffered.Done = true
		if _, err := e.publishReply(ctx, in, proof.ID, buffered); err != nil {
			log.Warn("publish reply chunk failed", "prompt", in.Prompt.ID, "error", err)
		}
	}

	return m.Transition(StateServing, StateDone)
}

func (e *Engine) awaitProof(ctx context.Context, in Inbound, quoteID string) (market.Proof, error) {
	ctx, cancel := context.WithTimeout(ctx, proofWaitTimeout)
	defer cancel()

	since := nostr.Now()
	sub, err := e.Pool.Subscribe(ctx, nostr.Filter{
		Kinds:   []int{market.KindProof},
		Authors: []string{in.ClientPub},
		Tags:    nostr.TagMap{"e": []string{quoteID}},
		Since:   &since,
	}, in.ReplyRelays)
	if err != nil {
		return market.Proof{}, fmt.Errorf("subscribe for proof: %w", err)
	}
	defer sub.Close()

	select {
	case evt, ok := <-sub.Events:
		if !ok {
			return market.Proof{}, market.ErrRelayTimeout
		}
		return decodeProof(evt, in.SessionKey)
	case <-ctx.Done():
		return market.Proof{}, market.ErrBadProof
	}
}

// publish encrypts and signs an expert-originated event, tagging it "e"
// tagID and "p" the client's pubkey so the client's per-kind
// subscription (promptID for quotes, proofID for replies) picks it up.
func (e *Engine) publish(ctx context.Context, kind int, in Inbound, tagID string, payload []byte, extraTags ...nostr.Tag) (*nostr.Event, error) {
	ciphertext, err := nostrcrypto.Encrypt(payload, in.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}

	tags := nostr.Tags{{"e", tagID}, {"p", in.ClientPub}}
	tags = append(tags, extraTags...)
	evt := &nostr.Event{
		Kind:    kind,
		Content: ciphertext,
		Tags:    tags,
	}
	if err := nostrcrypto.Sign(evt, e.Identity.Priv); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	if _, err := e.Pool.Publish(ctx, evt, in.ReplyRelays); err != nil {
		return nil, err
	}
	return evt, nil
}

// publishReply compresses a Reply with the prompt's negotiated method,
// then publishes it with the compr tag the client inverts.
func (e *Engine) publishReply(ctx context.Context, in Inbound, tagID string, reply market.Reply) (*nostr.Event, error) {
	compr := in.Compression
	if compr == "" {
		compr = nostrcrypto.CompressionNone
	}
	payload, err := nostrcrypto.Compress(mustMarshalReply(reply), compr)
	if err != nil {
		return nil, fmt.Errorf("compress reply: %w", err)
	}
	return e.publish(ctx, market.KindReply, in, tagID, payload, nostr.Tag{"compr", string(compr)})
}

// sendErrorReply delivers a terminal failure Reply. tagID should be the
// proof event's ID once one exists so the client's proof-keyed
// subscription sees it; before a proof has been received, there is no
// such ID to tag with and the client instead times out on its own
// ReplyTimeout.
func (e *Engine) sendErrorReply(ctx context.Context, in Inbound, tagID, proofID string, cause error) {
	reply := market.Reply{ProofID: proofID, Done: true, Error: cause.Error()}
	if tagID == "" {
		tagID = in.Prompt.ID
	}
	if _, err := e.publishReply(ctx, in, tagID, reply); err != nil {
		e.logger().Warn("failed to deliver error reply", "prompt", in.Prompt.ID, "cause", cause, "publish_error", err)
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}
