// Package market holds the wire-level data model shared by the client
// and expert session engines: asks, bids, prompts, quotes, proofs and
// replies, plus the event kinds and tags that carry them.
package market

import "time"

// Event kinds used on the relay network. Values are placeholders in the
// same numeric family nostr uses for application-defined kinds; the
// relay transport treats them as opaque integers.
const (
	KindAsk     = 38000
	KindBid     = 38001
	KindPrompt  = 38002
	KindQuote   = 38003
	KindProof   = 38004
	KindReply   = 38005
	KindProfile = 38006
)

// Format enumerates prompt/reply payload shapes.
type Format string

const (
	FormatText   Format = "TEXT"
	FormatOpenAI Format = "OPENAI"
)

// Method enumerates proof-of-payment methods. Lightning is the only one
// implemented; the type exists so a second rail doesn't require a
// wire-format break.
type Method string

const (
	MethodLightning Method = "LIGHTNING"
)

// Ask is the public, anonymized announcement a client publishes under
// an ephemeral keypair.
type Ask struct {
	ID             string // event id, the ask_id
	PubKey         string // ephemeral pubkey, never reused
	Summary        string
	Hashtags       []string
	ExpertPubkeys  []string // optional directed targeting
	MaxBidSats     *int64
	CreatedAt      time.Time
	DiscoveryRelay []string
}

// Bid is an expert's response to an Ask.
type Bid struct {
	ID            string // event id, the bid_id
	AskID         string
	ExpertPubkey  string
	Offer         string
	BidSats       *int64
	Relays        []string
	Invoice       *Invoice
	PaymentHash   [32]byte
	HasPaymentHash bool
}

// Invoice is one payment method offered in a Quote.
type Invoice struct {
	Method      Method
	Unit        string // "sat"
	AmountSats  int64
	Bolt11      string
	PaymentHash [32]byte
}

// Prompt is a client-to-expert turn.
type Prompt struct {
	ID          string // event id, the prompt_id
	ExpertPub   string
	Format      Format
	Compression string // "none" | "gzip"
	Content     []byte // encrypted (and possibly compressed) payload
	ContextID   string // bid_id on first turn, else prior reply's followup id
}

// Quote is an expert's priced offer for a Prompt.
type Quote struct {
	ID        string // event id
	PromptID  string
	Invoices  []Invoice
	Error     string // set instead of Invoices when no quote is offered
}

// Proof is the client's evidence of payment.
type Proof struct {
	ID       string // event id
	QuoteID  string
	Method   Method
	Preimage [32]byte
}

// Reply is one chunk of an expert's (possibly streamed) answer.
type Reply struct {
	ID              string // event id
	ProofID         string
	Done            bool
	Content         []byte // decrypted, decompressed payload once delivered to the caller
	FollowupInvoice *Invoice
	Error           string
}

// Expert is the scheduler's registry record for one expert identity.
type Expert struct {
	Pubkey    string
	Nickname  string
	WalletID  int64
	Type      string
	Env       map[string]string
	Docstores []string
	Disabled  bool
	Timestamp int64 // monotonic, drives incremental scheduler polling
	Privkey   string
}

// Wallet is a named Lightning connection referenced by Expert.WalletID.
type Wallet struct {
	ID      int64
	Name    string
	NWC     string
	Default bool
}

// AskResult is the structured, per-prompt-engagement summary surfaced
// to callers after an ask concludes: success of the overall
// operation is "any Received entry present", not "zero failures".
type AskResult struct {
	Sent           int
	Failed         int
	Received       int
	Timeout        int
	FailedPayments int
	PerExpert      []ExpertResult
}

// ExpertResult is one expert's outcome within an AskResult.
type ExpertResult struct {
	ExpertPubkey string
	Status       string // "received" | "failed" | "timeout" | "failed_payment"
	Err          error
}

// Succeeded reports whether the ask produced at least one reply.
func (r AskResult) Succeeded() bool {
	return r.Received > 0
}
