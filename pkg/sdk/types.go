package sdk

import "time"

// AskOptions configures one Client.Ask call. At least one of Hashtags
// or ExpertPubkeys must be non-empty.
type AskOptions struct {
	Hashtags      []string
	ExpertPubkeys []string
	MaxBidSats    *int64

	// BidTimeout bounds discovery.
	BidTimeout time.Duration
	// QuoteTimeout bounds the per-expert quote wait (default 30s).
	QuoteTimeout time.Duration
	// ReplyTimeout bounds the per-expert reply wait (default 60s).
	ReplyTimeout time.Duration

	// OnQuote, if set, gets a veto over every quote an expert returns;
	// returning false declines that expert's quote without erroring the
	// whole ask. expertPubkey is always passed as "": the underlying
	// session's quote callback does not say which expert sent the quote.
	OnQuote func(expertPubkey string, amountSats int64) bool
}

// Reply is one chunk of one expert's answer, surfaced to SDK callers
// without the wire-level market.Reply's transport fields.
type Reply struct {
	ExpertPubkey string
	Content      string
	Done         bool
	Err          error
}

// Summary mirrors market.AskResult: the structured outcome
// counts every ask produces regardless of whether any expert replied.
type Summary struct {
	Sent           int
	Failed         int
	Received       int
	Timeout        int
	FailedPayments int
}

// Succeeded reports whether at least one expert produced a reply.
func (s Summary) Succeeded() bool {
	return s.Received > 0
}
