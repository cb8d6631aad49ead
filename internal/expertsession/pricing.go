package expertsession

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/nostrmarket/askexperts/internal/contextprovider"
	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/payment"
)

// DefaultPricer prices a prompt as
// ceil((tokens_in*PriceIn + expectedTokensOut*PriceOut) * (1+Margin)),
// converted to an invoice through Backend.MakeInvoice. If retrieval
// turns up no context for the prompt, the quote carries an error
// instead of an invoice.
type DefaultPricer struct {
	Context  contextprovider.ContextProvider
	Backend  payment.Backend
	PriceIn  float64 // sats per input token
	PriceOut float64 // sats per expected output token
	Margin   float64 // e.g. 0.1 for 10%

	// ExpectedTokensOut estimates the reply length in tokens when the
	// caller hasn't negotiated a budget; a fixed per-deployment policy
	// choice, not something the protocol specifies.
	ExpectedTokensOut int

	// RetrievalK bounds how many context documents are queried before
	// deciding whether the expert has anything to answer with.
	RetrievalK int

	// InvoiceExpiry is passed to MakeInvoice.
	InvoiceExpirySeconds int
}

var _ Pricer = (*DefaultPricer)(nil)

// Quote implements Pricer.
func (p *DefaultPricer) Quote(ctx context.Context, prompt market.Prompt) ([]market.Invoice, error) {
	query, err := promptQuery(prompt)
	if err != nil {
		return nil, err
	}

	k := p.RetrievalK
	if k <= 0 {
		k = 5
	}
	docs, err := p.Context.Query(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("query context: %w", err)
	}
	if len(docs) == 0 {
		return nil, market.ErrQuoteRejected
	}

	amount := p.price(tokenCount(query))

	bolt11, paymentHash, err := p.Backend.MakeInvoice(ctx, amount, "askexperts prompt "+prompt.ID)
	if err != nil {
		return nil, fmt.Errorf("make invoice: %w", err)
	}

	return []market.Invoice{{
		Method:      market.MethodLightning,
		Unit:        "sat",
		AmountSats:  amount,
		Bolt11:      bolt11,
		PaymentHash: paymentHash,
	}}, nil
}

func (p *DefaultPricer) price(tokensIn int) int64 {
	expectedOut := p.ExpectedTokensOut
	if expectedOut <= 0 {
		expectedOut = tokensIn
	}
	raw := float64(tokensIn)*p.PriceIn + float64(expectedOut)*p.PriceOut
	return int64(math.Ceil(raw * (1 + p.Margin)))
}

// promptQuery extracts the plain-text query used for both retrieval
// and the naive tokenizer; unknown formats error with
// market.ErrUnsupportedFormat.
func promptQuery(prompt market.Prompt) (string, error) {
	switch prompt.Format {
	case market.FormatText, "":
		return string(prompt.Content), nil
	case market.FormatOpenAI:
		return string(prompt.Content), nil
	default:
		return "", fmt.Errorf("%w: %q", market.ErrUnsupportedFormat, prompt.Format)
	}
}

// tokenCount is a deliberately simple whitespace tokenizer. The
// tokenizer is a policy choice, not a fixed algorithm; a real
// deployment would swap this for a model-specific tokenizer without
// touching the pricing formula above.
func tokenCount(s string) int {
	n := len(strings.Fields(s))
	if n == 0 {
		return 1
	}
	return n
}
