package expertsession

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrmarket/askexperts/internal/contextprovider"
	"github.com/nostrmarket/askexperts/internal/market"
)

type fakeBackend struct {
	invoiceAmount int64
	invoiceErr    error
}

func (b *fakeBackend) MakeInvoice(_ context.Context, amountSats int64, _ string) (string, [32]byte, error) {
	b.invoiceAmount = amountSats
	if b.invoiceErr != nil {
		return "", [32]byte{}, b.invoiceErr
	}
	return "lnbc-test-invoice", [32]byte{9}, nil
}

func (b *fakeBackend) PayInvoice(context.Context, string) ([32]byte, error) { return [32]byte{}, nil }

func (b *fakeBackend) LookupInvoice(context.Context, [32]byte) (bool, [32]byte, error) {
	return false, [32]byte{}, nil
}

func TestDefaultPricerQuotesWhenContextFound(t *testing.T) {
	backend := &fakeBackend{}
	pricer := &DefaultPricer{
		Context:           contextprovider.NewMemoryProvider([]contextprovider.Document{{ID: "d1", Content: "go concurrency patterns"}}),
		Backend:           backend,
		PriceIn:           1,
		PriceOut:          2,
		Margin:            0.1,
		ExpectedTokensOut: 10,
	}

	invoices, err := pricer.Quote(context.Background(), market.Prompt{ID: "p1", Format: market.FormatText, Content: []byte("explain go concurrency")})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "lnbc-test-invoice", invoices[0].Bolt11)
	assert.Equal(t, backend.invoiceAmount, invoices[0].AmountSats)
	assert.Greater(t, invoices[0].AmountSats, int64(0))
}

func TestDefaultPricerRejectsWhenNoContext(t *testing.T) {
	pricer := &DefaultPricer{
		Context: contextprovider.NewMemoryProvider(nil),
		Backend: &fakeBackend{},
	}
	_, err := pricer.Quote(context.Background(), market.Prompt{Format: market.FormatText, Content: []byte("anything")})
	assert.ErrorIs(t, err, market.ErrQuoteRejected)
}

func TestDefaultPricerRejectsUnsupportedFormat(t *testing.T) {
	pricer := &DefaultPricer{
		Context: contextprovider.NewMemoryProvider([]contextprovider.Document{{ID: "d1", Content: "x"}}),
		Backend: &fakeBackend{},
	}
	_, err := pricer.Quote(context.Background(), market.Prompt{Format: "WEIRD", Content: []byte("x")})
	assert.ErrorIs(t, err, market.ErrUnsupportedFormat)
}

func TestDefaultPricerPriceScalesWithTokensAndMargin(t *testing.T) {
	cheap := &DefaultPricer{PriceIn: 1, PriceOut: 1, Margin: 0, ExpectedTokensOut: 5}
	expensive := &DefaultPricer{PriceIn: 1, PriceOut: 1, Margin: 1, ExpectedTokensOut: 5}

	cheapPrice := cheap.price(10)
	expensivePrice := expensive.price(10)
	assert.Greater(t, expensivePrice, cheapPrice)
	assert.Greater(t, cheap.price(20), cheapPrice)
}
