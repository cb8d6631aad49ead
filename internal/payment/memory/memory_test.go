package memory

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeInvoicePayLookupRoundTrip(t *testing.T) {
	b := New()
	ctx := context.Background()

	invoice, hash, err := b.MakeInvoice(ctx, 100, "test")
	require.NoError(t, err)

	settled, _, err := b.LookupInvoice(ctx, hash)
	require.NoError(t, err)
	assert.False(t, settled)

	preimage, err := b.PayInvoice(ctx, invoice)
	require.NoError(t, err)
	assert.Equal(t, hash, sha256.Sum256(preimage[:]))

	settled, lookedUp, err := b.LookupInvoice(ctx, hash)
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, preimage, lookedUp)
}

func TestPayUnknownInvoiceFails(t *testing.T) {
	b := New()
	_, err := b.PayInvoice(context.Background(), "nope")
	assert.Error(t, err)
}

func TestFailPayHook(t *testing.T) {
	b := New()
	b.FailPay = true
	invoice, _, err := b.MakeInvoice(context.Background(), 10, "x")
	require.NoError(t, err)

	_, err = b.PayInvoice(context.Background(), invoice)
	assert.Error(t, err)
}
