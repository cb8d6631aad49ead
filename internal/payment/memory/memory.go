// Package memory implements payment.Backend entirely in-process, for
// unit tests of session and scheduler logic that need a deterministic
// wallet without a live NWC connection.
package memory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/payment"
)

type invoiceRecord struct {
	amountSats int64
	preimage   [32]byte
	settled    bool
}

// Backend is a payment.Backend backed by an in-memory map. Invoices are
// not real bolt11 text; PayInvoice settles any invoice string this
// Backend itself issued via MakeInvoice.
type Backend struct {
	mu       sync.Mutex
	invoices map[string]*invoiceRecord // keyed by fabricated invoice string
	byHash   map[[32]byte]*invoiceRecord
	seq      int
	FailPay  bool // test hook: force PayInvoice to fail
}

var _ payment.Backend = (*Backend)(nil)

// New creates an empty in-memory Backend.
func New() *Backend {
	return &Backend{
		invoices: make(map[string]*invoiceRecord),
		byHash:   make(map[[32]byte]*invoiceRecord),
	}
}

// MakeInvoice implements payment.Backend.
func (b *Backend) MakeInvoice(_ context.Context, amountSats int64, description string) (string, [32]byte, error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", [32]byte{}, fmt.Errorf("generate preimage: %w", err)
	}
	hash := sha256.Sum256(preimage[:])

	b.mu.Lock()
	b.seq++
	invoice := fmt.Sprintf("memoryinvoice:%d:%d:%s", b.seq, amountSats, description)
	rec := &invoiceRecord{amountSats: amountSats, preimage: preimage}
	b.invoices[invoice] = rec
	b.byHash[hash] = rec
	b.mu.Unlock()

	return invoice, hash, nil
}

// PayInvoice implements payment.Backend.
func (b *Backend) PayInvoice(_ context.Context, invoice string) ([32]byte, error) {
	if b.FailPay {
		return [32]byte{}, market.ErrPaymentFailed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.invoices[invoice]
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: unknown invoice", market.ErrPaymentFailed)
	}
	rec.settled = true
	return rec.preimage, nil
}

// LookupInvoice implements payment.Backend.
func (b *Backend) LookupInvoice(_ context.Context, paymentHash [32]byte) (bool, [32]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byHash[paymentHash]
	if !ok || !rec.settled {
		return false, [32]byte{}, nil
	}
	return true, rec.preimage, nil
}
