package relaytest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	secpecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/payment"
)

type bolt11Record struct {
	amountSats int64
	preimage   [32]byte
	settled    bool
}

// Bolt11Backend is a payment.Backend that issues real, decodable bolt11
// invoices signed with a throwaway key generated at construction,
// instead of a placeholder invoice string — so tests can drive the
// client's bolt11.Decode/CheckAmount amount-binding check the way a
// real expert's NWC-backed wallet would.
type Bolt11Backend struct {
	priv *btcec.PrivateKey

	mu       sync.Mutex
	invoices map[string]*bolt11Record
	byHash   map[[32]byte]*bolt11Record

	FailPay bool // test hook: force PayInvoice to fail

	// AmountSatsOverride, when non-zero, is the amount actually encoded
	// into the invoice text regardless of what MakeInvoice was asked
	// for — lets a test make the expert's real bolt11 amount disagree
	// with its quoted headline price.
	AmountSatsOverride int64
}

var _ payment.Backend = (*Bolt11Backend)(nil)

// NewBolt11Backend creates an empty Bolt11Backend with a fresh signing key.
func NewBolt11Backend() (*Bolt11Backend, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Bolt11Backend{
		priv:     priv,
		invoices: make(map[string]*bolt11Record),
		byHash:   make(map[[32]byte]*bolt11Record),
	}, nil
}

// MakeInvoice implements payment.Backend.
func (b *Bolt11Backend) MakeInvoice(_ context.Context, amountSats int64, description string) (string, [32]byte, error) {
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", [32]byte{}, fmt.Errorf("generate preimage: %w", err)
	}
	hash := sha256.Sum256(preimage[:])

	encodedSats := amountSats
	if b.AmountSatsOverride != 0 {
		encodedSats = b.AmountSatsOverride
	}
	msat := lnwire.MilliSatoshi(encodedSats * 1000)

	inv, err := zpay32.NewInvoice(&chaincfg.MainNetParams, hash, time.Now(),
		zpay32.Amount(msat),
		zpay32.Description(description),
	)
	if err != nil {
		return "", [32]byte{}, fmt.Errorf("build invoice: %w", err)
	}

	encoded, err := inv.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return secpecdsa.SignCompact(b.priv, msg, true), nil
		},
	})
	if err != nil {
		return "", [32]byte{}, fmt.Errorf("encode invoice: %w", err)
	}

	b.mu.Lock()
	rec := &bolt11Record{amountSats: amountSats, preimage: preimage}
	b.invoices[encoded] = rec
	b.byHash[hash] = rec
	b.mu.Unlock()

	return encoded, hash, nil
}

// PayInvoice implements payment.Backend.
func (b *Bolt11Backend) PayInvoice(_ context.Context, invoice string) ([32]byte, error) {
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
func (b *Bolt11Backend) LookupInvoice(_ context.Context, paymentHash [32]byte) (bool, [32]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.byHash[paymentHash]
	if !ok || !rec.settled {
		return false, [32]byte{}, nil
	}
	return true, rec.preimage, nil
}
