// Package payment defines the Payment Backend contract:
// invoice creation, settlement, and lookup, plus the shared proof
// verification routine every expert session runs before releasing a
// reply. Concrete backends live in subpackages (nwc, and the in-process
// memory backend for tests); subpackage bolt11 decodes invoices and
// checks their amounts.
package payment

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/nostrmarket/askexperts/internal/market"
)

// Backend is implemented by anything capable of issuing, paying, and
// looking up Lightning invoices. Experts use MakeInvoice and
// LookupInvoice; clients use PayInvoice.
type Backend interface {
	// MakeInvoice creates a bolt11 invoice for amountSats with the
	// given description, returning the invoice and its payment hash.
	MakeInvoice(ctx context.Context, amountSats int64, description string) (bolt11 string, paymentHash [32]byte, err error)

	// PayInvoice pays bolt11 and returns the preimage on success.
	PayInvoice(ctx context.Context, bolt11 string) (preimage [32]byte, err error)

	// LookupInvoice reports whether the invoice identified by
	// paymentHash has been settled, and if so its preimage.
	LookupInvoice(ctx context.Context, paymentHash [32]byte) (settled bool, preimage [32]byte, err error)
}

// VerifyProof checks a client's market.Proof against the market.Invoice
// it claims to settle: the preimage must hash to the invoice's payment
// hash, and the backend must independently confirm settlement via
// LookupInvoice. Amount binding (decoded invoice amount within ±1 msat
// of the quoted amount) is checked by bolt11.CheckAmount at quote time,
// not here — by the time a proof arrives the invoice text is fixed.
func VerifyProof(ctx context.Context, backend Backend, inv market.Invoice, proof market.Proof) error {
	if proof.Method != market.MethodLightning {
		return fmt.Errorf("%w: unsupported proof method %q", market.ErrBadProof, proof.Method)
	}

	if sha256.Sum256(proof.Preimage[:]) != inv.PaymentHash {
		return fmt.Errorf("%w: preimage does not hash to payment_hash", market.ErrBadProof)
	}

	settled, preimage, err := backend.LookupInvoice(ctx, inv.PaymentHash)
	if err != nil {
		return fmt.Errorf("lookup invoice: %w", err)
	}
	if !settled {
		return fmt.Errorf("%w: invoice not settled", market.ErrBadProof)
	}
	if preimage != proof.Preimage {
		return fmt.Errorf("%w: backend preimage disagrees with proof", market.ErrBadProof)
	}
	return nil
}

// WaitForSettlement polls LookupInvoice until the invoice settles or
// deadline elapses. The session engines do not call it: the nwc and
// memory backends' PayInvoice returns only once the payment has settled.
func WaitForSettlement(ctx context.Context, backend Backend, paymentHash [32]byte, pollEvery, deadline time.Duration) (preimage [32]byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		settled, pre, err := backend.LookupInvoice(ctx, paymentHash)
		if err != nil {
			return [32]byte{}, fmt.Errorf("lookup invoice: %w", err)
		}
		if settled {
			return pre, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return [32]byte{}, market.ErrPaymentTimeout
		}
	}
}
