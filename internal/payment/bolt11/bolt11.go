// Package bolt11 decodes Lightning invoices using
// lightningnetwork/lnd's zpay32 codec and provides the amount-binding
// check the client session runs before paying a quoted invoice.
// Invoice issuance itself is the wallet's job: a
// payment.Backend either proxies to a remote NWC wallet or, in tests,
// issues invoices itself (memory.Backend fabricates placeholder strings;
// relaytest.Bolt11Backend signs real ones with a throwaway key), so
// this package never needs a node signing key.
package bolt11

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/nostrmarket/askexperts/internal/market"
)

// amountTolerance is the maximum msat drift allowed between a quoted
// amount and an invoice's decoded amount.
const amountTolerance = lnwire.MilliSatoshi(1)

// Decoded is the subset of a parsed invoice the session engines need.
type Decoded struct {
	PaymentHash [32]byte
	AmountMsat  lnwire.MilliSatoshi
	Expiry      time.Duration
	Description string
}

// Decode parses a bolt11 string against net (e.g. &chaincfg.MainNetParams
// or &chaincfg.TestNet3Params).
func Decode(invoice string, net *chaincfg.Params) (Decoded, error) {
	inv, err := zpay32.Decode(invoice, net)
	if err != nil {
		return Decoded{}, fmt.Errorf("decode bolt11: %w", err)
	}
	if inv.MilliSat == nil {
		return Decoded{}, fmt.Errorf("%w: invoice has no amount", market.ErrAmountMismatch)
	}

	desc := ""
	if inv.Description != nil {
		desc = *inv.Description
	}

	return Decoded{
		PaymentHash: *inv.PaymentHash,
		AmountMsat:  *inv.MilliSat,
		Expiry:      inv.Expiry(),
		Description: desc,
	}, nil
}

// CheckAmount verifies a decoded invoice's amount matches quotedSats
// within amountTolerance.
func CheckAmount(d Decoded, quotedSats int64) error {
	want := lnwire.MilliSatoshi(quotedSats * 1000)
	diff := int64(d.AmountMsat) - int64(want)
	if diff < 0 {
		diff = -diff
	}
	if lnwire.MilliSatoshi(diff) > amountTolerance {
		return fmt.Errorf("%w: invoice carries %d msat, quote was %d sats", market.ErrAmountMismatch, d.AmountMsat, quotedSats)
	}
	return nil
}
