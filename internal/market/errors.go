package market

import "errors"

// Error kinds surfaced to callers. One var per failure mode, wrapped
// with context at the call site via fmt.Errorf("...: %w", ...).
var (
	// Input
	ErrInvalidArgument   = errors.New("market: invalid argument")
	ErrSessionNotFound   = errors.New("market: session not found")
	ErrUnsupportedFormat = errors.New("market: unsupported format")

	// Crypto
	ErrInvalidSignature = errors.New("market: invalid signature")
	ErrDecryptFailure   = errors.New("market: decrypt failure")

	// Transport
	ErrRelayPublishFailed = errors.New("market: no relay accepted the event")
	ErrRelayTimeout       = errors.New("market: relay operation timed out")

	// Protocol
	ErrQuoteRejected        = errors.New("market: quote rejected by caller")
	ErrQuoteTimeout         = errors.New("market: timed out waiting for quote")
	ErrReplyTimeout         = errors.New("market: timed out waiting for reply")
	ErrBadProof             = errors.New("market: proof failed verification")
	ErrAmountMismatch       = errors.New("market: invoice amount does not match bid")
	ErrMaxAmountExceeded    = errors.New("market: quote amount exceeds caller's maximum")

	// Payment
	ErrInsufficientBalance = errors.New("market: insufficient balance")
	ErrPaymentFailed       = errors.New("market: payment failed")
	ErrInvoiceExpired      = errors.New("market: invoice expired")
	ErrRouteNotFound       = errors.New("market: no route to destination")
	ErrPaymentTimeout      = errors.New("market: payment timed out")

	// Scheduling
	ErrNoWorkers          = errors.New("market: no workers available")
	ErrExpertStartTimeout = errors.New("market: expert start timed out")
	ErrWalletNotFound     = errors.New("market: wallet not found")
)
