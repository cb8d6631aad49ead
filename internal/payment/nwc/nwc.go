// Package nwc implements payment.Backend over Nostr Wallet Connect
// (NIP-47): requests are kind 23194 events encrypted to the wallet's
// pubkey with NIP-04, responses are kind 23195 events decrypted the
// same way. Covers the full three-method payment.Backend contract
// rather than pay_invoice alone.
package nwc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/payment"
	"github.com/nostrmarket/askexperts/internal/relaypool"
)

var _ payment.Backend = (*Client)(nil)

const (
	kindRequest  = 23194
	kindResponse = 23195

	requestTimeout = 30 * time.Second
)

// Client is a payment.Backend backed by a single NWC wallet connection.
type Client struct {
	walletPubkey string
	relay        string
	secret       string // hex nostr private key, the client's NWC identity
	clientPubkey string

	pool *relaypool.Pool
}

// Connection is a parsed nostr+walletconnect:// URI.
type Connection struct {
	WalletPubkey string
	Relay        string
	Secret       string
}

// ParseConnectionString parses a connection string of the form
// nostr+walletconnect://<wallet-pubkey>?relay=<relay>&secret=<secret>.
func ParseConnectionString(uri string) (Connection, error) {
	if !strings.HasPrefix(uri, "nostr+walletconnect://") {
		return Connection{}, fmt.Errorf("%w: NWC URI must start with nostr+walletconnect://", market.ErrInvalidArgument)
	}

	u, err := url.Parse(uri)
	if err != nil {
		return Connection{}, fmt.Errorf("parse NWC uri: %w", err)
	}

	q := u.Query()
	conn := Connection{
		WalletPubkey: u.Host,
		Relay:        q.Get("relay"),
		Secret:       q.Get("secret"),
	}
	if conn.WalletPubkey == "" || conn.Relay == "" || conn.Secret == "" {
		return Connection{}, fmt.Errorf("%w: NWC uri missing pubkey, relay, or secret", market.ErrInvalidArgument)
	}
	return conn, nil
}

// NewClient builds an NWC-backed Backend from a connection string,
// using pool for relay I/O so it shares the caller's circuit breakers.
func NewClient(connectionString string, pool *relaypool.Pool) (*Client, error) {
	conn, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	pub, err := nostr.GetPublicKey(conn.Secret)
	if err != nil {
		return nil, fmt.Errorf("derive client pubkey: %w", err)
	}

	return &Client{
		walletPubkey: conn.WalletPubkey,
		relay:        conn.Relay,
		secret:       conn.Secret,
		clientPubkey: pub,
		pool:         pool,
	}, nil
}

type request struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type response struct {
	ResultType string          `json:"result_type"`
	Error      *rpcError       `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call sends method/params to the wallet and waits for its response,
// encrypting/decrypting with NIP-04 as NIP-47 requires.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	sharedSecret, err := nip04.ComputeSharedSecret(c.walletPubkey, c.secret)
	if err != nil {
		return fmt.Errorf("compute shared secret: %w", err)
	}

	body, err := json.Marshal(request{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	encrypted, err := nip04.Encrypt(string(body), sharedSecret)
	if err != nil {
		return fmt.Errorf("encrypt request: %w", err)
	}

	evt := &nostr.Event{
		Kind:      kindRequest,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", c.walletPubkey}},
		Content:   encrypted,
	}
	if err := evt.Sign(c.secret); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	since := nostr.Now()
	sub, err := c.pool.Subscribe(ctx, nostr.Filter{
		Kinds:   []int{kindResponse},
		Authors: []string{c.walletPubkey},
		Tags:    nostr.TagMap{"p": []string{c.clientPubkey}},
		Since:   &since,
	}, []string{c.relay})
	if err != nil {
		return fmt.Errorf("subscribe for response: %w", err)
	}
	defer sub.Close()

	if _, err := c.pool.Publish(ctx, evt, []string{c.relay}); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}

	for {
		select {
		case resp, ok := <-sub.Events:
			if !ok {
				return market.ErrRelayTimeout
			}
			if !hasTag(resp.Tags, "e", evt.ID) {
				continue
			}
			decrypted, err := nip04.Decrypt(resp.Content, sharedSecret)
			if err != nil {
				return fmt.Errorf("decrypt response: %w", err)
			}
			var parsed response
			if err := json.Unmarshal([]byte(decrypted), &parsed); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			if parsed.Error != nil {
				return fmt.Errorf("%w: %s: %s", market.ErrPaymentFailed, parsed.Error.Code, parsed.Error.Message)
			}
			if out != nil {
				if err := json.Unmarshal(parsed.Result, out); err != nil {
					return fmt.Errorf("parse result: %w", err)
				}
			}
			return nil
		case <-ctx.Done():
			return market.ErrPaymentTimeout
		}
	}
}

func hasTag(tags nostr.Tags, name, value string) bool {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name && t[1] == value {
			return true
		}
	}
	return false
}

type makeInvoiceResult struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
}

// MakeInvoice implements payment.Backend.
func (c *Client) MakeInvoice(ctx context.Context, amountSats int64, description string) (string, [32]byte, error) {
	var out makeInvoiceResult
	err := c.call(ctx, "make_invoice", map[string]interface{}{
		"amount":      amountSats * 1000,
		"description": description,
	}, &out)
	if err != nil {
		return "", [32]byte{}, err
	}

	hash, err := decodeHexHash(out.PaymentHash)
	if err != nil {
		return "", [32]byte{}, err
	}
	return out.Invoice, hash, nil
}

type payInvoiceResult struct {
	Preimage string `json:"preimage"`
}

// PayInvoice implements payment.Backend.
func (c *Client) PayInvoice(ctx context.Context, invoice string) ([32]byte, error) {
	var out payInvoiceResult
	err := c.call(ctx, "pay_invoice", map[string]interface{}{"invoice": invoice}, &out)
	if err != nil {
		return [32]byte{}, err
	}
	return decodeHexHash(out.Preimage)
}

type lookupInvoiceResult struct {
	Preimage string `json:"preimage"`
	Paid     bool   `json:"paid"`
	SettledAt *int64 `json:"settled_at,omitempty"`
}

// LookupInvoice implements payment.Backend.
func (c *Client) LookupInvoice(ctx context.Context, paymentHash [32]byte) (bool, [32]byte, error) {
	var out lookupInvoiceResult
	err := c.call(ctx, "lookup_invoice", map[string]interface{}{
		"payment_hash": fmt.Sprintf("%x", paymentHash),
	}, &out)
	if err != nil {
		return false, [32]byte{}, err
	}
	if !out.Paid || out.Preimage == "" {
		return false, [32]byte{}, nil
	}
	preimage, err := decodeHexHash(out.Preimage)
	if err != nil {
		return false, [32]byte{}, err
	}
	return true, preimage, nil
}

func decodeHexHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("decode hex: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("%w: expected 32 bytes, got %d", market.ErrBadProof, len(b))
	}
	copy(out[:], b)
	return out, nil
}
