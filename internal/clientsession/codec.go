package clientsession

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/nostrcrypto"
)

type wireInvoice struct {
	Method      string `json:"method"`
	Unit        string `json:"unit"`
	AmountSats  int64  `json:"amount_sats"`
	Bolt11      string `json:"bolt11"`
	PaymentHash string `json:"payment_hash"`
}

type wireQuote struct {
	Invoices []wireInvoice `json:"invoices,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type wireReply struct {
	Done            bool         `json:"done"`
	Content         string       `json:"content,omitempty"`
	FollowupInvoice *wireInvoice `json:"followup_invoice,omitempty"`
	Error           string       `json:"error,omitempty"`
}

func decodeInvoice(w wireInvoice) (market.Invoice, error) {
	var hash [32]byte
	if w.PaymentHash != "" {
		b, err := hex.DecodeString(w.PaymentHash)
		if err != nil || len(b) != 32 {
			return market.Invoice{}, fmt.Errorf("%w: malformed payment_hash", market.ErrBadProof)
		}
		copy(hash[:], b)
	}
	return market.Invoice{
		Method:      market.Method(w.Method),
		Unit:        w.Unit,
		AmountSats:  w.AmountSats,
		Bolt11:      w.Bolt11,
		PaymentHash: hash,
	}, nil
}

func decodeQuote(evt *nostr.Event, key nostrcrypto.SessionKey) (market.Quote, error) {
	plain, err := nostrcrypto.Decrypt(evt.Content, key)
	if err != nil {
		return market.Quote{}, fmt.Errorf("decrypt quote: %w", err)
	}

	var w wireQuote
	if err := json.Unmarshal(plain, &w); err != nil {
		return market.Quote{}, fmt.Errorf("parse quote: %w", err)
	}

	q := market.Quote{ID: evt.ID, Error: w.Error}
	for _, wi := range w.Invoices {
		inv, err := decodeInvoice(wi)
		if err != nil {
			return market.Quote{}, err
		}
		q.Invoices = append(q.Invoices, inv)
	}
	return q, nil
}

func decodeReply(evt *nostr.Event, key nostrcrypto.SessionKey) (market.Reply, error) {
	plain, err := nostrcrypto.Decrypt(evt.Content, key)
	if err != nil {
		return market.Reply{}, fmt.Errorf("decrypt reply: %w", err)
	}

	compr := nostrcrypto.CompressionNone
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "compr" {
			compr = nostrcrypto.Compression(tag[1])
		}
	}
	plain, err = nostrcrypto.Decompress(plain, compr)
	if err != nil {
		return market.Reply{}, fmt.Errorf("decompress reply: %w", err)
	}

	var w wireReply
	if err := json.Unmarshal(plain, &w); err != nil {
		return market.Reply{}, fmt.Errorf("parse reply: %w", err)
	}

	r := market.Reply{ID: evt.ID, Done: w.Done, Content: []byte(w.Content), Error: w.Error}
	if w.FollowupInvoice != nil {
		inv, err := decodeInvoice(*w.FollowupInvoice)
		if err != nil {
			return market.Reply{}, err
		}
		r.FollowupInvoice = &inv
	}
	return r, nil
}
