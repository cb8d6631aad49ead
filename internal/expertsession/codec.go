package expertsession

import (
	"encoding/json"
	"encoding/hex"
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

type wireProof struct {
	Method   string `json:"method"`
	Preimage string `json:"preimage"`
}

func mustMarshalQuote(q market.Quote) []byte {
	w := wireQuote{Error: q.Error}
	for _, inv := range q.Invoices {
		w.Invoices = append(w.Invoices, wireInvoice{
			Method:      string(inv.Method),
			Unit:        inv.Unit,
			AmountSats:  inv.AmountSats,
			Bolt11:      inv.Bolt11,
			PaymentHash: hex.EncodeToString(inv.PaymentHash[:]),
		})
	}
	b, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("expertsession: marshal quote: %v", err))
	}
	return b
}

func mustMarshalReply(r market.Reply) []byte {
	w := wireReply{Done: r.Done, Content: string(r.Content), Error: r.Error}
	if r.FollowupInvoice != nil {
		w.FollowupInvoice = &wireInvoice{
			Method:      string(r.FollowupInvoice.Method),
			Unit:        r.FollowupInvoice.Unit,
			AmountSats:  r.FollowupInvoice.AmountSats,
			Bolt11:      r.FollowupInvoice.Bolt11,
			PaymentHash: hex.EncodeToString(r.FollowupInvoice.PaymentHash[:]),
		}
	}
	b, err := json.Marshal(w)
	if err != nil {
		panic(fmt.Sprintf("expertsession: marshal reply: %v", err))
	}
	return b
}

// decodeProof decrypts and parses a K_PROOF event under key.
func decodeProof(evt *nostr.Event, key nostrcrypto.SessionKey) (market.Proof, error) {
	plain, err := nostrcrypto.Decrypt(evt.Content, key)
	if err != nil {
		return market.Proof{}, fmt.Errorf("decrypt proof: %w", err)
	}

	var w wireProof
	if err := json.Unmarshal(plain, &w); err != nil {
		return market.Proof{}, fmt.Errorf("parse proof: %w", err)
	}

	preimageBytes, err := hex.DecodeString(w.Preimage)
	if err != nil || len(preimageBytes) != 32 {
		return market.Proof{}, fmt.Errorf("%w: malformed preimage", market.ErrBadProof)
	}

	var proof market.Proof
	proof.ID = evt.ID
	proof.Method = market.Method(w.Method)
	copy(proof.Preimage[:], preimageBytes)
	return proof, nil
}
