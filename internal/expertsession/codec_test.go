package expertsession

import (
	"encoding/hex"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/nostrcrypto"
)

func TestMarshalQuoteRoundTripsThroughJSON(t *testing.T) {
	q := market.Quote{
		Invoices: []market.Invoice{{
			Method:     market.MethodLightning,
			Unit:       "sat",
			AmountSats: 21,
			Bolt11:     "lnbc...",
		}},
	}
	b := mustMarshalQuote(q)
	assert.Contains(t, string(b), "lnbc...")
	assert.Contains(t, string(b), "21")
}

func TestMarshalReplyCarriesError(t *testing.T) {
	r := market.Reply{Done: true, Error: "boom"}
	b := mustMarshalReply(r)
	assert.Contains(t, string(b), "boom")
}

func TestDecodeProofRoundTrip(t *testing.T) {
	key, err := nostrcrypto.NewSessionKey()
	require.NoError(t, err)

	preimage := [32]byte{1, 2, 3, 4}
	plaintext := []byte(`{"method":"LIGHTNING","preimage":"` + hex.EncodeToString(preimage[:]) + `"}`)
	ciphertext, err := nostrcrypto.Encrypt(plaintext, key)
	require.NoError(t, err)

	evt := &nostr.Event{ID: "evt1", Content: ciphertext}
	proof, err := decodeProof(evt, key)
	require.NoError(t, err)
	assert.Equal(t, market.MethodLightning, proof.Method)
	assert.Equal(t, preimage, proof.Preimage)
	assert.Equal(t, "evt1", proof.ID)
}

func TestDecodeProofRejectsBadPreimageHex(t *testing.T) {
	key, err := nostrcrypto.NewSessionKey()
	require.NoError(t, err)

	ciphertext, err := nostrcrypto.Encrypt([]byte(`{"method":"LIGHTNING","preimage":"zz"}`), key)
	require.NoError(t, err)

	evt := &nostr.Event{ID: "evt1", Content: ciphertext}
	_, err = decodeProof(evt, key)
	assert.ErrorIs(t, err, market.ErrBadProof)
}
