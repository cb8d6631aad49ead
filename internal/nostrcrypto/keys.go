// Package nostrcrypto implements the Crypto & Envelope contract: keypair
// generation, event signing/validation, session-key encryption, and
// payload compression. All private payloads in an ask's lifetime are
// encrypted to the ask's session key rather than to a recipient's
// identity key, so callers never hand a stable pubkey to the wire.
package nostrcrypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// ErrInvalidSignature is returned by Validate when an event's signature
// does not verify against its own pubkey.
var ErrInvalidSignature = errors.New("nostrcrypto: invalid signature")

// KeyPair is a secp256k1 identity: Priv is hex-encoded, Pub is the
// x-only hex pubkey nostr events are addressed by.
type KeyPair struct {
	Priv string
	Pub  string
}

// GenerateKeypair creates a fresh secp256k1 keypair. Clients use one of
// these per ask (never reused); experts hold a stable one.
func GenerateKeypair() (KeyPair, error) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive pubkey: %w", err)
	}
	return KeyPair{Priv: sk, Pub: pub}, nil
}

// SessionKey is the 32-byte secret scoped to one ask. The client
// generates it and hands it to an expert only in wrapped form (see
// WrapSessionKey); it never travels in the clear.
type SessionKey [32]byte

// NewSessionKey generates a fresh random session key.
func NewSessionKey() (SessionKey, error) {
	var k SessionKey
	if _, err := rand.Read(k[:]); err != nil {
		return SessionKey{}, fmt.Errorf("generate session key: %w", err)
	}
	return k, nil
}

// Sign signs an unsigned event in place using priv (hex-encoded secp256k1
// private key), filling in ID, PubKey and Sig.
func Sign(evt *nostr.Event, priv string) error {
	pub, err := nostr.GetPublicKey(priv)
	if err != nil {
		return fmt.Errorf("derive pubkey: %w", err)
	}
	evt.PubKey = pub
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if err := evt.Sign(priv); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	return nil
}

// Validate verifies a signed event's signature binds to its own id and
// pubkey. It does not evaluate business rules (kind, tags, timestamps) —
// callers apply those separately.
func Validate(evt *nostr.Event) (bool, error) {
	ok, err := evt.CheckSignature()
	if err != nil {
		return false, fmt.Errorf("check signature: %w", err)
	}
	if !ok {
		return false, ErrInvalidSignature
	}
	return true, nil
}
