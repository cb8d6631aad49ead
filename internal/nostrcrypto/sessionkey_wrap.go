package nostrcrypto

import (
	"encoding/hex"
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip44"
)

// WrapSessionKey encrypts a session key to recipientPub using real
// NIP-44 ECDH conversation-key encryption (senderPriv, recipientPub),
// unlike Encrypt/Decrypt above which are keyed directly by the session
// key itself. This is how the session key — generated locally by the
// client and never derived from any long-term key — actually reaches
// the expert: carried once, on the first Prompt of an ask, in a "key"
// tag addressed to the expert's pubkey.
func WrapSessionKey(key SessionKey, senderPriv, recipientPub string) (string, error) {
	convKey, err := nip44.GenerateConversationKey(recipientPub, senderPriv)
	if err != nil {
		return "", fmt.Errorf("nostrcrypto: derive conversation key: %w", err)
	}
	sealed, err := nip44.Encrypt(hex.EncodeToString(key[:]), convKey)
	if err != nil {
		return "", fmt.Errorf("nostrcrypto: wrap session key: %w", err)
	}
	return sealed, nil
}

// UnwrapSessionKey is the expert-side inverse of WrapSessionKey: given
// the wrapped value from the "key" tag, the expert's own privkey, and
// the sender's pubkey (the prompt event's pubkey), it recovers the raw
// session key.
func UnwrapSessionKey(wrapped string, recipientPriv, senderPub string) (SessionKey, error) {
	convKey, err := nip44.GenerateConversationKey(senderPub, recipientPriv)
	if err != nil {
		return SessionKey{}, fmt.Errorf("nostrcrypto: derive conversation key: %w", err)
	}
	plain, err := nip44.Decrypt(wrapped, convKey)
	if err != nil {
		return SessionKey{}, fmt.Errorf("%w: unwrap session key: %v", ErrDecryptFailure, err)
	}
	raw, err := hex.DecodeString(plain)
	if err != nil || len(raw) != 32 {
		return SessionKey{}, fmt.Errorf("%w: bad session key length", ErrDecryptFailure)
	}
	var key SessionKey
	copy(key[:], raw)
	return key, nil
}
