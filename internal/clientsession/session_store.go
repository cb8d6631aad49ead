package clientsession

import (
	"sync"
	"time"

	"github.com/nostrmarket/askexperts/internal/market"
	"github.com/nostrmarket/askexperts/internal/nostrcrypto"
)

// Context tracks one expert's place in an ask's conversation: the id
// of the event a follow-up turn should chain its "e" tag from, plus
// the follow-up invoice the expert attached to its last reply, if
// any.
type Context struct {
	ExpertPubkey    string
	ContextID       string
	FollowupInvoice *market.Invoice
	CreatedAt       time.Time
}

// Session is the record FindExperts persists per ask_id.
// ClientKeys is the ephemeral identity every event in the
// ask's lifetime is signed with; SessionKey is the encryption key
// wrapped to each bidding expert.
type Session struct {
	AskID      string
	ClientKeys nostrcrypto.KeyPair
	SessionKey nostrcrypto.SessionKey
	CreatedAt  time.Time

	mu       sync.Mutex
	contexts map[string]*Context
}

func newSession(askID string, clientKeys nostrcrypto.KeyPair, sessionKey nostrcrypto.SessionKey) *Session {
	return &Session{
		AskID:      askID,
		ClientKeys: clientKeys,
		SessionKey: sessionKey,
		CreatedAt:  time.Now(),
		contexts:   make(map[string]*Context),
	}
}

// recordContext updates the context an expert's next turn should
// chain from.
func (s *Session) recordContext(expertPubkey, contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[expertPubkey] = &Context{ExpertPubkey: expertPubkey, ContextID: contextID, CreatedAt: time.Now()}
}

// recordFollowup chains the expert's next turn from a reply that
// carried a follow-up invoice.
func (s *Session) recordFollowup(expertPubkey, replyID string, invoice *market.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[expertPubkey] = &Context{
		ExpertPubkey:    expertPubkey,
		ContextID:       replyID,
		FollowupInvoice: invoice,
		CreatedAt:       time.Now(),
	}
}

// Context returns the expert's last recorded context, if any.
func (s *Session) Context(expertPubkey string) (Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[expertPubkey]
	if !ok {
		return Context{}, false
	}
	return *c, true
}

// sessionStore indexes every ask this client opened by ask_id, so
// ask_expert can look a session up instead of requiring the caller to
// carry the session key and client identity around itself. Entries are
// never removed.
type sessionStore struct {
	mu   sync.Mutex
	byID map[string]*Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{byID: make(map[string]*Session)}
}

func (s *sessionStore) put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[sess.AskID] = sess
}

func (s *sessionStore) get(askID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[askID]
	return sess, ok
}
