package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nostrmarket/askexperts/internal/market"
)

// InMemoryStore is a Store for dev/test: a mutex-guarded map with no
// persistence beyond process lifetime.
type InMemoryStore struct {
	mu      sync.RWMutex
	experts map[string]market.Expert
	wallets map[int64]market.Wallet
	clock   int64
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		experts: make(map[string]market.Expert),
		wallets: make(map[int64]market.Wallet),
	}
}

func (s *InMemoryStore) ListExpertsAfter(_ context.Context, since int64, limit int) ([]market.Expert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []market.Expert
	for _, e := range s.experts {
		if e.Timestamp > since {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) GetExpert(_ context.Context, pubkey string) (market.Expert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.experts[pubkey]
	if !ok {
		return market.Expert{}, fmt.Errorf("store: expert %q not found", pubkey)
	}
	return e, nil
}

func (s *InMemoryStore) UpsertExpert(_ context.Context, e market.Expert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clock++
	e.Timestamp = s.clock
	s.experts[e.Pubkey] = e
	return nil
}

func (s *InMemoryStore) GetWallet(_ context.Context, id int64) (market.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return market.Wallet{}, fmt.Errorf("store: wallet %d not found", id)
	}
	return w, nil
}

func (s *InMemoryStore) ListWallets(_ context.Context) ([]market.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]market.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}
	return out, nil
}

// PutWallet is a test/demo helper absent from the Store interface —
// real deployments create wallets out-of-band (operator tooling), not
// through the scheduler's own API.
func (s *InMemoryStore) PutWallet(w market.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.ID] = w
}
