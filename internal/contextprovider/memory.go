package contextprovider

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryProvider is an in-process ContextProvider over a fixed
// document set, scored by naive substring overlap. It exists for
// tests and demos; real deployments wire an actual vector store
// through the same interface.
type MemoryProvider struct {
	mu   sync.RWMutex
	docs []Document
}

// NewMemoryProvider creates a MemoryProvider seeded with docs.
func NewMemoryProvider(docs []Document) *MemoryProvider {
	return &MemoryProvider{docs: docs}
}

// Query implements ContextProvider with a trivial relevance score:
// the fraction of query words found in the document content.
func (p *MemoryProvider) Query(_ context.Context, query string, k int) ([]Document, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	words := strings.Fields(strings.ToLower(query))
	scored := make([]Document, len(p.docs))
	copy(scored, p.docs)

	for i := range scored {
		scored[i].Score = score(words, scored[i].Content)
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if k > 0 && k < len(scored) {
		scored = scored[:k]
	}
	return scored, nil
}

func score(words []string, content string) float64 {
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

// Subscribe implements ContextProvider. MemoryProvider's document set
// is static, so Ready resolves immediately and Updates never fires;
// Cancel is a no-op.
func (p *MemoryProvider) Subscribe(ctx context.Context, query string) (*Subscription, error) {
	ready := make(chan error, 1)
	ready <- nil
	updates := make(chan Document)

	_, cancel := context.WithCancel(ctx)
	return &Subscription{Ready: ready, Updates: updates, Cancel: cancel}, nil
}
