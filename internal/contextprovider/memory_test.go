package contextprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryRanksByOverlap(t *testing.T) {
	p := NewMemoryProvider([]Document{
		{ID: "a", Content: "lightning payments and nostr relays"},
		{ID: "b", Content: "unrelated gardening tips"},
	})

	docs, err := p.Query(context.Background(), "nostr relays", 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].ID)
}

func TestSubscribeResolvesImmediately(t *testing.T) {
	p := NewMemoryProvider(nil)
	sub, err := p.Subscribe(context.Background(), "anything")
	require.NoError(t, err)

	select {
	case err := <-sub.Ready:
		assert.NoError(t, err)
	default:
		t.Fatal("expected Ready to already hold a value")
	}
}
