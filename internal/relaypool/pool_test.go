package relaypool

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrmarket/askexperts/internal/market"
)

func TestPublishNoRelaysIsInvalidArgument(t *testing.T) {
	p := New(context.Background())
	defer p.Close()

	evt := &nostr.Event{Kind: 1, Content: "hi"}
	_, err := p.Publish(context.Background(), evt, nil)
	require.ErrorIs(t, err, market.ErrInvalidArgument)
}

func TestPublishAllRelaysUnreachableFails(t *testing.T) {
	p := New(context.Background())
	defer p.Close()

	evt := &nostr.Event{Kind: 1, Content: "hi"}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := p.Publish(ctx, evt, []string{"wss://nonexistent.invalid.test"})
	assert.Error(t, err)
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	p := New(context.Background())
	defer p.Close()

	sub, err := p.Subscribe(context.Background(), nostr.Filter{Kinds: []int{1}}, []string{"wss://nonexistent.invalid.test"})
	require.NoError(t, err)

	sub.Close()
	sub.Close() // must not panic
}

func TestFetchRespectsDeadline(t *testing.T) {
	p := New(context.Background())
	defer p.Close()

	start := time.Now()
	events, err := p.Fetch(context.Background(), nostr.Filter{Kinds: []int{1}}, []string{"wss://nonexistent.invalid.test"}, 300*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), 2*time.Second)
}
