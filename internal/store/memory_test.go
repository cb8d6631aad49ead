package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nostrmarket/askexperts/internal/market"
)

func TestUpsertExpertBumpsTimestamp(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertExpert(ctx, market.Expert{Pubkey: "pk1", Nickname: "one"}))
	first, err := s.GetExpert(ctx, "pk1")
	require.NoError(t, err)

	require.NoError(t, s.UpsertExpert(ctx, market.Expert{Pubkey: "pk2", Nickname: "two"}))
	second, err := s.GetExpert(ctx, "pk2")
	require.NoError(t, err)

	assert.Less(t, first.Timestamp, second.Timestamp)
}

func TestListExpertsAfterIsIncremental(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertExpert(ctx, market.Expert{Pubkey: "pk1"}))
	all, err := s.ListExpertsAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)

	none, err := s.ListExpertsAfter(ctx, all[0].Timestamp, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListExpertsAfterHonorsLimitAndOrder(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertExpert(ctx, market.Expert{Pubkey: "pk1"}))
	require.NoError(t, s.UpsertExpert(ctx, market.Expert{Pubkey: "pk2"}))
	require.NoError(t, s.UpsertExpert(ctx, market.Expert{Pubkey: "pk3"}))

	page, err := s.ListExpertsAfter(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "pk1", page[0].Pubkey)
	assert.Equal(t, "pk2", page[1].Pubkey)

	// resuming from the page's highest timestamp yields the remainder
	rest, err := s.ListExpertsAfter(ctx, page[1].Timestamp, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "pk3", rest[0].Pubkey)
}

func TestGetExpertNotFound(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.GetExpert(context.Background(), "missing")
	assert.Error(t, err)
}

func TestWalletRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	s.PutWallet(market.Wallet{ID: 1, Name: "primary", NWC: "nostr+walletconnect://..."})

	w, err := s.GetWallet(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "primary", w.Name)

	all, err := s.ListWallets(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
