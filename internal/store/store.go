// Package store defines the scheduler's persistence contract: the
// expert registry and wallet table the scheduler polls and ships to
// the worker pool inside job payloads.
package store

import (
	"context"

	"github.com/nostrmarket/askexperts/internal/market"
)

// Store is the scheduler's view of durable state: experts, their
// wallets, and incremental change polling.
type Store interface {
	// ListExpertsAfter returns up to limit experts whose Timestamp is
	// greater than since, in ascending Timestamp order, for the
	// scheduler's incremental polling loop. A since of 0 starts from
	// the beginning of the registry; a limit <= 0 means no bound.
	ListExpertsAfter(ctx context.Context, since int64, limit int) ([]market.Expert, error)

	// GetExpert returns one expert by pubkey.
	GetExpert(ctx context.Context, pubkey string) (market.Expert, error)

	// UpsertExpert inserts or updates an expert record, bumping its
	// Timestamp so the next poll picks up the change.
	UpsertExpert(ctx context.Context, e market.Expert) error

	// GetWallet returns one wallet by id.
	GetWallet(ctx context.Context, id int64) (market.Wallet, error)

	// ListWallets returns every wallet.
	ListWallets(ctx context.Context) ([]market.Wallet, error)
}
