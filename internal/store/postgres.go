package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/nostrmarket/askexperts/internal/market"
)

// PostgresStore is the production Store, backed by lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// Open connects to dsn and returns a ready PostgresStore.
func Open(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate creates the experts and wallets tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			nwc TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT false
		);
		CREATE TABLE IF NOT EXISTS experts (
			pubkey TEXT PRIMARY KEY,
			nickname TEXT NOT NULL,
			wallet_id BIGINT NOT NULL REFERENCES wallets(id),
			type TEXT NOT NULL,
			env JSONB NOT NULL DEFAULT '{}',
			docstores TEXT[] NOT NULL DEFAULT '{}',
			disabled BOOLEAN NOT NULL DEFAULT false,
			privkey TEXT NOT NULL,
			updated_seq BIGSERIAL
		);
		CREATE INDEX IF NOT EXISTS experts_wallet_id_idx ON experts (wallet_id);
		CREATE INDEX IF NOT EXISTS experts_type_idx ON experts (type);
		CREATE INDEX IF NOT EXISTS experts_updated_seq_idx ON experts (updated_seq);
	`)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExpertsAfter(ctx context.Context, since int64, limit int) ([]market.Expert, error) {
	// LIMIT NULL is the same as LIMIT ALL in Postgres.
	var lim interface{} = limit
	if limit <= 0 {
		lim = nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT pubkey, nickname, wallet_id, type, disabled, privkey, updated_seq
		FROM experts WHERE updated_seq > $1 ORDER BY updated_seq LIMIT $2`, since, lim)
	if err != nil {
		return nil, fmt.Errorf("list experts: %w", err)
	}
	defer rows.Close()

	var out []market.Expert
	for rows.Next() {
		var e market.Expert
		if err := rows.Scan(&e.Pubkey, &e.Nickname, &e.WalletID, &e.Type, &e.Disabled, &e.Privkey, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan expert: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetExpert(ctx context.Context, pubkey string) (market.Expert, error) {
	var e market.Expert
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, nickname, wallet_id, type, disabled, privkey, updated_seq
		FROM experts WHERE pubkey = $1`, pubkey)
	if err := row.Scan(&e.Pubkey, &e.Nickname, &e.WalletID, &e.Type, &e.Disabled, &e.Privkey, &e.Timestamp); err != nil {
		return market.Expert{}, fmt.Errorf("get expert %q: %w", pubkey, err)
	}
	return e, nil
}

func (s *PostgresStore) UpsertExpert(ctx context.Context, e market.Expert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO experts (pubkey, nickname, wallet_id, type, disabled, privkey)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pubkey) DO UPDATE SET
			nickname = EXCLUDED.nickname,
			wallet_id = EXCLUDED.wallet_id,
			type = EXCLUDED.type,
			disabled = EXCLUDED.disabled,
			privkey = EXCLUDED.privkey,
			updated_seq = DEFAULT`,
		e.Pubkey, e.Nickname, e.WalletID, e.Type, e.Disabled, e.Privkey)
	if err != nil {
		return fmt.Errorf("upsert expert %q: %w", e.Pubkey, err)
	}
	return nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, id int64) (market.Wallet, error) {
	var w market.Wallet
	row := s.db.QueryRowContext(ctx, `SELECT id, name, nwc, is_default FROM wallets WHERE id = $1`, id)
	if err := row.Scan(&w.ID, &w.Name, &w.NWC, &w.Default); err != nil {
		return market.Wallet{}, fmt.Errorf("get wallet %d: %w", id, err)
	}
	return w, nil
}

func (s *PostgresStore) ListWallets(ctx context.Context) ([]market.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, nwc, is_default FROM wallets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []market.Wallet
	for rows.Next() {
		var w market.Wallet
		if err := rows.Scan(&w.ID, &w.Name, &w.NWC, &w.Default); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
