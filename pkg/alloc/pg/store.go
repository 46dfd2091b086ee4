// Package pg provides the Postgres-backed allocation store. Insertion order
// is preserved through a bigserial position column, which makes pagination
// stable across calls as long as no writes happen in between.
package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlabs/disperse/pkg/alloc"
)

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:  cfg.Logger,
		pool: cfg.Pool,
	}, nil
}

func (s *Store) AddShare(ctx context.Context, recipient string, weight uint64) error {
	if weight == 0 {
		return alloc.ErrZeroWeight
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO share_allocations (recipient, weight)
		VALUES ($1, $2)
		ON CONFLICT (recipient)
		DO UPDATE SET weight = share_allocations.weight + EXCLUDED.weight
	`, recipient, int64(weight))
	if err != nil {
		return fmt.Errorf("failed to add share allocation: %w", err)
	}
	return nil
}

func (s *Store) RemoveShare(ctx context.Context, recipient string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM share_allocations WHERE recipient = $1`, recipient)
	if err != nil {
		return fmt.Errorf("failed to remove share allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return alloc.ErrNotFound
	}
	return nil
}

// SettleShare moves a recipient from pending shares into the token history in
// a single transaction, dropping any interrupted record along the way.
func (s *Store) SettleShare(ctx context.Context, recipient string, amount uint64, paidAt time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin settle transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM share_allocations WHERE recipient = $1`, recipient)
	if err != nil {
		return fmt.Errorf("failed to delete pending share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return alloc.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO token_allocations (recipient, amount, paid_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient)
		DO UPDATE SET amount = EXCLUDED.amount, paid_at = EXCLUDED.paid_at
	`, recipient, int64(amount), paidAt.UTC()); err != nil {
		return fmt.Errorf("failed to record token allocation: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM interrupted_distributions WHERE recipient = $1`, recipient); err != nil {
		return fmt.Errorf("failed to clear interrupted record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settle transaction: %w", err)
	}
	return nil
}

func (s *Store) ListShares(ctx context.Context, offset uint64) ([]alloc.ShareEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT recipient, weight
		FROM share_allocations
		ORDER BY position
		OFFSET $1 LIMIT $2
	`, int64(offset), alloc.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list share allocations: %w", err)
	}
	defer rows.Close()

	var page []alloc.ShareEntry
	for rows.Next() {
		var recipient string
		var weight int64
		if err := rows.Scan(&recipient, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan share allocation: %w", err)
		}
		page = append(page, alloc.ShareEntry{Recipient: recipient, Weight: uint64(weight)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate share allocations: %w", err)
	}
	return page, nil
}

func (s *Store) ListTokens(ctx context.Context, offset uint64) ([]alloc.TokenEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT recipient, amount, paid_at
		FROM token_allocations
		ORDER BY position
		OFFSET $1 LIMIT $2
	`, int64(offset), alloc.PageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list token allocations: %w", err)
	}
	defer rows.Close()

	var page []alloc.TokenEntry
	for rows.Next() {
		var entry alloc.TokenEntry
		var amount int64
		if err := rows.Scan(&entry.Recipient, &amount, &entry.PaidAt); err != nil {
			return nil, fmt.Errorf("failed to scan token allocation: %w", err)
		}
		entry.Amount = uint64(amount)
		page = append(page, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate token allocations: %w", err)
	}
	return page, nil
}

func (s *Store) GetShare(ctx context.Context, recipient string) (uint64, bool, error) {
	var weight int64
	err := s.pool.QueryRow(ctx, `
		SELECT weight FROM share_allocations WHERE recipient = $1
	`, recipient).Scan(&weight)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get share allocation: %w", err)
	}
	return uint64(weight), true, nil
}

func (s *Store) GetToken(ctx context.Context, recipient string) (uint64, bool, error) {
	var amount int64
	err := s.pool.QueryRow(ctx, `
		SELECT amount FROM token_allocations WHERE recipient = $1
	`, recipient).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get token allocation: %w", err)
	}
	return uint64(amount), true, nil
}

func (s *Store) MarkInterrupted(ctx context.Context, recipient string, weight uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO interrupted_distributions (recipient, weight)
		VALUES ($1, $2)
		ON CONFLICT (recipient)
		DO UPDATE SET weight = EXCLUDED.weight, recorded_at = now()
	`, recipient, int64(weight))
	if err != nil {
		return fmt.Errorf("failed to mark interrupted distribution: %w", err)
	}
	return nil
}

func (s *Store) ListInterrupted(ctx context.Context) ([]alloc.ShareEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT recipient, weight
		FROM interrupted_distributions
		ORDER BY recorded_at, recipient
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list interrupted distributions: %w", err)
	}
	defer rows.Close()

	var entries []alloc.ShareEntry
	for rows.Next() {
		var recipient string
		var weight int64
		if err := rows.Scan(&recipient, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan interrupted distribution: %w", err)
		}
		entries = append(entries, alloc.ShareEntry{Recipient: recipient, Weight: uint64(weight)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interrupted distributions: %w", err)
	}
	return entries, nil
}

func (s *Store) ClearInterrupted(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM interrupted_distributions`); err != nil {
		return fmt.Errorf("failed to clear interrupted distributions: %w", err)
	}
	return nil
}

func (s *Store) SetLedgerID(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE engine_config SET ledger_id = $1 WHERE id = 1`, id); err != nil {
		return fmt.Errorf("failed to set ledger id: %w", err)
	}
	return nil
}

func (s *Store) LedgerID(ctx context.Context) (string, error) {
	var id string
	if err := s.pool.QueryRow(ctx, `SELECT ledger_id FROM engine_config WHERE id = 1`).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to get ledger id: %w", err)
	}
	return id, nil
}

// ClearAll wipes every allocation mapping and the ledger config in one
// transaction. Only reset uses this.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin clear transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range []string{
		`DELETE FROM share_allocations`,
		`DELETE FROM token_allocations`,
		`DELETE FROM interrupted_distributions`,
		`UPDATE engine_config SET ledger_id = '' WHERE id = 1`,
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to clear state: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit clear transaction: %w", err)
	}
	return nil
}
