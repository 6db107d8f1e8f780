// Package postgres implements the Ledger Store on PostgreSQL. Balance rows
// are locked with SELECT ... FOR UPDATE in a stable order inside a single
// transaction per batch.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

//go:embed schema.sql
var schema string

// Store wraps a PostgreSQL connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New connects to the database at connString.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Truncate empties every table. Used by tests.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`TRUNCATE balances, orders, trades, withdrawals, deposit_addresses, sync_cursors, deposits`); err != nil {
		return fmt.Errorf("failed to truncate: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// inTx runs fn in a transaction and commits only if fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) Credit(ctx context.Context, user, coin string, amount decimal.Decimal) error {
	return s.Apply(ctx, store.Batch{Ops: []store.Op{{Kind: store.OpCredit, User: user, Coin: coin, Amount: amount}}})
}

func (s *Store) Debit(ctx context.Context, user, coin string, amount decimal.Decimal) error {
	return s.Apply(ctx, store.Batch{Ops: []store.Op{{Kind: store.OpDebit, User: user, Coin: coin, Amount: amount}}})
}

func (s *Store) Hold(ctx context.Context, user, coin string, amount decimal.Decimal) error {
	return s.Apply(ctx, store.Batch{Ops: []store.Op{{Kind: store.OpHold, User: user, Coin: coin, Amount: amount}}})
}

func (s *Store) Release(ctx context.Context, user, coin string, amount decimal.Decimal) error {
	return s.Apply(ctx, store.Batch{Ops: []store.Op{{Kind: store.OpRelease, User: user, Coin: coin, Amount: amount}}})
}

// Apply commits the whole batch in one transaction.
func (s *Store) Apply(ctx context.Context, b store.Batch) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return applyBatch(ctx, tx, b, time.Now())
	})
}

func applyBatch(ctx context.Context, tx pgx.Tx, b store.Batch, now time.Time) error {
	keys := store.SortedKeys(b.Ops)
	staged := make(map[store.AccountKey]*domain.Balance, len(keys))
	for _, k := range keys {
		bal, err := lockBalance(ctx, tx, k)
		if err != nil {
			return err
		}
		staged[k] = &bal
	}

	if err := store.ApplyOps(staged, b.Ops, now); err != nil {
		return err
	}

	for _, k := range keys {
		bal := staged[k]
		if _, err := tx.Exec(ctx, `
			UPDATE balances SET available = $3::numeric, held = $4::numeric, updated_at = $5
			WHERE user_id = $1 AND coin = $2`,
			k.User, k.Coin, bal.Available.String(), bal.Held.String(), bal.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to update balance %s/%s: %w", k.User, k.Coin, err)
		}
	}

	for _, o := range b.Orders {
		if err := upsertOrder(ctx, tx, o); err != nil {
			return err
		}
	}
	for _, t := range b.Trades {
		if err := insertTrade(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

// lockBalance creates the row if needed and locks it for the rest of tx.
func lockBalance(ctx context.Context, tx pgx.Tx, k store.AccountKey) (domain.Balance, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (user_id, coin) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		k.User, k.Coin,
	); err != nil {
		return domain.Balance{}, fmt.Errorf("failed to create balance %s/%s: %w", k.User, k.Coin, err)
	}

	row := tx.QueryRow(ctx, `
		SELECT user_id, coin, available::text, held::text, updated_at
		FROM balances WHERE user_id = $1 AND coin = $2
		FOR UPDATE`, k.User, k.Coin)
	bal, err := scanBalance(row)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("failed to lock balance %s/%s: %w", k.User, k.Coin, err)
	}
	return bal, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (domain.Balance, error) {
	var (
		b               domain.Balance
		available, held string
	)
	if err := row.Scan(&b.User, &b.Coin, &available, &held, &b.UpdatedAt); err != nil {
		return domain.Balance{}, err
	}
	var err error
	if b.Available, err = decimal.NewFromString(available); err != nil {
		return domain.Balance{}, err
	}
	if b.Held, err = decimal.NewFromString(held); err != nil {
		return domain.Balance{}, err
	}
	return b, nil
}

func (s *Store) Balance(ctx context.Context, user, coin string) (domain.Balance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, coin, available::text, held::text, updated_at
		FROM balances WHERE user_id = $1 AND coin = $2`, user, coin)
	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Balance{User: user, Coin: coin, Available: decimal.Zero, Held: decimal.Zero}, nil
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

func (s *Store) Balances(ctx context.Context, user string) ([]domain.Balance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, coin, available::text, held::text, updated_at
		FROM balances WHERE user_id = $1 ORDER BY coin`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var out []domain.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
