package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

const addressColumns = `coin, address, user_id, account_index, subaddr_index, label, used, created_at`

func scanAddress(row scanner) (domain.DepositAddress, error) {
	var (
		a                    domain.DepositAddress
		account, subaddrIdx int64
	)
	if err := row.Scan(&a.Coin, &a.Address, &a.User, &account, &subaddrIdx, &a.Label, &a.Used, &a.CreatedAt); err != nil {
		return domain.DepositAddress{}, err
	}
	a.AccountIndex = uint32(account)
	a.SubaddrIndex = uint32(subaddrIdx)
	return a, nil
}

func (s *Store) CreateAddress(ctx context.Context, a domain.DepositAddress) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deposit_addresses (`+addressColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.Coin, a.Address, a.User, int64(a.AccountIndex), int64(a.SubaddrIndex), a.Label, a.Used, a.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrAddressExists
	}
	if err != nil {
		return fmt.Errorf("failed to create address: %w", err)
	}
	return nil
}

func (s *Store) Address(ctx context.Context, coin, address string) (domain.DepositAddress, error) {
	a, err := scanAddress(s.pool.QueryRow(ctx,
		`SELECT `+addressColumns+` FROM deposit_addresses WHERE coin = $1 AND address = $2`, coin, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DepositAddress{}, domain.ErrAddressNotFound
	}
	if err != nil {
		return domain.DepositAddress{}, fmt.Errorf("failed to get address: %w", err)
	}
	return a, nil
}

func (s *Store) Addresses(ctx context.Context, coin string) ([]domain.DepositAddress, error) {
	return s.queryAddresses(ctx,
		`SELECT `+addressColumns+` FROM deposit_addresses WHERE coin = $1 ORDER BY address`, coin)
}

func (s *Store) UserAddresses(ctx context.Context, user string) ([]domain.DepositAddress, error) {
	return s.queryAddresses(ctx,
		`SELECT `+addressColumns+` FROM deposit_addresses WHERE user_id = $1 ORDER BY coin, address`, user)
}

func (s *Store) queryAddresses(ctx context.Context, sql string, args ...any) ([]domain.DepositAddress, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query addresses: %w", err)
	}
	defer rows.Close()

	var out []domain.DepositAddress
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Cursor(ctx context.Context, coin, address string) (domain.Cursor, error) {
	return getCursor(ctx, s.pool, coin, address, false)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getCursor(ctx context.Context, q querier, coin, address string, forUpdate bool) (domain.Cursor, error) {
	sql := `SELECT coin, address, height, block_hash, updated_at FROM sync_cursors WHERE coin = $1 AND address = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var c domain.Cursor
	err := q.QueryRow(ctx, sql, coin, address).Scan(&c.Coin, &c.Address, &c.Height, &c.BlockHash, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Cursor{Coin: coin, Address: address}, nil
	}
	if err != nil {
		return domain.Cursor{}, fmt.Errorf("failed to get cursor: %w", err)
	}
	return c, nil
}

func (s *Store) ResetCursor(ctx context.Context, coin, address string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sync_cursors WHERE coin = $1 AND address = $2`, coin, address); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

const depositColumns = `coin, txid, address, user_id, amount::text, confirmations, height, credited, observed_at, credited_at`

func (s *Store) Deposits(ctx context.Context, coin, address string) ([]domain.Deposit, error) {
	return queryDeposits(ctx, s.pool, coin, address)
}

type rowsQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryDeposits(ctx context.Context, q rowsQuerier, coin, address string) ([]domain.Deposit, error) {
	rows, err := q.Query(ctx, `
		SELECT `+depositColumns+` FROM deposits
		WHERE coin = $1 AND address = $2
		ORDER BY height, txid`, coin, address)
	if err != nil {
		return nil, fmt.Errorf("failed to query deposits: %w", err)
	}
	defer rows.Close()

	var out []domain.Deposit
	for rows.Next() {
		var (
			dep    domain.Deposit
			amount string
		)
		if err := rows.Scan(&dep.Coin, &dep.TxID, &dep.Address, &dep.User, &amount,
			&dep.Confirmations, &dep.Height, &dep.Credited, &dep.ObservedAt, &dep.CreditedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}
		if dep.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse deposit amount: %w", err)
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// CommitDeposits locks the address row first so concurrent commits for
// the same address are serialized, then credits, records and advances
// the cursor in the same transaction.
func (s *Store) CommitDeposits(ctx context.Context, c store.DepositCommit) ([]domain.Deposit, error) {
	var credited []domain.Deposit
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		addr, err := scanAddress(tx.QueryRow(ctx, `
			SELECT `+addressColumns+` FROM deposit_addresses
			WHERE coin = $1 AND address = $2 FOR UPDATE`, c.Address.Coin, c.Address.Address))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrAddressNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock address: %w", err)
		}
		c.Address = addr

		stored, err := queryDeposits(ctx, tx, addr.Coin, addr.Address)
		if err != nil {
			return err
		}
		existing := make(map[domain.DepositKey]domain.Deposit, len(stored))
		for _, dep := range stored {
			existing[dep.Key()] = dep
		}

		now := time.Now()
		var upserts []domain.Deposit
		upserts, credited = store.MergeDeposits(existing, c, now)

		if err := applyBatch(ctx, tx, store.CreditBatch(credited), now); err != nil {
			return err
		}

		for _, dep := range upserts {
			if _, err := tx.Exec(ctx, `
				INSERT INTO deposits (coin, txid, address, user_id, amount, confirmations, height,
					credited, observed_at, credited_at)
				VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
				ON CONFLICT (coin, txid, address) DO UPDATE SET
					amount = EXCLUDED.amount,
					confirmations = EXCLUDED.confirmations,
					height = EXCLUDED.height,
					credited = EXCLUDED.credited,
					credited_at = EXCLUDED.credited_at
				WHERE NOT deposits.credited`,
				dep.Coin, dep.TxID, dep.Address, dep.User, dep.Amount.String(), dep.Confirmations,
				dep.Height, dep.Credited, dep.ObservedAt, dep.CreditedAt,
			); err != nil {
				return fmt.Errorf("failed to upsert deposit %s: %w", dep.TxID, err)
			}
		}

		if len(credited) > 0 && !addr.Used {
			if _, err := tx.Exec(ctx,
				`UPDATE deposit_addresses SET used = true WHERE coin = $1 AND address = $2`,
				addr.Coin, addr.Address,
			); err != nil {
				return fmt.Errorf("failed to mark address used: %w", err)
			}
		}

		cur, err := getCursor(ctx, tx, addr.Coin, addr.Address, true)
		if err != nil {
			return err
		}
		next := store.NextCursor(cur, c.Cursor, now)
		if _, err := tx.Exec(ctx, `
			INSERT INTO sync_cursors (coin, address, height, block_hash, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (coin, address) DO UPDATE SET
				height = EXCLUDED.height,
				block_hash = EXCLUDED.block_hash,
				updated_at = EXCLUDED.updated_at`,
			addr.Coin, addr.Address, next.Height, next.BlockHash, next.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to store cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return credited, nil
}
