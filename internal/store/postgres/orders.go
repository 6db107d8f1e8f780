package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

const orderColumns = `id, market, owner, side, price::text, quantity::text, remaining::text,
	fee_rate::text, status, time_in_force, post_only, seq, created_at, updated_at`

func upsertOrder(ctx context.Context, tx pgx.Tx, o domain.Order) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO orders (id, market, owner, side, price, quantity, remaining, fee_rate,
			status, time_in_force, post_only, seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric,
			$9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			remaining = EXCLUDED.remaining,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		o.ID, o.Market, o.Owner, string(o.Side), o.Price.String(), o.Quantity.String(),
		o.Remaining.String(), o.FeeRate.String(), string(o.Status), string(o.TimeInForce),
		o.PostOnly, int64(o.Seq), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert order %s: %w", o.ID, err)
	}
	return nil
}

func scanOrder(row scanner) (domain.Order, error) {
	var (
		o                                   domain.Order
		side, status, tif                   string
		price, quantity, remaining, feeRate string
		seq                                 int64
	)
	if err := row.Scan(&o.ID, &o.Market, &o.Owner, &side, &price, &quantity, &remaining,
		&feeRate, &status, &tif, &o.PostOnly, &seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Seq = uint64(seq)

	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.Price, price}, {&o.Quantity, quantity}, {&o.Remaining, remaining}, {&o.FeeRate, feeRate}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return domain.Order{}, err
		}
	}
	return o, nil
}

func (s *Store) Order(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (s *Store) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('open', 'partially_filled')
		ORDER BY market, seq`)
}

func (s *Store) OwnerOrders(ctx context.Context, owner string, status domain.OrderStatus, page, limit int) ([]domain.Order, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM orders
		WHERE owner = $1 AND ($2 = '' OR status = $2)`, owner, string(status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	orders, err := s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE owner = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`, owner, string(status), limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (s *Store) queryOrders(ctx context.Context, sql string, args ...any) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	out := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func insertTrade(ctx context.Context, tx pgx.Tx, t domain.Trade) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO trades (id, market, maker_order_id, taker_order_id, buyer, seller,
			taker_side, price, quantity, buyer_fee, seller_fee, executed_at, fill_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11::numeric, $12, $13)`,
		t.ID, t.Market, t.MakerOrderID, t.TakerOrderID, t.Buyer, t.Seller, string(t.TakerSide),
		t.Price.String(), t.Quantity.String(), t.BuyerFee.String(), t.SellerFee.String(), t.ExecutedAt, t.FillIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", t.ID, err)
	}
	return nil
}

const tradeColumns = `id, market, maker_order_id, taker_order_id, buyer, seller, taker_side,
	price::text, quantity::text, buyer_fee::text, seller_fee::text, executed_at, fill_index`

func (s *Store) Trades(ctx context.Context, market string, limit int) ([]domain.Trade, error) {
	if limit < 1 {
		limit = 100
	}
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades WHERE market = $1
		ORDER BY executed_at DESC, fill_index DESC, id DESC
		LIMIT $2`, market, limit)
}

func (s *Store) UserTrades(ctx context.Context, user string, f store.TradeFilter) ([]domain.Trade, error) {
	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}
	return s.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades
		WHERE (buyer = $1 OR seller = $1)
			AND ($2 = '' OR market = $2)
			AND ($2 <> '' OR $3 = '' OR split_part(market, '-', 1) = $3 OR split_part(market, '-', 2) = $3)
		ORDER BY executed_at DESC, fill_index DESC, id DESC
		LIMIT $4`, user, f.Market, f.Coin, limit)
}

func (s *Store) queryTrades(ctx context.Context, sql string, args ...any) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	out := []domain.Trade{}
	for rows.Next() {
		var (
			t                                    domain.Trade
			takerSide                            string
			price, quantity, buyerFee, sellerFee string
		)
		if err := rows.Scan(&t.ID, &t.Market, &t.MakerOrderID, &t.TakerOrderID, &t.Buyer, &t.Seller,
			&takerSide, &price, &quantity, &buyerFee, &sellerFee, &t.ExecutedAt, &t.FillIndex); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.TakerSide = domain.Side(takerSide)
		t.Price = decimal.RequireFromString(price)
		t.Quantity = decimal.RequireFromString(quantity)
		t.BuyerFee = decimal.RequireFromString(buyerFee)
		t.SellerFee = decimal.RequireFromString(sellerFee)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RecordWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawals (id, user_id, coin, address, amount, txid, sent_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)`,
		w.ID, w.User, w.Coin, w.Address, w.Amount.String(), w.TxID, w.SentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record withdrawal %s: %w", w.ID, err)
	}
	return nil
}

func (s *Store) Withdrawals(ctx context.Context, user, coin string, limit int) ([]domain.Withdrawal, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, coin, address, amount::text, txid, sent_at
		FROM withdrawals
		WHERE user_id = $1 AND ($2 = '' OR coin = $2)
		ORDER BY sent_at DESC, id DESC
		LIMIT $3`, user, coin, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	defer rows.Close()

	out := []domain.Withdrawal{}
	for rows.Next() {
		var (
			w      domain.Withdrawal
			amount string
		)
		if err := rows.Scan(&w.ID, &w.User, &w.Coin, &w.Address, &amount, &w.TxID, &w.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		if w.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
