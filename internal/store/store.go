// Package store defines the Ledger Store: balances, the order and trade
// log, deposit addresses, deposit records and scan cursors. Memory is the
// in-process backend; postgres and kvstore provide durable ones.
package store

import (
	"context"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/shopspring/decimal"
)

// Ledger holds per-(user, coin) balances. Every method is atomic and
// fails with domain.ErrInsufficientFunds when its precondition is unmet.
type Ledger interface {
	Credit(ctx context.Context, user, coin string, amount decimal.Decimal) error
	Debit(ctx context.Context, user, coin string, amount decimal.Decimal) error
	Hold(ctx context.Context, user, coin string, amount decimal.Decimal) error
	Release(ctx context.Context, user, coin string, amount decimal.Decimal) error

	// Apply commits every op, trade and order of b, or none of them.
	Apply(ctx context.Context, b Batch) error

	Balance(ctx context.Context, user, coin string) (domain.Balance, error)
	Balances(ctx context.Context, user string) ([]domain.Balance, error)
}

// OrderLog persists order state written through Batch.Orders.
type OrderLog interface {
	Order(ctx context.Context, id string) (domain.Order, error)
	OpenOrders(ctx context.Context) ([]domain.Order, error)
	// OwnerOrders lists an owner's orders newest first. An empty status
	// matches all. Pagination is 1-based; the int is the unpaginated total.
	OwnerOrders(ctx context.Context, owner string, status domain.OrderStatus, page, limit int) ([]domain.Order, int, error)
}

// TradeLog persists trades written through Batch.Trades. Trades of one
// taker share ExecutedAt and are ordered by FillIndex.
type TradeLog interface {
	// Trades returns up to limit trades of a market, newest first.
	Trades(ctx context.Context, market string, limit int) ([]domain.Trade, error)
	// UserTrades returns trades where user is the buyer or the seller,
	// newest first.
	UserTrades(ctx context.Context, user string, f TradeFilter) ([]domain.Trade, error)
}

// TradeFilter narrows UserTrades. Market takes precedence over Coin;
// empty fields match everything and a Limit below 1 means no limit.
type TradeFilter struct {
	Market string
	Coin   string
	Limit  int
}

// Match reports whether t passes the market and coin filters.
func (f TradeFilter) Match(t domain.Trade) bool {
	if f.Market != "" {
		return t.Market == f.Market
	}
	return f.Coin == "" || t.Involves(f.Coin)
}

// WithdrawalLog records withdrawals after the node accepted them.
type WithdrawalLog interface {
	RecordWithdrawal(ctx context.Context, w domain.Withdrawal) error
	// Withdrawals returns up to limit withdrawals of user, newest first.
	// An empty coin matches all.
	Withdrawals(ctx context.Context, user, coin string, limit int) ([]domain.Withdrawal, error)
}

// DepositStore holds deposit addresses, deposit records and cursors.
type DepositStore interface {
	CreateAddress(ctx context.Context, a domain.DepositAddress) error
	Address(ctx context.Context, coin, address string) (domain.DepositAddress, error)
	Addresses(ctx context.Context, coin string) ([]domain.DepositAddress, error)
	UserAddresses(ctx context.Context, user string) ([]domain.DepositAddress, error)

	// Cursor returns the zero cursor when none was stored.
	Cursor(ctx context.Context, coin, address string) (domain.Cursor, error)
	ResetCursor(ctx context.Context, coin, address string) error

	Deposits(ctx context.Context, coin, address string) ([]domain.Deposit, error)
	// CommitDeposits credits new deposits, upserts records and stores the
	// cursor in one atomic unit. It returns the deposits credited now.
	CommitDeposits(ctx context.Context, c DepositCommit) ([]domain.Deposit, error)
}

// Store is the full Ledger Store.
type Store interface {
	Ledger
	OrderLog
	TradeLog
	WithdrawalLog
	DepositStore
	Close() error
}

// DepositCommit is one reconciler pass over an address.
type DepositCommit struct {
	Address domain.DepositAddress
	Credits []domain.Deposit // confirmed transfers
	Pending []domain.Deposit // observed, below threshold
	Cursor  domain.Cursor
}
