package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/shopspring/decimal"
)

// OpKind is a balance mutation.
type OpKind string

const (
	OpCredit  OpKind = "credit"  // available += amount
	OpDebit   OpKind = "debit"   // available -= amount
	OpHold    OpKind = "hold"    // available -> held
	OpRelease OpKind = "release" // held -> available
	OpConsume OpKind = "consume" // held -= amount
)

// Op is a single balance mutation.
type Op struct {
	Kind   OpKind
	User   string
	Coin   string
	Amount decimal.Decimal
}

// Batch is applied all-or-nothing by Ledger.Apply. Ops run in order.
type Batch struct {
	Ops    []Op
	Trades []domain.Trade
	Orders []domain.Order
}

// Add appends an op, dropping zero amounts.
func (b *Batch) Add(kind OpKind, user, coin string, amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	b.Ops = append(b.Ops, Op{Kind: kind, User: user, Coin: coin, Amount: amount})
}

// AccountKey identifies one balance row.
type AccountKey struct {
	User string
	Coin string
}

// SortedKeys returns the distinct accounts touched by ops in a stable
// order. Backends lock accounts in this order to avoid deadlocks.
func SortedKeys(ops []Op) []AccountKey {
	seen := make(map[AccountKey]bool, len(ops))
	keys := make([]AccountKey, 0, len(ops))
	for _, op := range ops {
		k := AccountKey{User: op.User, Coin: op.Coin}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].User != keys[j].User {
			return keys[i].User < keys[j].User
		}
		return keys[i].Coin < keys[j].Coin
	})
	return keys
}

// ApplyOps runs ops against staged balances in order. It stops at the
// first op that would make a balance negative and returns an error
// wrapping domain.ErrInsufficientFunds; staged is then partially updated
// and must be discarded. Every op's account must already be in staged.
func ApplyOps(staged map[AccountKey]*domain.Balance, ops []Op, now time.Time) error {
	for _, op := range ops {
		if !op.Amount.IsPositive() {
			return fmt.Errorf("%s %s/%s: amount must be > 0, got %s", op.Kind, op.User, op.Coin, op.Amount)
		}
		b, ok := staged[AccountKey{User: op.User, Coin: op.Coin}]
		if !ok {
			return fmt.Errorf("%s %s/%s: account not staged", op.Kind, op.User, op.Coin)
		}

		switch op.Kind {
		case OpCredit:
			b.Available = b.Available.Add(op.Amount)
		case OpDebit:
			if b.Available.LessThan(op.Amount) {
				return insufficient(op, b.Available)
			}
			b.Available = b.Available.Sub(op.Amount)
		case OpHold:
			if b.Available.LessThan(op.Amount) {
				return insufficient(op, b.Available)
			}
			b.Available = b.Available.Sub(op.Amount)
			b.Held = b.Held.Add(op.Amount)
		case OpRelease:
			if b.Held.LessThan(op.Amount) {
				return insufficient(op, b.Held)
			}
			b.Held = b.Held.Sub(op.Amount)
			b.Available = b.Available.Add(op.Amount)
		case OpConsume:
			if b.Held.LessThan(op.Amount) {
				return insufficient(op, b.Held)
			}
			b.Held = b.Held.Sub(op.Amount)
		default:
			return fmt.Errorf("unknown op %q", op.Kind)
		}
		b.UpdatedAt = now
	}
	return nil
}

func insufficient(op Op, have decimal.Decimal) error {
	return fmt.Errorf("%s %s %s for %s (have %s): %w",
		op.Kind, op.Amount, op.Coin, op.User, have, domain.ErrInsufficientFunds)
}

// NextCursor merges a proposed cursor into the stored one. Height never
// moves backwards; an empty block hash keeps the stored one.
func NextCursor(current, proposed domain.Cursor, now time.Time) domain.Cursor {
	next := current
	if proposed.Height > next.Height {
		next.Height = proposed.Height
	}
	if proposed.BlockHash != "" {
		next.BlockHash = proposed.BlockHash
	}
	next.UpdatedAt = now
	return next
}

// MergeDeposits resolves a commit against the records already stored for
// its address. It returns the records to upsert and the subset credited
// by this commit. Credited records are never downgraded or re-credited.
func MergeDeposits(existing map[domain.DepositKey]domain.Deposit, c DepositCommit, now time.Time) (upserts, credited []domain.Deposit) {
	seen := make(map[domain.DepositKey]bool)

	normalize := func(dep domain.Deposit) domain.Deposit {
		dep.Coin = c.Address.Coin
		dep.Address = c.Address.Address
		dep.User = c.Address.User
		return dep
	}

	for _, dep := range c.Credits {
		dep = normalize(dep)
		key := dep.Key()
		if seen[key] {
			continue
		}
		seen[key] = true

		prev, ok := existing[key]
		if ok && prev.Credited {
			continue
		}
		dep.Credited = true
		dep.ObservedAt = now
		if ok {
			dep.ObservedAt = prev.ObservedAt
		}
		creditedAt := now
		dep.CreditedAt = &creditedAt
		upserts = append(upserts, dep)
		credited = append(credited, dep)
	}

	for _, dep := range c.Pending {
		dep = normalize(dep)
		key := dep.Key()
		if seen[key] {
			continue
		}
		seen[key] = true

		prev, ok := existing[key]
		if ok && prev.Credited {
			continue
		}
		dep.Credited = false
		dep.CreditedAt = nil
		dep.ObservedAt = now
		if ok {
			dep.ObservedAt = prev.ObservedAt
		}
		upserts = append(upserts, dep)
	}
	return upserts, credited
}

// SortDeposits orders deposits by height, then txid.
func SortDeposits(deps []domain.Deposit) {
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].Height != deps[j].Height {
			return deps[i].Height < deps[j].Height
		}
		return deps[i].TxID < deps[j].TxID
	})
}

// CreditBatch turns credited deposits into ledger ops.
func CreditBatch(credited []domain.Deposit) Batch {
	var b Batch
	for _, dep := range credited {
		b.Add(OpCredit, dep.User, dep.Coin, dep.Amount)
	}
	return b
}

// PageOrders sorts orders newest first and applies 1-based pagination.
func PageOrders(orders []domain.Order, page, limit int) ([]domain.Order, int) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
	total := len(orders)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = total
	}
	start := (page - 1) * limit
	if start >= total {
		return []domain.Order{}, total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return orders[start:end], total
}
