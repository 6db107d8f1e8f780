// Package kvstore implements the Ledger Store on an embedded Pebble
// database. Values are JSON documents. Every mutation is staged in a
// pebble.Batch and committed with pebble.Sync under a single writer lock,
// so a batch either lands whole or not at all.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

// Store is a Pebble-backed store.Store.
type Store struct {
	db *pebble.DB
	mu sync.Mutex // single writer
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database in dir.
func Open(dir string) (*Store, error) {
	return open(dir, &pebble.Options{})
}

// OpenInMemory opens a database that lives only in memory.
func OpenInMemory() (*Store, error) {
	return open("", &pebble.Options{FS: vfs.NewMem()})
}

func open(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// -------------------- keys --------------------

func balanceKey(user, coin string) []byte { return []byte("bal/" + user + "/" + coin) }
func orderKey(id string) []byte            { return []byte("order/" + id) }

func openKey(o domain.Order) []byte {
	return []byte(fmt.Sprintf("open/%s/%020d/%s", o.Market, o.Seq, o.ID))
}

func ownerKey(o domain.Order) []byte {
	return []byte(fmt.Sprintf("owner/%s/%020d/%s", o.Owner, o.CreatedAt.UnixNano(), o.ID))
}

func tradeKey(t domain.Trade) []byte {
	return []byte(fmt.Sprintf("trade/%s/%020d/%06d/%s", t.Market, t.ExecutedAt.UnixNano(), t.FillIndex, t.ID))
}

func userTradeKey(user string, t domain.Trade) []byte {
	return []byte(fmt.Sprintf("usertrade/%s/%020d/%06d/%s", user, t.ExecutedAt.UnixNano(), t.FillIndex, t.ID))
}

func withdrawalKey(w domain.Withdrawal) []byte {
	return []byte(fmt.Sprintf("wd/%s/%020d/%s", w.User, w.SentAt.UnixNano(), w.ID))
}

func addressKey(coin, address string) []byte { return []byte("addr/" + coin + "/" + address) }

func userAddressKey(user, coin, address string) []byte {
	return []byte("useraddr/" + user + "/" + coin + "/" + address)
}

func cursorKey(coin, address string) []byte { return []byte("cursor/" + coin + "/" + address) }

func depositKey(coin, address, txid string) []byte {
	return []byte("dep/" + coin + "/" + address + "/" + txid)
}

// bounds returns iterator bounds covering every key with the given prefix.
func bounds(prefix string) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	}
}

// -------------------- encoding --------------------

func (s *Store) get(key []byte, v any) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func set(b *pebble.Batch, key []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return b.Set(key, val, nil)
}

// scan calls fn for every key under prefix, in key order or reversed.
func (s *Store) scan(prefix string, reverse bool, fn func(key, val []byte) (bool, error)) error {
	iter, err := s.db.NewIter(bounds(prefix))
	if err != nil {
		return err
	}
	defer iter.Close()

	first, next := iter.First, iter.Next
	if reverse {
		first, next = iter.Last, iter.Prev
	}
	for ok := first(); ok; ok = next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

func scanValues[T any](s *Store, prefix string, reverse bool, limit int) ([]T, error) {
	out := []T{}
	err := s.scan(prefix, reverse, func(_, val []byte) (bool, error) {
		var v T
		if err := json.Unmarshal(val, &v); err != nil {
			return false, err
		}
		out = append(out, v)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// -------------------- ledger --------------------

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

func (s *Store) Apply(ctx context.Context, b store.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := s.stage(batch, b, time.Now()); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// stage writes b into batch. Callers hold s.mu.
func (s *Store) stage(batch *pebble.Batch, b store.Batch, now time.Time) error {
	keys := store.SortedKeys(b.Ops)
	staged := make(map[store.AccountKey]*domain.Balance, len(keys))
	for _, k := range keys {
		bal, err := s.balance(k.User, k.Coin)
		if err != nil {
			return err
		}
		staged[k] = &bal
	}
	if err := store.ApplyOps(staged, b.Ops, now); err != nil {
		return err
	}
	for _, k := range keys {
		if err := set(batch, balanceKey(k.User, k.Coin), staged[k]); err != nil {
			return err
		}
	}

	for _, o := range b.Orders {
		if err := set(batch, orderKey(o.ID), o); err != nil {
			return err
		}
		if err := batch.Set(ownerKey(o), nil, nil); err != nil {
			return err
		}
		if o.Status.IsTerminal() {
			err := batch.Delete(openKey(o), nil)
			if err != nil {
				return err
			}
		} else if err := batch.Set(openKey(o), nil, nil); err != nil {
			return err
		}
	}
	for _, t := range b.Trades {
		if err := set(batch, tradeKey(t), t); err != nil {
			return err
		}
		if err := set(batch, userTradeKey(t.Buyer, t), t); err != nil {
			return err
		}
		if t.Seller != t.Buyer {
			if err := set(batch, userTradeKey(t.Seller, t), t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) balance(user, coin string) (domain.Balance, error) {
	bal := domain.Balance{User: user, Coin: coin, Available: decimal.Zero, Held: decimal.Zero}
	if _, err := s.get(balanceKey(user, coin), &bal); err != nil {
		return domain.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

func (s *Store) Balance(_ context.Context, user, coin string) (domain.Balance, error) {
	return s.balance(user, coin)
}

func (s *Store) Balances(_ context.Context, user string) ([]domain.Balance, error) {
	return scanValues[domain.Balance](s, "bal/"+user+"/", false, 0)
}

// -------------------- orders and trades --------------------

func (s *Store) Order(_ context.Context, id string) (domain.Order, error) {
	var o domain.Order
	ok, err := s.get(orderKey(id), &o)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

// ordersByIndex loads the orders named by the trailing id of each index
// key under prefix.
func (s *Store) ordersByIndex(prefix string) ([]domain.Order, error) {
	var ids []string
	err := s.scan(prefix, false, func(key, _ []byte) (bool, error) {
		k := string(key)
		for i := len(k) - 1; i >= 0; i-- {
			if k[i] == '/' {
				ids = append(ids, k[i+1:])
				break
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		var o domain.Order
		ok, err := s.get(orderKey(id), &o)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Store) OpenOrders(_ context.Context) ([]domain.Order, error) {
	orders, err := s.ordersByIndex("open/")
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	return orders, nil
}

func (s *Store) OwnerOrders(_ context.Context, owner string, status domain.OrderStatus, page, limit int) ([]domain.Order, int, error) {
	all, err := s.ordersByIndex("owner/" + owner + "/")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	matched := all[:0]
	for _, o := range all {
		if status == "" || o.Status == status {
			matched = append(matched, o)
		}
	}
	out, total := store.PageOrders(matched, page, limit)
	return out, total, nil
}

func (s *Store) Trades(_ context.Context, market string, limit int) ([]domain.Trade, error) {
	trades, err := scanValues[domain.Trade](s, "trade/"+market+"/", true, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

func (s *Store) UserTrades(_ context.Context, user string, f store.TradeFilter) ([]domain.Trade, error) {
	out := []domain.Trade{}
	err := s.scan("usertrade/"+user+"/", true, func(_, val []byte) (bool, error) {
		var t domain.Trade
		if err := json.Unmarshal(val, &t); err != nil {
			return false, err
		}
		if f.Match(t) {
			out = append(out, t)
		}
		return f.Limit <= 0 || len(out) < f.Limit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list user trades: %w", err)
	}
	return out, nil
}

// -------------------- withdrawals --------------------

func (s *Store) RecordWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := set(batch, withdrawalKey(w), w); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to record withdrawal: %w", err)
	}
	return nil
}

func (s *Store) Withdrawals(_ context.Context, user, coin string, limit int) ([]domain.Withdrawal, error) {
	out := []domain.Withdrawal{}
	err := s.scan("wd/"+user+"/", true, func(_, val []byte) (bool, error) {
		var w domain.Withdrawal
		if err := json.Unmarshal(val, &w); err != nil {
			return false, err
		}
		if coin == "" || w.Coin == coin {
			out = append(out, w)
		}
		return limit <= 0 || len(out) < limit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return out, nil
}

// -------------------- deposits --------------------

func (s *Store) CreateAddress(_ context.Context, a domain.DepositAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing domain.DepositAddress
	ok, err := s.get(addressKey(a.Coin, a.Address), &existing)
	if err != nil {
		return fmt.Errorf("failed to check address: %w", err)
	}
	if ok {
		return domain.ErrAddressExists
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := set(batch, addressKey(a.Coin, a.Address), a); err != nil {
		return err
	}
	if err := batch.Set(userAddressKey(a.User, a.Coin, a.Address), nil, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) Address(_ context.Context, coin, address string) (domain.DepositAddress, error) {
	var a domain.DepositAddress
	ok, err := s.get(addressKey(coin, address), &a)
	if err != nil {
		return domain.DepositAddress{}, fmt.Errorf("failed to get address: %w", err)
	}
	if !ok {
		return domain.DepositAddress{}, domain.ErrAddressNotFound
	}
	return a, nil
}

func (s *Store) Addresses(_ context.Context, coin string) ([]domain.DepositAddress, error) {
	return scanValues[domain.DepositAddress](s, "addr/"+coin+"/", false, 0)
}

func (s *Store) UserAddresses(ctx context.Context, user string) ([]domain.DepositAddress, error) {
	prefix := "useraddr/" + user + "/"
	var keys [][2]string
	err := s.scan(prefix, false, func(key, _ []byte) (bool, error) {
		rest := string(key[len(prefix):])
		for i := 0; i < len(rest); i++ {
			if rest[i] == '/' {
				keys = append(keys, [2]string{rest[:i], rest[i+1:]})
				break
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}

	out := make([]domain.DepositAddress, 0, len(keys))
	for _, k := range keys {
		a, err := s.Address(ctx, k[0], k[1])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) Cursor(_ context.Context, coin, address string) (domain.Cursor, error) {
	c := domain.Cursor{Coin: coin, Address: address}
	if _, err := s.get(cursorKey(coin, address), &c); err != nil {
		return domain.Cursor{}, fmt.Errorf("failed to get cursor: %w", err)
	}
	return c, nil
}

func (s *Store) ResetCursor(_ context.Context, coin, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(cursorKey(coin, address), pebble.Sync)
}

func (s *Store) Deposits(_ context.Context, coin, address string) ([]domain.Deposit, error) {
	deps, err := scanValues[domain.Deposit](s, "dep/"+coin+"/"+address+"/", false, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	store.SortDeposits(deps)
	return deps, nil
}

func (s *Store) CommitDeposits(ctx context.Context, c store.DepositCommit) ([]domain.Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var addr domain.DepositAddress
	ok, err := s.get(addressKey(c.Address.Coin, c.Address.Address), &addr)
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}
	if !ok {
		return nil, domain.ErrAddressNotFound
	}
	c.Address = addr

	stored, err := s.Deposits(ctx, addr.Coin, addr.Address)
	if err != nil {
		return nil, err
	}
	existing := make(map[domain.DepositKey]domain.Deposit, len(stored))
	for _, dep := range stored {
		existing[dep.Key()] = dep
	}

	now := time.Now()
	upserts, credited := store.MergeDeposits(existing, c, now)

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := s.stage(batch, store.CreditBatch(credited), now); err != nil {
		return nil, err
	}
	for _, dep := range upserts {
		if err := set(batch, depositKey(dep.Coin, dep.Address, dep.TxID), dep); err != nil {
			return nil, err
		}
	}
	if len(credited) > 0 && !addr.Used {
		addr.Used = true
		if err := set(batch, addressKey(addr.Coin, addr.Address), addr); err != nil {
			return nil, err
		}
	}

	cur, err := s.Cursor(ctx, addr.Coin, addr.Address)
	if err != nil {
		return nil, err
	}
	if err := set(batch, cursorKey(addr.Coin, addr.Address), store.NextCursor(cur, c.Cursor, now)); err != nil {
		return nil, err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit deposits: %w", err)
	}
	return credited, nil
}
