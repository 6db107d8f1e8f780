package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/shopspring/decimal"
)

// account is one balance row with its own lock.
type account struct {
	mu  sync.Mutex
	bal domain.Balance
}

type addrKey struct {
	Coin    string
	Address string
}

// Memory is a thread-safe in-memory Store. Balance updates are serialized
// per account; multi-account batches lock accounts in SortedKeys order.
type Memory struct {
	mu       sync.RWMutex // guards the accounts map, not the rows
	accounts map[AccountKey]*account

	ordersMu    sync.RWMutex
	orders      map[string]domain.Order
	ownerOrders map[string][]string // owner → order ids

	tradesMu sync.RWMutex
	trades   map[string][]domain.Trade // market → trades (chronological)

	wdMu        sync.RWMutex
	withdrawals map[string][]domain.Withdrawal // user → withdrawals (chronological)

	depMu     sync.Mutex
	addresses map[addrKey]domain.DepositAddress
	cursors   map[addrKey]domain.Cursor
	deposits  map[domain.DepositKey]domain.Deposit
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[AccountKey]*account),
		orders:      make(map[string]domain.Order),
		ownerOrders: make(map[string][]string),
		trades:      make(map[string][]domain.Trade),
		withdrawals: make(map[string][]domain.Withdrawal),
		addresses:   make(map[addrKey]domain.DepositAddress),
		cursors:     make(map[addrKey]domain.Cursor),
		deposits:    make(map[domain.DepositKey]domain.Deposit),
	}
}

// Close is a no-op.
func (s *Memory) Close() error { return nil }

func (s *Memory) account(k AccountKey) *account {
	s.mu.RLock()
	a, ok := s.accounts[k]
	s.mu.RUnlock()
	if ok {
		return a
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok = s.accounts[k]; ok {
		return a
	}
	a = &account{bal: domain.Balance{
		User:      k.User,
		Coin:      k.Coin,
		Available: decimal.Zero,
		Held:      decimal.Zero,
	}}
	s.accounts[k] = a
	return a
}

func (s *Memory) Credit(ctx context.Context, user, coin string, amount decimal.Decimal) error {
	return s.Apply(ctx, Batch{Ops: []Op{{Kind: OpCredit, User: user, Coin: coin, Amount: amount}}})
}

func (s *Memory) Debit(ctx context.Context, user, coin string, amount decimal.Decimal) error {
	return s.Apply(ctx, Batch{Ops: []Op{{Kind: OpDebit, User: user, Coin: coin, Amount: amount}}})
}

func (s *Memory) Hold(ctx context.Context, user, coin string, amount decimal.Decimal) error {
	return s.Apply(ctx, Batch{Ops: []Op{{Kind: OpHold, User: user, Coin: coin, Amount: amount}}})
}

func (s *Memory) Release(ctx context.Context, user, coin string, amount decimal.Decimal) error {
	return s.Apply(ctx, Batch{Ops: []Op{{Kind: OpRelease, User: user, Coin: coin, Amount: amount}}})
}

// Apply stages b against copies of the touched rows and writes them back
// only if every op succeeds.
func (s *Memory) Apply(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	keys := SortedKeys(b.Ops)
	accts := make([]*account, len(keys))
	for i, k := range keys {
		accts[i] = s.account(k)
		accts[i].mu.Lock()
	}
	defer func() {
		for i := len(accts) - 1; i >= 0; i-- {
			accts[i].mu.Unlock()
		}
	}()

	now := time.Now()
	staged := make(map[AccountKey]*domain.Balance, len(keys))
	for i, k := range keys {
		bal := accts[i].bal
		staged[k] = &bal
	}
	if err := ApplyOps(staged, b.Ops, now); err != nil {
		return err
	}
	for i, k := range keys {
		accts[i].bal = *staged[k]
	}

	s.recordOrders(b.Orders)
	s.recordTrades(b.Trades)
	return nil
}

func (s *Memory) recordOrders(orders []domain.Order) {
	if len(orders) == 0 {
		return
	}
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	for _, o := range orders {
		if _, ok := s.orders[o.ID]; !ok {
			s.ownerOrders[o.Owner] = append(s.ownerOrders[o.Owner], o.ID)
		}
		s.orders[o.ID] = o
	}
}

func (s *Memory) recordTrades(trades []domain.Trade) {
	if len(trades) == 0 {
		return
	}
	s.tradesMu.Lock()
	defer s.tradesMu.Unlock()
	for _, t := range trades {
		s.trades[t.Market] = append(s.trades[t.Market], t)
	}
}

func (s *Memory) Balance(_ context.Context, user, coin string) (domain.Balance, error) {
	a := s.account(AccountKey{User: user, Coin: coin})
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bal, nil
}

func (s *Memory) Balances(_ context.Context, user string) ([]domain.Balance, error) {
	s.mu.RLock()
	var accts []*account
	for k, a := range s.accounts {
		if k.User == user {
			accts = append(accts, a)
		}
	}
	s.mu.RUnlock()

	out := make([]domain.Balance, 0, len(accts))
	for _, a := range accts {
		a.mu.Lock()
		out = append(out, a.bal)
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coin < out[j].Coin })
	return out, nil
}

func (s *Memory) Order(_ context.Context, id string) (domain.Order, error) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (s *Memory) OpenOrders(_ context.Context) ([]domain.Order, error) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	var out []domain.Order
	for _, o := range s.orders {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Market != out[j].Market {
			return out[i].Market < out[j].Market
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *Memory) OwnerOrders(_ context.Context, owner string, status domain.OrderStatus, page, limit int) ([]domain.Order, int, error) {
	s.ordersMu.RLock()
	ids := s.ownerOrders[owner]
	matched := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o := s.orders[id]
		if status != "" && o.Status != status {
			continue
		}
		matched = append(matched, o)
	}
	s.ordersMu.RUnlock()

	out, total := PageOrders(matched, page, limit)
	return out, total, nil
}

func (s *Memory) Trades(_ context.Context, market string, limit int) ([]domain.Trade, error) {
	s.tradesMu.RLock()
	defer s.tradesMu.RUnlock()
	all := s.trades[market]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]domain.Trade, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Memory) UserTrades(_ context.Context, user string, f TradeFilter) ([]domain.Trade, error) {
	s.tradesMu.RLock()
	out := []domain.Trade{}
	for _, all := range s.trades {
		for i := len(all) - 1; i >= 0; i-- {
			t := all[i]
			if (t.Buyer == user || t.Seller == user) && f.Match(t) {
				out = append(out, t)
			}
		}
	}
	s.tradesMu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.After(out[j].ExecutedAt)
		}
		return out[i].FillIndex > out[j].FillIndex
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) RecordWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.wdMu.Lock()
	defer s.wdMu.Unlock()
	s.withdrawals[w.User] = append(s.withdrawals[w.User], w)
	return nil
}

func (s *Memory) Withdrawals(_ context.Context, user, coin string, limit int) ([]domain.Withdrawal, error) {
	s.wdMu.RLock()
	defer s.wdMu.RUnlock()
	all := s.withdrawals[user]
	out := []domain.Withdrawal{}
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if coin == "" || all[i].Coin == coin {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *Memory) CreateAddress(_ context.Context, a domain.DepositAddress) error {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	k := addrKey{Coin: a.Coin, Address: a.Address}
	if _, ok := s.addresses[k]; ok {
		return domain.ErrAddressExists
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.addresses[k] = a
	return nil
}

func (s *Memory) Address(_ context.Context, coin, address string) (domain.DepositAddress, error) {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	a, ok := s.addresses[addrKey{Coin: coin, Address: address}]
	if !ok {
		return domain.DepositAddress{}, domain.ErrAddressNotFound
	}
	return a, nil
}

func (s *Memory) Addresses(_ context.Context, coin string) ([]domain.DepositAddress, error) {
	return s.filterAddresses(func(a domain.DepositAddress) bool { return a.Coin == coin }), nil
}

func (s *Memory) UserAddresses(_ context.Context, user string) ([]domain.DepositAddress, error) {
	return s.filterAddresses(func(a domain.DepositAddress) bool { return a.User == user }), nil
}

func (s *Memory) filterAddresses(keep func(domain.DepositAddress) bool) []domain.DepositAddress {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	var out []domain.DepositAddress
	for _, a := range s.addresses {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Coin != out[j].Coin {
			return out[i].Coin < out[j].Coin
		}
		return out[i].Address < out[j].Address
	})
	return out
}

func (s *Memory) Cursor(_ context.Context, coin, address string) (domain.Cursor, error) {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	c, ok := s.cursors[addrKey{Coin: coin, Address: address}]
	if !ok {
		return domain.Cursor{Coin: coin, Address: address}, nil
	}
	return c, nil
}

func (s *Memory) ResetCursor(_ context.Context, coin, address string) error {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	delete(s.cursors, addrKey{Coin: coin, Address: address})
	return nil
}

func (s *Memory) Deposits(_ context.Context, coin, address string) ([]domain.Deposit, error) {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	var out []domain.Deposit
	for _, dep := range s.deposits {
		if dep.Coin == coin && dep.Address == address {
			out = append(out, dep)
		}
	}
	SortDeposits(out)
	return out, nil
}

// CommitDeposits holds the deposit lock across the balance credit so a
// concurrent commit for the same address cannot credit the same key.
func (s *Memory) CommitDeposits(ctx context.Context, c DepositCommit) ([]domain.Deposit, error) {
	s.depMu.Lock()
	defer s.depMu.Unlock()

	ak := addrKey{Coin: c.Address.Coin, Address: c.Address.Address}
	addr, ok := s.addresses[ak]
	if !ok {
		return nil, domain.ErrAddressNotFound
	}
	c.Address = addr

	existing := make(map[domain.DepositKey]domain.Deposit)
	for k, dep := range s.deposits {
		if dep.Coin == ak.Coin && dep.Address == ak.Address {
			existing[k] = dep
		}
	}

	now := time.Now()
	upserts, credited := MergeDeposits(existing, c, now)
	if err := s.Apply(ctx, CreditBatch(credited)); err != nil {
		return nil, err
	}

	for _, dep := range upserts {
		s.deposits[dep.Key()] = dep
	}
	if len(credited) > 0 && !addr.Used {
		addr.Used = true
		s.addresses[ak] = addr
	}
	cur, ok := s.cursors[ak]
	if !ok {
		cur = domain.Cursor{Coin: ak.Coin, Address: ak.Address}
	}
	s.cursors[ak] = NextCursor(cur, c.Cursor, now)
	return credited, nil
}
