// Package storetest is the behavioural suite every store backend runs.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"LedgerOps", testLedgerOps},
		{"ApplyIsAtomic", testApplyIsAtomic},
		{"ConcurrentUpdates", testConcurrentUpdates},
		{"OrdersAndTrades", testOrdersAndTrades},
		{"FillsShareTimestamp", testFillsShareTimestamp},
		{"UserTrades", testUserTrades},
		{"Withdrawals", testWithdrawals},
		{"Addresses", testAddresses},
		{"CommitDepositsIdempotent", testCommitDepositsIdempotent},
		{"PendingThenCredited", testPendingThenCredited},
		{"CursorMonotone", testCursorMonotone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertBalance(t *testing.T, s store.Store, user, coin, available, held string) {
	t.Helper()
	b, err := s.Balance(context.Background(), user, coin)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d(available)), "%s/%s available = %s, want %s", user, coin, b.Available, available)
	assert.True(t, b.Held.Equal(d(held)), "%s/%s held = %s, want %s", user, coin, b.Held, held)
}

func testLedgerOps(t *testing.T, s store.Store) {
	ctx := context.Background()

	assertBalance(t, s, "alice", "BTC", "0", "0")

	require.NoError(t, s.Credit(ctx, "alice", "BTC", d("1.5")))
	assertBalance(t, s, "alice", "BTC", "1.5", "0")

	err := s.Hold(ctx, "alice", "BTC", d("2"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assertBalance(t, s, "alice", "BTC", "1.5", "0")

	require.NoError(t, s.Hold(ctx, "alice", "BTC", d("1")))
	assertBalance(t, s, "alice", "BTC", "0.5", "1")

	require.ErrorIs(t, s.Release(ctx, "alice", "BTC", d("1.1")), domain.ErrInsufficientFunds)
	require.NoError(t, s.Release(ctx, "alice", "BTC", d("0.25")))
	assertBalance(t, s, "alice", "BTC", "0.75", "0.75")

	require.ErrorIs(t, s.Debit(ctx, "alice", "BTC", d("0.76")), domain.ErrInsufficientFunds)
	require.NoError(t, s.Debit(ctx, "alice", "BTC", d("0.75")))
	assertBalance(t, s, "alice", "BTC", "0", "0.75")

	require.Error(t, s.Credit(ctx, "alice", "BTC", d("-1")))

	require.NoError(t, s.Credit(ctx, "alice", "DOGE", d("10")))
	bals, err := s.Balances(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, bals, 2)
	assert.Equal(t, "BTC", bals[0].Coin)
	assert.Equal(t, "DOGE", bals[1].Coin)
}

func testApplyIsAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Credit(ctx, "buyer", "DOGE", d("100")))
	require.NoError(t, s.Credit(ctx, "seller", "DGB", d("10")))

	var b store.Batch
	b.Add(store.OpHold, "buyer", "DOGE", d("50"))
	b.Add(store.OpCredit, "seller", "DOGE", d("50"))
	b.Add(store.OpConsume, "seller", "DGB", d("10")) // nothing held: fails
	b.Orders = []domain.Order{testOrder("o-atomic", "buyer", domain.OrderStatusOpen, time.Now())}
	b.Trades = []domain.Trade{testTrade("t-atomic", "DGB-DOGE", time.Now())}

	err := s.Apply(ctx, b)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assertBalance(t, s, "buyer", "DOGE", "100", "0")
	assertBalance(t, s, "seller", "DOGE", "0", "0")
	assertBalance(t, s, "seller", "DGB", "10", "0")

	_, err = s.Order(ctx, "o-atomic")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	trades, err := s.Trades(ctx, "DGB-DOGE", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func testConcurrentUpdates(t *testing.T, s store.Store) {
	ctx := context.Background()
	const n = 40

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Credit(ctx, "bob", "XMR", d("1")))
		}()
	}
	wg.Wait()
	assertBalance(t, s, "bob", "XMR", "40", "0")

	// Twice as many holds as there are funds: exactly n succeed.
	var mu sync.Mutex
	ok, failed := 0, 0
	for i := 0; i < 2*n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Hold(ctx, "bob", "XMR", d("1"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else {
				assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
				failed++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, n, ok)
	assert.Equal(t, n, failed)
	assertBalance(t, s, "bob", "XMR", "0", "40")
}

func testOrder(id, owner string, status domain.OrderStatus, at time.Time) domain.Order {
	return domain.Order{
		ID:          id,
		Market:      "DGB-DOGE",
		Owner:       owner,
		Side:        domain.SideBuy,
		Price:       d("0.5"),
		Quantity:    d("10"),
		Remaining:   d("10"),
		FeeRate:     d("0.001"),
		Status:      status,
		TimeInForce: domain.TimeInForceGTC,
		Seq:         uint64(at.UnixNano()),
		CreatedAt:   at.UTC().Truncate(time.Microsecond),
		UpdatedAt:   at.UTC().Truncate(time.Microsecond),
	}
}

func testTrade(id, market string, at time.Time) domain.Trade {
	return domain.Trade{
		ID:           id,
		Market:       market,
		MakerOrderID: "maker",
		TakerOrderID: "taker",
		Buyer:        "buyer",
		Seller:       "seller",
		TakerSide:    domain.SideSell,
		Price:        d("0.5"),
		Quantity:     d("10"),
		BuyerFee:     decimal.Zero,
		SellerFee:    d("0.005"),
		ExecutedAt:   at.UTC().Truncate(time.Microsecond),
	}
}

func testOrdersAndTrades(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var b store.Batch
	for i := 0; i < 5; i++ {
		status := domain.OrderStatusOpen
		if i%2 == 1 {
			status = domain.OrderStatusFilled
		}
		b.Orders = append(b.Orders, testOrder(fmt.Sprintf("o-%d", i), "carol", status, base.Add(time.Duration(i)*time.Second)))
	}
	for i := 0; i < 3; i++ {
		b.Trades = append(b.Trades, testTrade(fmt.Sprintf("t-%d", i), "DGB-DOGE", base.Add(time.Duration(i)*time.Second)))
	}
	require.NoError(t, s.Apply(ctx, b))

	// Upsert moves o-0 to cancelled.
	o0 := testOrder("o-0", "carol", domain.OrderStatusCancelled, base)
	require.NoError(t, s.Apply(ctx, store.Batch{Orders: []domain.Order{o0}}))

	got, err := s.Order(ctx, "o-0")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)
	assert.True(t, got.Price.Equal(d("0.5")))
	assert.True(t, got.CreatedAt.Equal(base))

	open, err := s.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "o-2", open[0].ID)
	assert.Equal(t, "o-4", open[1].ID)

	page, total, err := s.OwnerOrders(ctx, "carol", "", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "o-4", page[0].ID)
	assert.Equal(t, "o-3", page[1].ID)

	filled, total, err := s.OwnerOrders(ctx, "carol", domain.OrderStatusFilled, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, filled, 2)

	trades, err := s.Trades(ctx, "DGB-DOGE", 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "t-2", trades[0].ID)
	assert.Equal(t, "t-1", trades[1].ID)
	assert.True(t, trades[0].SellerFee.Equal(d("0.005")))
}

func tradeIDs(trades []domain.Trade) []string {
	ids := make([]string, len(trades))
	for i, tr := range trades {
		ids[i] = tr.ID
	}
	return ids
}

// One taker's fills share ExecutedAt; ids sort against the fill order.
func testFillsShareTimestamp(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var b store.Batch
	for i, id := range []string{"f-e", "f-d", "f-c", "f-b", "f-a"} {
		tr := testTrade(id, "DGB-DOGE", at)
		tr.FillIndex = i
		b.Trades = append(b.Trades, tr)
	}
	require.NoError(t, s.Apply(ctx, b))

	want := []string{"f-a", "f-b", "f-c", "f-d", "f-e"}
	trades, err := s.Trades(ctx, "DGB-DOGE", 0)
	require.NoError(t, err)
	assert.Equal(t, want, tradeIDs(trades))

	mine, err := s.UserTrades(ctx, "seller", store.TradeFilter{})
	require.NoError(t, err)
	assert.Equal(t, want, tradeIDs(mine))
}

func testUserTrades(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	trade := func(id, market, buyer, seller string, sec int) domain.Trade {
		tr := testTrade(id, market, base.Add(time.Duration(sec)*time.Second))
		tr.Buyer, tr.Seller = buyer, seller
		return tr
	}
	require.NoError(t, s.Apply(ctx, store.Batch{Trades: []domain.Trade{
		trade("u-1", "DGB-DOGE", "dave", "erin", 1),
		trade("u-2", "BTC-XMR", "erin", "dave", 2),
		trade("u-3", "DGB-BTC", "frank", "erin", 3),
		trade("u-4", "DGB-DOGE", "dave", "dave", 4),
	}}))

	tests := []struct {
		name   string
		user   string
		filter store.TradeFilter
		want   []string
	}{
		{"all", "dave", store.TradeFilter{}, []string{"u-4", "u-2", "u-1"}},
		{"limit", "dave", store.TradeFilter{Limit: 2}, []string{"u-4", "u-2"}},
		{"market", "dave", store.TradeFilter{Market: "DGB-DOGE"}, []string{"u-4", "u-1"}},
		{"coin", "erin", store.TradeFilter{Coin: "BTC"}, []string{"u-3", "u-2"}},
		{"coin as quote", "erin", store.TradeFilter{Coin: "DOGE"}, []string{"u-1"}},
		{"market wins over coin", "erin", store.TradeFilter{Market: "BTC-XMR", Coin: "DOGE"}, []string{"u-2"}},
		{"other user", "grace", store.TradeFilter{}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.UserTrades(ctx, tt.user, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tradeIDs(got))
		})
	}
}

func testWithdrawals(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, coin := range []string{"DGB", "XMR", "DGB"} {
		require.NoError(t, s.RecordWithdrawal(ctx, domain.Withdrawal{
			ID:      fmt.Sprintf("w-%d", i),
			User:    "heidi",
			Coin:    coin,
			Address: "addr",
			Amount:  d("1.5"),
			TxID:    fmt.Sprintf("tx-%d", i),
			SentAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.Withdrawals(ctx, "heidi", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "w-2", all[0].ID)
	assert.Equal(t, "tx-2", all[0].TxID)
	assert.True(t, all[0].Amount.Equal(d("1.5")))
	assert.True(t, all[0].SentAt.Equal(base.Add(2*time.Minute)))

	dgb, err := s.Withdrawals(ctx, "heidi", "DGB", 1)
	require.NoError(t, err)
	require.Len(t, dgb, 1)
	assert.Equal(t, "w-2", dgb[0].ID)

	none, err := s.Withdrawals(ctx, "ivan", "", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testAddresses(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := domain.DepositAddress{Coin: "XMR", Address: "8Bx1", User: "dave", AccountIndex: 0, SubaddrIndex: 7, Label: "user_dave"}
	require.NoError(t, s.CreateAddress(ctx, a))
	require.ErrorIs(t, s.CreateAddress(ctx, domain.DepositAddress{Coin: "XMR", Address: "8Bx1", User: "eve"}), domain.ErrAddressExists)
	require.NoError(t, s.CreateAddress(ctx, domain.DepositAddress{Coin: "BTC", Address: "bc1q", User: "dave"}))

	got, err := s.Address(ctx, "XMR", "8Bx1")
	require.NoError(t, err)
	assert.Equal(t, "dave", got.User)
	assert.Equal(t, uint32(7), got.SubaddrIndex)
	assert.False(t, got.Used)

	_, err = s.Address(ctx, "XMR", "missing")
	assert.ErrorIs(t, err, domain.ErrAddressNotFound)

	xmr, err := s.Addresses(ctx, "XMR")
	require.NoError(t, err)
	assert.Len(t, xmr, 1)

	mine, err := s.UserAddresses(ctx, "dave")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func depositAddr(t *testing.T, s store.Store) domain.DepositAddress {
	t.Helper()
	a := domain.DepositAddress{Coin: "DGB", Address: "DAddr1", User: "frank"}
	require.NoError(t, s.CreateAddress(context.Background(), a))
	return a
}

func testCommitDepositsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := depositAddr(t, s)

	commit := store.DepositCommit{
		Address: a,
		Credits: []domain.Deposit{
			{TxID: "tx1", Amount: d("5"), Confirmations: 3, Height: 100},
			{TxID: "tx2", Amount: d("2.5"), Confirmations: 2, Height: 101},
		},
		Cursor: domain.Cursor{Coin: a.Coin, Address: a.Address, Height: 101, BlockHash: "h101"},
	}

	credited, err := s.CommitDeposits(ctx, commit)
	require.NoError(t, err)
	assert.Len(t, credited, 2)
	assertBalance(t, s, "frank", "DGB", "7.5", "0")

	// Same pass again: nothing new.
	credited, err = s.CommitDeposits(ctx, commit)
	require.NoError(t, err)
	assert.Empty(t, credited)
	assertBalance(t, s, "frank", "DGB", "7.5", "0")

	deps, err := s.Deposits(ctx, a.Coin, a.Address)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	for _, dep := range deps {
		assert.True(t, dep.Credited, "deposit %s should be credited", dep.TxID)
		assert.Equal(t, "frank", dep.User)
		assert.NotNil(t, dep.CreditedAt)
	}

	cur, err := s.Cursor(ctx, a.Coin, a.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(101), cur.Height)
	assert.Equal(t, "h101", cur.BlockHash)

	addr, err := s.Address(ctx, a.Coin, a.Address)
	require.NoError(t, err)
	assert.True(t, addr.Used)

	_, err = s.CommitDeposits(ctx, store.DepositCommit{Address: domain.DepositAddress{Coin: "DGB", Address: "nope"}})
	assert.ErrorIs(t, err, domain.ErrAddressNotFound)
}

func testPendingThenCredited(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := depositAddr(t, s)

	credited, err := s.CommitDeposits(ctx, store.DepositCommit{
		Address: a,
		Pending: []domain.Deposit{{TxID: "tx9", Amount: d("1"), Confirmations: 1, Height: 200}},
	})
	require.NoError(t, err)
	assert.Empty(t, credited)
	assertBalance(t, s, "frank", "DGB", "0", "0")

	deps, err := s.Deposits(ctx, a.Coin, a.Address)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.False(t, deps[0].Credited)
	assert.Equal(t, int64(1), deps[0].Confirmations)

	credited, err = s.CommitDeposits(ctx, store.DepositCommit{
		Address: a,
		Credits: []domain.Deposit{{TxID: "tx9", Amount: d("1"), Confirmations: 2, Height: 200}},
		Cursor:  domain.Cursor{Height: 200},
	})
	require.NoError(t, err)
	require.Len(t, credited, 1)
	assertBalance(t, s, "frank", "DGB", "1", "0")

	// A stale pending observation never downgrades a credited record.
	_, err = s.CommitDeposits(ctx, store.DepositCommit{
		Address: a,
		Pending: []domain.Deposit{{TxID: "tx9", Amount: d("1"), Confirmations: 0}},
	})
	require.NoError(t, err)
	deps, err = s.Deposits(ctx, a.Coin, a.Address)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.True(t, deps[0].Credited)
	assertBalance(t, s, "frank", "DGB", "1", "0")
}

func testCursorMonotone(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := depositAddr(t, s)

	cur, err := s.Cursor(ctx, a.Coin, a.Address)
	require.NoError(t, err)
	assert.True(t, cur.IsZero())

	_, err = s.CommitDeposits(ctx, store.DepositCommit{Address: a, Cursor: domain.Cursor{Height: 50}})
	require.NoError(t, err)
	_, err = s.CommitDeposits(ctx, store.DepositCommit{Address: a, Cursor: domain.Cursor{Height: 40}})
	require.NoError(t, err)

	cur, err = s.Cursor(ctx, a.Coin, a.Address)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cur.Height)

	require.NoError(t, s.ResetCursor(ctx, a.Coin, a.Address))
	cur, err = s.Cursor(ctx, a.Coin, a.Address)
	require.NoError(t, err)
	assert.True(t, cur.IsZero())
}
