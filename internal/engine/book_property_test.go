package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/efreitasn/cryptoexchange/internal/domain"
)

// Feature: cryptoexchange, Property 1: Order book priority ordering
// Validates: price, then time, then arrival sequence

// genRestingOrder generates an open order with prices on a coarse tick so
// equal prices and equal timestamps are common.
func genRestingOrder(id int, side domain.Side) *rapid.Generator[*domain.Order] {
	return rapid.Custom(func(t *rapid.T) *domain.Order {
		ticks := rapid.Int64Range(1, 40).Draw(t, "ticks")
		price := decimal.New(ticks, -2)
		secOffset := rapid.IntRange(0, 5).Draw(t, "secOffset")
		qty := decimal.New(rapid.Int64Range(1, 1000).Draw(t, "qty"), -1)
		createdAt := baseTime.Add(time.Duration(secOffset) * time.Second)
		return &domain.Order{
			ID:        fmt.Sprintf("order-%d", id),
			Side:      side,
			Price:     price,
			Quantity:  qty,
			Remaining: qty,
			Status:    domain.OrderStatusOpen,
			Seq:       uint64(id + 1),
			CreatedAt: createdAt,
		}
	})
}

func checkSideOrdering(t *rapid.T, book *OrderBook, side domain.Side) {
	var prev *OrderBookEntry
	book.Walk(side, func(e OrderBookEntry) bool {
		if prev != nil {
			c := e.Price.Cmp(prev.Price)
			if (side == domain.SideBuy && c > 0) || (side == domain.SideSell && c < 0) {
				t.Fatalf("%s side: price %s after %s", side, e.Price, prev.Price)
			}
			if c == 0 {
				if e.CreatedAt.Before(prev.CreatedAt) {
					t.Fatalf("%s side: same price %s, time %v after %v", side, e.Price, e.CreatedAt, prev.CreatedAt)
				}
				if e.CreatedAt.Equal(prev.CreatedAt) && e.Seq < prev.Seq {
					t.Fatalf("%s side: same price and time, seq %d after %d", side, e.Seq, prev.Seq)
				}
			}
		}
		cur := e
		prev = &cur
		return true
	})
}

func TestProperty_BookOrdering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 60).Draw(t, "numOrders")
		book := NewOrderBook("TEST-QUOTE")

		for i := 0; i < n; i++ {
			side := rapid.SampledFrom([]domain.Side{domain.SideBuy, domain.SideSell}).Draw(t, "side")
			o := genRestingOrder(i, side).Draw(t, fmt.Sprintf("order-%d", i))
			if err := book.Insert(o); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}

		checkSideOrdering(t, book, domain.SideBuy)
		checkSideOrdering(t, book, domain.SideSell)
	})
}

// Feature: cryptoexchange, Property 2: Depth aggregation preserves quantity
// Validates: Levels sums every resting remaining exactly once

func TestProperty_LevelsPreserveQuantity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 60).Draw(t, "numOrders")
		book := NewOrderBook("TEST-QUOTE")
		total := decimal.Zero

		for i := 0; i < n; i++ {
			o := genRestingOrder(i, domain.SideSell).Draw(t, fmt.Sprintf("order-%d", i))
			if err := book.Insert(o); err != nil {
				t.Fatalf("insert: %v", err)
			}
			total = total.Add(o.Remaining)
		}

		// Cancel a random subset.
		cancelled := rapid.IntRange(0, n).Draw(t, "cancelled")
		for i := 0; i < cancelled; i++ {
			o, err := book.Cancel(fmt.Sprintf("order-%d", i))
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			total = total.Sub(o.Remaining)
		}

		sum, orders := decimal.Zero, 0
		levels := book.Levels(domain.SideSell, 1000)
		for i, l := range levels {
			if i > 0 && !l.Price.GreaterThan(levels[i-1].Price) {
				t.Fatalf("levels not strictly ascending: %s after %s", l.Price, levels[i-1].Price)
			}
			sum = sum.Add(l.Quantity)
			orders += l.OrderCount
		}
		if !sum.Equal(total) {
			t.Fatalf("levels sum %s, want %s", sum, total)
		}
		if orders != book.Len(domain.SideSell) {
			t.Fatalf("levels count %d orders, book has %d", orders, book.Len(domain.SideSell))
		}
	})
}
