package engine

import (
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
)

// OrderBookEntry represents a single order resting on the book.
type OrderBookEntry struct {
	Price     decimal.Decimal
	CreatedAt time.Time
	Seq       uint64
	OrderID   string
	Order     *domain.Order
}

// PriceLevel represents an aggregated price level in the order book.
type PriceLevel struct {
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	OrderCount int
}

// bidLess orders bids by price descending, then created_at ascending,
// then arrival sequence. Min() returns the best bid.
func bidLess(a, b OrderBookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	return earlier(a, b)
}

// askLess orders asks by price ascending, then created_at ascending,
// then arrival sequence. Min() returns the best ask.
func askLess(a, b OrderBookEntry) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return earlier(a, b)
}

func earlier(a, b OrderBookEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.OrderID < b.OrderID
}

// OrderBook maintains the bid and ask sides for a single market using
// B-trees with a secondary index for O(log n) removal by order ID.
//
// OrderBook is not safe for concurrent use on its own; the Coordinator
// holds mu for every read and write.
type OrderBook struct {
	market string
	mu     sync.RWMutex
	bids   *btree.BTreeG[OrderBookEntry]
	asks   *btree.BTreeG[OrderBookEntry]
	index  map[string]OrderBookEntry // order_id → entry
	seq    uint64                    // last assigned arrival sequence
}

// NewOrderBook creates an order book for the given market.
func NewOrderBook(market string) *OrderBook {
	const degree = 32
	return &OrderBook{
		market: market,
		bids:   btree.NewG[OrderBookEntry](degree, bidLess),
		asks:   btree.NewG[OrderBookEntry](degree, askLess),
		index:  make(map[string]OrderBookEntry),
	}
}

// Market returns the market ID of the book.
func (ob *OrderBook) Market() string {
	return ob.market
}

// NextSeq assigns the next arrival sequence.
func (ob *OrderBook) NextSeq() uint64 {
	ob.seq++
	return ob.seq
}

// observeSeq keeps NextSeq ahead of restored orders.
func (ob *OrderBook) observeSeq(seq uint64) {
	if seq > ob.seq {
		ob.seq = seq
	}
}

func (ob *OrderBook) tree(side domain.Side) *btree.BTreeG[OrderBookEntry] {
	if side == domain.SideBuy {
		return ob.bids
	}
	return ob.asks
}

// Insert rests o on its side of the book. The book keeps the pointer and
// reads Remaining from it for depth.
func (ob *OrderBook) Insert(o *domain.Order) error {
	switch {
	case !o.Side.Valid():
		return domain.InvalidOrder("side must be buy or sell")
	case !o.Price.IsPositive():
		return domain.InvalidOrder("price must be > 0")
	case !o.Remaining.IsPositive():
		return domain.InvalidOrder("quantity must be > 0")
	case o.Status.IsTerminal():
		return domain.InvalidOrder("order %s is %s", o.ID, o.Status)
	}
	if _, ok := ob.index[o.ID]; ok {
		return domain.InvalidOrder("order %s is already on the book", o.ID)
	}

	entry := OrderBookEntry{
		Price:     o.Price,
		CreatedAt: o.CreatedAt,
		Seq:       o.Seq,
		OrderID:   o.ID,
		Order:     o,
	}
	ob.tree(o.Side).ReplaceOrInsert(entry)
	ob.index[o.ID] = entry
	ob.observeSeq(o.Seq)
	return nil
}

// Get returns the resting entry for orderID.
func (ob *OrderBook) Get(orderID string) (OrderBookEntry, bool) {
	e, ok := ob.index[orderID]
	return e, ok
}

// Cancel removes a live order and returns it. Releasing its hold is the
// caller's job.
func (ob *OrderBook) Cancel(orderID string) (*domain.Order, error) {
	entry, ok := ob.index[orderID]
	if !ok || entry.Order.Status.IsTerminal() {
		return nil, domain.ErrOrderNotFound
	}
	ob.Remove(orderID)
	return entry.Order, nil
}

// Remove deletes an order from the book by order ID using the
// secondary index.
func (ob *OrderBook) Remove(orderID string) {
	entry, ok := ob.index[orderID]
	if !ok {
		return
	}
	delete(ob.index, orderID)
	ob.tree(entry.Order.Side).Delete(entry)
}

// BestOpposite returns the best resting order a taker on side would meet.
func (ob *OrderBook) BestOpposite(side domain.Side) (OrderBookEntry, bool) {
	return ob.tree(side.Opposite()).Min()
}

// Walk iterates the resting orders of side in priority order. fn returns
// false to stop.
func (ob *OrderBook) Walk(side domain.Side, fn func(OrderBookEntry) bool) {
	ob.tree(side).Ascend(fn)
}

// Levels returns up to n aggregated price levels of side, best first.
func (ob *OrderBook) Levels(side domain.Side, n int) []PriceLevel {
	if n <= 0 {
		return []PriceLevel{}
	}
	levels := make([]PriceLevel, 0, n)
	ob.tree(side).Ascend(func(entry OrderBookEntry) bool {
		if len(levels) > 0 && levels[len(levels)-1].Price.Equal(entry.Price) {
			last := &levels[len(levels)-1]
			last.Quantity = last.Quantity.Add(entry.Order.Remaining)
			last.OrderCount++
			return true
		}
		if len(levels) >= n {
			return false
		}
		levels = append(levels, PriceLevel{
			Price:      entry.Price,
			Quantity:   entry.Order.Remaining,
			OrderCount: 1,
		})
		return true
	})
	return levels
}

// Len returns the number of resting orders on side.
func (ob *OrderBook) Len(side domain.Side) int {
	return ob.tree(side).Len()
}

// BookManager is a thread-safe map of market → OrderBook.
type BookManager struct {
	mu    sync.RWMutex
	books map[string]*OrderBook
}

// NewBookManager creates a new BookManager.
func NewBookManager() *BookManager {
	return &BookManager{
		books: make(map[string]*OrderBook),
	}
}

// GetOrCreate returns the order book for the given market, creating
// one if it doesn't already exist.
func (bm *BookManager) GetOrCreate(market string) *OrderBook {
	bm.mu.RLock()
	book, ok := bm.books[market]
	bm.mu.RUnlock()
	if ok {
		return book
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	// Double-check after acquiring write lock.
	if book, ok = bm.books[market]; ok {
		return book
	}
	book = NewOrderBook(market)
	bm.books[market] = book
	return book
}
