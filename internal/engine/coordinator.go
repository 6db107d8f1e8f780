package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/events"
	"github.com/efreitasn/cryptoexchange/internal/metrics"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

// Ledger is the part of the store the coordinator commits through.
type Ledger interface {
	Apply(ctx context.Context, b store.Batch) error
	Order(ctx context.Context, id string) (domain.Order, error)
	OpenOrders(ctx context.Context) ([]domain.Order, error)
}

// PlaceOrder is a validated request to place a limit order.
type PlaceOrder struct {
	Market      string
	Owner       string
	Side        domain.Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	TimeInForce domain.TimeInForce
	PostOnly    bool
}

// CancelOrder is a request to cancel an order on behalf of its owner.
type CancelOrder struct {
	OrderID string
	Owner   string
}

// PlaceResult is the final snapshot of a placed order and its trades.
type PlaceResult struct {
	Order  domain.Order
	Trades []domain.Trade
}

// Depth is an aggregated view of both sides of a book.
type Depth struct {
	Market string
	Bids   []PriceLevel
	Asks   []PriceLevel
}

// Coordinator serializes everything that touches one market's book and
// balances. Each market has its own lock, held from planning through the
// ledger commit to the book mutation; different markets run concurrently.
type Coordinator struct {
	markets *domain.MarketRegistry
	ledger  Ledger
	books   *BookManager
	pub     events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	idxMu      sync.RWMutex
	orderIndex map[string]string // order_id → market of resting orders
}

// NewCoordinator creates a Coordinator with the given dependencies.
func NewCoordinator(
	markets *domain.MarketRegistry,
	ledger Ledger,
	pub events.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		markets:    markets,
		ledger:     ledger,
		books:      NewBookManager(),
		pub:        pub,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
		orderIndex: make(map[string]string),
	}
}

// Place validates, matches and settles one order. On any error nothing
// is committed and the book is unchanged.
func (c *Coordinator) Place(ctx context.Context, req PlaceOrder) (PlaceResult, error) {
	market, err := c.markets.Get(req.Market)
	if err != nil {
		return PlaceResult{}, err
	}
	if req.TimeInForce == "" {
		req.TimeInForce = domain.TimeInForceGTC
	}
	if err := validatePlace(market, req); err != nil {
		c.reject(market.ID(), "invalid")
		return PlaceResult{}, err
	}

	res, err := c.place(ctx, market, req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientFunds):
			c.reject(market.ID(), "insufficient_funds")
		case errors.Is(err, domain.ErrWouldCross):
			c.reject(market.ID(), "post_only")
		default:
			c.reject(market.ID(), "error")
		}
		return PlaceResult{}, err
	}

	for _, t := range res.Trades {
		c.pub.Publish(ctx, events.TypeTradeExecuted, events.NewTradeData(t))
	}
	if res.Order.Status == domain.OrderStatusCancelled {
		c.pub.Publish(ctx, events.TypeOrderCancelled, events.NewOrderData(res.Order))
	}
	return res, nil
}

func validatePlace(market domain.Market, req PlaceOrder) error {
	switch {
	case req.Owner == "":
		return domain.InvalidOrder("owner is required")
	case !req.Side.Valid():
		return domain.InvalidOrder("side must be buy or sell")
	case !req.TimeInForce.Valid():
		return domain.InvalidOrder("time_in_force must be gtc, ioc or fok")
	case req.PostOnly && req.TimeInForce != domain.TimeInForceGTC:
		return domain.InvalidOrder("post_only requires time_in_force gtc")
	case !req.Price.IsPositive():
		return domain.InvalidOrder("price must be > 0")
	case !req.Quantity.IsPositive():
		return domain.InvalidOrder("quantity must be > 0")
	case req.Quantity.LessThan(market.MinOrderSize):
		return domain.InvalidOrder("quantity must be >= %s", market.MinOrderSize)
	case tooPrecise(req.Price) || tooPrecise(req.Quantity):
		return domain.InvalidOrder("price and quantity must have at most %d decimal places", domain.MaxAmountPlaces)
	}
	return nil
}

func tooPrecise(d decimal.Decimal) bool {
	return !d.Equal(d.Truncate(domain.MaxAmountPlaces))
}

func (c *Coordinator) place(ctx context.Context, market domain.Market, req PlaceOrder) (PlaceResult, error) {
	book := c.books.GetOrCreate(market.ID())
	book.mu.Lock()
	defer book.mu.Unlock()

	start := c.now()
	order := &domain.Order{
		ID:          uuid.New().String(),
		Market:      market.ID(),
		Owner:       req.Owner,
		Side:        req.Side,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Remaining:   req.Quantity,
		FeeRate:     market.FeeRate,
		Status:      domain.OrderStatusOpen,
		TimeInForce: req.TimeInForce,
		PostOnly:    req.PostOnly,
		Seq:         book.NextSeq(),
		CreatedAt:   start,
		UpdatedAt:   start,
	}

	if order.PostOnly {
		if best, ok := book.BestOpposite(order.Side); ok && order.Crosses(best.Price) {
			return PlaceResult{}, domain.ErrWouldCross
		}
	}

	p := planMatch(book, market, order, c.logger)
	s, err := settle(market, *order, p, start)
	if err != nil {
		return PlaceResult{}, fmt.Errorf("settle %s on %s: %w", order.Side, market.ID(), err)
	}

	if err := c.ledger.Apply(ctx, s.Batch); err != nil {
		return PlaceResult{}, fmt.Errorf("place %s on %s: %w", order.Side, market.ID(), err)
	}

	// Committed: bring the book in line with the ledger.
	for i, f := range p.Fills {
		*f.Maker = s.Makers[i]
		if f.Maker.Status == domain.OrderStatusFilled {
			book.Remove(f.Maker.ID)
			c.unindex(f.Maker.ID)
		}
	}
	*order = s.Taker
	if p.State == stateResting {
		if err := book.Insert(order); err != nil {
			// The ledger already holds funds for this order; an insert
			// failure here means the book and ledger disagree.
			c.logger.Error("failed to rest committed order", "order_id", order.ID, "error", err)
		} else {
			c.index(order.ID, market.ID())
		}
	}

	c.observe(market, book, order, s, p, start)
	return PlaceResult{Order: *order, Trades: s.Trades}, nil
}

func (c *Coordinator) observe(market domain.Market, book *OrderBook, order *domain.Order, s Settlement, p Plan, start time.Time) {
	id := market.ID()
	c.metrics.OrdersPlaced.WithLabelValues(id, string(order.Side)).Inc()
	c.metrics.Trades.WithLabelValues(id).Add(float64(len(s.Trades)))
	for _, t := range s.Trades {
		metrics.Add(c.metrics.TradedVolume.WithLabelValues(id), t.Quantity)
		metrics.Add(c.metrics.FeesCollected.WithLabelValues(id), t.Fee())
	}
	c.metrics.OrdersResting.WithLabelValues(id, string(domain.SideBuy)).Set(float64(book.Len(domain.SideBuy)))
	c.metrics.OrdersResting.WithLabelValues(id, string(domain.SideSell)).Set(float64(book.Len(domain.SideSell)))
	c.metrics.MatchLatency.WithLabelValues(id).Observe(c.now().Sub(start).Seconds())

	c.logger.Info("order placed",
		"order_id", order.ID,
		"market", id,
		"owner", order.Owner,
		"side", order.Side,
		"price", order.Price.String(),
		"quantity", order.Quantity.String(),
		"status", order.Status,
		"state", p.State.String(),
		"trades", len(s.Trades),
	)
	if p.SelfTrade {
		c.logger.Info("order cancelled on self-trade", "order_id", order.ID, "market", id)
	}
}

func (c *Coordinator) reject(market, reason string) {
	c.metrics.OrdersRejected.WithLabelValues(market, reason).Inc()
}

// Cancel removes a resting order and releases its remaining hold.
func (c *Coordinator) Cancel(ctx context.Context, req CancelOrder) (domain.Order, error) {
	marketID, ok := c.marketOf(req.OrderID)
	if !ok {
		return domain.Order{}, c.notCancellable(ctx, req)
	}
	market, err := c.markets.Get(marketID)
	if err != nil {
		return domain.Order{}, err
	}

	book := c.books.GetOrCreate(marketID)
	book.mu.Lock()
	entry, ok := book.Get(req.OrderID)
	if !ok {
		// Filled or cancelled while we waited for the lock.
		book.mu.Unlock()
		return domain.Order{}, c.notCancellable(ctx, req)
	}
	if entry.Order.Owner != req.Owner {
		book.mu.Unlock()
		return domain.Order{}, domain.ErrOrderNotFound
	}

	cancelled := *entry.Order
	if err := cancelled.Cancel(c.now()); err != nil {
		book.mu.Unlock()
		return domain.Order{}, err
	}
	var b store.Batch
	b.Add(store.OpRelease, cancelled.Owner, market.HoldCoin(cancelled.Side), cancelled.Reserve(cancelled.Remaining))
	b.Orders = []domain.Order{cancelled}

	if err := c.ledger.Apply(ctx, b); err != nil {
		book.mu.Unlock()
		return domain.Order{}, fmt.Errorf("cancel %s: %w", req.OrderID, err)
	}
	if _, err := book.Cancel(req.OrderID); err != nil {
		c.logger.Error("cancelled order missing from book", "order_id", req.OrderID, "error", err)
	}
	*entry.Order = cancelled
	c.unindex(req.OrderID)
	c.metrics.OrdersResting.WithLabelValues(marketID, string(cancelled.Side)).Set(float64(book.Len(cancelled.Side)))
	book.mu.Unlock()

	c.logger.Info("order cancelled", "order_id", cancelled.ID, "market", marketID, "owner", cancelled.Owner)
	c.pub.Publish(ctx, events.TypeOrderCancelled, events.NewOrderData(cancelled))
	return cancelled, nil
}

// notCancellable explains why an order that is not on any book cannot be
// cancelled.
func (c *Coordinator) notCancellable(ctx context.Context, req CancelOrder) error {
	o, err := c.ledger.Order(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrOrderNotFound
		}
		return err
	}
	if o.Owner != req.Owner {
		return domain.ErrOrderNotFound
	}
	switch o.Status {
	case domain.OrderStatusFilled:
		return domain.ErrAlreadyFilled
	case domain.OrderStatusCancelled:
		return domain.ErrAlreadyCancelled
	}
	return domain.ErrOrderNotFound
}

// Order returns the persisted state of an order.
func (c *Coordinator) Order(ctx context.Context, id string) (domain.Order, error) {
	return c.ledger.Order(ctx, id)
}

// Depth returns up to n aggregated levels per side.
func (c *Coordinator) Depth(marketID string, n int) (Depth, error) {
	market, err := c.markets.Get(marketID)
	if err != nil {
		return Depth{}, err
	}
	book := c.books.GetOrCreate(market.ID())
	book.mu.RLock()
	defer book.mu.RUnlock()
	return Depth{
		Market: market.ID(),
		Bids:   book.Levels(domain.SideBuy, n),
		Asks:   book.Levels(domain.SideSell, n),
	}, nil
}

// Quote estimates an order of quantity on side against the current book.
func (c *Coordinator) Quote(marketID string, side domain.Side, quantity decimal.Decimal) (QuoteResult, error) {
	market, err := c.markets.Get(marketID)
	if err != nil {
		return QuoteResult{}, err
	}
	if !side.Valid() {
		return QuoteResult{}, domain.InvalidOrder("side must be buy or sell")
	}
	if !quantity.IsPositive() {
		return QuoteResult{}, domain.InvalidOrder("quantity must be > 0")
	}
	book := c.books.GetOrCreate(market.ID())
	book.mu.RLock()
	defer book.mu.RUnlock()
	return simulate(book, side, quantity), nil
}

// Restore rebuilds every book from the open orders in the ledger. It must
// run before the coordinator accepts orders.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	orders, err := c.ledger.OpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load open orders: %w", err)
	}

	restored := 0
	for i := range orders {
		o := orders[i]
		market, err := c.markets.Get(o.Market)
		if err != nil {
			c.logger.Warn("skipping open order for unknown market", "order_id", o.ID, "market", o.Market)
			continue
		}
		book := c.books.GetOrCreate(market.ID())
		book.mu.Lock()
		err = book.Insert(&o)
		book.mu.Unlock()
		if err != nil {
			c.logger.Warn("skipping unrestorable order", "order_id", o.ID, "error", err)
			continue
		}
		c.index(o.ID, market.ID())
		restored++
	}
	c.logger.Info("order books restored", "orders", restored)
	return restored, nil
}

func (c *Coordinator) index(orderID, market string) {
	c.idxMu.Lock()
	c.orderIndex[orderID] = market
	c.idxMu.Unlock()
}

func (c *Coordinator) unindex(orderID string) {
	c.idxMu.Lock()
	delete(c.orderIndex, orderID)
	c.idxMu.Unlock()
}

func (c *Coordinator) marketOf(orderID string) (string, bool) {
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()
	m, ok := c.orderIndex[orderID]
	return m, ok
}
