package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/engine"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

var ownerRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidOrderStatuses lists all valid order status values for validation.
var ValidOrderStatuses = map[domain.OrderStatus]bool{
	domain.OrderStatusOpen:            true,
	domain.OrderStatusPartiallyFilled: true,
	domain.OrderStatusFilled:          true,
	domain.OrderStatusCancelled:       true,
}

// PlaceOrderRequest is a raw order command as received from a client.
// Price and Quantity are decimal strings.
type PlaceOrderRequest struct {
	Market      string
	Owner       string
	Side        string
	Price       string
	Quantity    string
	TimeInForce string // empty means gtc
	PostOnly    bool
}

// Placer is the part of the engine the order service drives.
type Placer interface {
	Place(ctx context.Context, req engine.PlaceOrder) (engine.PlaceResult, error)
	Cancel(ctx context.Context, req engine.CancelOrder) (domain.Order, error)
	Order(ctx context.Context, id string) (domain.Order, error)
}

// History is the order and trade log the service reads.
type History interface {
	store.OrderLog
	store.TradeLog
}

// UserTrade is a trade as seen by one of its parties.
type UserTrade struct {
	domain.Trade
	Side        domain.Side
	OrderID     string
	OrderStatus domain.OrderStatus
}

// TradeQuery filters a user's trade history. Market wins over Coin.
type TradeQuery struct {
	Market string
	Coin   string
	Limit  int
}

// OrderService handles order placement, retrieval, cancellation, and listing.
type OrderService struct {
	engine  Placer
	orders  History
	markets *domain.MarketRegistry
}

// NewOrderService creates a new OrderService with the given dependencies.
func NewOrderService(e Placer, orders History, markets *domain.MarketRegistry) *OrderService {
	return &OrderService{
		engine:  e,
		orders:  orders,
		markets: markets,
	}
}

// ValidOwner reports whether id can own orders and balances. The fee
// account is reserved.
func ValidOwner(id string) bool {
	return ownerRegex.MatchString(id) && id != domain.FeeAccount
}

func validateOwner(owner string) error {
	if owner == domain.FeeAccount {
		return &domain.ValidationError{Message: "user id " + owner + " is reserved"}
	}
	if !ownerRegex.MatchString(owner) {
		return &domain.ValidationError{Message: "user id must match ^[a-zA-Z0-9_-]{1,64}$"}
	}
	return nil
}

// Place validates the request and hands it to the matching engine.
func (s *OrderService) Place(ctx context.Context, req PlaceOrderRequest) (engine.PlaceResult, error) {
	if err := validateOwner(req.Owner); err != nil {
		return engine.PlaceResult{}, err
	}
	market, err := s.markets.Get(req.Market)
	if err != nil {
		return engine.PlaceResult{}, err
	}

	side := domain.Side(strings.ToLower(req.Side))
	if !side.Valid() {
		return engine.PlaceResult{}, domain.InvalidOrder("side must be 'buy' or 'sell'")
	}
	tif := domain.TimeInForceGTC
	if req.TimeInForce != "" {
		tif = domain.TimeInForce(strings.ToLower(req.TimeInForce))
		if !tif.Valid() {
			return engine.PlaceResult{}, domain.InvalidOrder("Unknown time_in_force: %s. Must be one of: gtc, ioc, fok", req.TimeInForce)
		}
	}

	price, err := domain.ParseAmount(req.Price)
	if err != nil {
		return engine.PlaceResult{}, domain.InvalidOrder("price: %v", err)
	}
	qty, err := domain.ParseAmount(req.Quantity)
	if err != nil {
		return engine.PlaceResult{}, domain.InvalidOrder("quantity: %v", err)
	}
	if qty.LessThan(market.MinOrderSize) {
		return engine.PlaceResult{}, domain.InvalidOrder("quantity must be >= %s", market.MinOrderSize)
	}

	return s.engine.Place(ctx, engine.PlaceOrder{
		Market:      market.ID(),
		Owner:       req.Owner,
		Side:        side,
		Price:       price,
		Quantity:    qty,
		TimeInForce: tif,
		PostOnly:    req.PostOnly,
	})
}

// Get returns an order owned by owner. Orders of other owners are
// reported as not found.
func (s *OrderService) Get(ctx context.Context, owner, orderID string) (domain.Order, error) {
	if err := validateOwner(owner); err != nil {
		return domain.Order{}, err
	}
	o, err := s.engine.Order(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if o.Owner != owner {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

// Cancel cancels an open or partially filled order.
func (s *OrderService) Cancel(ctx context.Context, owner, orderID string) (domain.Order, error) {
	if err := validateOwner(owner); err != nil {
		return domain.Order{}, err
	}
	return s.engine.Cancel(ctx, engine.CancelOrder{OrderID: orderID, Owner: owner})
}

// List returns a paginated list of an owner's orders with optional
// status filtering.
func (s *OrderService) List(ctx context.Context, owner string, status domain.OrderStatus, page, limit int) ([]domain.Order, int, error) {
	if err := validateOwner(owner); err != nil {
		return nil, 0, err
	}
	if status != "" && !ValidOrderStatuses[status] {
		return nil, 0, &domain.ValidationError{
			Message: fmt.Sprintf("Invalid status filter: '%s'. Must be one of: open, partially_filled, filled, cancelled", status),
		}
	}
	if page < 1 {
		return nil, 0, &domain.ValidationError{Message: "page must be >= 1"}
	}
	if limit < 1 || limit > 100 {
		return nil, 0, &domain.ValidationError{Message: "limit must be between 1 and 100"}
	}
	return s.orders.OwnerOrders(ctx, owner, status, page, limit)
}

// Trades returns the owner's trade history, newest first, with the side
// they took and the current status of their order.
func (s *OrderService) Trades(ctx context.Context, owner string, q TradeQuery) ([]UserTrade, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	if q.Limit < 1 || q.Limit > 200 {
		return nil, &domain.ValidationError{Message: "limit must be between 1 and 200"}
	}
	f := store.TradeFilter{Limit: q.Limit}
	if q.Market != "" {
		base, quote, err := domain.ParseMarketID(q.Market)
		if err != nil {
			return nil, &domain.ValidationError{Message: err.Error()}
		}
		f.Market = domain.MarketID(base, quote)
	} else if q.Coin != "" {
		f.Coin = strings.ToUpper(strings.TrimSpace(q.Coin))
		if !domain.ValidCoin(f.Coin) {
			return nil, &domain.ValidationError{Message: fmt.Sprintf("invalid coin symbol: %s", q.Coin)}
		}
	}

	trades, err := s.orders.UserTrades(ctx, owner, f)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]domain.OrderStatus)
	out := make([]UserTrade, 0, len(trades))
	for _, t := range trades {
		side, orderID, ok := t.SideOf(owner)
		if !ok {
			continue
		}
		status, seen := statuses[orderID]
		if !seen {
			o, err := s.orders.Order(ctx, orderID)
			switch {
			case err == nil:
				status = o.Status
			case !errors.Is(err, domain.ErrNotFound):
				return nil, err
			}
			statuses[orderID] = status
		}
		out = append(out, UserTrade{Trade: t, Side: side, OrderID: orderID, OrderStatus: status})
	}
	return out, nil
}
