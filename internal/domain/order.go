package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates whether an order buys or sells the base coin.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// CanTransition reports whether moving from s to next is allowed.
// Staying in the same status is allowed for non-terminal states.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusOpen:
		return next == OrderStatusOpen || next == OrderStatusPartiallyFilled ||
			next == OrderStatusFilled || next == OrderStatusCancelled
	case OrderStatusPartiallyFilled:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled || next == OrderStatusCancelled
	}
	return false
}

// TimeInForce controls what happens to the unmatched remainder.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "gtc" // rest on the book
	TimeInForceIOC TimeInForce = "ioc" // cancel the remainder
	TimeInForceFOK TimeInForce = "fok" // fill completely or do nothing
)

// Valid reports whether t is a known time-in-force.
func (t TimeInForce) Valid() bool {
	switch t {
	case TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
		return true
	}
	return false
}

// Order is a limit order on one market.
type Order struct {
	ID          string
	Market      string
	Owner       string
	Side        Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Remaining   decimal.Decimal
	FeeRate     decimal.Decimal // market fee rate at acceptance
	Status      OrderStatus
	TimeInForce TimeInForce
	PostOnly    bool
	Seq         uint64 // per-market arrival sequence
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Filled returns the executed quantity.
func (o *Order) Filled() decimal.Decimal {
	return o.Quantity.Sub(o.Remaining)
}

// Crosses reports whether a resting order at price is executable against o.
func (o *Order) Crosses(price decimal.Decimal) bool {
	if o.Side == SideBuy {
		return o.Price.GreaterThanOrEqual(price)
	}
	return o.Price.LessThanOrEqual(price)
}

// Reserve returns the amount held for qty units of this order: quote
// covering notional plus the worst-case fee for buys, base for sells.
func (o *Order) Reserve(qty decimal.Decimal) decimal.Decimal {
	if o.Side == SideBuy {
		return qty.Mul(o.Price).Mul(decimal.NewFromInt(1).Add(o.FeeRate))
	}
	return qty
}

// Fill records an execution of qty and advances the status. o is left
// untouched when qty is not a positive amount within Remaining or the
// order can no longer move.
func (o *Order) Fill(qty decimal.Decimal, at time.Time) error {
	if !qty.IsPositive() || qty.GreaterThan(o.Remaining) {
		return fmt.Errorf("order %s: fill %s against remaining %s: %w", o.ID, qty, o.Remaining, ErrInvalidTransition)
	}
	next := OrderStatusPartiallyFilled
	if qty.Equal(o.Remaining) {
		next = OrderStatusFilled
	}
	if err := o.transition(next); err != nil {
		return err
	}
	o.Remaining = o.Remaining.Sub(qty)
	o.Status = next
	o.UpdatedAt = at
	return nil
}

// Cancel marks the order cancelled. Remaining keeps the unfilled amount.
func (o *Order) Cancel(at time.Time) error {
	if err := o.transition(OrderStatusCancelled); err != nil {
		return err
	}
	o.Status = OrderStatusCancelled
	o.UpdatedAt = at
	return nil
}

func (o *Order) transition(next OrderStatus) error {
	if o.Status.CanTransition(next) {
		return nil
	}
	switch o.Status {
	case OrderStatusFilled:
		return fmt.Errorf("order %s: %w", o.ID, ErrAlreadyFilled)
	case OrderStatusCancelled:
		return fmt.Errorf("order %s: %w", o.ID, ErrAlreadyCancelled)
	}
	return fmt.Errorf("order %s: %s to %s: %w", o.ID, o.Status, next, ErrInvalidTransition)
}
