package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestOrderStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusOpen, OrderStatusPartiallyFilled, true},
		{OrderStatusOpen, OrderStatusFilled, true},
		{OrderStatusOpen, OrderStatusCancelled, true},
		{OrderStatusPartiallyFilled, OrderStatusPartiallyFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusCancelled, true},
		{OrderStatusPartiallyFilled, OrderStatusOpen, false},
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusFilled, OrderStatusOpen, false},
		{OrderStatusCancelled, OrderStatusOpen, false},
		{OrderStatusCancelled, OrderStatusFilled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrder_Crosses(t *testing.T) {
	buy := &Order{Side: SideBuy, Price: d("12")}
	if !buy.Crosses(d("10")) || !buy.Crosses(d("12")) || buy.Crosses(d("12.01")) {
		t.Error("buy at 12 should cross asks at or below 12 only")
	}
	sell := &Order{Side: SideSell, Price: d("10")}
	if !sell.Crosses(d("11")) || !sell.Crosses(d("10")) || sell.Crosses(d("9.99")) {
		t.Error("sell at 10 should cross bids at or above 10 only")
	}
}

func TestOrder_Reserve(t *testing.T) {
	buy := &Order{Side: SideBuy, Price: d("0.5"), FeeRate: d("0.001")}
	if got := buy.Reserve(d("100")); !got.Equal(d("50.05")) {
		t.Errorf("buy reserve = %s, want 50.05", got)
	}
	free := &Order{Side: SideBuy, Price: d("0.5")}
	if got := free.Reserve(d("100")); !got.Equal(d("50")) {
		t.Errorf("buy reserve without fee = %s, want 50", got)
	}
	sell := &Order{Side: SideSell, Price: d("0.5"), FeeRate: d("0.001")}
	if got := sell.Reserve(d("100")); !got.Equal(d("100")) {
		t.Errorf("sell reserve = %s, want 100", got)
	}
}

func TestOrder_FillAndCancel(t *testing.T) {
	now := time.Now()
	o := &Order{Quantity: d("10"), Remaining: d("10"), Status: OrderStatusOpen}

	if err := o.Fill(d("4"), now); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if o.Status != OrderStatusPartiallyFilled || !o.Remaining.Equal(d("6")) || !o.Filled().Equal(d("4")) {
		t.Fatalf("after partial fill: status=%s remaining=%s", o.Status, o.Remaining)
	}

	if err := o.Cancel(now); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if o.Status != OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", o.Status)
	}
	if !o.Remaining.Equal(d("6")) {
		t.Errorf("cancel must keep remaining, got %s", o.Remaining)
	}

	o2 := &Order{Quantity: d("3"), Remaining: d("3"), Status: OrderStatusOpen}
	if err := o2.Fill(d("3"), now); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if o2.Status != OrderStatusFilled {
		t.Errorf("status = %s, want filled", o2.Status)
	}
}

func TestOrder_GuardedTransitions(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Second)

	tests := []struct {
		name    string
		status  OrderStatus
		apply   func(o *Order) error
		wantErr error
	}{
		{"fill filled", OrderStatusFilled, func(o *Order) error { return o.Fill(d("1"), later) }, ErrAlreadyFilled},
		{"fill cancelled", OrderStatusCancelled, func(o *Order) error { return o.Fill(d("1"), later) }, ErrAlreadyCancelled},
		{"cancel filled", OrderStatusFilled, func(o *Order) error { return o.Cancel(later) }, ErrAlreadyFilled},
		{"cancel cancelled", OrderStatusCancelled, func(o *Order) error { return o.Cancel(later) }, ErrAlreadyCancelled},
		{"overfill", OrderStatusOpen, func(o *Order) error { return o.Fill(d("6"), later) }, ErrInvalidTransition},
		{"zero fill", OrderStatusPartiallyFilled, func(o *Order) error { return o.Fill(d("0"), later) }, ErrInvalidTransition},
		{"unknown status", OrderStatus("pending"), func(o *Order) error { return o.Cancel(later) }, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Order{ID: "o1", Quantity: d("10"), Remaining: d("5"), Status: tt.status, UpdatedAt: now}
			err := tt.apply(o)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if o.Status != tt.status || !o.Remaining.Equal(d("5")) || !o.UpdatedAt.Equal(now) {
				t.Errorf("rejected transition changed the order: %+v", o)
			}
		})
	}
}
