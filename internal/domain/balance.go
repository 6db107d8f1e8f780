package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeeAccount is the ledger user that collects trading fees.
const FeeAccount = "exchange_fees"

// Balance is one user's position in one coin.
type Balance struct {
	User      string
	Coin      string
	Available decimal.Decimal
	Held      decimal.Decimal // reserved by open orders
	UpdatedAt time.Time
}

// Total returns available + held.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Held)
}
