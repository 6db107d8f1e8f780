package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MinConfirmations is the default number of confirmations a deposit needs
// before it is credited.
const MinConfirmations = 2

// DepositAddress binds a coin address to the user it was issued to.
type DepositAddress struct {
	Coin         string
	Address      string
	User         string
	AccountIndex uint32 // monero account
	SubaddrIndex uint32 // monero subaddress minor index
	Label        string
	Used         bool
	CreatedAt    time.Time
}

// Cursor is the persisted scan position for one (coin, address).
type Cursor struct {
	Coin      string
	Address   string
	Height    int64
	BlockHash string
	UpdatedAt time.Time
}

// IsZero reports whether the cursor was never advanced.
func (c Cursor) IsZero() bool {
	return c.Height == 0 && c.BlockHash == ""
}

// Deposit is an incoming transfer observed on a deposit address.
type Deposit struct {
	Coin          string
	Address       string
	User          string
	TxID          string
	Amount        decimal.Decimal
	Confirmations int64
	Height        int64
	Credited      bool
	ObservedAt    time.Time
	CreditedAt    *time.Time
}

// DepositKey is the uniqueness key of a deposit record.
type DepositKey struct {
	Coin    string
	TxID    string
	Address string
}

// Key returns the deposit's uniqueness key.
func (d Deposit) Key() DepositKey {
	return DepositKey{Coin: d.Coin, TxID: d.TxID, Address: d.Address}
}

// Withdrawal is an outgoing transfer the coin's node accepted.
type Withdrawal struct {
	ID      string
	User    string
	Coin    string
	Address string
	Amount  decimal.Decimal
	TxID    string
	SentAt  time.Time
}
