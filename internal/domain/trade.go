package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is the permanent settlement record of one fill. Fees are in the
// quote coin.
type Trade struct {
	ID           string
	Market       string
	MakerOrderID string
	TakerOrderID string
	Buyer        string
	Seller       string
	TakerSide    Side
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	BuyerFee     decimal.Decimal
	SellerFee    decimal.Decimal
	ExecutedAt   time.Time
	FillIndex    int // position among the fills of one taker
}

// SideOf returns the side user took in t and the id of their order.
// A self-trade reports the buy side.
func (t Trade) SideOf(user string) (Side, string, bool) {
	buyOrder, sellOrder := t.MakerOrderID, t.TakerOrderID
	if t.TakerSide == SideBuy {
		buyOrder, sellOrder = t.TakerOrderID, t.MakerOrderID
	}
	switch user {
	case t.Buyer:
		return SideBuy, buyOrder, true
	case t.Seller:
		return SideSell, sellOrder, true
	}
	return "", "", false
}

// Involves reports whether coin is the base or quote of the trade's market.
func (t Trade) Involves(coin string) bool {
	base, quote, err := ParseMarketID(t.Market)
	return err == nil && (base == coin || quote == coin)
}

// Notional returns price × quantity in the quote coin.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// Fee returns the total fee collected on the trade.
func (t Trade) Fee() decimal.Decimal {
	return t.BuyerFee.Add(t.SellerFee)
}
