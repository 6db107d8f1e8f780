package engine

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

// matchState is the state of one taker while it is matched.
type matchState int

const (
	stateMatching matchState = iota
	stateResting
	stateFilled
	stateCancelled
)

func (s matchState) String() string {
	switch s {
	case stateMatching:
		return "matching"
	case stateResting:
		return "resting"
	case stateFilled:
		return "filled"
	case stateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Fill is one planned execution against a resting maker.
type Fill struct {
	Maker    *domain.Order
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Plan is the outcome of matching a taker against a book, computed
// without mutating it.
type Plan struct {
	State     matchState
	Fills     []Fill
	Remaining decimal.Decimal
	SelfTrade bool // stopped on a maker of the same owner
}

// Filled reports the total planned quantity.
func (p Plan) Filled() decimal.Decimal {
	total := decimal.Zero
	for _, f := range p.Fills {
		total = total.Add(f.Quantity)
	}
	return total
}

// planMatch walks the opposite side of book in priority order and decides
// every fill for taker. Trades execute at the maker's price.
func planMatch(book *OrderBook, market domain.Market, taker *domain.Order, logger *slog.Logger) Plan {
	p := Plan{State: stateMatching, Remaining: taker.Remaining}

	book.Walk(taker.Side.Opposite(), func(e OrderBookEntry) bool {
		p.State = p.step(market, taker, e, logger)
		return p.State == stateMatching
	})
	if p.State == stateMatching {
		// Opposite side exhausted.
		p.State = remainderState(taker)
	}

	if taker.TimeInForce == domain.TimeInForceFOK && !p.Remaining.IsZero() {
		return Plan{State: stateCancelled, Remaining: taker.Remaining}
	}
	return p
}

// step applies one maker to the plan and returns the next state.
func (p *Plan) step(market domain.Market, taker *domain.Order, e OrderBookEntry, logger *slog.Logger) matchState {
	if p.Remaining.IsZero() {
		return stateFilled
	}
	if !taker.Crosses(e.Price) {
		return remainderState(taker)
	}

	maker := e.Order
	if maker.Owner == taker.Owner {
		if market.SelfTrade == domain.SelfTradeCancelTaker {
			p.SelfTrade = true
			return stateCancelled
		}
		logger.Warn("self-trade",
			"market", market.ID(),
			"owner", taker.Owner,
			"taker_order_id", taker.ID,
			"maker_order_id", maker.ID,
		)
	}

	qty := decimal.Min(p.Remaining, maker.Remaining)
	p.Fills = append(p.Fills, Fill{Maker: maker, Price: e.Price, Quantity: qty})
	p.Remaining = p.Remaining.Sub(qty)
	if p.Remaining.IsZero() {
		return stateFilled
	}
	return stateMatching
}

// remainderState decides what happens to an unmatched remainder.
func remainderState(taker *domain.Order) matchState {
	if taker.TimeInForce == domain.TimeInForceGTC {
		return stateResting
	}
	return stateCancelled
}

// Settlement is everything one taker sequence commits.
type Settlement struct {
	Batch  store.Batch
	Taker  domain.Order
	Makers []domain.Order // updated copies, in fill order
	Trades []domain.Trade
}

// settle turns a plan into one ledger batch: the taker's hold, every
// fill's transfers and fees, and the release of any cancelled remainder.
// The book and the orders it points at are left untouched.
func settle(market domain.Market, taker domain.Order, p Plan, now time.Time) (Settlement, error) {
	var s Settlement
	b := &s.Batch

	holdCoin := market.HoldCoin(taker.Side)
	b.Add(store.OpHold, taker.Owner, holdCoin, taker.Reserve(taker.Remaining))

	for i, f := range p.Fills {
		maker := *f.Maker

		buy, sell := &taker, &maker
		if taker.Side == domain.SideSell {
			buy, sell = &maker, &taker
		}

		notional := f.Quantity.Mul(f.Price)
		buyerFee, sellerFee := decimal.Zero, decimal.Zero
		if market.Charges(domain.SideBuy, taker.Side) {
			buyerFee = notional.Mul(buy.FeeRate)
		}
		if market.Charges(domain.SideSell, taker.Side) {
			sellerFee = notional.Mul(sell.FeeRate)
		}

		// Buyer: pay notional + fee out of the hold, return the unused part
		// of the per-unit reservation, receive base.
		spent := notional.Add(buyerFee)
		b.Add(store.OpConsume, buy.Owner, market.Quote, spent)
		b.Add(store.OpRelease, buy.Owner, market.Quote, buy.Reserve(f.Quantity).Sub(spent))
		b.Add(store.OpCredit, buy.Owner, market.Base, f.Quantity)

		// Seller: deliver base, receive quote net of fee.
		b.Add(store.OpConsume, sell.Owner, market.Base, f.Quantity)
		b.Add(store.OpCredit, sell.Owner, market.Quote, notional.Sub(sellerFee))

		b.Add(store.OpCredit, domain.FeeAccount, market.Quote, buyerFee.Add(sellerFee))

		if err := taker.Fill(f.Quantity, now); err != nil {
			return Settlement{}, err
		}
		if err := maker.Fill(f.Quantity, now); err != nil {
			return Settlement{}, err
		}
		s.Makers = append(s.Makers, maker)

		s.Trades = append(s.Trades, domain.Trade{
			ID:           uuid.New().String(),
			Market:       market.ID(),
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			Buyer:        buy.Owner,
			Seller:       sell.Owner,
			TakerSide:    taker.Side,
			Price:        f.Price,
			Quantity:     f.Quantity,
			BuyerFee:     buyerFee,
			SellerFee:    sellerFee,
			ExecutedAt:   now,
			FillIndex:    i,
		})
	}

	if p.State == stateCancelled {
		b.Add(store.OpRelease, taker.Owner, holdCoin, taker.Reserve(taker.Remaining))
		if err := taker.Cancel(now); err != nil {
			return Settlement{}, err
		}
	}

	s.Taker = taker
	b.Orders = append(b.Orders, taker)
	b.Orders = append(b.Orders, s.Makers...)
	b.Trades = s.Trades
	return s, nil
}

// QuoteLevel is one price level touched by a simulated order.
type QuoteLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// QuoteResult estimates the execution of an order against the current book.
type QuoteResult struct {
	Available     decimal.Decimal
	FullyFillable bool
	AveragePrice  decimal.Decimal // zero when no liquidity
	Total         decimal.Decimal // quote notional before fees
	Levels        []QuoteLevel
}

// simulate walks the side a taker on side would meet and estimates the
// fill of quantity at any price. The book is not modified.
func simulate(book *OrderBook, side domain.Side, quantity decimal.Decimal) QuoteResult {
	res := QuoteResult{
		Available:    decimal.Zero,
		AveragePrice: decimal.Zero,
		Total:        decimal.Zero,
		Levels:       []QuoteLevel{},
	}
	remaining := quantity

	book.Walk(side.Opposite(), func(e OrderBookEntry) bool {
		qty := decimal.Min(remaining, e.Order.Remaining)
		res.Total = res.Total.Add(qty.Mul(e.Price))
		res.Available = res.Available.Add(qty)
		remaining = remaining.Sub(qty)

		if n := len(res.Levels); n > 0 && res.Levels[n-1].Price.Equal(e.Price) {
			res.Levels[n-1].Quantity = res.Levels[n-1].Quantity.Add(qty)
		} else {
			res.Levels = append(res.Levels, QuoteLevel{Price: e.Price, Quantity: qty})
		}
		return remaining.IsPositive()
	})

	if res.Available.IsPositive() {
		res.AveragePrice = res.Total.DivRound(res.Available, domain.MaxAmountPlaces)
	}
	res.FullyFillable = res.Available.GreaterThanOrEqual(quantity)
	return res
}
