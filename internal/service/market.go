package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/engine"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

// BookResponse represents the response for GET /markets/{market}/book.
type BookResponse struct {
	Market     string
	Bids       []engine.PriceLevel
	Asks       []engine.PriceLevel
	Spread     *decimal.Decimal // nil if either side empty
	SnapshotAt time.Time
}

// QuoteResponse represents the response for GET /markets/{market}/quote.
type QuoteResponse struct {
	Market            string
	Side              domain.Side
	QuantityRequested decimal.Decimal
	QuantityAvailable decimal.Decimal
	FullyFillable     bool
	EstimatedAvgPrice *decimal.Decimal // nil when no liquidity
	EstimatedTotal    *decimal.Decimal // nil when no liquidity
	PriceLevels       []engine.QuoteLevel
	QuotedAt          time.Time
}

// BookReader is the read side of the engine.
type BookReader interface {
	Depth(market string, n int) (engine.Depth, error)
	Quote(market string, side domain.Side, quantity decimal.Decimal) (engine.QuoteResult, error)
}

// MarketService handles market listing, book, trade and quote queries.
type MarketService struct {
	markets *domain.MarketRegistry
	books   BookReader
	trades  store.TradeLog
}

// NewMarketService creates a new MarketService with the given dependencies.
func NewMarketService(markets *domain.MarketRegistry, books BookReader, trades store.TradeLog) *MarketService {
	return &MarketService{
		markets: markets,
		books:   books,
		trades:  trades,
	}
}

// Markets returns the configured markets sorted by ID.
func (s *MarketService) Markets() []domain.Market {
	return s.markets.List()
}

// Book returns the top depth price levels of a market's book.
func (s *MarketService) Book(market string, depth int) (*BookResponse, error) {
	if depth < 1 || depth > 100 {
		return nil, &domain.ValidationError{Message: "depth must be between 1 and 100"}
	}
	d, err := s.books.Depth(market, depth)
	if err != nil {
		return nil, err
	}

	resp := &BookResponse{
		Market:     d.Market,
		Bids:       d.Bids,
		Asks:       d.Asks,
		SnapshotAt: time.Now(),
	}
	if len(d.Bids) > 0 && len(d.Asks) > 0 {
		spread := d.Asks[0].Price.Sub(d.Bids[0].Price)
		resp.Spread = &spread
	}
	return resp, nil
}

// Trades returns up to limit most recent trades of a market.
func (s *MarketService) Trades(ctx context.Context, market string, limit int) ([]domain.Trade, error) {
	if limit < 1 || limit > 500 {
		return nil, &domain.ValidationError{Message: "limit must be between 1 and 500"}
	}
	m, err := s.markets.Get(market)
	if err != nil {
		return nil, err
	}
	return s.trades.Trades(ctx, m.ID(), limit)
}

// Quote simulates an order of quantity against the current book without
// placing it.
func (s *MarketService) Quote(market, side, quantity string) (*QuoteResponse, error) {
	m, err := s.markets.Get(market)
	if err != nil {
		return nil, err
	}
	sd := domain.Side(strings.ToLower(side))
	if !sd.Valid() {
		return nil, &domain.ValidationError{Message: "side must be 'buy' or 'sell'"}
	}
	qty, err := domain.ParseAmount(quantity)
	if err != nil {
		return nil, &domain.ValidationError{Message: "quantity: " + err.Error()}
	}

	res, err := s.books.Quote(m.ID(), sd, qty)
	if err != nil {
		return nil, err
	}
	resp := &QuoteResponse{
		Market:            m.ID(),
		Side:              sd,
		QuantityRequested: qty,
		QuantityAvailable: res.Available,
		FullyFillable:     res.FullyFillable,
		PriceLevels:       res.Levels,
		QuotedAt:          time.Now(),
	}
	if res.Available.IsPositive() {
		avg, total := res.AveragePrice, res.Total
		resp.EstimatedAvgPrice = &avg
		resp.EstimatedTotal = &total
	}
	return resp, nil
}
