package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/engine"
	"github.com/efreitasn/cryptoexchange/internal/service"
)

// MarketHandler handles HTTP requests for market data endpoints.
type MarketHandler struct {
	marketSvc *service.MarketService
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(marketSvc *service.MarketService) *MarketHandler {
	return &MarketHandler{marketSvc: marketSvc}
}

type marketResponse struct {
	Market       string          `json:"market"`
	Base         string          `json:"base"`
	Quote        string          `json:"quote"`
	MinOrderSize decimal.Decimal `json:"min_order_size"`
	FeeRate      decimal.Decimal `json:"fee_rate"`
	FeeSide      string          `json:"fee_side"`
}

type bookLevelResponse struct {
	Price         decimal.Decimal `json:"price"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	OrderCount    int             `json:"order_count"`
}

type bookResponse struct {
	Market     string              `json:"market"`
	Bids       []bookLevelResponse `json:"bids"`
	Asks       []bookLevelResponse `json:"asks"`
	Spread     *decimal.Decimal    `json:"spread"`
	SnapshotAt string              `json:"snapshot_at"`
}

type quoteLevelResponse struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

type quoteResponse struct {
	Market            string               `json:"market"`
	Side              string               `json:"side"`
	QuantityRequested decimal.Decimal      `json:"quantity_requested"`
	QuantityAvailable decimal.Decimal      `json:"quantity_available"`
	FullyFillable     bool                 `json:"fully_fillable"`
	EstimatedAvgPrice *decimal.Decimal     `json:"estimated_average_price"`
	EstimatedTotal    *decimal.Decimal     `json:"estimated_total"`
	PriceLevels       []quoteLevelResponse `json:"price_levels"`
	QuotedAt          string               `json:"quoted_at"`
}

// ListMarkets handles GET /markets.
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := h.marketSvc.Markets()
	out := make([]marketResponse, len(markets))
	for i, m := range markets {
		out[i] = marketResponse{
			Market:       m.ID(),
			Base:         m.Base,
			Quote:        m.Quote,
			MinOrderSize: m.MinOrderSize,
			FeeRate:      m.FeeRate,
			FeeSide:      string(m.FeeSide),
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"markets": out})
}

// GetBook handles GET /markets/{market}/book.
func (h *MarketHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	depth := 10
	if d := r.URL.Query().Get("depth"); d != "" {
		var err error
		depth, err = strconv.Atoi(d)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "depth must be a valid integer")
			return
		}
	}

	book, err := h.marketSvc.Book(chi.URLParam(r, "market"), depth)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, bookResponse{
		Market:     book.Market,
		Bids:       buildBookLevels(book.Bids),
		Asks:       buildBookLevels(book.Asks),
		Spread:     book.Spread,
		SnapshotAt: book.SnapshotAt.UTC().Format(timeFormat),
	})
}

// GetTrades handles GET /markets/{market}/trades.
func (h *MarketHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "limit must be a valid integer")
			return
		}
	}

	trades, err := h.marketSvc.Trades(r.Context(), chi.URLParam(r, "market"), limit)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"trades": buildTradeResponses(trades)})
}

// GetQuote handles GET /markets/{market}/quote.
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quote, err := h.marketSvc.Quote(chi.URLParam(r, "market"), q.Get("side"), q.Get("quantity"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	levels := make([]quoteLevelResponse, len(quote.PriceLevels))
	for i, l := range quote.PriceLevels {
		levels[i] = quoteLevelResponse{Price: l.Price, Quantity: l.Quantity}
	}
	WriteJSON(w, http.StatusOK, quoteResponse{
		Market:            quote.Market,
		Side:              string(quote.Side),
		QuantityRequested: quote.QuantityRequested,
		QuantityAvailable: quote.QuantityAvailable,
		FullyFillable:     quote.FullyFillable,
		EstimatedAvgPrice: quote.EstimatedAvgPrice,
		EstimatedTotal:    quote.EstimatedTotal,
		PriceLevels:       levels,
		QuotedAt:          quote.QuotedAt.UTC().Format(timeFormat),
	})
}

func buildBookLevels(levels []engine.PriceLevel) []bookLevelResponse {
	out := make([]bookLevelResponse, len(levels))
	for i, l := range levels {
		out[i] = bookLevelResponse{
			Price:         l.Price,
			TotalQuantity: l.Quantity,
			OrderCount:    l.OrderCount,
		}
	}
	return out
}
