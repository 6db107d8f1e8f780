package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/service"
)

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	orderSvc *service.OrderService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc}
}

// placeOrderRequest is the JSON request body for POST /orders. Amounts
// are decimal strings.
type placeOrderRequest struct {
	Market      string `json:"market"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	TimeInForce string `json:"time_in_force"`
	PostOnly    bool   `json:"post_only"`
}

type orderResponse struct {
	OrderID           string          `json:"order_id"`
	Market            string          `json:"market"`
	Owner             string          `json:"owner"`
	Side              string          `json:"side"`
	Price             decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal `json:"quantity"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	FeeRate           decimal.Decimal `json:"fee_rate"`
	Status            string          `json:"status"`
	TimeInForce       string          `json:"time_in_force"`
	PostOnly          bool            `json:"post_only"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
	Trades            []tradeResponse `json:"trades,omitempty"`
}

type tradeResponse struct {
	TradeID    string          `json:"trade_id"`
	Market     string          `json:"market"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Buyer      string          `json:"buyer"`
	Seller     string          `json:"seller"`
	TakerSide  string          `json:"taker_side"`
	BuyerFee   decimal.Decimal `json:"buyer_fee"`
	SellerFee  decimal.Decimal `json:"seller_fee"`
	ExecutedAt string          `json:"executed_at"`
}

type userTradeResponse struct {
	TradeID     string          `json:"trade_id"`
	Market      string          `json:"market"`
	Side        string          `json:"side"`
	OrderID     string          `json:"order_id"`
	OrderStatus string          `json:"order_status"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Fee         decimal.Decimal `json:"fee"`
	ExecutedAt  string          `json:"executed_at"`
}

type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
	Total  int             `json:"total"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
}

// PlaceOrder handles POST /orders.
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	owner, ok := userID(w, r)
	if !ok {
		return
	}
	var req placeOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.orderSvc.Place(r.Context(), service.PlaceOrderRequest{
		Market:      req.Market,
		Owner:       owner,
		Side:        req.Side,
		Price:       req.Price,
		Quantity:    req.Quantity,
		TimeInForce: req.TimeInForce,
		PostOnly:    req.PostOnly,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	resp := buildOrderResponse(res.Order)
	resp.Trades = buildTradeResponses(res.Trades)
	WriteJSON(w, http.StatusCreated, resp)
}

// GetOrder handles GET /orders/{order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	owner, ok := userID(w, r)
	if !ok {
		return
	}
	order, err := h.orderSvc.Get(r.Context(), owner, chi.URLParam(r, "order_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// CancelOrder handles DELETE /orders/{order_id}.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	owner, ok := userID(w, r)
	if !ok {
		return
	}
	order, err := h.orderSvc.Cancel(r.Context(), owner, chi.URLParam(r, "order_id"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// ListOrders handles GET /orders.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	owner, ok := userID(w, r)
	if !ok {
		return
	}

	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		var err error
		page, err = strconv.Atoi(p)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "page must be a valid integer")
			return
		}
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "limit must be a valid integer")
			return
		}
	}

	status := domain.OrderStatus(r.URL.Query().Get("status"))
	orders, total, err := h.orderSvc.List(r.Context(), owner, status, page, limit)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	out := make([]orderResponse, len(orders))
	for i, o := range orders {
		out[i] = buildOrderResponse(o)
	}
	WriteJSON(w, http.StatusOK, orderListResponse{
		Orders: out,
		Total:  total,
		Page:   page,
		Limit:  limit,
	})
}

// ListTrades handles GET /trades: the caller's own trade history.
func (h *OrderHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	owner, ok := userID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	limit := 50
	if l := q.Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "limit must be a valid integer")
			return
		}
	}

	trades, err := h.orderSvc.Trades(r.Context(), owner, service.TradeQuery{
		Market: q.Get("market"),
		Coin:   q.Get("coin"),
		Limit:  limit,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	out := make([]userTradeResponse, len(trades))
	for i, t := range trades {
		fee := t.SellerFee
		if t.Side == domain.SideBuy {
			fee = t.BuyerFee
		}
		out[i] = userTradeResponse{
			TradeID:     t.ID,
			Market:      t.Market,
			Side:        string(t.Side),
			OrderID:     t.OrderID,
			OrderStatus: string(t.OrderStatus),
			Price:       t.Price,
			Quantity:    t.Quantity,
			Fee:         fee,
			ExecutedAt:  t.ExecutedAt.UTC().Format(timeFormat),
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"trades": out})
}

func buildOrderResponse(o domain.Order) orderResponse {
	return orderResponse{
		OrderID:           o.ID,
		Market:            o.Market,
		Owner:             o.Owner,
		Side:              string(o.Side),
		Price:             o.Price,
		Quantity:          o.Quantity,
		FilledQuantity:    o.Filled(),
		RemainingQuantity: o.Remaining,
		FeeRate:           o.FeeRate,
		Status:            string(o.Status),
		TimeInForce:       string(o.TimeInForce),
		PostOnly:          o.PostOnly,
		CreatedAt:         o.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:         o.UpdatedAt.UTC().Format(timeFormat),
	}
}

func buildTradeResponses(trades []domain.Trade) []tradeResponse {
	result := make([]tradeResponse, len(trades))
	for i, t := range trades {
		result[i] = tradeResponse{
			TradeID:    t.ID,
			Market:     t.Market,
			Price:      t.Price,
			Quantity:   t.Quantity,
			Buyer:      t.Buyer,
			Seller:     t.Seller,
			TakerSide:  string(t.TakerSide),
			BuyerFee:   t.BuyerFee,
			SellerFee:  t.SellerFee,
			ExecutedAt: t.ExecutedAt.UTC().Format(timeFormat),
		}
	}
	return result
}
