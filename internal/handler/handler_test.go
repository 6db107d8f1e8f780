package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/engine"
	"github.com/efreitasn/cryptoexchange/internal/events"
	"github.com/efreitasn/cryptoexchange/internal/metrics"
	"github.com/efreitasn/cryptoexchange/internal/node"
	"github.com/efreitasn/cryptoexchange/internal/service"
	"github.com/efreitasn/cryptoexchange/internal/store"
)

// fakeNode is a node adapter that issues sequential addresses and accepts
// every send.
type fakeNode struct {
	coin string
	next int
}

func (f *fakeNode) Coin() string     { return f.coin }
func (f *fakeNode) Type() node.Type  { return node.TypeBTC }
func (f *fakeNode) Threshold() int64 { return domain.MinConfirmations }

func (f *fakeNode) ListIncoming(context.Context, domain.DepositAddress, domain.Cursor) (node.Page, error) {
	return node.Page{}, nil
}

func (f *fakeNode) Confirmations(context.Context, string) (int64, error) { return 0, nil }

func (f *fakeNode) NewAddress(_ context.Context, label string) (domain.DepositAddress, error) {
	f.next++
	return domain.DepositAddress{Coin: f.coin, Address: f.coin + "-addr-" + strconv.Itoa(f.next), Label: label}, nil
}

func (f *fakeNode) Send(context.Context, string, decimal.Decimal) (string, error) {
	return "txsent", nil
}

// testEnv bundles all dependencies for handler integration tests.
type testEnv struct {
	router http.Handler
	store  *store.Memory
	feed   *events.Feed
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	markets, err := domain.NewMarketRegistry(domain.Market{
		Base:    "DGB",
		Quote:   "DOGE",
		FeeRate: decimal.RequireFromString("0.001"),
	})
	if err != nil {
		t.Fatalf("failed to create markets: %v", err)
	}
	st := store.NewMemory()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	feed := events.NewFeed(64)
	pub := events.NewMulti(logger, feed)
	coord := engine.NewCoordinator(markets, st, pub, m, logger)

	nodes, err := node.NewRegistry(nil)
	if err != nil {
		t.Fatalf("failed to create node registry: %v", err)
	}
	nodes.Add(&fakeNode{coin: "DGB"})

	router := NewRouter(Deps{
		Orders:   service.NewOrderService(coord, st, markets),
		Markets:  service.NewMarketService(markets, coord, st),
		Wallet:   service.NewWalletService(st, nodes, pub, m, logger, time.Second),
		Feed:     feed,
		Gatherer: reg,
		Logger:   logger,
	})
	return &testEnv{router: router, store: st, feed: feed}
}

// doJSON sends a JSON request as user and returns the recorder.
func (env *testEnv) doJSON(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	return rr
}

// decodeJSON decodes the response body into v.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

func (env *testEnv) fund(t *testing.T, user, coin, amount string) {
	t.Helper()
	if err := env.store.Credit(context.Background(), user, coin, decimal.RequireFromString(amount)); err != nil {
		t.Fatalf("fund %s: %v", user, err)
	}
}

func (env *testEnv) placeOrder(t *testing.T, user, side, price, qty string) map[string]any {
	t.Helper()
	rr := env.doJSON(t, user, http.MethodPost, "/orders", map[string]any{
		"market":   "DGB-DOGE",
		"side":     side,
		"price":    price,
		"quantity": qty,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("place order: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]any
	decodeJSON(t, rr, &resp)
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.doJSON(t, "", http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestPlaceOrder_SettlesAcrossMakers(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "buyer1", "DOGE", "100")
	env.fund(t, "buyer2", "DOGE", "100")
	env.fund(t, "seller", "DGB", "100")
	env.placeOrder(t, "buyer1", "buy", "0.5", "60")
	env.placeOrder(t, "buyer2", "buy", "0.5", "40")

	resp := env.placeOrder(t, "seller", "sell", "0.5", "100")
	if resp["status"] != "filled" {
		t.Fatalf("expected filled, got %v", resp["status"])
	}
	trades, _ := resp["trades"].([]any)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}

	rr := env.doJSON(t, "seller", http.MethodGet, "/balances", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var bal struct {
		Balances []struct {
			Coin      string `json:"coin"`
			Available string `json:"available"`
		} `json:"balances"`
	}
	decodeJSON(t, rr, &bal)
	got := map[string]string{}
	for _, b := range bal.Balances {
		got[b.Coin] = b.Available
	}
	if got["DOGE"] != "49.95" || got["DGB"] != "0" {
		t.Fatalf("expected seller DOGE 49.95 and DGB 0, got %v", got)
	}
}

func TestPlaceOrder_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "DOGE", "1")

	tests := []struct {
		name       string
		user       string
		body       map[string]any
		wantStatus int
		wantCode   string
	}{
		{"missing user", "", map[string]any{"market": "DGB-DOGE", "side": "buy", "price": "1", "quantity": "1"}, http.StatusUnauthorized, "unauthorized"},
		{"malformed user", "a/b", map[string]any{"market": "DGB-DOGE", "side": "buy", "price": "1", "quantity": "1"}, http.StatusUnauthorized, "unauthorized"},
		{"fee account", domain.FeeAccount, map[string]any{"market": "DGB-DOGE", "side": "buy", "price": "1", "quantity": "1"}, http.StatusUnauthorized, "unauthorized"},
		{"unknown market", "alice", map[string]any{"market": "BTC-ETH", "side": "buy", "price": "1", "quantity": "1"}, http.StatusNotFound, "market_not_found"},
		{"bad price", "alice", map[string]any{"market": "DGB-DOGE", "side": "buy", "price": "x", "quantity": "1"}, http.StatusBadRequest, "invalid_order"},
		{"insufficient funds", "alice", map[string]any{"market": "DGB-DOGE", "side": "buy", "price": "1", "quantity": "5"}, http.StatusConflict, "insufficient_funds"},
		{"unknown field", "alice", map[string]any{"market": "DGB-DOGE", "type": "limit"}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.doJSON(t, tt.user, http.MethodPost, "/orders", tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			var resp errorResponse
			decodeJSON(t, rr, &resp)
			if resp.Error != tt.wantCode {
				t.Fatalf("expected error %q, got %q", tt.wantCode, resp.Error)
			}
		})
	}
}

func TestPlaceOrder_RequiresJSONContentType(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(UserHeader, "alice")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestGetAndCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "DOGE", "100")
	order := env.placeOrder(t, "alice", "buy", "0.5", "10")
	id := order["order_id"].(string)

	rr := env.doJSON(t, "bob", http.MethodGet, "/orders/"+id, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("another user must not see the order, got %d", rr.Code)
	}

	rr = env.doJSON(t, "alice", http.MethodGet, "/orders/"+id, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = env.doJSON(t, "alice", http.MethodDelete, "/orders/"+id, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var cancelled map[string]any
	decodeJSON(t, rr, &cancelled)
	if cancelled["status"] != "cancelled" {
		t.Fatalf("expected cancelled, got %v", cancelled["status"])
	}

	rr = env.doJSON(t, "alice", http.MethodDelete, "/orders/"+id, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", rr.Code)
	}

	rr = env.doJSON(t, "alice", http.MethodGet, "/orders?status=cancelled", nil)
	var list orderListResponse
	decodeJSON(t, rr, &list)
	if list.Total != 1 || list.Orders[0].OrderID != id {
		t.Fatalf("expected the cancelled order in the list, got %+v", list)
	}
}

func TestMarketEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "DOGE", "100")
	env.fund(t, "bob", "DGB", "100")
	env.placeOrder(t, "alice", "buy", "0.4", "10")
	env.placeOrder(t, "bob", "sell", "0.6", "10")

	rr := env.doJSON(t, "", http.MethodGet, "/markets", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"DGB-DOGE"`) {
		t.Fatalf("unexpected markets response %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.doJSON(t, "", http.MethodGet, "/markets/DGB-DOGE/book?depth=5", nil)
	var book bookResponse
	decodeJSON(t, rr, &book)
	if book.Spread == nil || !book.Spread.Equal(decimal.RequireFromString("0.2")) {
		t.Fatalf("expected spread 0.2, got %v", book.Spread)
	}

	rr = env.doJSON(t, "", http.MethodGet, "/markets/DGB-DOGE/book?depth=abc", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad depth, got %d", rr.Code)
	}

	rr = env.doJSON(t, "", http.MethodGet, "/markets/DGB-DOGE/quote?side=buy&quantity=4", nil)
	var quote quoteResponse
	decodeJSON(t, rr, &quote)
	if !quote.FullyFillable || quote.EstimatedTotal == nil || !quote.EstimatedTotal.Equal(decimal.RequireFromString("2.4")) {
		t.Fatalf("unexpected quote %+v", quote)
	}

	rr = env.doJSON(t, "", http.MethodGet, "/markets/NOPE-X/trades", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown market, got %d", rr.Code)
	}
}

func TestWalletEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.doJSON(t, "alice", http.MethodPost, "/addresses", map[string]any{"coin": "DGB"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var addr addressResponse
	decodeJSON(t, rr, &addr)
	if addr.Coin != "DGB" || addr.Label != "user_alice" {
		t.Fatalf("unexpected address %+v", addr)
	}

	rr = env.doJSON(t, "alice", http.MethodPost, "/addresses", map[string]any{"coin": "LTC"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a coin without node, got %d", rr.Code)
	}

	rr = env.doJSON(t, "alice", http.MethodPost, "/withdrawals", map[string]any{"coin": "DGB", "address": "DDest", "amount": "1"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 without funds, got %d", rr.Code)
	}

	env.fund(t, "alice", "DGB", "5")
	rr = env.doJSON(t, "alice", http.MethodPost, "/withdrawals", map[string]any{"coin": "DGB", "address": "DDest", "amount": "1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var wd withdrawResponse
	decodeJSON(t, rr, &wd)
	if wd.TxID != "txsent" {
		t.Fatalf("expected txid txsent, got %q", wd.TxID)
	}

	rr = env.doJSON(t, "alice", http.MethodGet, "/withdrawals?coin=dgb", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var history struct {
		Withdrawals []withdrawResponse `json:"withdrawals"`
	}
	decodeJSON(t, rr, &history)
	if len(history.Withdrawals) != 1 || history.Withdrawals[0].WithdrawalID != wd.WithdrawalID {
		t.Fatalf("expected the sent withdrawal, got %+v", history.Withdrawals)
	}

	rr = env.doJSON(t, "alice", http.MethodGet, "/withdrawals?limit=500", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit 500, got %d", rr.Code)
	}
	rr = env.doJSON(t, "bob", http.MethodGet, "/withdrawals", nil)
	decodeJSON(t, rr, &history)
	if len(history.Withdrawals) != 0 {
		t.Fatalf("bob must not see alice's withdrawals, got %+v", history.Withdrawals)
	}
}

func TestListCoins(t *testing.T) {
	env := newTestEnv(t)

	// Public: no user header.
	rr := env.doJSON(t, "", http.MethodGet, "/coins", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Coins []coinResponse `json:"coins"`
	}
	decodeJSON(t, rr, &resp)
	want := []coinResponse{{Coin: "DGB", NodeType: "btc", Confirmations: domain.MinConfirmations}}
	if len(resp.Coins) != 1 || resp.Coins[0] != want[0] {
		t.Fatalf("coins = %+v, want %+v", resp.Coins, want)
	}
}

func TestListTrades(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "DGB", "10")
	env.fund(t, "bob", "DOGE", "10")
	ask := env.placeOrder(t, "alice", "sell", "0.5", "4")
	env.placeOrder(t, "bob", "buy", "0.5", "3")

	rr := env.doJSON(t, "alice", http.MethodGet, "/trades?market=DGB-DOGE", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Trades []userTradeResponse `json:"trades"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(resp.Trades))
	}
	tr := resp.Trades[0]
	if tr.Side != "sell" || tr.OrderID != ask["order_id"] || tr.OrderStatus != "partially_filled" {
		t.Fatalf("unexpected trade %+v", tr)
	}
	if !tr.Quantity.Equal(decimal.RequireFromString("3")) || !tr.Fee.IsZero() {
		t.Fatalf("maker sold 3 without fee, got %s fee %s", tr.Quantity, tr.Fee)
	}

	rr = env.doJSON(t, "bob", http.MethodGet, "/trades?coin=DOGE", nil)
	decodeJSON(t, rr, &resp)
	if len(resp.Trades) != 1 || resp.Trades[0].Side != "buy" || resp.Trades[0].OrderStatus != "filled" {
		t.Fatalf("unexpected taker trades %+v", resp.Trades)
	}

	tests := []struct {
		name       string
		user       string
		path       string
		wantStatus int
	}{
		{"missing user", "", "/trades", http.StatusUnauthorized},
		{"limit not a number", "alice", "/trades?limit=x", http.StatusBadRequest},
		{"limit out of range", "alice", "/trades?limit=201", http.StatusBadRequest},
		{"bad coin", "alice", "/trades?coin=d!", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.doJSON(t, tt.user, http.MethodGet, tt.path, nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "DOGE", "100")
	env.fund(t, "bob", "DGB", "100")
	env.placeOrder(t, "alice", "buy", "0.5", "10")
	env.placeOrder(t, "bob", "sell", "0.5", "4")
	env.placeOrder(t, "bob", "sell", "0.5", "6")

	rr := env.doJSON(t, "", http.MethodGet, "/events?since=0&limit=1", nil)
	var resp eventsResponse
	decodeJSON(t, rr, &resp)
	if len(resp.Events) != 1 || resp.Events[0].Type != events.TypeTradeExecuted || resp.Last != 2 {
		t.Fatalf("unexpected events page %+v", resp)
	}

	rr = env.doJSON(t, "", http.MethodGet, "/events?since=1", nil)
	decodeJSON(t, rr, &resp)
	if len(resp.Events) != 1 || resp.Events[0].Seq != 2 {
		t.Fatalf("expected only seq 2, got %+v", resp.Events)
	}

	rr = env.doJSON(t, "", http.MethodGet, "/events?limit=0", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit 0, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", "DOGE", "100")
	env.placeOrder(t, "alice", "buy", "0.5", "10")

	rr := env.doJSON(t, "", http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "cryptoexchange_orders_placed_total") {
		t.Fatalf("expected orders_placed metric in output")
	}
}
