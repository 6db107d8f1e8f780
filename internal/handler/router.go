package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/efreitasn/cryptoexchange/internal/events"
	"github.com/efreitasn/cryptoexchange/internal/service"
)

// Deps holds everything the router serves.
type Deps struct {
	Orders   *service.OrderService
	Markets  *service.MarketService
	Wallet   *service.WalletService
	Feed     *events.Feed
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *slog.Logger
}

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(requestLogging(d.Logger))
	r.Use(contentTypeJSON)

	orderH := NewOrderHandler(d.Orders)
	marketH := NewMarketHandler(d.Markets)
	walletH := NewWalletHandler(d.Wallet)
	eventsH := NewEventsHandler(d.Feed)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	// Order routes.
	r.Post("/orders", orderH.PlaceOrder)
	r.Get("/orders", orderH.ListOrders)
	r.Get("/orders/{order_id}", orderH.GetOrder)
	r.Delete("/orders/{order_id}", orderH.CancelOrder)
	r.Get("/trades", orderH.ListTrades)

	// Market routes.
	r.Get("/markets", marketH.ListMarkets)
	r.Get("/markets/{market}/book", marketH.GetBook)
	r.Get("/markets/{market}/trades", marketH.GetTrades)
	r.Get("/markets/{market}/quote", marketH.GetQuote)

	// Wallet routes.
	r.Get("/balances", walletH.GetBalances)
	r.Get("/addresses", walletH.ListAddresses)
	r.Post("/addresses", walletH.CreateAddress)
	r.Get("/withdrawals", walletH.ListWithdrawals)
	r.Post("/withdrawals", walletH.Withdraw)
	r.Get("/coins", walletH.ListCoins)

	r.Get("/events", eventsH.ListEvents)

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("user", r.Header.Get(UserHeader)),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// contentTypeJSON rejects POST, PUT and PATCH requests whose Content-Type
// is not application/json.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
