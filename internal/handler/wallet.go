package handler

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
	"github.com/efreitasn/cryptoexchange/internal/service"
)

// WalletHandler handles HTTP requests for balances, deposit addresses and
// withdrawals.
type WalletHandler struct {
	walletSvc *service.WalletService
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(walletSvc *service.WalletService) *WalletHandler {
	return &WalletHandler{walletSvc: walletSvc}
}

type balanceResponse struct {
	Coin      string          `json:"coin"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	Total     decimal.Decimal `json:"total"`
}

type addressRequest struct {
	Coin string `json:"coin"`
}

type addressResponse struct {
	Coin      string `json:"coin"`
	Address   string `json:"address"`
	Label     string `json:"label"`
	Used      bool   `json:"used"`
	CreatedAt string `json:"created_at"`
}

type withdrawRequest struct {
	Coin    string `json:"coin"`
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type withdrawResponse struct {
	WithdrawalID string          `json:"withdrawal_id"`
	Coin         string          `json:"coin"`
	Address      string          `json:"address"`
	Amount       decimal.Decimal `json:"amount"`
	TxID         string          `json:"txid"`
	SentAt       string          `json:"sent_at"`
}

type coinResponse struct {
	Coin          string `json:"coin"`
	NodeType      string `json:"node_type"`
	Confirmations int64  `json:"confirmations"`
}

// GetBalances handles GET /balances.
func (h *WalletHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	balances, err := h.walletSvc.Balances(r.Context(), user)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	out := make([]balanceResponse, len(balances))
	for i, b := range balances {
		out[i] = balanceResponse{
			Coin:      b.Coin,
			Available: b.Available,
			Held:      b.Held,
			Total:     b.Total(),
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"user": user, "balances": out})
}

// ListAddresses handles GET /addresses.
func (h *WalletHandler) ListAddresses(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	addrs, err := h.walletSvc.Addresses(r.Context(), user)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	out := make([]addressResponse, len(addrs))
	for i, a := range addrs {
		out[i] = buildAddressResponse(a)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"addresses": out})
}

// CreateAddress handles POST /addresses.
func (h *WalletHandler) CreateAddress(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	var req addressRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	addr, err := h.walletSvc.GenerateAddress(r.Context(), user, req.Coin)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildAddressResponse(addr))
}

// Withdraw handles POST /withdrawals.
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	res, err := h.walletSvc.Withdraw(r.Context(), service.WithdrawRequest{
		User:    user,
		Coin:    req.Coin,
		Address: req.Address,
		Amount:  req.Amount,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, buildWithdrawResponse(res))
}

// ListWithdrawals handles GET /withdrawals.
func (h *WalletHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "limit must be a valid integer")
			return
		}
	}
	list, err := h.walletSvc.Withdrawals(r.Context(), user, r.URL.Query().Get("coin"), limit)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	out := make([]withdrawResponse, len(list))
	for i, wd := range list {
		out[i] = buildWithdrawResponse(wd)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"withdrawals": out})
}

// ListCoins handles GET /coins. It needs no user.
func (h *WalletHandler) ListCoins(w http.ResponseWriter, r *http.Request) {
	coins := h.walletSvc.Coins()
	out := make([]coinResponse, len(coins))
	for i, c := range coins {
		out[i] = coinResponse{Coin: c.Coin, NodeType: string(c.Type), Confirmations: c.Confirmations}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"coins": out})
}

func buildWithdrawResponse(wd domain.Withdrawal) withdrawResponse {
	return withdrawResponse{
		WithdrawalID: wd.ID,
		Coin:         wd.Coin,
		Address:      wd.Address,
		Amount:       wd.Amount,
		TxID:         wd.TxID,
		SentAt:       wd.SentAt.UTC().Format(timeFormat),
	}
}

func buildAddressResponse(a domain.DepositAddress) addressResponse {
	return addressResponse{
		Coin:      a.Coin,
		Address:   a.Address,
		Label:     a.Label,
		Used:      a.Used,
		CreatedAt: a.CreatedAt.UTC().Format(timeFormat),
	}
}
