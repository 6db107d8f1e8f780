package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/icholy/digest"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
)

// moneroPlaces is the number of decimal places of one piconero.
const moneroPlaces = 12

// Monero is an Adapter for monero-wallet-rpc. Each deposit address is a
// subaddress of one wallet account.
type Monero struct {
	cfg Config
	rpc *rpcClient
}

// NewMonero creates a Monero adapter for cfg. Credentials, when set, are
// sent with HTTP digest auth.
func NewMonero(cfg Config) *Monero {
	var transport http.RoundTripper
	if cfg.User != "" {
		transport = &digest.Transport{Username: cfg.User, Password: cfg.Pass}
	}
	return &Monero{
		cfg: cfg,
		rpc: &rpcClient{
			url:     strings.TrimSuffix(cfg.URL(), "/") + "/json_rpc",
			version: "2.0",
			http:    newHTTPClient(cfg, transport),
		},
	}
}

func (m *Monero) Coin() string     { return m.cfg.Coin }
func (m *Monero) Type() Type       { return TypeMonero }
func (m *Monero) Threshold() int64 { return m.cfg.threshold() }

type xmrTransfer struct {
	TxID          string      `json:"txid"`
	Address       string      `json:"address"`
	Amount        json.Number `json:"amount"`
	Confirmations int64       `json:"confirmations"`
	Height        int64       `json:"height"`
}

type xmrTransfers struct {
	In   []json.RawMessage `json:"in"`
	Pool []json.RawMessage `json:"pool"`
}

func fromAtomic(n json.Number) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("atomic amount %s is not an integer", n)
	}
	return d.Shift(-moneroPlaces), nil
}

// ListIncoming lists incoming and pool transfers of the address's
// subaddress above the cursor height. The proposed cursor is the highest
// confirmed height, kept below the lowest still-unconfirmed transfer so a
// reorg window is re-scanned.
func (m *Monero) ListIncoming(ctx context.Context, addr domain.DepositAddress, cursor domain.Cursor) (Page, error) {
	params := map[string]any{
		"in":               true,
		"pool":             true,
		"account_index":    addr.AccountIndex,
		"subaddr_indices":  []uint32{addr.SubaddrIndex},
		"filter_by_height": cursor.Height > 0,
		"min_height":       cursor.Height,
	}
	var res xmrTransfers
	if err := m.rpc.call(ctx, "get_transfers", params, &res); err != nil {
		return Page{}, err
	}

	page := Page{}
	sums := newTransferSet()
	var confirmedMax, unconfirmedMin int64
	items := append(res.In, res.Pool...)
	for _, item := range items {
		var tx xmrTransfer
		if err := json.Unmarshal(item, &tx); err != nil {
			page.Malformed++
			continue
		}
		if tx.Address != "" && tx.Address != addr.Address {
			continue
		}
		amount, err := fromAtomic(tx.Amount)
		if err != nil || tx.TxID == "" || !amount.IsPositive() {
			page.Malformed++
			continue
		}
		sums.add(Transfer{
			TxID:          tx.TxID,
			Address:       addr.Address,
			Amount:        amount,
			Confirmations: tx.Confirmations,
			Height:        tx.Height,
		})

		switch {
		case tx.Height == 0:
			// Mempool; it will land above every confirmed height.
		case tx.Confirmations >= m.Threshold():
			if tx.Height > confirmedMax {
				confirmedMax = tx.Height
			}
		default:
			if unconfirmedMin == 0 || tx.Height < unconfirmedMin {
				unconfirmedMin = tx.Height
			}
		}
	}
	page.Transfers = sums.list()

	next := confirmedMax
	if unconfirmedMin > 0 && next >= unconfirmedMin {
		next = unconfirmedMin - 1
	}
	if next < cursor.Height {
		next = cursor.Height
	}
	page.Next = domain.Cursor{Coin: m.Coin(), Address: addr.Address, Height: next}
	return page, nil
}

func (m *Monero) Confirmations(ctx context.Context, txid string) (int64, error) {
	var res struct {
		Transfer *struct {
			Confirmations int64 `json:"confirmations"`
		} `json:"transfer"`
	}
	if err := m.rpc.call(ctx, "get_transfer_by_txid", map[string]any{"txid": txid}, &res); err != nil {
		return 0, err
	}
	if res.Transfer == nil {
		return 0, fmt.Errorf("get_transfer_by_txid: %w: missing transfer", domain.ErrMalformedResponse)
	}
	return res.Transfer.Confirmations, nil
}

// NewAddress creates a subaddress in account 0.
func (m *Monero) NewAddress(ctx context.Context, label string) (domain.DepositAddress, error) {
	var res struct {
		Address      string `json:"address"`
		AddressIndex uint32 `json:"address_index"`
	}
	params := map[string]any{"account_index": 0, "label": label}
	if err := m.rpc.call(ctx, "create_address", params, &res); err != nil {
		return domain.DepositAddress{}, err
	}
	if res.Address == "" {
		return domain.DepositAddress{}, fmt.Errorf("create_address: %w: empty address", domain.ErrMalformedResponse)
	}
	return domain.DepositAddress{
		Coin:         m.Coin(),
		Address:      res.Address,
		AccountIndex: 0,
		SubaddrIndex: res.AddressIndex,
		Label:        label,
	}, nil
}

// Send transfers amount from account 0 at normal priority.
func (m *Monero) Send(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	atomic, err := domain.AtomicUnits(amount, moneroPlaces)
	if err != nil {
		return "", &domain.ValidationError{Message: err.Error()}
	}
	params := map[string]any{
		"destinations":  []map[string]any{{"amount": json.Number(atomic.String()), "address": address}},
		"account_index": 0,
		"priority":      2,
	}
	var res struct {
		TxHash string `json:"tx_hash"`
	}
	if err := m.rpc.call(ctx, "transfer", params, &res); err != nil {
		return "", err
	}
	if res.TxHash == "" {
		return "", fmt.Errorf("transfer: %w: missing tx_hash", domain.ErrMalformedResponse)
	}
	return res.TxHash, nil
}
