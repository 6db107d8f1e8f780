package node

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
)

// Bitcoin is an Adapter for bitcoind-compatible daemons.
type Bitcoin struct {
	cfg Config
	rpc *rpcClient
}

// NewBitcoin creates a Bitcoin adapter for cfg.
func NewBitcoin(cfg Config) *Bitcoin {
	return &Bitcoin{
		cfg: cfg,
		rpc: &rpcClient{
			url:     cfg.URL(),
			version: "1.0",
			user:    cfg.User,
			pass:    cfg.Pass,
			http:    newHTTPClient(cfg, nil),
		},
	}
}

func (b *Bitcoin) Coin() string     { return b.cfg.Coin }
func (b *Bitcoin) Type() Type       { return TypeBTC }
func (b *Bitcoin) Threshold() int64 { return b.cfg.threshold() }

type btcTransaction struct {
	Address       string      `json:"address"`
	Category      string      `json:"category"`
	Amount        json.Number `json:"amount"`
	Confirmations int64       `json:"confirmations"`
	BlockHeight   int64       `json:"blockheight"`
	TxID          string      `json:"txid"`
}

type btcSinceBlock struct {
	Transactions []json.RawMessage `json:"transactions"`
	LastBlock    string            `json:"lastblock"`
}

// ListIncoming calls listsinceblock from the cursor's block hash with
// target_confirmations set to the threshold, so lastblock never passes a
// transaction that still needs confirmations.
func (b *Bitcoin) ListIncoming(ctx context.Context, addr domain.DepositAddress, cursor domain.Cursor) (Page, error) {
	var since any
	if cursor.BlockHash != "" {
		since = cursor.BlockHash
	}

	var res btcSinceBlock
	if err := b.rpc.call(ctx, "listsinceblock", []any{since, b.Threshold(), true}, &res); err != nil {
		return Page{}, err
	}
	if res.LastBlock == "" {
		return Page{}, fmt.Errorf("listsinceblock: %w: missing lastblock", domain.ErrMalformedResponse)
	}

	page := Page{Next: domain.Cursor{
		Coin:      b.Coin(),
		Address:   addr.Address,
		Height:    cursor.Height,
		BlockHash: res.LastBlock,
	}}

	sums := newTransferSet()
	for _, item := range res.Transactions {
		var tx btcTransaction
		if err := json.Unmarshal(item, &tx); err != nil {
			page.Malformed++
			continue
		}
		if tx.Category != "receive" || tx.Address != addr.Address {
			continue
		}
		amount, err := decimal.NewFromString(tx.Amount.String())
		if err != nil || tx.TxID == "" || !amount.IsPositive() {
			page.Malformed++
			continue
		}
		sums.add(Transfer{
			TxID:          tx.TxID,
			Address:       tx.Address,
			Amount:        amount,
			Confirmations: tx.Confirmations,
			Height:        tx.BlockHeight,
		})
		if tx.Confirmations >= b.Threshold() && tx.BlockHeight > page.Next.Height {
			page.Next.Height = tx.BlockHeight
		}
	}
	page.Transfers = sums.list()
	return page, nil
}

// Confirmations returns the confirmation count of a wallet transaction.
func (b *Bitcoin) Confirmations(ctx context.Context, txid string) (int64, error) {
	var res struct {
		Confirmations *int64 `json:"confirmations"`
	}
	if err := b.rpc.call(ctx, "gettransaction", []any{txid}, &res); err != nil {
		return 0, err
	}
	if res.Confirmations == nil {
		return 0, fmt.Errorf("gettransaction: %w: missing confirmations", domain.ErrMalformedResponse)
	}
	return *res.Confirmations, nil
}

func (b *Bitcoin) NewAddress(ctx context.Context, label string) (domain.DepositAddress, error) {
	var address string
	if err := b.rpc.call(ctx, "getnewaddress", []any{label}, &address); err != nil {
		return domain.DepositAddress{}, err
	}
	if address == "" {
		return domain.DepositAddress{}, fmt.Errorf("getnewaddress: %w: empty address", domain.ErrMalformedResponse)
	}
	return domain.DepositAddress{Coin: b.Coin(), Address: address, Label: label}, nil
}

// Send pays amount to address with the network fee subtracted from it.
func (b *Bitcoin) Send(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	if _, err := domain.AtomicUnits(amount, 8); err != nil {
		return "", &domain.ValidationError{Message: err.Error()}
	}
	var txid string
	params := []any{address, json.Number(amount.String()), "", "", true}
	if err := b.rpc.call(ctx, "sendtoaddress", params, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

// transferSet sums outputs per txid while keeping first-seen order.
type transferSet struct {
	order []string
	byTx  map[string]*Transfer
}

func newTransferSet() *transferSet {
	return &transferSet{byTx: make(map[string]*Transfer)}
}

func (s *transferSet) add(t Transfer) {
	cur, ok := s.byTx[t.TxID]
	if !ok {
		s.order = append(s.order, t.TxID)
		s.byTx[t.TxID] = &t
		return
	}
	cur.Amount = cur.Amount.Add(t.Amount)
	if t.Confirmations > cur.Confirmations {
		cur.Confirmations = t.Confirmations
	}
	if t.Height > cur.Height {
		cur.Height = t.Height
	}
}

func (s *transferSet) list() []Transfer {
	out := make([]Transfer, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.byTx[id])
	}
	return out
}
