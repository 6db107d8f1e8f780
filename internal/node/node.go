// Package node talks to coin daemons and wallets over JSON-RPC. Each coin
// gets an Adapter; the rest of the system never sees the wire protocol.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/efreitasn/cryptoexchange/internal/domain"
)

// Type selects the RPC dialect of a node.
type Type string

const (
	TypeBTC    Type = "btc"    // bitcoind-compatible daemons (BTC, DGB, DOGE, LTC, ...)
	TypeMonero Type = "monero" // monero-wallet-rpc
)

// ParseType maps a configured node type to a Type. An empty value means btc.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "btc", "bitcoin":
		return TypeBTC, nil
	case "monero", "xmr":
		return TypeMonero, nil
	}
	return "", fmt.Errorf("%q: %w", s, domain.ErrUnsupportedNodeType)
}

// Config is the connection configuration of one coin's node.
type Config struct {
	Coin          string
	Host          string
	Port          int
	User          string
	Pass          string
	Type          Type
	Confirmations int64 // credit threshold; 0 means domain.MinConfirmations
	Timeout       time.Duration
}

// URL returns the base URL of the node.
func (c Config) URL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) threshold() int64 {
	if c.Confirmations <= 0 {
		return domain.MinConfirmations
	}
	return c.Confirmations
}

// Transfer is one incoming transfer to a deposit address. Outputs of the
// same transaction to the same address are summed.
type Transfer struct {
	TxID          string
	Address       string
	Amount        decimal.Decimal
	Confirmations int64
	Height        int64 // 0 while in the mempool
}

// Page is the result of one ListIncoming call.
type Page struct {
	Transfers []Transfer
	Next      domain.Cursor // proposed cursor; the store never moves it backwards
	Malformed int           // list items that could not be decoded
}

// Adapter is the capability set the exchange needs from a coin node.
type Adapter interface {
	Coin() string
	Type() Type
	// Threshold is the number of confirmations a deposit needs.
	Threshold() int64
	// ListIncoming lists transfers to addr observed since cursor.
	ListIncoming(ctx context.Context, addr domain.DepositAddress, cursor domain.Cursor) (Page, error)
	Confirmations(ctx context.Context, txid string) (int64, error)
	// NewAddress issues a fresh receiving address. User is left empty.
	NewAddress(ctx context.Context, label string) (domain.DepositAddress, error)
	// Send pays amount to address and returns the transaction id.
	Send(ctx context.Context, address string, amount decimal.Decimal) (string, error)
}

// New builds the adapter for cfg.
func New(cfg Config) (Adapter, error) {
	switch cfg.Type {
	case "", TypeBTC:
		return NewBitcoin(cfg), nil
	case TypeMonero:
		return NewMonero(cfg), nil
	}
	return nil, fmt.Errorf("%s: %q: %w", cfg.Coin, cfg.Type, domain.ErrUnsupportedNodeType)
}

// Registry maps coin symbols to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds an adapter per config. It fails on the first invalid
// entry so misconfiguration surfaces at startup.
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(configs))}
	for _, cfg := range configs {
		coin := strings.ToUpper(cfg.Coin)
		if coin == "" {
			return nil, fmt.Errorf("node config without coin")
		}
		if _, ok := r.adapters[coin]; ok {
			return nil, fmt.Errorf("duplicate node config for %s", coin)
		}
		cfg.Coin = coin
		a, err := New(cfg)
		if err != nil {
			return nil, err
		}
		r.adapters[coin] = a
	}
	return r, nil
}

// Add registers a prebuilt adapter, replacing any adapter for its coin.
func (r *Registry) Add(a Adapter) {
	r.adapters[strings.ToUpper(a.Coin())] = a
}

// Get returns the adapter for coin.
func (r *Registry) Get(coin string) (Adapter, error) {
	a, ok := r.adapters[strings.ToUpper(coin)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", coin, domain.ErrNodeNotFound)
	}
	return a, nil
}

// Coins returns the configured coins, sorted.
func (r *Registry) Coins() []string {
	out := make([]string, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// CoinInfo describes one supported coin.
type CoinInfo struct {
	Coin          string
	Type          Type
	Confirmations int64
}

// Supported describes every configured coin, sorted by symbol.
func (r *Registry) Supported() []CoinInfo {
	coins := r.Coins()
	out := make([]CoinInfo, len(coins))
	for i, c := range coins {
		a := r.adapters[c]
		out[i] = CoinInfo{Coin: c, Type: a.Type(), Confirmations: a.Threshold()}
	}
	return out
}

func newHTTPClient(cfg Config, transport http.RoundTripper) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
