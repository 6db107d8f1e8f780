package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var coinRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

// FeeSide selects which party of a trade pays the fee.
type FeeSide string

const (
	FeeSideTaker FeeSide = "taker"
	FeeSideMaker FeeSide = "maker"
	FeeSideBoth  FeeSide = "both"
)

// SelfTradePolicy decides what happens when a taker meets a maker of the
// same owner.
type SelfTradePolicy string

const (
	SelfTradeAllow       SelfTradePolicy = "allow"
	SelfTradeCancelTaker SelfTradePolicy = "cancel_taker"
)

// Market is a base/quote trading pair.
type Market struct {
	Base         string
	Quote        string
	MinOrderSize decimal.Decimal
	FeeRate      decimal.Decimal
	FeeSide      FeeSide
	SelfTrade    SelfTradePolicy
}

// ValidCoin reports whether s is a well-formed coin symbol such as "DGB".
func ValidCoin(s string) bool {
	return coinRegex.MatchString(s)
}

// MarketID returns the identifier used for a base/quote pair, e.g. "DGB-DOGE".
func MarketID(base, quote string) string {
	return base + "-" + quote
}

// ParseMarketID accepts "BASE-QUOTE" or "BASE/QUOTE".
func ParseMarketID(s string) (base, quote string, err error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '/' })
	if len(parts) != 2 || !coinRegex.MatchString(parts[0]) || !coinRegex.MatchString(parts[1]) {
		return "", "", fmt.Errorf("market must look like BASE-QUOTE, got %q", s)
	}
	return parts[0], parts[1], nil
}

// ID returns the market identifier.
func (m Market) ID() string {
	return MarketID(m.Base, m.Quote)
}

// Validate checks the static market definition.
func (m Market) Validate() error {
	if !coinRegex.MatchString(m.Base) || !coinRegex.MatchString(m.Quote) {
		return fmt.Errorf("market %s: coins must match %s", m.ID(), coinRegex)
	}
	if m.Base == m.Quote {
		return fmt.Errorf("market %s: base and quote must differ", m.ID())
	}
	if m.MinOrderSize.IsNegative() {
		return fmt.Errorf("market %s: min order size must be >= 0", m.ID())
	}
	if m.FeeRate.IsNegative() || m.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("market %s: fee rate must be in [0, 1)", m.ID())
	}
	switch m.FeeSide {
	case FeeSideTaker, FeeSideMaker, FeeSideBoth:
	default:
		return fmt.Errorf("market %s: unknown fee side %q", m.ID(), m.FeeSide)
	}
	switch m.SelfTrade {
	case SelfTradeAllow, SelfTradeCancelTaker:
	default:
		return fmt.Errorf("market %s: unknown self-trade policy %q", m.ID(), m.SelfTrade)
	}
	return nil
}

// HoldCoin returns the coin an order on the given side reserves.
func (m Market) HoldCoin(side Side) string {
	if side == SideBuy {
		return m.Quote
	}
	return m.Base
}

// Charges reports whether the party on side pays the fee of a trade whose
// taker was on takerSide.
func (m Market) Charges(side, takerSide Side) bool {
	switch m.FeeSide {
	case FeeSideBoth:
		return true
	case FeeSideMaker:
		return side != takerSide
	default:
		return side == takerSide
	}
}

// MarketRegistry holds the configured markets. Safe for concurrent use.
type MarketRegistry struct {
	mu      sync.RWMutex
	markets map[string]Market
}

// NewMarketRegistry creates a registry with the given markets.
func NewMarketRegistry(markets ...Market) (*MarketRegistry, error) {
	r := &MarketRegistry{markets: make(map[string]Market)}
	for _, m := range markets {
		if err := r.Add(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a market. Empty policies default to taker-pays and
// allow-self-trade.
func (r *MarketRegistry) Add(m Market) error {
	if m.FeeSide == "" {
		m.FeeSide = FeeSideTaker
	}
	if m.SelfTrade == "" {
		m.SelfTrade = SelfTradeAllow
	}
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markets[m.ID()]; ok {
		return fmt.Errorf("%s: %w", m.ID(), ErrMarketExists)
	}
	r.markets[m.ID()] = m
	return nil
}

// Get returns the market by ID ("BASE-QUOTE" or "BASE/QUOTE").
func (r *MarketRegistry) Get(id string) (Market, error) {
	base, quote, err := ParseMarketID(id)
	if err != nil {
		return Market{}, ErrMarketNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[MarketID(base, quote)]
	if !ok {
		return Market{}, ErrMarketNotFound
	}
	return m, nil
}

// List returns all markets sorted by ID.
func (r *MarketRegistry) List() []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SetFeeRate adjusts a market's fee rate. Orders keep the rate they were
// accepted under.
func (r *MarketRegistry) SetFeeRate(id string, rate decimal.Decimal) error {
	m, err := r.Get(id)
	if err != nil {
		return err
	}
	m.FeeRate = rate
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets[m.ID()] = m
	return nil
}
