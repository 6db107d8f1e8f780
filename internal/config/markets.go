package config

import (
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/efreitasn/cryptoexchange/internal/domain"
)

// marketsFile is the layout of MARKETS_FILE:
//
//	markets:
//	  - market: DGB-DOGE
//	    min_order_size: "1"
//	    fee_rate: "0.001"
//	    fee_side: taker
//	    self_trade: allow
type marketsFile struct {
	Markets []marketEntry `yaml:"markets"`
}

type marketEntry struct {
	Market       string `yaml:"market"`
	MinOrderSize string `yaml:"min_order_size"`
	FeeRate      string `yaml:"fee_rate"`
	FeeSide      string `yaml:"fee_side"`
	SelfTrade    string `yaml:"self_trade"`
}

// defaults carries DEFAULT_* values applied to fields a market leaves empty.
type defaults struct {
	minOrderSize decimal.Decimal
	feeRate      decimal.Decimal
	feeSide      domain.FeeSide
}

// loadMarkets reads MARKETS_FILE when set, otherwise the comma separated
// MARKETS list. Both may be empty.
func loadMarkets() ([]domain.Market, error) {
	def, err := loadDefaults()
	if err != nil {
		return nil, err
	}

	if path := getStr("MARKETS_FILE", ""); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open MARKETS_FILE: %w", err)
		}
		defer f.Close()
		markets, err := decodeMarkets(f, def)
		if err != nil {
			return nil, fmt.Errorf("invalid MARKETS_FILE %s: %w", path, err)
		}
		return markets, nil
	}

	var markets []domain.Market
	for _, id := range getList("MARKETS") {
		m, err := def.market(marketEntry{Market: id})
		if err != nil {
			return nil, fmt.Errorf("invalid MARKETS: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, nil
}

func loadDefaults() (defaults, error) {
	minSize, err := decimal.NewFromString(getStr("DEFAULT_MIN_ORDER_SIZE", "0"))
	if err != nil {
		return defaults{}, fmt.Errorf("invalid DEFAULT_MIN_ORDER_SIZE: %w", err)
	}
	feeRate, err := decimal.NewFromString(getStr("DEFAULT_FEE_RATE", "0.001"))
	if err != nil {
		return defaults{}, fmt.Errorf("invalid DEFAULT_FEE_RATE: %w", err)
	}
	return defaults{
		minOrderSize: minSize,
		feeRate:      feeRate,
		feeSide:      domain.FeeSide(getStr("DEFAULT_FEE_SIDE", string(domain.FeeSideTaker))),
	}, nil
}

func decodeMarkets(r io.Reader, def defaults) ([]domain.Market, error) {
	var file marketsFile
	dec := yaml.NewDecoder(r)
	dec.SetStrict(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}

	seen := make(map[string]bool, len(file.Markets))
	markets := make([]domain.Market, 0, len(file.Markets))
	for _, e := range file.Markets {
		m, err := def.market(e)
		if err != nil {
			return nil, err
		}
		if seen[m.ID()] {
			return nil, fmt.Errorf("market %s listed twice", m.ID())
		}
		seen[m.ID()] = true
		markets = append(markets, m)
	}
	return markets, nil
}

// market builds and validates a market, falling back to the defaults.
func (d defaults) market(e marketEntry) (domain.Market, error) {
	base, quote, err := domain.ParseMarketID(e.Market)
	if err != nil {
		return domain.Market{}, err
	}
	m := domain.Market{
		Base:         base,
		Quote:        quote,
		MinOrderSize: d.minOrderSize,
		FeeRate:      d.feeRate,
		FeeSide:      d.feeSide,
		SelfTrade:    domain.SelfTradeAllow,
	}
	if e.MinOrderSize != "" {
		if m.MinOrderSize, err = decimal.NewFromString(e.MinOrderSize); err != nil {
			return domain.Market{}, fmt.Errorf("market %s: invalid min_order_size: %w", m.ID(), err)
		}
	}
	if e.FeeRate != "" {
		if m.FeeRate, err = decimal.NewFromString(e.FeeRate); err != nil {
			return domain.Market{}, fmt.Errorf("market %s: invalid fee_rate: %w", m.ID(), err)
		}
	}
	if e.FeeSide != "" {
		m.FeeSide = domain.FeeSide(e.FeeSide)
	}
	if e.SelfTrade != "" {
		m.SelfTrade = domain.SelfTradePolicy(e.SelfTrade)
	}
	if err := m.Validate(); err != nil {
		return domain.Market{}, err
	}
	return m, nil
}
