package params

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
	"github.com/uhyunpark/hyperspot/pkg/pricefeed"
)

// MarketsFile is the YAML market definition:
//
//	currencies:
//	  - {code: USD, decimals: 6}
//	  - {code: ES, decimals: 0}
//	markets:
//	  - pair: ES/USD
//	    minQty: "1"
//	    simulate: {min: "4700", max: "4800", interval: 5s}
type MarketsFile struct {
	Currencies []market.Currency `yaml:"currencies"`
	Markets    []MarketEntry      `yaml:"markets"`
}

// MarketEntry is one market. Quantities and prices are decimal strings.
type MarketEntry struct {
	Pair     string   `yaml:"pair"`
	MinQty   string   `yaml:"minQty"`
	MaxQty   string   `yaml:"maxQty"`
	Status   string   `yaml:"status"`
	Simulate *SimEntry `yaml:"simulate"`
}

type SimEntry struct {
	Min      string        `yaml:"min"`
	Max      string        `yaml:"max"`
	Step     string        `yaml:"step"`
	Interval time.Duration `yaml:"interval"`
}

func DefaultMarkets() MarketsFile {
	return MarketsFile{
		Currencies: []market.Currency{
			{Code: "USD", Decimals: 6},
			{Code: "ES", Decimals: 0},
			{Code: "BTC", Decimals: 4},
		},
		Markets: []MarketEntry{
			{
				Pair: "ES/USD", MinQty: "1", MaxQty: "10000",
				Simulate: &SimEntry{Min: "4700", Max: "4800", Interval: 5 * time.Second},
			},
			{Pair: "BTC/USD", MinQty: "0.0001", MaxQty: "100"},
		},
	}
}

func LoadMarketsFile(path string) (MarketsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MarketsFile{}, fmt.Errorf("read markets file: %w", err)
	}
	var mf MarketsFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return MarketsFile{}, fmt.Errorf("parse markets file %s: %w", path, err)
	}
	if len(mf.Markets) == 0 {
		return MarketsFile{}, fmt.Errorf("markets file %s defines no markets", path)
	}
	return mf, nil
}

// Build turns the definitions into markets and price simulator configs.
func (mf MarketsFile) Build() ([]*market.Market, []pricefeed.Config, error) {
	currencies := make(map[string]market.Currency, len(mf.Currencies))
	for _, c := range mf.Currencies {
		code := strings.ToUpper(c.Code)
		if _, dup := currencies[code]; dup {
			return nil, nil, fmt.Errorf("currency %s defined twice", code)
		}
		currencies[code] = market.Currency{Code: code, Decimals: c.Decimals}
	}

	var (
		markets []*market.Market
		sims    []pricefeed.Config
	)
	for _, spec := range mf.Markets {
		m, err := spec.build(currencies)
		if err != nil {
			return nil, nil, err
		}
		markets = append(markets, m)

		if spec.Simulate != nil {
			sim, err := spec.Simulate.build(m)
			if err != nil {
				return nil, nil, fmt.Errorf("market %s simulate: %w", m.Pair, err)
			}
			sims = append(sims, sim)
		}
	}
	return markets, sims, nil
}

func (s MarketEntry) build(currencies map[string]market.Currency) (*market.Market, error) {
	base, quote, err := order.SplitPair(s.Pair)
	if err != nil {
		return nil, err
	}
	bc, ok := currencies[base]
	if !ok {
		return nil, fmt.Errorf("market %s: unknown currency %s", s.Pair, base)
	}
	qc, ok := currencies[quote]
	if !ok {
		return nil, fmt.Errorf("market %s: unknown currency %s", s.Pair, quote)
	}

	minQty, maxQty := int64(1), int64(0)
	if s.MinQty != "" {
		if minQty, err = bc.ParseAmount(s.MinQty); err != nil {
			return nil, fmt.Errorf("market %s minQty: %w", s.Pair, err)
		}
	}
	if s.MaxQty != "" {
		if maxQty, err = bc.ParseAmount(s.MaxQty); err != nil {
			return nil, fmt.Errorf("market %s maxQty: %w", s.Pair, err)
		}
	}

	m, err := market.NewMarket(bc, qc, minQty, maxQty)
	if err != nil {
		return nil, err
	}
	if s.Status != "" {
		if m.Status, err = market.ParseStatus(s.Status); err != nil {
			return nil, fmt.Errorf("market %s: %w", s.Pair, err)
		}
	}
	return m, nil
}

func (s SimEntry) build(m *market.Market) (pricefeed.Config, error) {
	cfg := pricefeed.Config{Pair: m.Pair, Interval: s.Interval}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	var err error
	if cfg.Min, err = m.ParsePrice(s.Min); err != nil {
		return cfg, err
	}
	if cfg.Max, err = m.ParsePrice(s.Max); err != nil {
		return cfg, err
	}
	if s.Step != "" {
		if cfg.Step, err = m.ParsePrice(s.Step); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}
