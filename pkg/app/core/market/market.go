package market

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
)

// Status defines the trading status of a market
type Status int8

const (
	Active Status = iota // Trading enabled
	Paused               // Orders rejected, book and balances untouched
	Closed               // Terminal
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "", "active":
		return Active, nil
	case "paused":
		return Paused, nil
	case "closed":
		return Closed, nil
	default:
		return 0, fmt.Errorf("unknown market status %q", s)
	}
}

// Currency is a tradable asset. Decimals is the number of minor-unit
// digits: with Decimals=2, 1 USD is stored as 100.
type Currency struct {
	Code     string `json:"code" yaml:"code"`
	Decimals int32  `json:"decimals" yaml:"decimals"`
}

// ParseAmount converts a decimal string to minor units.
// Inputs finer than the currency's precision are rejected, never rounded.
func (c Currency) ParseAmount(s string) (int64, error) {
	return toUnits(s, c.Decimals)
}

// FormatAmount renders minor units as a decimal string
func (c Currency) FormatAmount(units int64) string {
	return decimal.New(units, -c.Decimals).StringFixed(c.Decimals)
}

// Market defines a spot currency pair (e.g., ES/USD)
//
// Prices are integers in quote minor units per base minor unit, so the
// notional of a fill is simply price × qty in quote minor units.
type Market struct {
	Pair   string   `json:"pair"` // "BASE/QUOTE"
	Base   Currency `json:"base"`
	Quote  Currency `json:"quote"`
	Status Status   `json:"status"`

	// Order limits in base minor units. MaxQty 0 means no limit beyond overflow safety.
	MinQty int64 `json:"minQty"`
	MaxQty int64 `json:"maxQty"`
}

// NewMarket creates a new market with validation
func NewMarket(base, quote Currency, minQty, maxQty int64) (*Market, error) {
	m := &Market{
		Pair:   strings.ToUpper(base.Code) + "/" + strings.ToUpper(quote.Code),
		Base:   base,
		Quote:  quote,
		Status: Active,
		MinQty: minQty,
		MaxQty: maxQty,
	}
	m.Base.Code = strings.ToUpper(base.Code)
	m.Quote.Code = strings.ToUpper(quote.Code)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market %s: %w", m.Pair, err)
	}
	return m, nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Base.Code == "" || m.Quote.Code == "" {
		return fmt.Errorf("base and quote currencies must be specified")
	}
	if m.Base.Code == m.Quote.Code {
		return fmt.Errorf("base and quote must differ")
	}
	if m.Base.Decimals < 0 || m.Quote.Decimals < 0 || m.Quote.Decimals > 18 {
		return fmt.Errorf("currency decimals out of range")
	}
	if m.PriceDecimals() < 0 {
		return fmt.Errorf("quote decimals (%d) must be >= base decimals (%d)", m.Quote.Decimals, m.Base.Decimals)
	}
	if m.MinQty < 0 {
		return fmt.Errorf("min qty cannot be negative")
	}
	if m.MaxQty < 0 || (m.MaxQty > 0 && m.MaxQty < m.MinQty) {
		return fmt.Errorf("max qty must be >= min qty")
	}
	return nil
}

// Symbol is the URL form of the pair ("ES-USD").
func (m *Market) Symbol() string {
	return order.Symbol(m.Pair)
}

// PriceDecimals is the number of decimal digits an integer price carries.
func (m *Market) PriceDecimals() int32 {
	return m.Quote.Decimals - m.Base.Decimals
}

func (m *Market) ParsePrice(s string) (int64, error) {
	return toUnits(s, m.PriceDecimals())
}

func (m *Market) ParseQty(s string) (int64, error) {
	return m.Base.ParseAmount(s)
}

func (m *Market) FormatPrice(p int64) string {
	return decimal.New(p, -m.PriceDecimals()).String()
}

func (m *Market) FormatQty(q int64) string {
	return decimal.New(q, -m.Base.Decimals).String()
}

// ValidateOrder checks an order's size against market limits.
// It also rejects price × qty that would overflow the ledger's int64.
func (m *Market) ValidateOrder(price, qty int64) error {
	if qty < m.MinQty {
		return fmt.Errorf("%w: quantity below minimum %s", order.ErrInvalidOrder, m.FormatQty(m.MinQty))
	}
	if m.MaxQty > 0 && qty > m.MaxQty {
		return fmt.Errorf("%w: quantity above maximum %s", order.ErrInvalidOrder, m.FormatQty(m.MaxQty))
	}
	if price > 0 && qty > math.MaxInt64/price {
		return fmt.Errorf("%w: notional overflows", order.ErrInvalidOrder)
	}
	return nil
}

// toUnits shifts a decimal string by exp digits and requires the result to
// be a whole int64.
func toUnits(s string, exp int32) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", order.ErrInvalidOrder, s)
	}
	shifted := d.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", order.ErrInvalidOrder, s, exp)
	}
	if shifted.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || shifted.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("%w: %s out of range", order.ErrInvalidOrder, s)
	}
	return shifted.IntPart(), nil
}
