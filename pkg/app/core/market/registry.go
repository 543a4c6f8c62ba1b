package market

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
)

// MarketRegistry manages multiple markets in a thread-safe manner
// Supports registration, lookup, and status updates for all trading pairs
type MarketRegistry struct {
	mu         sync.RWMutex
	markets    map[string]*Market   // pair -> market
	currencies map[string]Currency // code -> currency
}

// NewMarketRegistry creates an empty market registry
func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets:    make(map[string]*Market),
		currencies: make(map[string]Currency),
	}
}

// RegisterMarket adds a new market to the registry
// Returns error if the pair exists or a currency is redefined with other decimals
func (mr *MarketRegistry) RegisterMarket(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if _, exists := mr.markets[m.Pair]; exists {
		return fmt.Errorf("market %s already registered", m.Pair)
	}
	for _, c := range []Currency{m.Base, m.Quote} {
		if known, ok := mr.currencies[c.Code]; ok && known.Decimals != c.Decimals {
			return fmt.Errorf("currency %s already registered with %d decimals", c.Code, known.Decimals)
		}
	}

	mr.markets[m.Pair] = m
	mr.currencies[m.Base.Code] = m.Base
	mr.currencies[m.Quote.Code] = m.Quote
	return nil
}

// GetMarket retrieves a market by pair ("ES/USD" or "ES-USD")
func (mr *MarketRegistry) GetMarket(pair string) (*Market, error) {
	key, err := order.NormalizePair(pair)
	if err != nil {
		return nil, err
	}

	mr.mu.RLock()
	defer mr.mu.RUnlock()

	m, exists := mr.markets[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", order.ErrUnknownPair, key)
	}
	return m, nil
}

// Currency looks up a currency by code (case-insensitive)
func (mr *MarketRegistry) Currency(code string) (Currency, bool) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	c, ok := mr.currencies[strings.ToUpper(code)]
	return c, ok
}

// ListMarkets returns all registered markets sorted by pair
func (mr *MarketRegistry) ListMarkets() []*Market {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	markets := make([]*Market, 0, len(mr.markets))
	for _, m := range mr.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Pair < markets[j].Pair })
	return markets
}

// UpdateMarketStatus changes the trading status of a market
// Closed is terminal.
func (mr *MarketRegistry) UpdateMarketStatus(pair string, status Status) error {
	key, err := order.NormalizePair(pair)
	if err != nil {
		return err
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	m, exists := mr.markets[key]
	if !exists {
		return fmt.Errorf("%w: %s", order.ErrUnknownPair, key)
	}
	if m.Status == Closed {
		return fmt.Errorf("cannot change status of %s from closed (terminal state)", key)
	}
	m.Status = status
	return nil
}

// Status reads a market's status under the registry lock.
func (mr *MarketRegistry) Status(pair string) (Status, error) {
	m, err := mr.GetMarket(pair)
	if err != nil {
		return 0, err
	}
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return m.Status, nil
}

// AcceptsOrders returns ErrMarketHalted unless the market is active.
func (mr *MarketRegistry) AcceptsOrders(pair string) error {
	status, err := mr.Status(pair)
	if err != nil {
		return err
	}
	if status != Active {
		return fmt.Errorf("%w: %s is %s", order.ErrMarketHalted, pair, status)
	}
	return nil
}

// Count returns the total number of registered markets
func (mr *MarketRegistry) Count() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.markets)
}
