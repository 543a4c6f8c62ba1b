package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

// Request is a new order as submitted by a user.
type Request struct {
	Owner        string
	Pair         string
	Side         order.Side
	Kind         order.Kind
	Price        int64
	TriggerPrice int64
	Qty          int64
}

// Options wires an Exchange. Only Registry is required.
type Options struct {
	Registry     *market.MarketRegistry
	Ledger       *ledger.Ledger
	Clock        util.Clock
	Logger       *zap.SugaredLogger
	Metrics      *metrics.Metrics
	Journal      Journal
	TradeHistory int // trades kept in memory per pair
}

// Exchange routes requests to the matching engine of each pair.
// The ledger and id sequences are shared by all engines.
type Exchange struct {
	mu        sync.RWMutex
	engines   map[string]*MatchingEngine
	orderPair map[uint64]string // order ID -> pair

	registry     *market.MarketRegistry
	ledger       *ledger.Ledger
	ids          *Sequencer
	tradeIDs     *Sequencer
	clock        util.Clock
	log          *zap.SugaredLogger
	metrics      *metrics.Metrics
	journal      Journal
	tradeHistory int

	// journalMu orders ledger drains and their commits across pairs
	journalMu sync.Mutex

	obsMu     sync.RWMutex
	observers []Observer
}

// NewExchange creates one matching engine per registered market.
func NewExchange(opts Options) (*Exchange, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("market registry is required")
	}
	x := &Exchange{
		engines:      make(map[string]*MatchingEngine),
		orderPair:    make(map[uint64]string),
		registry:     opts.Registry,
		ledger:       opts.Ledger,
		ids:          NewSequencer(0),
		tradeIDs:     NewSequencer(0),
		clock:        opts.Clock,
		log:          util.OrNop(opts.Logger),
		metrics:      opts.Metrics,
		journal:      opts.Journal,
		tradeHistory: opts.TradeHistory,
	}
	if x.ledger == nil {
		x.ledger = ledger.New()
	}
	if x.clock == nil {
		x.clock = util.RealClock{}
	}
	if x.tradeHistory <= 0 {
		x.tradeHistory = defaultTradeHistory
	}
	if x.journal != nil {
		x.ledger.EnableTracking()
	}
	for _, m := range opts.Registry.ListMarkets() {
		x.engines[m.Pair] = newMatchingEngine(m, x)
	}
	return x, nil
}

// AddMarket registers a market and starts its engine.
func (x *Exchange) AddMarket(m *market.Market) error {
	if err := x.registry.RegisterMarket(m); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.engines[m.Pair] = newMatchingEngine(m, x)
	x.log.Infow("market_added", "pair", m.Pair)
	return nil
}

// Subscribe adds an observer for all pairs.
func (x *Exchange) Subscribe(o Observer) {
	x.obsMu.Lock()
	defer x.obsMu.Unlock()
	x.observers = append(x.observers, o)
}

func (x *Exchange) publish(events []Event) {
	x.obsMu.RLock()
	observers := x.observers
	x.obsMu.RUnlock()

	for _, ev := range events {
		for _, o := range observers {
			o.OnEvent(ev)
		}
	}
}

func (x *Exchange) Ledger() *ledger.Ledger { return x.ledger }

func (x *Exchange) Registry() *market.MarketRegistry { return x.registry }

// Engine returns the engine of a pair ("ES/USD" or "ES-USD").
func (x *Exchange) Engine(pair string) (*MatchingEngine, error) {
	key, err := order.NormalizePair(pair)
	if err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.engines[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrUnknownPair, key)
	}
	return e, nil
}

func (x *Exchange) allEngines() []*MatchingEngine {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*MatchingEngine, 0, len(x.engines))
	for _, e := range x.engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair() < out[j].Pair() })
	return out
}

// Submit places a new order and returns its state after matching.
func (x *Exchange) Submit(ctx context.Context, req Request) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", order.ErrInvalidOrder)
	}
	e, err := x.Engine(req.Pair)
	if err != nil {
		return nil, err
	}

	o, err := e.Submit(&order.Order{
		Owner:        req.Owner,
		Side:         req.Side,
		Kind:         req.Kind,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Qty:          req.Qty,
	})
	if err != nil {
		return o, err
	}

	x.mu.Lock()
	x.orderPair[o.ID] = e.Pair()
	x.mu.Unlock()
	return o, nil
}

// Cancel cancels an order owned by userID.
func (x *Exchange) Cancel(ctx context.Context, orderID uint64, userID string) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	pair, ok := x.orderPair[orderID]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", order.ErrNotFound, orderID)
	}
	e, err := x.Engine(pair)
	if err != nil {
		return nil, err
	}
	return e.Cancel(orderID, userID)
}

// OnPriceTick feeds a market price to one pair's engine.
func (x *Exchange) OnPriceTick(ctx context.Context, pair string, price int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := x.Engine(pair)
	if err != nil {
		return err
	}
	return e.OnPriceTick(price)
}

func (x *Exchange) BookSnapshot(pair string) (Snapshot, error) {
	e, err := x.Engine(pair)
	if err != nil {
		return Snapshot{}, err
	}
	return e.Snapshot(), nil
}

// Order returns one order if it belongs to userID.
func (x *Exchange) Order(orderID uint64, userID string) (*order.Order, error) {
	x.mu.RLock()
	pair, ok := x.orderPair[orderID]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", order.ErrNotFound, orderID)
	}
	e, err := x.Engine(pair)
	if err != nil {
		return nil, err
	}
	o, ok := e.Order(orderID)
	if !ok || o.Owner != userID {
		return nil, fmt.Errorf("%w: %d", order.ErrNotFound, orderID)
	}
	return o, nil
}

// UserOrders lists a user's orders across all pairs, newest first.
// With no statuses every order is returned.
func (x *Exchange) UserOrders(userID string, statuses ...order.Status) []*order.Order {
	var out []*order.Order
	for _, e := range x.allEngines() {
		out = append(out, e.OwnerOrders(userID, statuses...)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out
}

// ActiveOrders lists resting limit orders and pending conditional orders,
// newest first.
func (x *Exchange) ActiveOrders(userID string) []*order.Order {
	var out []*order.Order
	for _, e := range x.allEngines() {
		out = append(out, e.ActiveOwnerOrders(userID)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out
}

// Trades returns up to limit recent trades of a pair, newest first.
func (x *Exchange) Trades(pair string, limit int) ([]order.Trade, error) {
	e, err := x.Engine(pair)
	if err != nil {
		return nil, err
	}
	return e.Trades(limit), nil
}

func (x *Exchange) Balance(userID, currency string) ledger.Balance {
	return x.ledger.Balance(userID, currency)
}

func (x *Exchange) Balances(userID string) map[string]ledger.Balance {
	return x.ledger.Balances(userID)
}

// Deposit credits a user with a currency traded on some market.
func (x *Exchange) Deposit(ctx context.Context, userID, currency string, amount int64) (ledger.Balance, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Balance{}, err
	}
	c, ok := x.registry.Currency(currency)
	if !ok {
		return ledger.Balance{}, fmt.Errorf("%w: currency %s is not traded", order.ErrUnknownPair, currency)
	}
	if err := x.ledger.Deposit(userID, c.Code, amount); err != nil {
		return ledger.Balance{}, err
	}
	x.commitLedger()
	x.log.Infow("deposit", "user", userID, "currency", c.Code, "amount", amount)
	return x.ledger.Balance(userID, c.Code), nil
}

// Withdraw debits a user's available balance.
func (x *Exchange) Withdraw(ctx context.Context, userID, currency string, amount int64) (ledger.Balance, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Balance{}, err
	}
	if err := x.ledger.Withdraw(userID, currency, amount); err != nil {
		return ledger.Balance{}, err
	}
	x.commitLedger()
	x.log.Infow("withdraw", "user", userID, "currency", currency, "amount", amount)
	return x.ledger.Balance(userID, currency), nil
}

func (x *Exchange) commitLedger() {
	if x.journal == nil {
		return
	}
	cs := &Changeset{}
	if _, err := x.commitJournal(cs); err != nil {
		x.metrics.JournalCommitted(0, err)
		x.log.Errorw("journal_commit_failed", "balances", len(cs.Ledger.Balances), "err", err)
	}
}

// commitJournal fills cs with the ledger changes since the last drain and
// commits it. Drain and commit happen under one lock, so the journal sees
// balances in the order the ledger produced them even when pairs race.
// It reports whether anything was written.
func (x *Exchange) commitJournal(cs *Changeset) (bool, error) {
	x.journalMu.Lock()
	defer x.journalMu.Unlock()

	cs.Ledger = x.ledger.Drain()
	if cs.Empty() {
		return false, nil
	}
	return true, x.journal.Commit(cs)
}

// Restore rebuilds ledger, books, trigger indexes and id sequences from a
// recovered state. It must run before the exchange serves requests.
func (x *Exchange) Restore(st RecoveredState) error {
	if err := x.ledger.Restore(st.Ledger); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	orders := append([]*order.Order(nil), st.Orders...)
	sort.Slice(orders, func(i, j int) bool { return orders[i].Seq < orders[j].Seq })
	for _, o := range orders {
		e, err := x.Engine(o.Pair)
		if err != nil {
			return fmt.Errorf("restore order %d: %w", o.ID, err)
		}
		if o.IsActive() {
			if _, ok := x.ledger.Reservation(o.ReservationID); !ok {
				return fmt.Errorf("restore order %d: reservation %d missing", o.ID, o.ReservationID)
			}
		}
		if err := e.restore(o); err != nil {
			return fmt.Errorf("restore order %d: %w", o.ID, err)
		}
		x.orderPair[o.ID] = e.Pair()
		x.ids.Advance(max(o.ID, o.Seq))
	}

	for _, t := range st.Trades {
		e, err := x.Engine(t.Pair)
		if err != nil {
			return fmt.Errorf("restore trade %d: %w", t.ID, err)
		}
		e.restoreTrade(t)
		x.tradeIDs.Advance(t.ID)
	}
	for pair, p := range st.LastPrices {
		if e, err := x.Engine(pair); err == nil {
			e.restorePrice(p)
		}
	}

	x.log.Infow("exchange_restored",
		"orders", len(st.Orders), "trades", len(st.Trades),
		"balances", len(st.Ledger.Balances), "reservations", len(st.Ledger.Reservations))
	return nil
}
