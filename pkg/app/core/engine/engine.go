package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
	"github.com/uhyunpark/hyperspot/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperspot/pkg/app/core/trigger"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

const defaultTradeHistory = 1000

// MatchingEngine owns the book and trigger index of one pair.
// Every operation holds mu for its whole duration, so submits, cancels and
// ticks on a pair are serialized while other pairs proceed independently.
type MatchingEngine struct {
	mu sync.Mutex

	mkt      *market.Market
	registry *market.MarketRegistry
	book     *orderbook.OrderBook
	triggers *trigger.Index
	ledger   *ledger.Ledger
	ids      *Sequencer
	tradeIDs *Sequencer

	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	journal Journal

	orders  map[uint64]*order.Order   // every order of this pair
	byOwner map[string][]*order.Order // creation order

	trades       []order.Trade // oldest first, capped at tradeHistory
	tradeHistory int

	lastPrice      int64
	lastTradePrice int64

	commitFn  func(*Changeset) (bool, error)
	publishFn func([]Event)

	// outbox holds events in operation order until flush hands them to
	// publishFn. Appended under mu, taken under pubMu.
	outbox []Event
	pubMu  sync.Mutex

	// per-operation scratch, reset by begin
	touched    []*order.Order
	touchedSet map[uint64]struct{}
	newTrades  []order.Trade
	events     []Event
	priceSet   bool
}

func newMatchingEngine(mkt *market.Market, x *Exchange) *MatchingEngine {
	return &MatchingEngine{
		mkt:          mkt,
		registry:     x.registry,
		book:         orderbook.NewOrderBook(mkt.Pair),
		triggers:     trigger.NewIndex(),
		ledger:       x.ledger,
		ids:          x.ids,
		tradeIDs:     x.tradeIDs,
		clock:        x.clock,
		log:          x.log.With("pair", mkt.Pair),
		metrics:      x.metrics,
		journal:      x.journal,
		orders:       make(map[uint64]*order.Order),
		byOwner:      make(map[string][]*order.Order),
		tradeHistory: x.tradeHistory,
		commitFn:     x.commitJournal,
		publishFn:    x.publish,
		touchedSet:   make(map[uint64]struct{}),
	}
}

func (e *MatchingEngine) Pair() string { return e.mkt.Pair }

// begin resets the per-operation scratch (assumes lock is held)
func (e *MatchingEngine) begin() {
	e.touched = e.touched[:0]
	clear(e.touchedSet)
	e.newTrades = e.newTrades[:0]
	e.events = nil
	e.priceSet = false
}

func (e *MatchingEngine) touch(o *order.Order) {
	if _, ok := e.touchedSet[o.ID]; ok {
		return
	}
	e.touchedSet[o.ID] = struct{}{}
	e.touched = append(e.touched, o)
}

// finish journals the operation and queues its events for flush
// (assumes lock is held)
func (e *MatchingEngine) finish(bookChanged bool) {
	now := util.UnixMilli(e.clock)

	for _, o := range e.touched {
		e.events = append(e.events, Event{Kind: EventOrder, Pair: e.mkt.Pair, Order: o.Clone(), Time: now})
	}
	if bookChanged {
		snap := e.snapshotLocked()
		e.events = append(e.events, Event{Kind: EventBook, Pair: e.mkt.Pair, Book: &snap, Time: now})
	}

	if e.journal != nil {
		cs := &Changeset{
			Pair:   e.mkt.Pair,
			Trades: append([]order.Trade(nil), e.newTrades...),
		}
		for _, o := range e.touched {
			cs.Orders = append(cs.Orders, o.Clone())
		}
		if e.priceSet {
			cs.LastPrice = e.lastPrice
		}
		start := time.Now()
		committed, err := e.commitFn(cs)
		if committed || err != nil {
			e.metrics.JournalCommitted(time.Since(start), err)
		}
		if err != nil {
			e.log.Errorw("journal_commit_failed", "orders", len(cs.Orders), "trades", len(cs.Trades), "err", err)
		}
	}

	e.metrics.BookState(e.mkt.Pair, e.book.Count(order.Buy), e.book.Count(order.Sell), e.triggers.Len())
	e.outbox = append(e.outbox, e.events...)
}

// reservationFor computes what an order must hold before it is accepted
// (assumes lock is held)
func (e *MatchingEngine) reservationFor(o *order.Order) (currency string, amount int64, err error) {
	if o.Side == order.Sell {
		if o.Kind == order.Market {
			if _, ok := e.book.BestBid(); !ok {
				return "", 0, fmt.Errorf("%w: no bids on %s", order.ErrInsufficientLiquidity, e.mkt.Pair)
			}
		}
		return e.mkt.Base.Code, o.Qty, nil
	}

	if o.Kind == order.Market {
		notional, covered, err := e.book.Cost(order.Buy, o.Qty)
		if err != nil {
			return "", 0, err
		}
		if covered < o.Qty {
			return "", 0, fmt.Errorf("%w: book covers %d of %d on %s", order.ErrInsufficientLiquidity, covered, o.Qty, e.mkt.Pair)
		}
		return e.mkt.Quote.Code, notional, nil
	}
	return e.mkt.Quote.Code, o.Price * o.Qty, nil
}

// Submit validates, reserves funds for and then matches or queues one order.
// On error nothing is recorded and no balance changes.
func (e *MatchingEngine) Submit(o *order.Order) (*order.Order, error) {
	res, err := e.submit(o)
	e.flush()
	return res, err
}

func (e *MatchingEngine) submit(o *order.Order) (*order.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() { e.metrics.ObserveMatch(e.mkt.Pair, time.Since(start)) }()

	if o.Kind == order.Market {
		o.Price = 0
	}
	o.Pair = e.mkt.Pair
	if err := o.Validate(); err != nil {
		return nil, e.reject(o, err)
	}
	if err := e.registry.AcceptsOrders(e.mkt.Pair); err != nil {
		return nil, e.reject(o, err)
	}
	if err := e.mkt.ValidateOrder(max(o.Price, o.TriggerPrice), o.Qty); err != nil {
		return nil, e.reject(o, err)
	}

	currency, amount, err := e.reservationFor(o)
	if err != nil {
		return nil, e.reject(o, err)
	}
	resID, err := e.ledger.Reserve(o.Owner, currency, amount)
	if err != nil {
		return nil, e.reject(o, err)
	}

	e.begin()
	now := util.UnixMilli(e.clock)
	o.ID = e.ids.Next()
	o.Seq = o.ID
	o.ReservationID = resID
	o.Filled = 0
	o.Status = order.StatusOpen
	o.CreatedAt = now
	o.UpdatedAt = now
	e.orders[o.ID] = o
	e.byOwner[o.Owner] = append(e.byOwner[o.Owner], o)
	e.touch(o)
	e.metrics.OrderSubmitted(e.mkt.Pair, o.Side.String(), o.Kind.String())

	e.log.Debugw("order_submitted",
		"id", o.ID, "owner", o.Owner, "side", o.Side, "kind", o.Kind,
		"price", o.Price, "trigger", o.TriggerPrice, "qty", o.Qty, "reserved", amount)

	if o.Kind.Conditional() {
		o.Status = order.StatusTriggered
		if err := e.triggers.Insert(o); err != nil {
			// unreachable after Validate; undo the hold so nothing leaks
			e.closeLocked(o, order.StatusCancelled)
			e.finish(false)
			return o.Clone(), err
		}
		e.finish(true)
		return o.Clone(), nil
	}

	e.matchLocked(o)
	switch {
	case o.Remaining() == 0:
		e.closeLocked(o, order.StatusFilled)
	case o.Kind == order.Market:
		e.settleMarketRemainderLocked(o)
	default:
		if err := e.book.Insert(o); err != nil {
			e.log.Errorw("book_insert_failed", "id", o.ID, "err", err)
			e.closeLocked(o, order.StatusCancelled)
		}
	}
	e.finish(true)
	return o.Clone(), nil
}

func (e *MatchingEngine) reject(o *order.Order, err error) error {
	reason := "invalid"
	switch {
	case errors.Is(err, order.ErrInsufficientFunds):
		reason = "insufficient_funds"
	case errors.Is(err, order.ErrInsufficientLiquidity):
		reason = "insufficient_liquidity"
	case errors.Is(err, order.ErrMarketHalted):
		reason = "halted"
	}
	e.metrics.OrderRejected(e.mkt.Pair, reason)
	e.log.Debugw("order_rejected", "owner", o.Owner, "side", o.Side, "kind", o.Kind, "qty", o.Qty, "err", err)
	return err
}

// matchLocked crosses taker against the opposing side until it is filled,
// the book stops crossing, or a buyer's reservation runs dry
// (assumes lock is held)
func (e *MatchingEngine) matchLocked(taker *order.Order) {
	for maker := range e.book.BestOpposing(taker.Side) {
		if taker.Remaining() == 0 || !taker.Crosses(maker.Price) {
			return
		}

		qty := min(taker.Remaining(), maker.Remaining())
		if taker.Side == order.Buy {
			res, ok := e.ledger.Reservation(taker.ReservationID)
			if !ok {
				e.log.Errorw("reservation_missing", "id", taker.ID, "reservation", taker.ReservationID)
				return
			}
			qty = min(qty, res.Amount/maker.Price)
			if qty == 0 {
				return
			}
		}

		if err := e.settleLocked(taker, maker, qty); err != nil {
			e.metrics.SettlementFailed(e.mkt.Pair)
			e.log.Errorw("settlement_failed", "taker", taker.ID, "maker", maker.ID, "qty", qty, "price", maker.Price, "err", err)
			return
		}
	}
}

// settleLocked executes qty at the maker's price as one ledger unit, then
// records the fills and the trade (assumes lock is held)
func (e *MatchingEngine) settleLocked(taker, maker *order.Order, qty int64) error {
	buy, sell := taker, maker
	if taker.Side == order.Sell {
		buy, sell = maker, taker
	}
	price := maker.Price
	notional := price * qty

	ops := []ledger.Op{
		ledger.CommitOp(buy.ReservationID, notional),
		ledger.CreditOp(buy.Owner, e.mkt.Base.Code, qty),
		ledger.CommitOp(sell.ReservationID, qty),
		ledger.CreditOp(sell.Owner, e.mkt.Quote.Code, notional),
	}
	if buy == taker && buy.Kind == order.Limit && buy.Price > price {
		ops = append(ops, ledger.ReleaseOp(buy.ReservationID, (buy.Price-price)*qty))
	}
	if err := e.ledger.Apply(ops...); err != nil {
		return err
	}

	now := util.UnixMilli(e.clock)
	taker.Fill(qty, now)
	maker.Fill(qty, now)
	e.touch(taker)
	e.touch(maker)

	trade := order.Trade{
		ID:          e.tradeIDs.Next(),
		Pair:        e.mkt.Pair,
		BuyOrderID:  buy.ID,
		SellOrderID: sell.ID,
		Buyer:       buy.Owner,
		Seller:      sell.Owner,
		Price:       price,
		Qty:         qty,
		TakerSide:   taker.Side,
		Timestamp:   now,
	}
	e.recordTrade(trade)
	e.lastTradePrice = price
	e.newTrades = append(e.newTrades, trade)
	e.events = append(e.events, Event{Kind: EventTrade, Pair: e.mkt.Pair, Trade: &trade, Price: price, Time: now})
	e.metrics.TradeExecuted(e.mkt.Pair, qty)

	e.log.Infow("trade_executed",
		"trade", trade.ID, "buy", buy.ID, "sell", sell.ID, "price", price, "qty", qty, "taker", taker.Side)

	if maker.Remaining() == 0 {
		e.book.Remove(maker.ID)
		e.closeLocked(maker, order.StatusFilled)
	}
	return nil
}

func (e *MatchingEngine) recordTrade(t order.Trade) {
	e.trades = append(e.trades, t)
	if over := len(e.trades) - e.tradeHistory; over > 0 {
		e.trades = append(e.trades[:0], e.trades[over:]...)
	}
}

// settleMarketRemainderLocked ends a market execution: the remainder is
// never queued. An execution that filled nothing is cancelled
// (assumes lock is held)
func (e *MatchingEngine) settleMarketRemainderLocked(o *order.Order) {
	if o.Filled == 0 {
		e.closeLocked(o, order.StatusCancelled)
		return
	}
	e.closeLocked(o, order.StatusPartial)
}

// closeLocked releases whatever the order's reservation still holds and
// sets its final status (assumes lock is held)
func (e *MatchingEngine) closeLocked(o *order.Order, status order.Status) {
	released, err := e.ledger.ReleaseAll(o.ReservationID)
	if err != nil {
		e.log.Errorw("release_failed", "id", o.ID, "reservation", o.ReservationID, "err", err)
	}
	o.Status = status
	o.UpdatedAt = util.UnixMilli(e.clock)
	e.touch(o)
	if status == order.StatusCancelled {
		e.metrics.OrderCancelled(e.mkt.Pair)
	}
	if released > 0 {
		e.log.Debugw("reservation_released", "id", o.ID, "amount", released, "status", status)
	}
}

// Cancel removes an open or pending order and releases its funds.
// Orders of other users are reported as not found.
func (e *MatchingEngine) Cancel(orderID uint64, requester string) (*order.Order, error) {
	res, err := e.cancel(orderID, requester)
	e.flush()
	return res, err
}

func (e *MatchingEngine) cancel(orderID uint64, requester string) (*order.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok || o.Owner != requester {
		return nil, fmt.Errorf("%w: %d", order.ErrNotFound, orderID)
	}
	if o.IsClosed() {
		return o.Clone(), fmt.Errorf("%w: order %d is already %s", order.ErrAlreadyFilled, orderID, o.Status)
	}

	e.begin()
	if !e.book.Remove(orderID) && !e.triggers.Remove(orderID) {
		e.log.Warnw("cancel_order_not_indexed", "id", orderID, "status", o.Status)
	}
	e.closeLocked(o, order.StatusCancelled)
	e.log.Infow("order_cancelled", "id", orderID, "owner", requester, "filled", o.Filled, "qty", o.Qty)
	e.finish(true)
	return o.Clone(), nil
}

// OnPriceTick records the market price and executes every conditional order
// it activates, in seq order, as market orders. A failing activation is
// logged and does not stop the others.
func (e *MatchingEngine) OnPriceTick(price int64) error {
	err := e.onPriceTick(price)
	e.flush()
	return err
}

func (e *MatchingEngine) onPriceTick(price int64) error {
	if price <= 0 {
		return fmt.Errorf("%w: price tick must be positive: %d", order.ErrInvalidOrder, price)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() { e.metrics.ObserveMatch(e.mkt.Pair, time.Since(start)) }()

	e.begin()
	e.lastPrice = price
	e.priceSet = true
	now := util.UnixMilli(e.clock)
	e.events = append(e.events, Event{Kind: EventPrice, Pair: e.mkt.Pair, Price: price, Time: now})
	e.metrics.PriceTick(e.mkt.Pair, price)

	activated := e.triggers.ActivatedBy(price)
	e.metrics.Activated(e.mkt.Pair, len(activated))
	for _, o := range activated {
		if err := e.activateLocked(o, price); err != nil {
			e.metrics.ActivationFailed(e.mkt.Pair)
			e.log.Warnw("activation_failed", "id", o.ID, "owner", o.Owner, "kind", o.Kind, "trigger", o.TriggerPrice, "err", err)
		}
	}
	e.finish(len(activated) > 0)
	return nil
}

// activateLocked runs a triggered order as a market order under its own id
// (assumes lock is held)
func (e *MatchingEngine) activateLocked(o *order.Order, price int64) error {
	e.log.Infow("order_activated", "id", o.ID, "kind", o.Kind, "side", o.Side, "trigger", o.TriggerPrice, "price", price)
	o.Status = order.StatusOpen
	e.touch(o)

	var err error
	if o.Side == order.Buy {
		err = e.topUpLocked(o)
	} else if _, ok := e.book.BestBid(); !ok {
		err = fmt.Errorf("%w: no bids", order.ErrInsufficientLiquidity)
	}

	if err == nil || errors.Is(err, order.ErrInsufficientFunds) {
		// a buyer that cannot top up still fills what its hold affords
		e.matchLocked(o)
	}

	if o.Remaining() == 0 {
		e.closeLocked(o, order.StatusFilled)
		return nil
	}
	e.settleMarketRemainderLocked(o)
	if o.Filled == 0 {
		if err == nil {
			err = fmt.Errorf("%w: nothing filled", order.ErrInsufficientLiquidity)
		}
		return err
	}
	return nil
}

// topUpLocked grows a buy order's hold to the current cost of its
// remaining quantity (assumes lock is held)
func (e *MatchingEngine) topUpLocked(o *order.Order) error {
	notional, covered, err := e.book.Cost(order.Buy, o.Remaining())
	if err != nil {
		// the hold it has is all it gets
		return err
	}
	if covered == 0 {
		return fmt.Errorf("%w: no asks", order.ErrInsufficientLiquidity)
	}
	res, ok := e.ledger.Reservation(o.ReservationID)
	if !ok {
		return fmt.Errorf("%w: %d", ledger.ErrUnknownReservation, o.ReservationID)
	}
	if notional <= res.Amount {
		return nil
	}
	if err := e.ledger.TopUp(o.ReservationID, notional-res.Amount); err != nil {
		e.log.Infow("activation_budget_limited", "id", o.ID, "held", res.Amount, "cost", notional)
		return err
	}
	return nil
}

// Snapshot returns the aggregated book.
func (e *MatchingEngine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *MatchingEngine) snapshotLocked() Snapshot {
	return Snapshot{
		Pair:           e.mkt.Pair,
		Bids:           e.book.Levels(order.Buy),
		Asks:           e.book.Levels(order.Sell),
		LastPrice:      e.lastPrice,
		LastTradePrice: e.lastTradePrice,
		Pending:        e.triggers.Len(),
	}
}

// Order returns a copy of one order of this pair.
func (e *MatchingEngine) Order(orderID uint64) (*order.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// OwnerOrders returns copies of the owner's orders, filtered by status when
// statuses is non-empty.
func (e *MatchingEngine) OwnerOrders(owner string, statuses ...order.Status) []*order.Order {
	return e.ownerOrders(owner, func(o *order.Order) bool {
		return len(statuses) == 0 || hasStatus(statuses, o.Status)
	})
}

// ActiveOwnerOrders returns copies of the owner's resting and pending orders.
func (e *MatchingEngine) ActiveOwnerOrders(owner string) []*order.Order {
	return e.ownerOrders(owner, (*order.Order).IsActive)
}

func (e *MatchingEngine) ownerOrders(owner string, keep func(*order.Order) bool) []*order.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*order.Order
	for _, o := range e.byOwner[owner] {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	return out
}

func hasStatus(statuses []order.Status, s order.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// Trades returns up to limit recent trades, newest first.
func (e *MatchingEngine) Trades(limit int) []order.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit <= 0 || limit > len(e.trades) {
		limit = len(e.trades)
	}
	out := make([]order.Trade, 0, limit)
	for i := len(e.trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.trades[i])
	}
	return out
}

// restore loads a recovered order into the engine's indexes.
func (e *MatchingEngine) restore(o *order.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.orders[o.ID] = o
	e.byOwner[o.Owner] = append(e.byOwner[o.Owner], o)
	switch {
	case o.Status == order.StatusTriggered:
		return e.triggers.Insert(o)
	case o.IsActive() && o.Kind == order.Limit:
		return e.book.Insert(o)
	}
	return nil
}

func (e *MatchingEngine) restoreTrade(t order.Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordTrade(t)
	e.lastTradePrice = t.Price
}

func (e *MatchingEngine) restorePrice(p int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPrice = p
}

// flush publishes queued events in the order operations produced them.
// Called without mu; operations keep running while observers are served.
func (e *MatchingEngine) flush() {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()

	e.mu.Lock()
	events := e.outbox
	e.outbox = nil
	e.mu.Unlock()

	if len(events) == 0 || e.publishFn == nil {
		return
	}
	e.publishFn(events)
}
