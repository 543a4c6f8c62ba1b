package engine

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
	"github.com/uhyunpark/hyperspot/pkg/app/core/orderbook"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

const pair = "ES/USD"

type recordingJournal struct {
	mu  sync.Mutex
	css []*Changeset
}

func (j *recordingJournal) Commit(cs *Changeset) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.css = append(j.css, cs)
	return nil
}

func newTestExchange(t testing.TB, opts ...func(*Options)) *Exchange {
	t.Helper()
	reg := market.NewMarketRegistry()
	m, err := market.NewMarket(market.Currency{Code: "ES"}, market.Currency{Code: "USD"}, 1, 0)
	require.NoError(t, err)
	require.NoError(t, reg.RegisterMarket(m))

	o := Options{
		Registry: reg,
		Clock:    util.NewManualClock(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)),
		Metrics:  metrics.NewMetrics(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	x, err := NewExchange(o)
	require.NoError(t, err)
	return x
}

func fund(t testing.TB, x *Exchange, user, currency string, amount int64) {
	t.Helper()
	_, err := x.Deposit(context.Background(), user, currency, amount)
	require.NoError(t, err)
}

func submit(t testing.TB, x *Exchange, req Request) *order.Order {
	t.Helper()
	if req.Pair == "" {
		req.Pair = pair
	}
	o, err := x.Submit(context.Background(), req)
	require.NoError(t, err)
	return o
}

func limitReq(owner string, side order.Side, price, qty int64) Request {
	return Request{Owner: owner, Side: side, Kind: order.Limit, Price: price, Qty: qty}
}

func TestScenarioPartialFillAtMakerPrice(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "alice", "USD", 1_000)
	fund(t, x, "bob", "ES", 100)

	buy := submit(t, x, limitReq("alice", order.Buy, 10, 100))
	assert.Equal(t, order.StatusOpen, buy.Status)

	snap, err := x.BookSnapshot(pair)
	require.NoError(t, err)
	assert.Equal(t, []orderbook.PriceLevel{{Price: 10, Qty: 100, Orders: 1}}, snap.Bids)

	sell := submit(t, x, limitReq("bob", order.Sell, 10, 50))
	assert.Equal(t, order.StatusFilled, sell.Status)
	assert.Equal(t, int64(50), sell.Filled)

	trades, err := x.Trades(pair, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(10), trades[0].Price)
	assert.Equal(t, int64(50), trades[0].Qty)
	assert.Equal(t, buy.ID, trades[0].BuyOrderID)
	assert.Equal(t, sell.ID, trades[0].SellOrderID)
	assert.Equal(t, order.Sell, trades[0].TakerSide)

	buyNow, err := x.Order(buy.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPartial, buyNow.Status)
	assert.Equal(t, int64(50), buyNow.Filled)

	assert.Equal(t, ledger.Balance{Available: 0, Held: 500}, x.Balance("alice", "USD"))
	assert.Equal(t, ledger.Balance{Available: 50}, x.Balance("alice", "ES"))
	assert.Equal(t, ledger.Balance{Available: 50}, x.Balance("bob", "ES"))
	assert.Equal(t, ledger.Balance{Available: 500}, x.Balance("bob", "USD"))
}

func TestScenarioMarketBuyWalksBook(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "maker", "ES", 15)
	fund(t, x, "taker", "USD", 2_000)
	submit(t, x, limitReq("maker", order.Sell, 100, 5))
	submit(t, x, limitReq("maker", order.Sell, 101, 10))

	o := submit(t, x, Request{Owner: "taker", Side: order.Buy, Kind: order.Market, Qty: 10})
	assert.Equal(t, order.StatusFilled, o.Status)

	trades, err := x.Trades(pair, 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	// newest first
	assert.Equal(t, int64(101), trades[0].Price)
	assert.Equal(t, int64(100), trades[1].Price)

	spent := int64(5*100 + 5*101)
	assert.Equal(t, ledger.Balance{Available: 2_000 - spent}, x.Balance("taker", "USD"))
	assert.Equal(t, ledger.Balance{Available: 10}, x.Balance("taker", "ES"))

	snap, _ := x.BookSnapshot(pair)
	assert.Equal(t, []orderbook.PriceLevel{{Price: 101, Qty: 5, Orders: 1}}, snap.Asks)
	assert.Equal(t, int64(101), snap.LastTradePrice)
}

func TestScenarioStopLossActivation(t *testing.T) {
	x := newTestExchange(t)
	ctx := context.Background()
	fund(t, x, "seller", "ES", 20)
	fund(t, x, "bidder", "USD", 10_000)

	require.NoError(t, x.OnPriceTick(ctx, pair, 100))
	stop := submit(t, x, Request{Owner: "seller", Side: order.Sell, Kind: order.StopLoss, Price: 90, TriggerPrice: 90, Qty: 20})
	assert.Equal(t, order.StatusTriggered, stop.Status)
	assert.Equal(t, ledger.Balance{Held: 20}, x.Balance("seller", "ES"))

	submit(t, x, limitReq("bidder", order.Buy, 84, 20))

	require.NoError(t, x.OnPriceTick(ctx, pair, 95))
	still, err := x.Order(stop.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, order.StatusTriggered, still.Status)

	require.NoError(t, x.OnPriceTick(ctx, pair, 85))
	done, err := x.Order(stop.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, done.Status)
	assert.Equal(t, stop.ID, done.ID)

	assert.Equal(t, ledger.Balance{}, x.Balance("seller", "ES"))
	assert.Equal(t, ledger.Balance{Available: 84 * 20}, x.Balance("seller", "USD"))

	snap, _ := x.BookSnapshot(pair)
	assert.Equal(t, int64(85), snap.LastPrice)
	assert.Zero(t, snap.Pending)
	assert.Empty(t, snap.Bids)
}

func TestScenarioInsufficientFunds(t *testing.T) {
	x := newTestExchange(t)

	_, err := x.Submit(context.Background(), Request{Owner: "broke", Pair: pair, Side: order.Buy, Kind: order.Limit, Price: 10, Qty: 1})
	assert.ErrorIs(t, err, order.ErrInsufficientFunds)
	assert.Empty(t, x.UserOrders("broke"))
	assert.Equal(t, ledger.Balance{}, x.Balance("broke", "USD"))
	assert.Empty(t, x.Ledger().Snapshot().Reservations)
}

func TestScenarioCancelPartial(t *testing.T) {
	x := newTestExchange(t)
	ctx := context.Background()
	fund(t, x, "alice", "USD", 1_000)
	fund(t, x, "bob", "ES", 30)

	buy := submit(t, x, limitReq("alice", order.Buy, 10, 100))
	submit(t, x, limitReq("bob", order.Sell, 10, 30))
	assert.Equal(t, ledger.Balance{Available: 0, Held: 700}, x.Balance("alice", "USD"))

	cancelled, err := x.Cancel(ctx, buy.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(30), cancelled.Filled)
	assert.Equal(t, ledger.Balance{Available: 700}, x.Balance("alice", "USD"))

	_, err = x.Cancel(ctx, buy.ID, "alice")
	assert.ErrorIs(t, err, order.ErrAlreadyFilled, "second cancel must not release twice")
	assert.Equal(t, ledger.Balance{Available: 700}, x.Balance("alice", "USD"))
}

func TestCancelErrors(t *testing.T) {
	x := newTestExchange(t)
	ctx := context.Background()
	fund(t, x, "alice", "USD", 100)
	fund(t, x, "bob", "ES", 10)

	buy := submit(t, x, limitReq("alice", order.Buy, 10, 5))
	_, err := x.Cancel(ctx, buy.ID, "mallory")
	assert.ErrorIs(t, err, order.ErrNotFound)
	_, err = x.Cancel(ctx, 999, "alice")
	assert.ErrorIs(t, err, order.ErrNotFound)

	submit(t, x, limitReq("bob", order.Sell, 10, 5))
	_, err = x.Cancel(ctx, buy.ID, "alice")
	assert.ErrorIs(t, err, order.ErrAlreadyFilled)
}

func TestCancelConditionalReleasesHold(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "alice", "USD", 1_000)

	tp := submit(t, x, Request{Owner: "alice", Side: order.Buy, Kind: order.TakeProfit, Price: 50, TriggerPrice: 45, Qty: 10})
	assert.Equal(t, ledger.Balance{Available: 500, Held: 500}, x.Balance("alice", "USD"))

	_, err := x.Cancel(context.Background(), tp.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.Balance{Available: 1_000}, x.Balance("alice", "USD"))

	snap, _ := x.BookSnapshot(pair)
	assert.Zero(t, snap.Pending)
}

func TestPriceTimePriority(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "m1", "ES", 10)
	fund(t, x, "m2", "ES", 10)
	fund(t, x, "m3", "ES", 10)
	fund(t, x, "taker", "USD", 10_000)

	first := submit(t, x, limitReq("m1", order.Sell, 100, 5))
	second := submit(t, x, limitReq("m2", order.Sell, 100, 5))
	better := submit(t, x, limitReq("m3", order.Sell, 99, 5))

	submit(t, x, limitReq("taker", order.Buy, 100, 12))

	trades, _ := x.Trades(pair, 0)
	require.Len(t, trades, 3)
	assert.Equal(t, better.ID, trades[2].SellOrderID)
	assert.Equal(t, first.ID, trades[1].SellOrderID)
	assert.Equal(t, second.ID, trades[0].SellOrderID)
	assert.Equal(t, int64(2), trades[0].Qty)
}

func TestBuyLimitPriceImprovementReleased(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "maker", "ES", 5)
	fund(t, x, "taker", "USD", 1_000)
	submit(t, x, limitReq("maker", order.Sell, 90, 5))

	o := submit(t, x, limitReq("taker", order.Buy, 100, 8))
	assert.Equal(t, order.StatusPartial, o.Status)
	// 5 filled at 90, 3 resting at 100 held
	assert.Equal(t, ledger.Balance{Available: 1_000 - 450 - 300, Held: 300}, x.Balance("taker", "USD"))
}

func TestMarketOrderLiquidity(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "buyer", "USD", 1_000)
	fund(t, x, "seller", "ES", 10)

	_, err := x.Submit(context.Background(), Request{Owner: "buyer", Pair: pair, Side: order.Buy, Kind: order.Market, Qty: 1})
	assert.ErrorIs(t, err, order.ErrInsufficientLiquidity)
	_, err = x.Submit(context.Background(), Request{Owner: "seller", Pair: pair, Side: order.Sell, Kind: order.Market, Qty: 1})
	assert.ErrorIs(t, err, order.ErrInsufficientLiquidity)

	submit(t, x, limitReq("buyer", order.Buy, 10, 4))

	// a sell market larger than the bid side fills what it can, the rest is dropped
	o := submit(t, x, Request{Owner: "seller", Side: order.Sell, Kind: order.Market, Qty: 10})
	assert.Equal(t, order.StatusPartial, o.Status)
	assert.Equal(t, int64(4), o.Filled)
	assert.Equal(t, ledger.Balance{Available: 6}, x.Balance("seller", "ES"))
	assert.Equal(t, ledger.Balance{Available: 40}, x.Balance("seller", "USD"))

	snap, _ := x.BookSnapshot(pair)
	assert.Empty(t, snap.Asks, "market remainder never rests")

	_, err = x.Submit(context.Background(), Request{Owner: "buyer", Pair: pair, Side: order.Buy, Kind: order.Market, Qty: 1})
	assert.ErrorIs(t, err, order.ErrInsufficientLiquidity)
}

func TestPartialMarketOrderIsClosed(t *testing.T) {
	x := newTestExchange(t)
	ctx := context.Background()
	fund(t, x, "buyer", "USD", 1_000)
	fund(t, x, "seller", "ES", 10)
	submit(t, x, limitReq("buyer", order.Buy, 10, 4))

	o := submit(t, x, Request{Owner: "seller", Side: order.Sell, Kind: order.Market, Qty: 10})
	require.Equal(t, order.StatusPartial, o.Status)
	assert.True(t, o.IsClosed())

	assert.Empty(t, x.ActiveOrders("seller"))
	require.Len(t, x.UserOrders("seller", order.StatusPartial), 1)

	_, err := x.Cancel(ctx, o.ID, "seller")
	assert.ErrorIs(t, err, order.ErrAlreadyFilled)
	got, err := x.Order(o.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPartial, got.Status)
	assert.Equal(t, ledger.Balance{Available: 6}, x.Balance("seller", "ES"))

	// a restart accepts the closed order without a reservation behind it
	y := newTestExchange(t)
	require.NoError(t, y.Restore(RecoveredState{
		Ledger: x.Ledger().Snapshot(),
		Orders: append(x.UserOrders("buyer"), x.UserOrders("seller")...),
	}))
	assert.Empty(t, y.ActiveOrders("seller"))
}

func TestMarketBuyNotionalOverflow(t *testing.T) {
	x := newTestExchange(t)
	price := int64(math.MaxInt64 / 4)
	fund(t, x, "maker", "ES", 6)
	fund(t, x, "buyer", "USD", 1_000)
	submit(t, x, limitReq("maker", order.Sell, price, 3))
	submit(t, x, limitReq("maker", order.Sell, price+1, 3))

	_, err := x.Submit(context.Background(), Request{Owner: "buyer", Pair: pair, Side: order.Buy, Kind: order.Market, Qty: 6})
	assert.ErrorIs(t, err, order.ErrInsufficientFunds)
	assert.Equal(t, ledger.Balance{Available: 1_000}, x.Balance("buyer", "USD"))
	assert.Empty(t, x.UserOrders("buyer"))
}

func TestValidation(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "alice", "USD", 1_000)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"zero qty", Request{Owner: "alice", Pair: pair, Side: order.Buy, Kind: order.Limit, Price: 1, Qty: 0}, order.ErrInvalidOrder},
		{"limit without price", Request{Owner: "alice", Pair: pair, Side: order.Buy, Kind: order.Limit, Qty: 1}, order.ErrInvalidOrder},
		{"stop without trigger", Request{Owner: "alice", Pair: pair, Side: order.Buy, Kind: order.StopLoss, Price: 1, Qty: 1}, order.ErrInvalidOrder},
		{"limit with trigger", Request{Owner: "alice", Pair: pair, Side: order.Buy, Kind: order.Limit, Price: 1, TriggerPrice: 1, Qty: 1}, order.ErrInvalidOrder},
		{"bad side", Request{Owner: "alice", Pair: pair, Kind: order.Limit, Price: 1, Qty: 1}, order.ErrInvalidOrder},
		{"no owner", Request{Pair: pair, Side: order.Buy, Kind: order.Limit, Price: 1, Qty: 1}, order.ErrInvalidOrder},
		{"unknown pair", Request{Owner: "alice", Pair: "XX/USD", Side: order.Buy, Kind: order.Limit, Price: 1, Qty: 1}, order.ErrUnknownPair},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := x.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, x.UserOrders("alice"))
	assert.Equal(t, ledger.Balance{Available: 1_000}, x.Balance("alice", "USD"))
}

func TestHaltedMarketRejects(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "alice", "USD", 100)
	require.NoError(t, x.Registry().UpdateMarketStatus(pair, market.Paused))

	_, err := x.Submit(context.Background(), Request{Owner: "alice", Pair: pair, Side: order.Buy, Kind: order.Limit, Price: 1, Qty: 1})
	assert.ErrorIs(t, err, order.ErrMarketHalted)
}

func TestActivationWithoutLiquidityCancels(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "alice", "ES", 10)

	stop := submit(t, x, Request{Owner: "alice", Side: order.Sell, Kind: order.StopLoss, Price: 50, TriggerPrice: 50, Qty: 10})
	require.NoError(t, x.OnPriceTick(context.Background(), pair, 40))

	o, err := x.Order(stop.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Equal(t, ledger.Balance{Available: 10}, x.Balance("alice", "ES"))
}

func TestBuyActivationTopsUpReservation(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "maker", "ES", 10)
	fund(t, x, "alice", "USD", 1_000)

	// reserves 10*50=500, but asks sit at 60 when it fires
	stop := submit(t, x, Request{Owner: "alice", Side: order.Buy, Kind: order.StopLoss, Price: 50, TriggerPrice: 55, Qty: 10})
	submit(t, x, limitReq("maker", order.Sell, 60, 10))

	require.NoError(t, x.OnPriceTick(context.Background(), pair, 56))
	o, err := x.Order(stop.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, o.Status)
	assert.Equal(t, ledger.Balance{Available: 400}, x.Balance("alice", "USD"))
	assert.Equal(t, ledger.Balance{Available: 10}, x.Balance("alice", "ES"))
}

func TestBuyActivationBudgetLimited(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "maker", "ES", 10)
	fund(t, x, "alice", "USD", 500)

	stop := submit(t, x, Request{Owner: "alice", Side: order.Buy, Kind: order.StopLoss, Price: 50, TriggerPrice: 55, Qty: 10})
	submit(t, x, limitReq("maker", order.Sell, 60, 10))

	require.NoError(t, x.OnPriceTick(context.Background(), pair, 60))
	o, err := x.Order(stop.ID, "alice")
	require.NoError(t, err)
	// 500 / 60 = 8 units, 20 left over
	assert.Equal(t, order.StatusPartial, o.Status)
	assert.Equal(t, int64(8), o.Filled)
	assert.Equal(t, ledger.Balance{Available: 20}, x.Balance("alice", "USD"))
}

func TestActivationFailureIsIsolated(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "alice", "ES", 5)
	fund(t, x, "bob", "USD", 1_000)

	// bob's buy stop fires first but there are no asks; alice's sell still executes
	buyStop := submit(t, x, Request{Owner: "bob", Side: order.Buy, Kind: order.StopLoss, Price: 10, TriggerPrice: 10, Qty: 5})
	sellProfit := submit(t, x, Request{Owner: "alice", Side: order.Sell, Kind: order.TakeProfit, Price: 10, TriggerPrice: 10, Qty: 5})
	submit(t, x, limitReq("bob", order.Buy, 12, 5))

	require.NoError(t, x.OnPriceTick(context.Background(), pair, 12))

	b, _ := x.Order(buyStop.ID, "bob")
	assert.Equal(t, order.StatusCancelled, b.Status)
	s, _ := x.Order(sellProfit.ID, "alice")
	assert.Equal(t, order.StatusFilled, s.Status)
	assert.Equal(t, ledger.Balance{Available: 60}, x.Balance("alice", "USD"))
}

func TestUserOrderViews(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "alice", "USD", 1_000)

	a := submit(t, x, limitReq("alice", order.Buy, 1, 1))
	b := submit(t, x, limitReq("alice", order.Buy, 2, 1))
	_, err := x.Cancel(context.Background(), a.ID, "alice")
	require.NoError(t, err)

	all := x.UserOrders("alice")
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	active := x.ActiveOrders("alice")
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	cancelled := x.UserOrders("alice", order.StatusCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, a.ID, cancelled[0].ID)
}

func TestObserverAndJournal(t *testing.T) {
	j := &recordingJournal{}
	x := newTestExchange(t, func(o *Options) { o.Journal = j })
	var mu sync.Mutex
	var kinds []EventKind
	x.Subscribe(ObserverFunc(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	}))

	fund(t, x, "alice", "USD", 100)
	fund(t, x, "bob", "ES", 1)
	submit(t, x, limitReq("alice", order.Buy, 10, 1))
	submit(t, x, limitReq("bob", order.Sell, 10, 1))

	mu.Lock()
	assert.Contains(t, kinds, EventTrade)
	assert.Contains(t, kinds, EventBook)
	assert.Contains(t, kinds, EventOrder)
	mu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	require.Len(t, j.css, 4, "two deposits and two submits")
	last := j.css[3]
	assert.Len(t, last.Trades, 1)
	assert.Len(t, last.Orders, 2)
	for _, o := range last.Orders {
		assert.Equal(t, order.StatusFilled, o.Status)
	}
	assert.NotEmpty(t, last.Ledger.Balances)
	assert.NotEmpty(t, last.Ledger.ClosedReservations)
}

func TestRestoreRebuildsBooks(t *testing.T) {
	x := newTestExchange(t)
	ctx := context.Background()
	fund(t, x, "alice", "USD", 1_000)
	fund(t, x, "bob", "ES", 10)
	submit(t, x, limitReq("alice", order.Buy, 10, 5))
	submit(t, x, Request{Owner: "bob", Side: order.Sell, Kind: order.StopLoss, Price: 9, TriggerPrice: 9, Qty: 5})
	require.NoError(t, x.OnPriceTick(ctx, pair, 20))

	var orders []*order.Order
	orders = append(orders, x.UserOrders("alice")...)
	orders = append(orders, x.UserOrders("bob")...)
	st := RecoveredState{
		Ledger:     x.Ledger().Snapshot(),
		Orders:     orders,
		LastPrices: map[string]int64{pair: 20},
	}

	y := newTestExchange(t)
	require.NoError(t, y.Restore(st))

	snap, _ := y.BookSnapshot(pair)
	assert.Equal(t, []orderbook.PriceLevel{{Price: 10, Qty: 5, Orders: 1}}, snap.Bids)
	assert.Equal(t, 1, snap.Pending)
	assert.Equal(t, int64(20), snap.LastPrice)

	// the restored stop still fires and fills against the restored bid
	require.NoError(t, y.OnPriceTick(ctx, pair, 8))
	assert.Equal(t, ledger.Balance{Available: 5}, y.Balance("alice", "ES"))
	assert.Equal(t, ledger.Balance{Available: 50}, y.Balance("bob", "USD"))

	// new ids continue after the restored ones
	fund(t, y, "carol", "USD", 10)
	o := submit(t, y, limitReq("carol", order.Buy, 1, 1))
	assert.Greater(t, o.ID, orders[0].ID)
}

// gatedJournal holds the first commit of gatePair until release is closed.
type gatedJournal struct {
	recordingJournal
	gatePair string
	entered  chan struct{}
	release  chan struct{}
	once     sync.Once
}

func (j *gatedJournal) Commit(cs *Changeset) error {
	if cs.Pair == j.gatePair {
		j.once.Do(func() {
			close(j.entered)
			<-j.release
		})
	}
	return j.recordingJournal.Commit(cs)
}

// replayJournal folds changesets in commit order into the state a restart
// would load.
func replayJournal(css []*Changeset) ledger.State {
	balances := map[[2]string]ledger.Balance{}
	reservations := map[uint64]ledger.Reservation{}
	var st ledger.State
	for _, cs := range css {
		for _, b := range cs.Ledger.Balances {
			balances[[2]string{b.Owner, b.Currency}] = b.Balance
		}
		for _, r := range cs.Ledger.Reservations {
			reservations[r.ID] = r
		}
		for _, id := range cs.Ledger.ClosedReservations {
			delete(reservations, id)
		}
		st.NextReservationID = max(st.NextReservationID, cs.Ledger.NextReservationID)
	}
	for k, b := range balances {
		st.Balances = append(st.Balances, ledger.BalanceEntry{Owner: k[0], Currency: k[1], Balance: b})
	}
	for _, r := range reservations {
		st.Reservations = append(st.Reservations, r)
	}
	return st
}

func TestJournalOrderAcrossPairs(t *testing.T) {
	j := &gatedJournal{gatePair: pair, entered: make(chan struct{}), release: make(chan struct{})}
	x := newTestExchange(t, func(o *Options) { o.Journal = j })
	btc, err := market.NewMarket(market.Currency{Code: "BTC"}, market.Currency{Code: "USD"}, 1, 0)
	require.NoError(t, err)
	require.NoError(t, x.AddMarket(btc))
	fund(t, x, "alice", "USD", 1_000)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		submit(t, x, limitReq("alice", order.Buy, 10, 10))
	}()
	<-j.entered

	go func() {
		defer wg.Done()
		submit(t, x, Request{Owner: "alice", Pair: "BTC/USD", Side: order.Buy, Kind: order.Limit, Price: 20, Qty: 10})
	}()
	require.Eventually(t, func() bool {
		return x.Balance("alice", "USD").Held == 300
	}, time.Second, time.Millisecond)
	close(j.release)
	wg.Wait()

	j.mu.Lock()
	st := replayJournal(j.css)
	j.mu.Unlock()

	restored := ledger.New()
	require.NoError(t, restored.Restore(st), "journal must restore cleanly")
	assert.Equal(t, ledger.Balance{Available: 700, Held: 300}, restored.Balance("alice", "USD"))
	assert.Equal(t, x.Balance("alice", "USD"), restored.Balance("alice", "USD"))
}

func TestBookEventsFollowOperationOrder(t *testing.T) {
	x := newTestExchange(t)
	fund(t, x, "alice", "USD", 1_000)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var books []Snapshot
	x.Subscribe(ObserverFunc(func(ev Event) {
		if ev.Kind != EventBook {
			return
		}
		once.Do(func() {
			close(entered)
			<-release
		})
		mu.Lock()
		books = append(books, *ev.Book)
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		submit(t, x, limitReq("alice", order.Buy, 10, 1))
	}()
	<-entered

	go func() {
		defer wg.Done()
		submit(t, x, limitReq("alice", order.Buy, 11, 1))
	}()
	require.Eventually(t, func() bool {
		snap, _ := x.BookSnapshot(pair)
		return len(snap.Bids) == 2
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, books, 2)
	assert.Len(t, books[0].Bids, 1)
	final, _ := x.BookSnapshot(pair)
	assert.Equal(t, final, books[1], "last published book is the current book")
}
