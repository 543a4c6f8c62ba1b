package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
)

var users = []string{"u1", "u2", "u3", "u4"}

const (
	startUSD = 100_000
	startES  = 1_000
)

// checkInvariants verifies the properties every observable state must hold.
func checkInvariants(t interface {
	Fatalf(format string, args ...any)
}, x *Exchange) {
	held := map[uint64]bool{}
	for _, u := range users {
		for _, o := range x.UserOrders(u) {
			if o.Filled < 0 || o.Filled > o.Qty {
				t.Fatalf("order %d filled %d of %d", o.ID, o.Filled, o.Qty)
			}
			if (o.Status == order.StatusFilled) != (o.Filled == o.Qty) {
				t.Fatalf("order %d status %s with filled %d/%d", o.ID, o.Status, o.Filled, o.Qty)
			}
			if o.IsActive() {
				held[o.ReservationID] = true
			}
		}
		for cur, bal := range x.Balances(u) {
			if bal.Available < 0 || bal.Held < 0 {
				t.Fatalf("%s %s negative: %+v", u, cur, bal)
			}
		}
	}

	// only active orders hold funds
	for _, r := range x.Ledger().Snapshot().Reservations {
		if !held[r.ID] {
			t.Fatalf("reservation %d (%d %s) has no active order", r.ID, r.Amount, r.Currency)
		}
	}

	totals := x.Ledger().Totals()
	if totals["USD"] != startUSD*int64(len(users)) || totals["ES"] != startES*int64(len(users)) {
		t.Fatalf("value not conserved: %v", totals)
	}

	snap, _ := x.BookSnapshot(pair)
	if len(snap.Bids) > 0 && len(snap.Asks) > 0 && snap.Bids[0].Price >= snap.Asks[0].Price {
		t.Fatalf("crossed book: bid %d ask %d", snap.Bids[0].Price, snap.Asks[0].Price)
	}
}

func TestEngineInvariantsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		x := newTestExchange(t)
		ctx := context.Background()
		for _, u := range users {
			fund(t, x, u, "USD", startUSD)
			fund(t, x, u, "ES", startES)
		}

		var placed []*order.Order
		steps := rapid.IntRange(1, 80).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			user := rapid.SampledFrom(users).Draw(rt, "user")
			switch rapid.IntRange(0, 9).Draw(rt, "action") {
			case 0, 1, 2, 3:
				o, err := x.Submit(ctx, Request{
					Owner: user, Pair: pair, Kind: order.Limit,
					Side:  rapid.SampledFrom([]order.Side{order.Buy, order.Sell}).Draw(rt, "side"),
					Price: rapid.Int64Range(90, 110).Draw(rt, "price"),
					Qty:   rapid.Int64Range(1, 50).Draw(rt, "qty"),
				})
				if err == nil {
					placed = append(placed, o)
				}
			case 4, 5:
				_, _ = x.Submit(ctx, Request{
					Owner: user, Pair: pair, Kind: order.Market,
					Side: rapid.SampledFrom([]order.Side{order.Buy, order.Sell}).Draw(rt, "side"),
					Qty:  rapid.Int64Range(1, 50).Draw(rt, "qty"),
				})
			case 6:
				trig := rapid.Int64Range(90, 110).Draw(rt, "trigger")
				o, err := x.Submit(ctx, Request{
					Owner: user, Pair: pair,
					Kind:         rapid.SampledFrom([]order.Kind{order.StopLoss, order.TakeProfit}).Draw(rt, "kind"),
					Side:         rapid.SampledFrom([]order.Side{order.Buy, order.Sell}).Draw(rt, "side"),
					Price:        trig,
					TriggerPrice: trig,
					Qty:          rapid.Int64Range(1, 20).Draw(rt, "qty"),
				})
				if err == nil {
					placed = append(placed, o)
				}
			case 7, 8:
				if len(placed) > 0 {
					o := placed[rapid.IntRange(0, len(placed)-1).Draw(rt, "victim")]
					_, _ = x.Cancel(ctx, o.ID, o.Owner)
				}
			case 9:
				_ = x.OnPriceTick(ctx, pair, rapid.Int64Range(85, 115).Draw(rt, "tick"))
			}
			checkInvariants(rt, x)
		}
	})
}

func TestConcurrentSubmitsConserveValue(t *testing.T) {
	x := newTestExchange(t)
	ctx := context.Background()
	for _, u := range users {
		fund(t, x, u, "USD", startUSD)
		fund(t, x, u, "ES", startES)
	}

	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				side := order.Buy
				if (n+i)%2 == 0 {
					side = order.Sell
				}
				_, _ = x.Submit(ctx, Request{Owner: u, Pair: pair, Side: side, Kind: order.Limit, Price: int64(95 + n%10), Qty: int64(1 + n%7)})
				if n%25 == 0 {
					_ = x.OnPriceTick(ctx, pair, int64(95+n%10))
				}
			}
		}(i, u)
	}
	wg.Wait()

	checkInvariants(t, x)
	trades, _ := x.Trades(pair, 0)
	assert.NotEmpty(t, trades)
}
