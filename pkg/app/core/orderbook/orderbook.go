package orderbook

import (
	"fmt"
	"iter"
	"math"
	"sort"

	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
)

// ErrNotionalOverflow is returned by Cost when walking the book sums past
// int64. No balance can fund such an order.
var ErrNotionalOverflow = fmt.Errorf("%w: notional overflows", order.ErrInsufficientFunds)

// PriceLevel aggregates the unfilled quantity resting at one price.
type PriceLevel struct {
	Price  int64 `json:"price"`
	Qty    int64 `json:"qty"`
	Orders int   `json:"orders"`
}

// level is one price on the ladder; orders are kept in seq order (FIFO).
type level struct {
	price  int64
	orders []*order.Order
}

// ladder is one side of the book, best price first.
type ladder struct {
	side   order.Side
	levels []*level
}

// better reports whether price a has priority over price b on this side.
func (l *ladder) better(a, b int64) bool {
	if l.side == order.Buy {
		return a > b
	}
	return a < b
}

// search returns the index of the first level whose price is not better than p.
func (l *ladder) search(p int64) int {
	return sort.Search(len(l.levels), func(i int) bool {
		return !l.better(l.levels[i].price, p)
	})
}

func (l *ladder) find(p int64) (int, bool) {
	i := l.search(p)
	return i, i < len(l.levels) && l.levels[i].price == p
}

func (l *ladder) insert(o *order.Order) {
	i, ok := l.find(o.Price)
	if !ok {
		l.levels = append(l.levels, nil)
		copy(l.levels[i+1:], l.levels[i:])
		l.levels[i] = &level{price: o.Price}
	}
	lv := l.levels[i]
	j := sort.Search(len(lv.orders), func(k int) bool { return lv.orders[k].Seq > o.Seq })
	lv.orders = append(lv.orders, nil)
	copy(lv.orders[j+1:], lv.orders[j:])
	lv.orders[j] = o
}

func (l *ladder) remove(o *order.Order) bool {
	i, ok := l.find(o.Price)
	if !ok {
		return false
	}
	lv := l.levels[i]
	j := sort.Search(len(lv.orders), func(k int) bool { return lv.orders[k].Seq >= o.Seq })
	for j < len(lv.orders) && lv.orders[j].Seq == o.Seq && lv.orders[j].ID != o.ID {
		j++
	}
	if j == len(lv.orders) || lv.orders[j].ID != o.ID {
		return false
	}
	lv.orders = append(lv.orders[:j], lv.orders[j+1:]...)
	if len(lv.orders) == 0 {
		l.levels = append(l.levels[:i], l.levels[i+1:]...)
	}
	return true
}

// after returns the first order with lower priority than (price, seq).
func (l *ladder) after(price int64, seq uint64) *order.Order {
	i := l.search(price)
	if i < len(l.levels) && l.levels[i].price == price {
		lv := l.levels[i]
		j := sort.Search(len(lv.orders), func(k int) bool { return lv.orders[k].Seq > seq })
		if j < len(lv.orders) {
			return lv.orders[j]
		}
		i++
	}
	if i < len(l.levels) {
		return l.levels[i].orders[0]
	}
	return nil
}

func (l *ladder) first() *order.Order {
	if len(l.levels) == 0 {
		return nil
	}
	return l.levels[0].orders[0]
}

// OrderBook holds resting limit orders for one pair.
// Bids are ordered price desc, asks price asc, ties by seq asc.
//
// An OrderBook is not safe for concurrent use: the matching engine that owns
// it serializes every call.
type OrderBook struct {
	pair  string
	bids  *ladder
	asks  *ladder
	index map[uint64]*order.Order // order ID -> resting order
}

func NewOrderBook(pair string) *OrderBook {
	return &OrderBook{
		pair:  pair,
		bids:  &ladder{side: order.Buy},
		asks:  &ladder{side: order.Sell},
		index: make(map[uint64]*order.Order),
	}
}

func (ob *OrderBook) Pair() string { return ob.pair }

func (ob *OrderBook) ladder(side order.Side) *ladder {
	if side == order.Buy {
		return ob.bids
	}
	return ob.asks
}

// Insert rests a limit order. The book keeps the pointer, so fills applied
// to the order are visible through the book.
func (ob *OrderBook) Insert(o *order.Order) error {
	if o.Kind != order.Limit {
		return fmt.Errorf("%w: only limit orders rest on the book, got %s", order.ErrInvalidOrder, o.Kind)
	}
	if o.Price <= 0 || o.Remaining() <= 0 {
		return fmt.Errorf("%w: order %d has nothing to rest", order.ErrInvalidOrder, o.ID)
	}
	if _, exists := ob.index[o.ID]; exists {
		return fmt.Errorf("%w: order %d already on book", order.ErrInvalidOrder, o.ID)
	}
	ob.ladder(o.Side).insert(o)
	ob.index[o.ID] = o
	return nil
}

// Remove takes an order off the book. Returns false if it is not resting.
func (ob *OrderBook) Remove(orderID uint64) bool {
	o, ok := ob.index[orderID]
	if !ok {
		return false
	}
	delete(ob.index, orderID)
	return ob.ladder(o.Side).remove(o)
}

func (ob *OrderBook) Get(orderID uint64) (*order.Order, bool) {
	o, ok := ob.index[orderID]
	return o, ok
}

func (ob *OrderBook) Len() int { return len(ob.index) }

// Count returns the number of resting orders on one side.
func (ob *OrderBook) Count(side order.Side) int {
	n := 0
	for _, lv := range ob.ladder(side).levels {
		n += len(lv.orders)
	}
	return n
}

// BestOpposing yields the resting orders a taker on side would match,
// best first. The sequence is lazy and live: after each yield it
// re-locates from the last yielded (price, seq), so orders removed or
// filled by the consumer in the meantime are never yielded.
func (ob *OrderBook) BestOpposing(side order.Side) iter.Seq[*order.Order] {
	return func(yield func(*order.Order) bool) {
		l := ob.ladder(side.Opposite())
		o := l.first()
		for o != nil {
			price, seq := o.Price, o.Seq
			if !yield(o) {
				return
			}
			o = l.after(price, seq)
		}
	}
}

// Levels aggregates remaining quantity per price, best first.
func (ob *OrderBook) Levels(side order.Side) []PriceLevel {
	l := ob.ladder(side)
	out := make([]PriceLevel, 0, len(l.levels))
	for _, lv := range l.levels {
		pl := PriceLevel{Price: lv.price, Orders: len(lv.orders)}
		for _, o := range lv.orders {
			pl.Qty += o.Remaining()
		}
		out = append(out, pl)
	}
	return out
}

// BestBid returns the highest bid price
func (ob *OrderBook) BestBid() (int64, bool) {
	if o := ob.bids.first(); o != nil {
		return o.Price, true
	}
	return 0, false
}

// BestAsk returns the lowest ask price
func (ob *OrderBook) BestAsk() (int64, bool) {
	if o := ob.asks.first(); o != nil {
		return o.Price, true
	}
	return 0, false
}

// Cost walks the opposing side the way a market order on side would and
// returns the quote notional of the first qty units and how many units the
// book can cover. covered < qty means the book is too thin.
func (ob *OrderBook) Cost(side order.Side, qty int64) (notional, covered int64, err error) {
	for _, lv := range ob.ladder(side.Opposite()).levels {
		for _, o := range lv.orders {
			take := min(qty-covered, o.Remaining())
			if take > 0 && lv.price > (math.MaxInt64-notional)/take {
				return 0, covered, fmt.Errorf("%w: %d more at %d", ErrNotionalOverflow, take, lv.price)
			}
			notional += take * lv.price
			covered += take
			if covered == qty {
				return notional, covered, nil
			}
		}
	}
	return notional, covered, nil
}

// Orders returns every resting order in priority order, bids first.
func (ob *OrderBook) Orders() []*order.Order {
	out := make([]*order.Order, 0, len(ob.index))
	for _, l := range []*ladder{ob.bids, ob.asks} {
		for _, lv := range l.levels {
			out = append(out, lv.orders...)
		}
	}
	return out
}
