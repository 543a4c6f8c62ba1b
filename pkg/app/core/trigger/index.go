package trigger

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
)

// Index holds pending stop-loss and take-profit orders for one pair.
//
// Activation:
//
//	sell stop_loss    price <= trigger
//	sell take_profit  price >= trigger
//	buy  stop_loss    price >= trigger
//	buy  take_profit  price <= trigger
//
// Each (side, kind) lives in its own heap, so a tick only touches the
// orders it activates. Not safe for concurrent use.
type Index struct {
	sellStop   *priceHeap // max-heap
	sellProfit *priceHeap // min-heap
	buyStop    *priceHeap // min-heap
	buyProfit  *priceHeap // max-heap

	entries map[uint64]*entry
	heaps   map[uint64]*priceHeap
}

func NewIndex() *Index {
	return &Index{
		sellStop:   &priceHeap{max: true},
		sellProfit: &priceHeap{},
		buyStop:    &priceHeap{},
		buyProfit:  &priceHeap{max: true},
		entries:    make(map[uint64]*entry),
		heaps:      make(map[uint64]*priceHeap),
	}
}

func (x *Index) heapFor(o *order.Order) *priceHeap {
	switch {
	case o.Side == order.Sell && o.Kind == order.StopLoss:
		return x.sellStop
	case o.Side == order.Sell && o.Kind == order.TakeProfit:
		return x.sellProfit
	case o.Side == order.Buy && o.Kind == order.StopLoss:
		return x.buyStop
	case o.Side == order.Buy && o.Kind == order.TakeProfit:
		return x.buyProfit
	}
	return nil
}

// Insert queues a conditional order until its trigger price is reached.
func (x *Index) Insert(o *order.Order) error {
	h := x.heapFor(o)
	if h == nil {
		return fmt.Errorf("%w: %s %s is not a conditional order", order.ErrInvalidOrder, o.Side, o.Kind)
	}
	if o.TriggerPrice <= 0 {
		return fmt.Errorf("%w: order %d has no trigger price", order.ErrInvalidOrder, o.ID)
	}
	if _, exists := x.entries[o.ID]; exists {
		return fmt.Errorf("%w: order %d already pending", order.ErrInvalidOrder, o.ID)
	}
	e := &entry{order: o}
	heap.Push(h, e)
	x.entries[o.ID] = e
	x.heaps[o.ID] = h
	return nil
}

// Remove drops a pending order. Returns false if it is not pending.
func (x *Index) Remove(orderID uint64) bool {
	e, ok := x.entries[orderID]
	if !ok {
		return false
	}
	heap.Remove(x.heaps[orderID], e.index)
	delete(x.entries, orderID)
	delete(x.heaps, orderID)
	return true
}

func (x *Index) Get(orderID uint64) (*order.Order, bool) {
	e, ok := x.entries[orderID]
	if !ok {
		return nil, false
	}
	return e.order, true
}

func (x *Index) Len() int { return len(x.entries) }

// ActivatedBy removes and returns every order whose trigger price is reached
// at price, ordered by seq. An order is returned by at most one call.
func (x *Index) ActivatedBy(price int64) []*order.Order {
	var out []*order.Order
	for _, h := range []*priceHeap{x.sellStop, x.sellProfit, x.buyStop, x.buyProfit} {
		for h.reached(price) {
			e := heap.Pop(h).(*entry)
			delete(x.entries, e.order.ID)
			delete(x.heaps, e.order.ID)
			out = append(out, e.order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Orders returns all pending orders ordered by seq.
func (x *Index) Orders() []*order.Order {
	out := make([]*order.Order, 0, len(x.entries))
	for _, e := range x.entries {
		out = append(out, e.order)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
