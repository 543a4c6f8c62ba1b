package trigger

import "github.com/uhyunpark/hyperspot/pkg/app/core/order"

type entry struct {
	order *order.Order
	index int // position in the heap, kept for heap.Remove
}

// priceHeap implements heap.Interface over trigger prices.
// max=true keeps the highest trigger on top, otherwise the lowest.
// Use container/heap package to manipulate this heap (Init, Push, Pop, Remove)
type priceHeap struct {
	max     bool
	entries []*entry
}

func (h *priceHeap) Len() int { return len(h.entries) }

func (h *priceHeap) Less(i, j int) bool {
	a, b := h.entries[i].order, h.entries[j].order
	if a.TriggerPrice != b.TriggerPrice {
		if h.max {
			return a.TriggerPrice > b.TriggerPrice
		}
		return a.TriggerPrice < b.TriggerPrice
	}
	return a.Seq < b.Seq
}

func (h *priceHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *priceHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *priceHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.entries = old[:n-1]
	return e
}

// Peek returns the top entry without removing it
func (h *priceHeap) Peek() *entry {
	if len(h.entries) == 0 {
		return nil
	}
	return h.entries[0]
}

// reached reports whether the top entry is activated by price.
// A max-heap holds "price falls to trigger" orders, a min-heap "price rises to trigger".
func (h *priceHeap) reached(price int64) bool {
	top := h.Peek()
	if top == nil {
		return false
	}
	if h.max {
		return price <= top.order.TriggerPrice
	}
	return price >= top.order.TriggerPrice
}
