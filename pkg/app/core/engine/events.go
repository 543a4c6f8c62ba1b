package engine

import (
	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
	"github.com/uhyunpark/hyperspot/pkg/app/core/orderbook"
)

// EventKind identifies what an Event carries.
type EventKind uint8

const (
	EventOrder EventKind = iota + 1 // Order changed state
	EventTrade                      // Trade executed
	EventBook                       // Book after an operation
	EventPrice                      // Market price tick
)

func (k EventKind) String() string {
	switch k {
	case EventOrder:
		return "order"
	case EventTrade:
		return "trade"
	case EventBook:
		return "orderbook"
	case EventPrice:
		return "price"
	default:
		return "unknown"
	}
}

// Event is market data produced by an engine operation. Payloads are
// copies and can be kept by observers.
type Event struct {
	Kind  EventKind
	Pair  string
	Order *order.Order
	Trade *order.Trade
	Book  *Snapshot
	Price int64
	Time  int64 // Unix milliseconds
}

// Observer receives events after the engine lock is released. Events of
// one pair arrive in the order operations produced them. Implementations
// must not block or call back into the engine that published the event.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// Snapshot is a point-in-time view of one pair's book.
type Snapshot struct {
	Pair           string                 `json:"pair"`
	Bids           []orderbook.PriceLevel `json:"bids"`
	Asks           []orderbook.PriceLevel `json:"asks"`
	LastPrice      int64                  `json:"lastPrice"`
	LastTradePrice int64                  `json:"lastTradePrice"`
	Pending        int                    `json:"pending"`
}

// Changeset is the durable outcome of one engine operation.
type Changeset struct {
	Pair      string
	Orders    []*order.Order // post-operation copies
	Trades    []order.Trade
	Ledger    ledger.Changes
	LastPrice int64 // 0 when unchanged
}

func (c *Changeset) Empty() bool {
	return len(c.Orders) == 0 && len(c.Trades) == 0 && c.Ledger.Empty() && c.LastPrice == 0
}

// Journal persists changesets. Commit is called once per operation and
// never concurrently, in the order the ledger changes were made.
type Journal interface {
	Commit(cs *Changeset) error
}

// RecoveredState rebuilds an exchange after a restart.
type RecoveredState struct {
	Ledger     ledger.State
	Orders     []*order.Order // every known order, any status
	Trades     []order.Trade  // oldest first
	LastPrices map[string]int64
}
