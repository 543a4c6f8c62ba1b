package order

import (
	"fmt"
	"strings"
)

// Side is the direction of an order.
type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	return -s
}

// ParseSide accepts "buy" or "sell" (case-insensitive).
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, s)
	}
}

// Kind is the closed set of supported order types.
type Kind int8

const (
	Market Kind = iota
	Limit
	StopLoss
	TakeProfit
)

func (k Kind) String() string {
	switch k {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case StopLoss:
		return "stop_loss"
	case TakeProfit:
		return "take_profit"
	default:
		return "unknown"
	}
}

// Conditional reports whether the kind waits for a trigger price.
func (k Kind) Conditional() bool {
	return k == StopLoss || k == TakeProfit
}

// ParseKind accepts the wire names used by the API ("market", "limit", "stop_loss", "take_profit").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "market":
		return Market, nil
	case "limit":
		return Limit, nil
	case "stop_loss", "stoploss", "stop-loss":
		return StopLoss, nil
	case "take_profit", "takeprofit", "take-profit":
		return TakeProfit, nil
	default:
		return 0, fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, s)
	}
}

// Status represents the lifecycle state of an order
type Status int8

const (
	StatusOpen Status = iota
	StatusPartial
	StatusFilled
	StatusTriggered
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusPartial:
		return "partial"
	case StatusFilled:
		return "filled"
	case StatusTriggered:
		return "triggered"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "open":
		return StatusOpen, nil
	case "partial":
		return StatusPartial, nil
	case "filled":
		return StatusFilled, nil
	case "triggered":
		return StatusTriggered, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	default:
		return 0, fmt.Errorf("unknown order status %q", s)
	}
}

// Order is a buy or sell instruction for one currency pair.
// Prices are integer quote units per base unit, quantities integer base units.
type Order struct {
	ID           uint64 `json:"id"`
	Owner        string `json:"owner"`
	Pair         string `json:"pair"` // "BASE/QUOTE"
	Side         Side   `json:"side"`
	Kind         Kind   `json:"kind"`
	Price        int64  `json:"price"`                  // 0 for market orders
	TriggerPrice int64  `json:"triggerPrice,omitempty"` // conditional kinds only
	Qty          int64  `json:"qty"`
	Filled       int64  `json:"filled"`
	Status       Status `json:"status"`

	// Seq breaks ties between orders at the same price.
	Seq uint64 `json:"seq"`

	// ReservationID is the ledger hold funding this order.
	ReservationID uint64 `json:"reservationId"`

	// Unix milliseconds
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Remaining returns unfilled quantity
func (o *Order) Remaining() int64 {
	return o.Qty - o.Filled
}

// IsClosed returns true once the order can no longer change.
// Only limit orders rest, so a market or activated conditional order that
// ends partially filled is closed too.
func (o *Order) IsClosed() bool {
	switch o.Status {
	case StatusFilled, StatusCancelled:
		return true
	case StatusPartial:
		return o.Kind != Limit
	}
	return false
}

// IsActive reports whether the order is resting or waiting for its trigger.
func (o *Order) IsActive() bool {
	return !o.IsClosed()
}

// Fill records qty more units as executed and derives the fill status.
func (o *Order) Fill(qty int64, now int64) {
	o.Filled += qty
	if o.Filled == o.Qty {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
	o.UpdatedAt = now
}

// Crosses reports whether a resting price is acceptable to this order.
// Market orders accept any price.
func (o *Order) Crosses(makerPrice int64) bool {
	if o.Kind != Limit {
		return true
	}
	if o.Side == Buy {
		return o.Price >= makerPrice
	}
	return o.Price <= makerPrice
}

// Validate checks the shape of a submitted order. It never touches balances.
func (o *Order) Validate() error {
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	}
	if o.Qty <= 0 {
		return fmt.Errorf("%w: quantity must be greater than 0", ErrInvalidOrder)
	}
	switch o.Kind {
	case Market:
		if o.Price < 0 {
			return fmt.Errorf("%w: price cannot be negative", ErrInvalidOrder)
		}
	case Limit, StopLoss, TakeProfit:
		if o.Price <= 0 {
			return fmt.Errorf("%w: price must be greater than 0", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unsupported order type %d", ErrInvalidOrder, o.Kind)
	}
	if o.Kind.Conditional() {
		if o.TriggerPrice <= 0 {
			return fmt.Errorf("%w: trigger price must be specified for %s orders", ErrInvalidOrder, o.Kind)
		}
	} else if o.TriggerPrice != 0 {
		return fmt.Errorf("%w: trigger price only applies to stop_loss and take_profit", ErrInvalidOrder)
	}
	return nil
}

// Clone returns a copy safe to hand to callers outside the engine lock.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// Trade is a completed match between a buy and a sell order.
type Trade struct {
	ID          uint64 `json:"id"`
	Pair        string `json:"pair"`
	BuyOrderID  uint64 `json:"buyOrderId"`
	SellOrderID uint64 `json:"sellOrderId"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Price       int64  `json:"price"`
	Qty         int64  `json:"qty"`
	TakerSide   Side   `json:"takerSide"`
	Timestamp   int64  `json:"timestamp"` // Unix milliseconds
}

// Notional returns the quote amount exchanged.
func (t Trade) Notional() int64 {
	return t.Price * t.Qty
}
