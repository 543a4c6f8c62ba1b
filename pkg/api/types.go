package api

import (
	"github.com/uhyunpark/hyperspot/pkg/app/core/engine"
	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
	"github.com/uhyunpark/hyperspot/pkg/app/core/orderbook"
)

// API types for REST endpoints and WebSocket messages.
// Prices and quantities cross the API as decimal strings ("4750.25") and
// are converted to integer units with the market's currency decimals.

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents a market's static configuration
type MarketInfo struct {
	Symbol        string `json:"symbol"`     // e.g., "ES-USD"
	Pair          string `json:"pair"`       // e.g., "ES/USD"
	BaseAsset     string `json:"baseAsset"`  // e.g., "ES"
	QuoteAsset    string `json:"quoteAsset"` // e.g., "USD"
	BaseDecimals  int32  `json:"baseDecimals"`
	QuoteDecimals int32  `json:"quoteDecimals"`
	Status        string `json:"status"` // "active", "paused", "closed"
	MinQty        string `json:"minQty"`
	MaxQty        string `json:"maxQty,omitempty"`
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Symbol         string       `json:"symbol"`
	Bids           []PriceLevel `json:"bids"` // Sorted high to low
	Asks           []PriceLevel `json:"asks"` // Sorted low to high
	LastPrice      string       `json:"lastPrice,omitempty"`
	LastTradePrice string       `json:"lastTradePrice,omitempty"`
	Pending        int          `json:"pendingTriggers"`
	Timestamp      int64        `json:"timestamp"` // Unix milliseconds
}

type PriceLevel struct {
	Price  string `json:"price"`
	Size   string `json:"size"`
	Orders int    `json:"orders"`
}

// TradeInfo represents a recent trade
type TradeInfo struct {
	ID        uint64 `json:"id"`
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"` // taker side
	Timestamp int64  `json:"timestamp"`
}

// OrderInfo represents an order (open or historical)
type OrderInfo struct {
	ID           uint64 `json:"id"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"` // "buy" or "sell"
	Type         string `json:"type"` // "market", "limit", "stop_loss", "take_profit"
	Price        string `json:"price,omitempty"`
	TriggerPrice string `json:"triggerPrice,omitempty"`
	Size         string `json:"size"`
	Filled       string `json:"filled"`
	Remaining    string `json:"remaining"`
	Status       string `json:"status"` // "open", "partial", "filled", "triggered", "cancelled"
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// BalanceInfo is one currency of an account
type BalanceInfo struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Held      string `json:"held"`
	Total     string `json:"total"`
}

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	Pair         string `json:"pair"` // "ES/USD" or "ES-USD"
	Side         string `json:"side"`
	Type         string `json:"type"`
	Price        string `json:"price,omitempty"`
	TriggerPrice string `json:"triggerPrice,omitempty"`
	Quantity     string `json:"quantity"`
}

// BalanceRequest is the payload for deposits and withdrawals
type BalanceRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// PriceRequest is the payload for POST /api/v1/markets/{symbol}/price
type PriceRequest struct {
	Price string `json:"price"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all pushed WebSocket messages
type WSMessage struct {
	Type    string `json:"type"`    // "orderbook", "trade", "order", "price"
	Channel string `json:"channel"` // e.g., "trades:ES-USD"
	Data    any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["orderbook:ES-USD", "trades:ES-USD", "orders:0x..."]
}

// WSAck answers a subscribe or unsubscribe request
type WSAck struct {
	Type     string   `json:"type"` // "subscribed", "unsubscribed", "error"
	Channels []string `json:"channels,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// ==============================
// Conversions
// ==============================

func toMarketInfo(m *market.Market, status market.Status) MarketInfo {
	info := MarketInfo{
		Symbol:        m.Symbol(),
		Pair:          m.Pair,
		BaseAsset:     m.Base.Code,
		QuoteAsset:    m.Quote.Code,
		BaseDecimals:  m.Base.Decimals,
		QuoteDecimals: m.Quote.Decimals,
		Status:        status.String(),
		MinQty:        m.FormatQty(m.MinQty),
	}
	if m.MaxQty > 0 {
		info.MaxQty = m.FormatQty(m.MaxQty)
	}
	return info
}

func toOrderbook(m *market.Market, snap engine.Snapshot, now int64) OrderbookSnapshot {
	out := OrderbookSnapshot{
		Symbol:    m.Symbol(),
		Bids:      toLevels(m, snap.Bids),
		Asks:      toLevels(m, snap.Asks),
		Pending:   snap.Pending,
		Timestamp: now,
	}
	if snap.LastPrice > 0 {
		out.LastPrice = m.FormatPrice(snap.LastPrice)
	}
	if snap.LastTradePrice > 0 {
		out.LastTradePrice = m.FormatPrice(snap.LastTradePrice)
	}
	return out
}

func toLevels(m *market.Market, levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: m.FormatPrice(l.Price), Size: m.FormatQty(l.Qty), Orders: l.Orders}
	}
	return out
}

func toTradeInfo(m *market.Market, t order.Trade) TradeInfo {
	return TradeInfo{
		ID:        t.ID,
		Symbol:    m.Symbol(),
		Price:     m.FormatPrice(t.Price),
		Size:      m.FormatQty(t.Qty),
		Side:      t.TakerSide.String(),
		Timestamp: t.Timestamp,
	}
}

func toOrderInfo(m *market.Market, o *order.Order) OrderInfo {
	info := OrderInfo{
		ID:        o.ID,
		Symbol:    m.Symbol(),
		Side:      o.Side.String(),
		Type:      o.Kind.String(),
		Size:      m.FormatQty(o.Qty),
		Filled:    m.FormatQty(o.Filled),
		Remaining: m.FormatQty(o.Remaining()),
		Status:    o.Status.String(),
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	if o.Price > 0 {
		info.Price = m.FormatPrice(o.Price)
	}
	if o.TriggerPrice > 0 {
		info.TriggerPrice = m.FormatPrice(o.TriggerPrice)
	}
	return info
}

func toBalanceInfo(c market.Currency, b ledger.Balance) BalanceInfo {
	return BalanceInfo{
		Currency:  c.Code,
		Available: c.FormatAmount(b.Available),
		Held:      c.FormatAmount(b.Held),
		Total:     c.FormatAmount(b.Total()),
	}
}
