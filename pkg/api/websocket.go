package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/uhyunpark/hyperspot/pkg/app/core/engine"
	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
	"github.com/uhyunpark/hyperspot/pkg/crypto"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Channels:
//
//	orderbook:<SYMBOL>  book after every change, e.g. orderbook:ES-USD
//	trades:<SYMBOL>     executed trades
//	price:<SYMBOL>      market price ticks
//	orders:<address>    the connection's own order updates (signed connections only)
func channelFor(ev engine.Event) string {
	sym := order.Symbol(ev.Pair)
	switch ev.Kind {
	case engine.EventBook:
		return "orderbook:" + sym
	case engine.EventTrade:
		return "trades:" + sym
	case engine.EventPrice:
		return "price:" + sym
	case engine.EventOrder:
		if ev.Order != nil {
			return "orders:" + ev.Order.Owner
		}
	}
	return ""
}

// Hub maintains active WebSocket connections and broadcasts messages.
// It is an engine.Observer.
type Hub struct {
	s *Server

	// Registered clients
	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Mutex for thread-safe access
	mu sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub(s *Server) *Hub {
	return &Hub{
		s:          s,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.s.metrics.SetWSClients(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.s.metrics.SetWSClients(n)
			h.s.log.Infow("ws_client_connected", "id", client.id, "user", client.user, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.s.metrics.SetWSClients(n)
			h.s.log.Infow("ws_client_disconnected", "id", client.id, "total", n)
		}
	}
}

// OnEvent converts an engine event to its API form and pushes it to the
// event's channel. It never blocks.
func (h *Hub) OnEvent(ev engine.Event) {
	channel := channelFor(ev)
	if channel == "" {
		return
	}
	m, err := h.s.x.Registry().GetMarket(ev.Pair)
	if err != nil {
		return
	}

	msg := WSMessage{Type: ev.Kind.String(), Channel: channel}
	switch ev.Kind {
	case engine.EventBook:
		msg.Data = toOrderbook(m, *ev.Book, ev.Time)
	case engine.EventTrade:
		msg.Data = toTradeInfo(m, *ev.Trade)
	case engine.EventOrder:
		msg.Data = toOrderInfo(m, ev.Order)
	case engine.EventPrice:
		msg.Data = map[string]any{"symbol": m.Symbol(), "price": m.FormatPrice(ev.Price), "timestamp": ev.Time}
	}
	h.BroadcastToChannel(channel, msg)
}

// BroadcastToChannel sends a message to all clients subscribed to a channel
func (h *Hub) BroadcastToChannel(channel string, data any) {
	message, err := json.Marshal(data)
	if err != nil {
		h.s.log.Warnw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.IsSubscribed(channel) {
			select {
			case client.send <- message:
			default:
				// Buffer full, skip this client
				h.s.metrics.FeedDropped("websocket")
			}
		}
	}
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
	user string // checksummed address when the connection was signed

	// Subscribed channels
	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

// IsSubscribed checks if client is subscribed to a channel
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

// canSubscribe checks that a channel exists and, for orders:<address>,
// that it belongs to the connection's user. Returns the canonical name.
func (c *Client) canSubscribe(channel string) (string, bool) {
	prefix, rest, ok := strings.Cut(channel, ":")
	if !ok || rest == "" {
		return "", false
	}
	switch prefix {
	case "orderbook", "trades", "price":
		m, err := c.hub.s.x.Registry().GetMarket(rest)
		if err != nil {
			return "", false
		}
		return prefix + ":" + m.Symbol(), true
	case "orders":
		if c.user == "" || !common.IsHexAddress(rest) || common.HexToAddress(rest).Hex() != c.user {
			return "", false
		}
		return "orders:" + c.user, true
	}
	return "", false
}

func (c *Client) subscribe(channels []string) (ok, rejected []string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range channels {
		name, allowed := c.canSubscribe(ch)
		if !allowed {
			rejected = append(rejected, ch)
			continue
		}
		c.subscriptions[name] = true
		ok = append(ok, name)
	}
	return ok, rejected
}

func (c *Client) unsubscribe(channels []string) []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range channels {
		delete(c.subscriptions, ch)
	}
	return channels
}

// reply queues a direct message to this client without blocking
func (c *Client) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxBodyBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.s.log.Debugw("ws_read_error", "id", c.id, "err", err)
			}
			break
		}

		// Handle subscription requests
		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(WSAck{Type: "error", Message: "invalid message"})
			continue
		}

		switch req.Op {
		case "subscribe":
			ok, rejected := c.subscribe(req.Channels)
			c.reply(WSAck{Type: "subscribed", Channels: ok})
			if len(rejected) > 0 {
				c.reply(WSAck{Type: "error", Channels: rejected, Message: "unknown or forbidden channel"})
			}
			c.sendInitialBooks(ok)
		case "unsubscribe":
			c.reply(WSAck{Type: "unsubscribed", Channels: c.unsubscribe(req.Channels)})
		default:
			c.reply(WSAck{Type: "error", Message: "unknown op " + req.Op})
		}
	}
}

// sendInitialBooks pushes the current book for new orderbook subscriptions
func (c *Client) sendInitialBooks(channels []string) {
	for _, ch := range channels {
		sym, ok := strings.CutPrefix(ch, "orderbook:")
		if !ok {
			continue
		}
		m, err := c.hub.s.x.Registry().GetMarket(sym)
		if err != nil {
			continue
		}
		snap, err := c.hub.s.x.BookSnapshot(m.Pair)
		if err != nil {
			continue
		}
		data := toOrderbook(m, snap, time.Now().UnixMilli())
		c.reply(WSMessage{Type: engine.EventBook.String(), Channel: ch, Data: data})
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// one JSON document per frame
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket handles WebSocket upgrade and client lifecycle.
// Browsers cannot set headers on the upgrade, so a connection may be signed
// with the address, signature and timestamp query parameters instead
// (message: GET /ws, empty body).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var user string
	q := r.URL.Query()
	if addr := q.Get("address"); addr != "" {
		u, err := s.verify(http.MethodGet, crypto.WebSocketPath, q.Get("timestamp"), addr, q.Get("signature"), nil)
		if err != nil {
			s.respondError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		user = u
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		id:            uuid.NewString(),
		user:          user,
		subscriptions: make(map[string]bool),
	}

	select {
	case client.hub.register <- client:
	case <-client.hub.done:
		conn.Close()
		return
	}

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}

var _ engine.Observer = (*Hub)(nil)
