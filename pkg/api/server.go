package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/engine"
	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

const (
	defaultTradesLimit = 50
	maxTradesLimit     = 1000

	headerRequestID = "X-Request-ID"
	headerFeedToken = "X-Feed-Token"
)

type Options struct {
	// FeedToken enables POST /markets/{symbol}/price for holders of the token
	FeedToken      string
	AuthWindow     time.Duration
	AllowedOrigins []string
	Clock          util.Clock
	Logger         *zap.SugaredLogger
	Metrics        *metrics.Metrics
}

// Server handles REST API and WebSocket connections
type Server struct {
	x       *engine.Exchange
	router  *mux.Router
	hub     *Hub // WebSocket hub
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	clock   util.Clock

	feedToken      string
	authWindow     time.Duration
	allowedOrigins []string
	replays        *replayGuard
}

// NewServer creates the API server and subscribes its WebSocket hub to
// the exchange's events.
func NewServer(x *engine.Exchange, opts Options) *Server {
	s := &Server{
		x:              x,
		router:         mux.NewRouter(),
		log:            util.OrNop(opts.Logger),
		metrics:        opts.Metrics,
		clock:          opts.Clock,
		feedToken:      opts.FeedToken,
		authWindow:     opts.AuthWindow,
		allowedOrigins: opts.AllowedOrigins,
		replays:        newReplayGuard(),
	}
	if s.clock == nil {
		s.clock = util.RealClock{}
	}
	if s.authWindow <= 0 {
		s.authWindow = 5 * time.Minute
	}
	if len(s.allowedOrigins) == 0 {
		s.allowedOrigins = []string{"*"}
	}
	s.hub = NewHub(s)
	x.Subscribe(s.hub)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.withRequestID)

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/markets/{symbol}/price", s.handlePostPrice).Methods("POST")

	// Orders (signed)
	api.HandleFunc("/orders", s.requireAuth(s.handleSubmitOrder)).Methods("POST")
	api.HandleFunc("/orders", s.requireAuth(s.handleGetOrders)).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.requireAuth(s.handleGetOrder)).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.requireAuth(s.handleCancelOrder)).Methods("DELETE")

	// Balances (signed)
	api.HandleFunc("/balances", s.requireAuth(s.handleGetBalances)).Methods("GET")
	api.HandleFunc("/balances/deposit", s.requireAuth(s.handleDeposit)).Methods("POST")
	api.HandleFunc("/balances/withdraw", s.requireAuth(s.handleWithdraw)).Methods("POST")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Address", "X-Signature", "X-Timestamp", headerFeedToken, headerRequestID},
		ExposedHeaders: []string{headerRequestID},
	})
	return c.Handler(s.router)
}

// Start serves HTTP on addr until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Infow("api_server_stopping", "addr", addr)
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "markets": s.x.Registry().Count()})
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.x.Registry().ListMarkets()
	response := make([]MarketInfo, 0, len(markets))
	for _, m := range markets {
		status, _ := s.x.Registry().Status(m.Pair)
		response = append(response, toMarketInfo(m, status))
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	status, _ := s.x.Registry().Status(m.Pair)
	respondJSON(w, http.StatusOK, toMarketInfo(m, status))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	snap, err := s.x.BookSnapshot(m.Pair)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderbook(m, snap, util.UnixMilli(s.clock)))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	m, ok := s.market(w, r)
	if !ok {
		return
	}
	limit := defaultTradesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, r, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		limit = min(n, maxTradesLimit)
	}

	trades, err := s.x.Trades(m.Pair, limit)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	response := make([]TradeInfo, 0, len(trades))
	for _, t := range trades {
		response = append(response, toTradeInfo(m, t))
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handlePostPrice(w http.ResponseWriter, r *http.Request) {
	if s.feedToken == "" {
		s.respondError(w, r, http.StatusNotFound, "price ingest disabled", "")
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(headerFeedToken)), []byte(s.feedToken)) != 1 {
		s.respondError(w, r, http.StatusUnauthorized, "unauthorized", "invalid feed token")
		return
	}
	m, ok := s.market(w, r)
	if !ok {
		return
	}

	var req PriceRequest
	if !s.decode(w, r, &req) {
		return
	}
	price, err := m.ParsePrice(req.Price)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid price", err.Error())
		return
	}
	if err := s.x.OnPriceTick(r.Context(), m.Pair, price); err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"symbol": m.Symbol(), "price": m.FormatPrice(price)})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if !s.decode(w, r, &req) {
		return
	}

	m, err := s.x.Registry().GetMarket(req.Pair)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	engineReq, err := parseOrderRequest(m, req)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	engineReq.Owner = userFrom(r)

	o, err := s.x.Submit(r.Context(), engineReq)
	if err != nil {
		s.log.Infow("order_rejected", "user", engineReq.Owner, "pair", m.Pair, "err", err)
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toOrderInfo(m, o))
}

func parseOrderRequest(m *market.Market, req SubmitOrderRequest) (engine.Request, error) {
	side, err := order.ParseSide(req.Side)
	if err != nil {
		return engine.Request{}, err
	}
	kind, err := order.ParseKind(req.Type)
	if err != nil {
		return engine.Request{}, err
	}
	qty, err := m.ParseQty(req.Quantity)
	if err != nil {
		return engine.Request{}, errors.New("quantity: " + err.Error())
	}

	out := engine.Request{Pair: m.Pair, Side: side, Kind: kind, Qty: qty}
	if kind != order.Market || req.Price != "" {
		if out.Price, err = m.ParsePrice(req.Price); err != nil {
			return engine.Request{}, errors.New("price: " + err.Error())
		}
	}
	if kind.Conditional() {
		if out.TriggerPrice, err = m.ParsePrice(req.TriggerPrice); err != nil {
			return engine.Request{}, errors.New("triggerPrice: " + err.Error())
		}
	}
	return out, nil
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	o, err := s.x.Cancel(r.Context(), id, userFrom(r))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondOrder(w, r, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orderID(w, r)
	if !ok {
		return
	}
	o, err := s.x.Order(id, userFrom(r))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondOrder(w, r, o)
}

// handleGetOrders lists the caller's orders, newest first.
// view=active: resting and pending orders. view=history: closed orders,
// including partially filled market orders. status=a,b overrides view.
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	q := r.URL.Query()

	var statuses []order.Status
	view := q.Get("view")
	switch view {
	case "", "all", "active", "history":
	default:
		s.respondError(w, r, http.StatusBadRequest, "invalid view", q.Get("view"))
		return
	}
	if raw := q.Get("status"); raw != "" {
		view = ""
		for _, part := range strings.Split(raw, ",") {
			st, err := order.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				s.respondError(w, r, http.StatusBadRequest, "invalid status", err.Error())
				return
			}
			statuses = append(statuses, st)
		}
	}

	var orders []*order.Order
	if view == "active" {
		orders = s.x.ActiveOrders(user)
	} else {
		orders = s.x.UserOrders(user, statuses...)
	}
	response := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		if view == "history" && !o.IsClosed() {
			continue
		}
		m, err := s.x.Registry().GetMarket(o.Pair)
		if err != nil {
			continue
		}
		response = append(response, toOrderInfo(m, o))
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	balances := s.x.Balances(userFrom(r))
	codes := make([]string, 0, len(balances))
	for code := range balances {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	response := make([]BalanceInfo, 0, len(codes))
	for _, code := range codes {
		c, ok := s.x.Registry().Currency(code)
		if !ok {
			continue
		}
		response = append(response, toBalanceInfo(c, balances[code]))
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceChange(w, r, s.x.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceChange(w, r, s.x.Withdraw)
}

func (s *Server) handleBalanceChange(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, user, currency string, amount int64) (ledger.Balance, error)) {
	var req BalanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, ok := s.x.Registry().Currency(req.Currency)
	if !ok {
		s.respondError(w, r, http.StatusBadRequest, "unknown currency", req.Currency)
		return
	}
	amount, err := c.ParseAmount(req.Amount)
	if err != nil || amount <= 0 {
		msg := "amount must be positive"
		if err != nil {
			msg = err.Error()
		}
		s.respondError(w, r, http.StatusBadRequest, "invalid amount", msg)
		return
	}

	bal, err := apply(r.Context(), userFrom(r), c.Code, amount)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toBalanceInfo(c, bal))
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) market(w http.ResponseWriter, r *http.Request) (*market.Market, bool) {
	m, err := s.x.Registry().GetMarket(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondError(w, r, http.StatusNotFound, "market not found", err.Error())
		return nil, false
	}
	return m, true
}

func (s *Server) orderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid order id", err.Error())
		return 0, false
	}
	return id, true
}

func (s *Server) respondOrder(w http.ResponseWriter, r *http.Request, o *order.Order) {
	m, err := s.x.Registry().GetMarket(o.Pair)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderInfo(m, o))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, order.ErrInvalidOrder), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrNotFound), errors.Is(err, order.ErrUnknownPair):
		return http.StatusNotFound
	case errors.Is(err, order.ErrAlreadyFilled), errors.Is(err, order.ErrMarketHalted):
		return http.StatusConflict
	case errors.Is(err, order.ErrInsufficientFunds), errors.Is(err, order.ErrInsufficientLiquidity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Errorw("request_failed", "path", r.URL.Path, "err", err)
	}
	s.respondError(w, r, status, http.StatusText(status), err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, error string, message string) {
	id, _ := r.Context().Value(requestIDKey).(string)
	respondJSON(w, status, ErrorResponse{Error: error, Message: message, RequestID: id})
}
