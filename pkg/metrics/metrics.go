package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the exchange.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	OrdersSubmitted  *prometheus.CounterVec // labels: pair, side, kind
	OrdersRejected   *prometheus.CounterVec // labels: pair, reason
	OrdersCancelled  *prometheus.CounterVec // labels: pair
	TradesTotal      *prometheus.CounterVec // labels: pair
	TradedQty        *prometheus.CounterVec // labels: pair (base minor units)
	Activations      *prometheus.CounterVec // labels: pair
	ActivationErrors *prometheus.CounterVec // labels: pair
	SettlementErrors *prometheus.CounterVec // labels: pair
	JournalErrors    prometheus.Counter
	FeedDrops        *prometheus.CounterVec // labels: sink

	MatchDuration *prometheus.HistogramVec // labels: pair
	JournalDur    prometheus.Histogram

	BookOrders    *prometheus.GaugeVec // labels: pair, side
	PendingOrders *prometheus.GaugeVec // labels: pair
	LastPrice     *prometheus.GaugeVec // labels: pair (integer price units)
	WSClients     prometheus.Gauge
}

// NewMetrics creates the metrics on a fresh registry, so several instances
// can coexist in one process (tests).
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_orders_submitted_total",
			Help: "Orders accepted by the matching engine",
		}, []string{"pair", "side", "kind"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_orders_rejected_total",
			Help: "Orders rejected before touching the book",
		}, []string{"pair", "reason"}),
		OrdersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_orders_cancelled_total",
			Help: "Orders cancelled by their owner or by a failed activation",
		}, []string{"pair"}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trades_total",
			Help: "Trades executed",
		}, []string{"pair"}),
		TradedQty: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_traded_qty_total",
			Help: "Base quantity traded, in minor units",
		}, []string{"pair"}),
		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trigger_activations_total",
			Help: "Conditional orders activated by a price tick",
		}, []string{"pair"}),
		ActivationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_trigger_activation_errors_total",
			Help: "Activated orders that could not execute",
		}, []string{"pair"}),
		SettlementErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_settlement_errors_total",
			Help: "Crosses whose ledger settlement failed",
		}, []string{"pair"}),
		JournalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spot_journal_errors_total",
			Help: "Failed journal commits",
		}),
		FeedDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_feed_drops_total",
			Help: "Market-data events dropped by a sink",
		}, []string{"sink"}),

		MatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spot_match_duration_seconds",
			Help:    "Time spent in one submit or tick under the engine lock",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}, []string{"pair"}),
		JournalDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_journal_commit_duration_seconds",
			Help:    "Pebble batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		BookOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_book_orders",
			Help: "Resting orders per side",
		}, []string{"pair", "side"}),
		PendingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_pending_conditional_orders",
			Help: "Conditional orders waiting for their trigger",
		}, []string{"pair"}),
		LastPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_last_price",
			Help: "Last market price tick, integer price units",
		}, []string{"pair"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spot_ws_clients",
			Help: "Connected WebSocket clients",
		}),
	}

	m.registry.MustRegister(
		m.OrdersSubmitted,
		m.OrdersRejected,
		m.OrdersCancelled,
		m.TradesTotal,
		m.TradedQty,
		m.Activations,
		m.ActivationErrors,
		m.SettlementErrors,
		m.JournalErrors,
		m.FeedDrops,
		m.MatchDuration,
		m.JournalDur,
		m.BookOrders,
		m.PendingOrders,
		m.LastPrice,
		m.WSClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves /metrics for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) OrderSubmitted(pair, side, kind string) {
	if m == nil {
		return
	}
	m.OrdersSubmitted.WithLabelValues(pair, side, kind).Inc()
}

func (m *Metrics) OrderRejected(pair, reason string) {
	if m == nil {
		return
	}
	m.OrdersRejected.WithLabelValues(pair, reason).Inc()
}

func (m *Metrics) OrderCancelled(pair string) {
	if m == nil {
		return
	}
	m.OrdersCancelled.WithLabelValues(pair).Inc()
}

func (m *Metrics) TradeExecuted(pair string, qty int64) {
	if m == nil {
		return
	}
	m.TradesTotal.WithLabelValues(pair).Inc()
	m.TradedQty.WithLabelValues(pair).Add(float64(qty))
}

func (m *Metrics) Activated(pair string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Activations.WithLabelValues(pair).Add(float64(n))
}

func (m *Metrics) ActivationFailed(pair string) {
	if m == nil {
		return
	}
	m.ActivationErrors.WithLabelValues(pair).Inc()
}

func (m *Metrics) SettlementFailed(pair string) {
	if m == nil {
		return
	}
	m.SettlementErrors.WithLabelValues(pair).Inc()
}

func (m *Metrics) JournalCommitted(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.JournalDur.Observe(d.Seconds())
	if err != nil {
		m.JournalErrors.Inc()
	}
}

func (m *Metrics) FeedDropped(sink string) {
	if m == nil {
		return
	}
	m.FeedDrops.WithLabelValues(sink).Inc()
}

func (m *Metrics) ObserveMatch(pair string, d time.Duration) {
	if m == nil {
		return
	}
	m.MatchDuration.WithLabelValues(pair).Observe(d.Seconds())
}

// BookState records the book and trigger index sizes after an operation.
func (m *Metrics) BookState(pair string, bids, asks, pending int) {
	if m == nil {
		return
	}
	m.BookOrders.WithLabelValues(pair, "buy").Set(float64(bids))
	m.BookOrders.WithLabelValues(pair, "sell").Set(float64(asks))
	m.PendingOrders.WithLabelValues(pair).Set(float64(pending))
}

func (m *Metrics) PriceTick(pair string, price int64) {
	if m == nil {
		return
	}
	m.LastPrice.WithLabelValues(pair).Set(float64(price))
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}
