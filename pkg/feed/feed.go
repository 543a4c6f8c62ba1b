// Package feed fans engine events out to external market-data sinks
// (Redis streams, Kafka, NATS, libp2p gossipsub).
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/engine"
	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

const (
	defaultBuffer  = 1024
	publishTimeout = 5 * time.Second
)

// Message is one encoded event.
// Topic is "<kind>.<SYMBOL>" for market data and "orders.<owner>" for
// order updates.
type Message struct {
	Topic   string          `json:"topic"`
	Kind    string          `json:"kind"`
	Pair    string          `json:"pair"`
	Time    int64           `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// Encode turns an engine event into a Message
func Encode(ev engine.Event) (Message, error) {
	var (
		body  any
		topic string
	)
	sym := order.Symbol(ev.Pair)
	switch ev.Kind {
	case engine.EventOrder:
		if ev.Order == nil {
			return Message{}, fmt.Errorf("order event without order")
		}
		body, topic = ev.Order, "orders."+ev.Order.Owner
	case engine.EventTrade:
		if ev.Trade == nil {
			return Message{}, fmt.Errorf("trade event without trade")
		}
		body, topic = ev.Trade, "trades."+sym
	case engine.EventBook:
		if ev.Book == nil {
			return Message{}, fmt.Errorf("book event without snapshot")
		}
		body, topic = ev.Book, "orderbook."+sym
	case engine.EventPrice:
		body, topic = map[string]int64{"price": ev.Price}, "price."+sym
	default:
		return Message{}, fmt.Errorf("unknown event kind %d", ev.Kind)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s event: %w", ev.Kind, err)
	}
	return Message{Topic: topic, Kind: ev.Kind.String(), Pair: ev.Pair, Time: ev.Time, Payload: payload}, nil
}

// Bytes returns the JSON form sent on the wire
func (m Message) Bytes() []byte {
	b, _ := json.Marshal(m)
	return b
}

// Sink delivers messages to one external system
type Sink interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type queue struct {
	sink Sink
	ch   chan Message
}

// Fanout is an engine.Observer that hands every event to each sink
// through a buffered queue. A full queue drops the message and counts it.
type Fanout struct {
	queues  []*queue
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	started bool
}

// NewFanout creates a fanout over sinks. bufferSize <= 0 uses the default.
func NewFanout(sinks []Sink, bufferSize int, log *zap.SugaredLogger, m *metrics.Metrics) *Fanout {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	f := &Fanout{log: util.OrNop(log), metrics: m}
	for _, s := range sinks {
		f.queues = append(f.queues, &queue{sink: s, ch: make(chan Message, bufferSize)})
	}
	return f
}

// Start runs one delivery goroutine per sink until Close. Publishes keep
// ctx's values but not its cancellation, so messages queued at shutdown
// are still delivered by Close.
func (f *Fanout) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.closed {
		return
	}
	f.startLocked(context.WithoutCancel(ctx))
}

func (f *Fanout) startLocked(ctx context.Context) {
	f.started = true
	for _, q := range f.queues {
		f.wg.Add(1)
		go f.run(ctx, q)
	}
}

// run delivers q until it is closed and empty
func (f *Fanout) run(ctx context.Context, q *queue) {
	defer f.wg.Done()
	for msg := range q.ch {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := q.sink.Publish(pubCtx, msg)
		cancel()
		if err != nil {
			f.metrics.FeedDropped(q.sink.Name())
			f.log.Warnw("feed_publish_failed", "sink", q.sink.Name(), "topic", msg.Topic, "err", err)
		}
	}
}

// OnEvent implements engine.Observer. It never blocks.
func (f *Fanout) OnEvent(ev engine.Event) {
	msg, err := Encode(ev)
	if err != nil {
		f.log.Warnw("feed_encode_failed", "kind", ev.Kind, "pair", ev.Pair, "err", err)
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, q := range f.queues {
		select {
		case q.ch <- msg:
		default:
			f.metrics.FeedDropped(q.sink.Name())
			f.log.Debugw("feed_dropped", "sink", q.sink.Name(), "topic", msg.Topic)
		}
	}
}

// Close delivers what is still queued, then closes every sink
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, q := range f.queues {
		close(q.ch)
	}
	if !f.started {
		f.startLocked(context.Background())
	}
	f.mu.Unlock()

	f.wg.Wait()

	var firstErr error
	for _, q := range f.queues {
		if err := q.sink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", q.sink.Name(), err)
		}
	}
	return firstErr
}
