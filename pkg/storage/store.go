package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/engine"
	"github.com/uhyunpark/hyperspot/pkg/app/core/ledger"
	"github.com/uhyunpark/hyperspot/pkg/app/core/order"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

// Store is the Pebble journal of the exchange. Each engine.Changeset is
// written as one atomic batch, and Load rebuilds the state on restart.
type Store struct {
	db  *pebble.DB
	log *zap.SugaredLogger
}

// Open opens (or creates) a Pebble database at dbPath
func Open(dbPath string, log *zap.SugaredLogger) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db, log: util.OrNop(log)}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Commit writes one operation's orders, trades, balances and reservations
// atomically.
func (s *Store) Commit(cs *engine.Changeset) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, o := range cs.Orders {
		if err := setJSON(b, orderKey(o.Pair, o.ID), o); err != nil {
			return fmt.Errorf("order %d: %w", o.ID, err)
		}
	}
	for _, t := range cs.Trades {
		if err := setJSON(b, tradeKey(t.Pair, t.ID), t); err != nil {
			return fmt.Errorf("trade %d: %w", t.ID, err)
		}
	}
	for _, e := range cs.Ledger.Balances {
		if err := setJSON(b, balanceKey(e.Owner, e.Currency), e); err != nil {
			return fmt.Errorf("balance %s/%s: %w", e.Owner, e.Currency, err)
		}
	}
	for _, r := range cs.Ledger.Reservations {
		if err := setJSON(b, reservationKey(r.ID), r); err != nil {
			return fmt.Errorf("reservation %d: %w", r.ID, err)
		}
	}
	for _, id := range cs.Ledger.ClosedReservations {
		if err := b.Delete(reservationKey(id), nil); err != nil {
			return fmt.Errorf("delete reservation %d: %w", id, err)
		}
	}
	if cs.Ledger.NextReservationID > 0 {
		if err := b.Set([]byte(keyNextRes), encodeUint64(cs.Ledger.NextReservationID), nil); err != nil {
			return err
		}
	}
	if cs.LastPrice > 0 && cs.Pair != "" {
		if err := b.Set(priceKey(cs.Pair), encodeInt64(cs.LastPrice), nil); err != nil {
			return err
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return b.Set(key, data, nil)
}

// scan calls fn for every key with the prefix, in key order
func (s *Store) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Load reads everything needed to restore an exchange. At most
// tradesPerPair recent trades are returned for each pair.
func (s *Store) Load(tradesPerPair int) (engine.RecoveredState, error) {
	st := engine.RecoveredState{LastPrices: make(map[string]int64)}

	err := s.scan([]byte(prefixBalance), func(_, v []byte) error {
		var e ledger.BalanceEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("failed to unmarshal balance: %w", err)
		}
		st.Ledger.Balances = append(st.Ledger.Balances, e)
		return nil
	})
	if err != nil {
		return st, err
	}

	err = s.scan([]byte(prefixReservation), func(_, v []byte) error {
		var r ledger.Reservation
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("failed to unmarshal reservation: %w", err)
		}
		st.Ledger.Reservations = append(st.Ledger.Reservations, r)
		return nil
	})
	if err != nil {
		return st, err
	}

	next, closer, err := s.db.Get([]byte(keyNextRes))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return st, fmt.Errorf("failed to get next reservation: %w", err)
	default:
		st.Ledger.NextReservationID, err = decodeUint64(next)
		closer.Close()
		if err != nil {
			return st, err
		}
	}

	err = s.scan([]byte(prefixOrder), func(_, v []byte) error {
		var o order.Order
		if err := json.Unmarshal(v, &o); err != nil {
			return fmt.Errorf("failed to unmarshal order: %w", err)
		}
		st.Orders = append(st.Orders, &o)
		return nil
	})
	if err != nil {
		return st, err
	}

	err = s.scan([]byte(prefixPrice), func(k, v []byte) error {
		p, err := decodeInt64(v)
		if err != nil {
			return err
		}
		st.LastPrices[strings.TrimPrefix(string(k), prefixPrice)] = p
		return nil
	})
	if err != nil {
		return st, err
	}

	for pair := range s.tradePairs(st.Orders) {
		trades, err := s.LoadRecentTrades(pair, tradesPerPair)
		if err != nil {
			return st, err
		}
		for i := len(trades) - 1; i >= 0; i-- {
			st.Trades = append(st.Trades, trades[i])
		}
	}
	sort.Slice(st.Trades, func(i, j int) bool { return st.Trades[i].ID < st.Trades[j].ID })

	s.log.Infow("store_loaded",
		"balances", len(st.Ledger.Balances), "reservations", len(st.Ledger.Reservations),
		"orders", len(st.Orders), "trades", len(st.Trades))
	return st, nil
}

// tradePairs lists the pairs that can have trades: every pair with an order.
func (s *Store) tradePairs(orders []*order.Order) map[string]struct{} {
	pairs := make(map[string]struct{})
	for _, o := range orders {
		pairs[o.Pair] = struct{}{}
	}
	return pairs
}

// LoadRecentTrades loads the most recent N trades for a pair
// Trades are returned in reverse chronological order (newest first)
func (s *Store) LoadRecentTrades(pair string, limit int) ([]order.Trade, error) {
	prefix := tradePrefix(pair)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []order.Trade
	for iter.Last(); iter.Valid() && (limit <= 0 || len(trades) < limit); iter.Prev() {
		var t order.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			s.log.Warnw("trade_decode_failed", "key", string(iter.Key()), "err", err)
			continue
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}
