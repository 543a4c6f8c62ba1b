package storage

import (
	"encoding/binary"
	"fmt"
)

// Pebble key schema
// Orders and trades are keyed by pair then zero-padded id, so a prefix
// scan returns them in creation order.
const (
	prefixBalance     = "bal:"   // bal:{owner}:{currency}
	prefixReservation = "res:"   // res:{id}
	prefixOrder       = "ord:"   // ord:{pair}:{id}
	prefixTrade       = "trade:" // trade:{pair}:{id}
	prefixPrice       = "px:"    // px:{pair}
	keyNextRes        = "meta:next_reservation"
)

func balanceKey(owner, currency string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, owner, currency))
}

func reservationKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixReservation, id))
}

func orderKey(pair string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOrder, pair, id))
}

func tradeKey(pair string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, pair, id))
}

// tradePrefix returns the prefix for all trades of a pair
// Format: "trade:{pair}:"
func tradePrefix(pair string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, pair))
}

func priceKey(pair string) []byte {
	return []byte(prefixPrice + pair)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "ord:ES/USD:" -> upper bound "ord:ES/USD;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid uint64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func encodeInt64(v int64) []byte { return encodeUint64(uint64(v)) }

func decodeInt64(b []byte) (int64, error) {
	v, err := decodeUint64(b)
	return int64(v), err
}
