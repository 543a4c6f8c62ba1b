package engine

import "sync/atomic"

// Sequencer generates strictly monotonic ids shared by all engines.
type Sequencer struct {
	next atomic.Uint64
}

// NewSequencer starts after start: 0 on a fresh exchange, the highest
// recovered id after a restart.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next id.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued id.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Advance moves the sequencer forward to at least v. Used after recovery.
func (s *Sequencer) Advance(v uint64) {
	for {
		cur := s.next.Load()
		if cur >= v || s.next.CompareAndSwap(cur, v) {
			return
		}
	}
}
