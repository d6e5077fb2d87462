// Package segment assigns per-call sequence numbers to transcript segments.
package segment

import (
	"sync"
	"sync/atomic"
)

// Sequencer hands out strictly increasing seq values per call.
// Each call has its own atomic counter; calls never contend with each other.
type Sequencer struct {
	counters sync.Map // callID -> *atomic.Int64
}

// New creates an empty sequencer.
func New() *Sequencer {
	return &Sequencer{}
}

func (s *Sequencer) counter(callID string) *atomic.Int64 {
	if c, ok := s.counters.Load(callID); ok {
		return c.(*atomic.Int64)
	}
	c, _ := s.counters.LoadOrStore(callID, new(atomic.Int64))
	return c.(*atomic.Int64)
}

// Next returns the next seq for a call, starting at 1.
func (s *Sequencer) Next(callID string) int64 {
	return s.counter(callID).Add(1)
}

// Observe raises the counter to seq if it is behind. Returns true if seq is new.
func (s *Sequencer) Observe(callID string, seq int64) bool {
	c := s.counter(callID)
	for {
		cur := c.Load()
		if seq <= cur {
			return false
		}
		if c.CompareAndSwap(cur, seq) {
			return true
		}
	}
}

// Seed continues a call after a restart from its last persisted seq.
func (s *Sequencer) Seed(callID string, lastSeq int64) {
	s.Observe(callID, lastSeq)
}

// Rollback restores the counter to prev after seq, taken by Next or
// Observe, could not be appended. It only succeeds if no later seq was
// handed out in between.
func (s *Sequencer) Rollback(callID string, seq, prev int64) bool {
	return s.counter(callID).CompareAndSwap(seq, prev)
}

// Current returns the last seq handed out for a call.
func (s *Sequencer) Current(callID string) int64 {
	if c, ok := s.counters.Load(callID); ok {
		return c.(*atomic.Int64).Load()
	}
	return 0
}

// Forget drops the counter of a purged call.
func (s *Sequencer) Forget(callID string) {
	s.counters.Delete(callID)
}
