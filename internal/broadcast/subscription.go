package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"

	"transcript-relay-service/internal/models"
)

// Reasons a subscription was closed, reported by Subscription.Err.
var (
	ErrCallEnded      = errors.New("call ended")
	ErrSlowSubscriber = errors.New("subscriber too slow")
	ErrUnsubscribed   = errors.New("unsubscribed")
)

// Subscription is one dashboard client following one call.
type Subscription struct {
	ID     string
	CallID string

	ch        chan models.EnrichedEvent
	done      chan struct{}
	closeOnce sync.Once
	err       error

	// lastQueued is guarded by the owning channel's mutex.
	lastQueued int64
	lastSent   atomic.Int64
}

func newSubscription(id, callID string, buffer int, resumeFrom int64) *Subscription {
	s := &Subscription{
		ID:         id,
		CallID:     callID,
		ch:         make(chan models.EnrichedEvent, buffer),
		done:       make(chan struct{}),
		lastQueued: resumeFrom,
	}
	s.lastSent.Store(resumeFrom)
	return s
}

// Events yields the call's events in seq order. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan models.EnrichedEvent {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err tells why the subscription ended. Valid after Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// LastSentSeq is the highest seq the client confirmed writing.
func (s *Subscription) LastSentSeq() int64 {
	return s.lastSent.Load()
}

// MarkSent records a written seq.
func (s *Subscription) MarkSent(seq int64) {
	for {
		cur := s.lastSent.Load()
		if seq <= cur || s.lastSent.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// offer queues ev without blocking. Transcript events at or below the last
// queued seq are skipped. overflowed reports a full buffer; with dropOldest
// the oldest event made room for ev. Caller holds the channel mutex.
func (s *Subscription) offer(ev models.EnrichedEvent, dropOldest bool) (queued, overflowed bool) {
	if ev.Type == models.EventTranscript {
		if ev.Seq <= s.lastQueued {
			return false, false
		}
	}
	select {
	case s.ch <- ev:
	default:
		if !dropOldest {
			return false, true
		}
		// evict the oldest queued event; the reader may have drained it already
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
		default:
			return false, true
		}
		overflowed = true
	}
	if ev.Type == models.EventTranscript {
		s.lastQueued = ev.Seq
	}
	return true, overflowed
}

// force queues ev, evicting as many old events as needed. Used for the
// final call_ended event. Caller holds the channel mutex.
func (s *Subscription) force(ev models.EnrichedEvent) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// close ends the subscription. Caller holds the channel mutex.
func (s *Subscription) close(reason error) {
	s.closeOnce.Do(func() {
		s.err = reason
		close(s.done)
		close(s.ch)
	})
}
