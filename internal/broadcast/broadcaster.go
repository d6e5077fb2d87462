// Package broadcast fans enriched events out to the dashboard clients
// following each call.
package broadcast

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	nanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("broadcaster closed")

var errCallGone = errors.New("call already ended")

// errChannelReaped marks a channel dropped after its last subscriber left
// before any event arrived. Holders retry with a fresh channel.
var errChannelReaped = errors.New("call channel reaped")

// Policy decides what happens when a subscriber's buffer is full.
type Policy string

const (
	// PolicyDropOldest evicts the oldest queued event.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyDisconnect closes the slow subscription.
	PolicyDisconnect Policy = "disconnect"
)

// endedCalls bounds the memory of recently ended calls.
const endedCalls = 4096

// Config holds broadcaster settings.
type Config struct {
	ReplaySize       int
	SubscriberBuffer int
	OverflowPolicy   Policy
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		ReplaySize:       256,
		SubscriberBuffer: 64,
		OverflowPolicy:   PolicyDropOldest,
	}
}

// callChannel holds the subscribers, replay ring and high-water mark of one call.
type callChannel struct {
	mu        sync.Mutex
	callID    string
	subs      map[string]*Subscription
	ring      []models.EnrichedEvent
	next      int // ring write position
	full      bool
	highWater int64
	gone      error // set once the channel left the registry
}

func (c *callChannel) record(ev models.EnrichedEvent) {
	c.ring[c.next] = ev
	c.next = (c.next + 1) % len(c.ring)
	if c.next == 0 {
		c.full = true
	}
}

// replay returns ring events with seq > after, oldest first.
func (c *callChannel) replay(after int64) []models.EnrichedEvent {
	var out []models.EnrichedEvent
	start, n := 0, c.next
	if c.full {
		start, n = c.next, len(c.ring)
	}
	for i := 0; i < n; i++ {
		ev := c.ring[(start+i)%len(c.ring)]
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}

// Broadcaster keeps one callChannel per call. The registry lock only guards
// lookup and creation; publishing to a call takes that call's lock.
type Broadcaster struct {
	cfg Config

	mu     sync.RWMutex
	calls  map[string]*callChannel
	ended  *lru.Cache[string, struct{}]
	closed bool

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a broadcaster. Zero values in cfg take the defaults.
func New(cfg Config) *Broadcaster {
	def := DefaultConfig()
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = def.ReplaySize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = def.OverflowPolicy
	}
	ended, _ := lru.New[string, struct{}](endedCalls)

	b := &Broadcaster{
		cfg:     cfg,
		calls:   make(map[string]*callChannel),
		ended:   ended,
		metrics: metrics.DefaultMetrics,
		log:     logging.WithComponent("broadcaster"),
	}
	b.log.Info().
		Int("replaySize", cfg.ReplaySize).
		Int("subscriberBuffer", cfg.SubscriberBuffer).
		Str("overflowPolicy", string(cfg.OverflowPolicy)).
		Msg("Broadcaster initialized")
	return b
}

func (b *Broadcaster) channel(callID string) (*callChannel, error) {
	b.mu.RLock()
	c, ok := b.calls[callID]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return c, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if c, ok := b.calls[callID]; ok {
		return c, nil
	}
	if b.ended.Contains(callID) {
		return nil, errCallGone
	}
	c = &callChannel{
		callID: callID,
		subs:   make(map[string]*Subscription),
		ring:   make([]models.EnrichedEvent, b.cfg.ReplaySize),
	}
	b.calls[callID] = c
	return c, nil
}

// Subscribe registers a client for callID. With resumeFrom set, ring
// events with a greater seq are queued before any live event. Subscribing
// to a call that already ended yields only its call_ended event.
func (b *Broadcaster) Subscribe(callID string, resumeFrom *int64) (*Subscription, error) {
	id, err := nanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate subscription id: %w", err)
	}
	var after int64
	if resumeFrom != nil && *resumeFrom > 0 {
		after = *resumeFrom
	}

	for {
		c, err := b.channel(callID)
		if errors.Is(err, errCallGone) {
			return endedSubscription(id, callID, after), nil
		}
		if err != nil {
			return nil, err
		}
		sub, err := b.attach(c, id, resumeFrom, after)
		if errors.Is(err, errChannelReaped) {
			continue
		}
		return sub, err
	}
}

func (b *Broadcaster) attach(c *callChannel, id string, resumeFrom *int64, after int64) (*Subscription, error) {
	callID := c.callID
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone != nil {
		if errors.Is(c.gone, errCallGone) {
			return endedSubscription(id, callID, after), nil
		}
		return nil, c.gone
	}

	var backlog []models.EnrichedEvent
	if resumeFrom != nil {
		backlog = c.replay(after)
	}
	sub := newSubscription(id, callID, b.cfg.SubscriberBuffer+len(backlog), after)
	for _, ev := range backlog {
		sub.offer(ev, false)
	}
	c.subs[sub.ID] = sub
	b.metrics.RecordSubscriberAdded()

	l := logging.WithSubscriber(callID, sub.ID)
	l.Info().
		Int64("resumeFrom", after).
		Int("replayed", len(backlog)).
		Int("subscribers", len(c.subs)).
		Msg("Subscriber added")
	return sub, nil
}

func endedSubscription(id, callID string, after int64) *Subscription {
	sub := newSubscription(id, callID, 1, after)
	sub.force(models.EnrichedEvent{Type: models.EventCallEnded, CallID: callID})
	sub.close(ErrCallEnded)
	return sub
}

// Publish records ev and offers it to every subscriber of its call without
// blocking. Transcript events at or below the call's high-water mark are
// duplicates and dropped.
func (b *Broadcaster) Publish(ev models.EnrichedEvent) error {
	for {
		c, err := b.channel(ev.CallID)
		if errors.Is(err, errCallGone) {
			b.log.Debug().Str("callId", ev.CallID).Str("type", ev.Type).Msg("Event for ended call dropped")
			return nil
		}
		if err != nil {
			return err
		}
		if err := b.publish(c, ev); !errors.Is(err, errChannelReaped) {
			return err
		}
	}
}

func (b *Broadcaster) publish(c *callChannel, ev models.EnrichedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone != nil {
		if errors.Is(c.gone, errCallGone) {
			return nil
		}
		return c.gone
	}

	if ev.Type == models.EventTranscript {
		if ev.Seq <= c.highWater {
			b.metrics.RecordDuplicate()
			b.log.Debug().
				Str("callId", ev.CallID).
				Int64("seq", ev.Seq).
				Int64("highWater", c.highWater).
				Msg("Duplicate event dropped")
			return nil
		}
		c.highWater = ev.Seq
		c.record(ev)
	}

	dropOldest := b.cfg.OverflowPolicy != PolicyDisconnect
	for id, sub := range c.subs {
		_, overflowed := sub.offer(ev, dropOldest)
		if !overflowed {
			continue
		}
		b.metrics.RecordOverflow(string(b.cfg.OverflowPolicy))
		if dropOldest {
			continue
		}
		delete(c.subs, id)
		sub.close(ErrSlowSubscriber)
		b.metrics.RecordSubscriberRemoved()
		l := logging.WithSubscriber(ev.CallID, id)
		l.Warn().
			Int64("seq", ev.Seq).
			Msg("Slow subscriber disconnected")
	}
	b.metrics.RecordBroadcast(ev.Type)
	return nil
}

// Unsubscribe removes one subscription, typically after a write failure.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.RLock()
	c, ok := b.calls[sub.CallID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub.ID]; !ok {
		return
	}
	delete(c.subs, sub.ID)
	sub.close(ErrUnsubscribed)
	b.metrics.RecordSubscriberRemoved()
	l := logging.WithSubscriber(sub.CallID, sub.ID)
	l.Debug().
		Int64("lastSentSeq", sub.LastSentSeq()).
		Msg("Subscriber removed")

	if len(c.subs) == 0 && c.highWater == 0 {
		b.reap(sub.CallID, c)
	}
}

// reap forgets a channel that never carried an event and lost its last
// subscriber. Callers hold c.mu.
func (b *Broadcaster) reap(callID string, c *callChannel) {
	b.mu.Lock()
	if b.calls[callID] == c {
		delete(b.calls, callID)
	}
	b.mu.Unlock()
	c.gone = errChannelReaped
}

// EndCall sends call_ended to the call's subscribers, closes them and
// forgets the call. Later subscribers get call_ended immediately.
func (b *Broadcaster) EndCall(callID string) {
	b.mu.Lock()
	c, ok := b.calls[callID]
	delete(b.calls, callID)
	b.ended.Add(callID, struct{}{})
	b.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gone = errCallGone
	ev := models.EnrichedEvent{Type: models.EventCallEnded, CallID: callID}
	for id, sub := range c.subs {
		sub.force(ev)
		sub.close(ErrCallEnded)
		delete(c.subs, id)
		b.metrics.RecordSubscriberRemoved()
	}
	b.metrics.RecordBroadcast(models.EventCallEnded)
	b.log.Info().Str("callId", callID).Int64("lastSeq", c.highWater).Msg("Call ended for subscribers")
}

// ActiveCalls returns the number of calls with a channel.
func (b *Broadcaster) ActiveCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.calls)
}

// SubscriberCount returns the subscribers of one call.
func (b *Broadcaster) SubscriberCount(callID string) int {
	b.mu.RLock()
	c, ok := b.calls[callID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// SubscriptionsCount returns the subscribers across all calls.
func (b *Broadcaster) SubscriptionsCount() int {
	b.mu.RLock()
	calls := make([]*callChannel, 0, len(b.calls))
	for _, c := range b.calls {
		calls = append(calls, c)
	}
	b.mu.RUnlock()

	n := 0
	for _, c := range calls {
		c.mu.Lock()
		n += len(c.subs)
		c.mu.Unlock()
	}
	return n
}

// Close ends every subscription. Publish and Subscribe fail afterwards.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	calls := b.calls
	b.calls = make(map[string]*callChannel)
	b.mu.Unlock()

	n := 0
	for _, c := range calls {
		c.mu.Lock()
		c.gone = ErrClosed
		for id, sub := range c.subs {
			sub.close(ErrClosed)
			delete(c.subs, id)
			b.metrics.RecordSubscriberRemoved()
			n++
		}
		c.mu.Unlock()
	}
	b.log.Info().Int("subscriptions", n).Msg("Broadcaster closed")
}
