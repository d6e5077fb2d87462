// Package consumer reads the per-call transcript logs, enriches every
// segment and hands the result to the broadcaster. It keeps a durable
// cursor per call so a restart resumes after the last delivered entry.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"transcript-relay-service/internal/enrichment"
	"transcript-relay-service/internal/events"
	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/resilience"
	"transcript-relay-service/internal/store"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("consumer stopped")

// Dead-letter reasons.
const (
	ReasonPoison         = "poison"
	ReasonDeliveryFailed = "delivery_failed"
)

// Sink receives enriched events.
type Sink interface {
	Publish(ev models.EnrichedEvent) error
	EndCall(callID string)
}

// Cursors persists the last delivered offset per (group, topic).
type Cursors interface {
	Get(ctx context.Context, group, topic string) (int64, error)
	Commit(ctx context.Context, group, topic, callID string, offset int64) error
	Delete(ctx context.Context, group, topic string) error
	List(ctx context.Context, group string) ([]store.Cursor, error)
}

// Calls is the part of the call registry the consumer needs.
type Calls interface {
	Purge(ctx context.Context, callID string) bool
}

// FatalReporter records unrecoverable persistence failures.
type FatalReporter interface {
	MarkFatal(component string, err error)
}

// Config holds consumer settings.
type Config struct {
	Group         string
	MaxAttempts   int
	Backoff       resilience.Backoff
	CommitRetries int
	CommitBackoff resilience.Backoff
	CommitTimeout time.Duration
	// PurgeLog deletes the call's topic once its end marker was handled.
	PurgeLog bool
}

// DefaultConfig returns the default retry budget.
func DefaultConfig() Config {
	return Config{
		Group:       "enrichment",
		MaxAttempts: 4,
		Backoff: resilience.Backoff{
			Initial:    200 * time.Millisecond,
			Max:        5 * time.Second,
			Multiplier: 2,
		},
		CommitRetries: 5,
		CommitBackoff: resilience.Backoff{
			Initial:    50 * time.Millisecond,
			Max:        2 * time.Second,
			Multiplier: 2,
		},
		CommitTimeout: 5 * time.Second,
	}
}

// Stats is a snapshot of consumer counters.
type Stats struct {
	Topics       int   `json:"topics"`
	Delivered    int64 `json:"delivered"`
	DeadLettered int64 `json:"deadLettered"`
}

// Option customises a Consumer.
type Option func(*Consumer)

// WithCalls purges finished calls from the registry.
func WithCalls(calls Calls) Option {
	return func(c *Consumer) { c.calls = calls }
}

// WithFatalReporter reports cursor persistence failures.
func WithFatalReporter(h FatalReporter) Option {
	return func(c *Consumer) { c.health = h }
}

// WithOnPurged is called after a call was fully released.
func WithOnPurged(fn func(callID string)) Option {
	return func(c *Consumer) { c.onPurged = fn }
}

type tracked struct {
	callID   string
	tenantID string
	topic    string
	cancel   context.CancelFunc
	done     chan struct{}
}

// Consumer runs one reader goroutine per tracked call topic.
type Consumer struct {
	cfg         Config
	log         events.Log
	cursors     Cursors
	enricher    enrichment.Enricher
	sink        Sink
	deadLetters events.DeadLetterSink
	calls       Calls
	health      FatalReporter
	onPurged    func(callID string)

	mu      sync.Mutex
	topics  map[string]*tracked // callID -> reader
	runCtx  context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup

	delivered    atomic.Int64
	deadLettered atomic.Int64

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a consumer. Readers start with Start.
func New(cfg Config, l events.Log, cursors Cursors, enricher enrichment.Enricher, sink Sink, dl events.DeadLetterSink, opts ...Option) *Consumer {
	def := DefaultConfig()
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.CommitRetries < 1 {
		cfg.CommitRetries = 1
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = def.CommitTimeout
	}
	c := &Consumer{
		cfg:         cfg,
		log:         l,
		cursors:     cursors,
		enricher:    enricher,
		sink:        sink,
		deadLetters: dl,
		topics:      make(map[string]*tracked),
		metrics:     metrics.DefaultMetrics,
		logger:      logging.WithComponent("consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start resumes every topic that has a cursor in this group and launches
// readers for calls tracked before Start.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.runCtx != nil {
		c.mu.Unlock()
		return nil
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	cursors, err := c.cursors.List(ctx, c.cfg.Group)
	if err != nil {
		return fmt.Errorf("list cursors: %w", err)
	}
	for _, cur := range cursors {
		c.Track(cur.CallID, "", cur.Topic)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	for _, t := range c.topics {
		if t.cancel == nil {
			c.launch(t)
		}
	}
	n := len(c.topics)
	c.mu.Unlock()

	c.metrics.SetConsumerTopics(n)
	c.logger.Info().
		Str("group", c.cfg.Group).
		Int("topics", n).
		Int("restoredCursors", len(cursors)).
		Msg("Consumer started")
	return nil
}

// Run starts the consumer and stops it when ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.Stop()
	return nil
}

// Track starts reading topic for callID. Repeated calls are no-ops.
func (c *Consumer) Track(callID, tenantID, topic string) {
	if callID == "" || topic == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if _, ok := c.topics[callID]; ok {
		return
	}
	t := &tracked{
		callID:   callID,
		tenantID: tenantID,
		topic:    topic,
		done:     make(chan struct{}),
	}
	c.topics[callID] = t
	if c.runCtx != nil {
		c.launch(t)
		c.metrics.SetConsumerTopics(len(c.topics))
	}
}

// launch starts t's reader. Caller holds c.mu.
func (c *Consumer) launch(t *tracked) {
	ctx, cancel := context.WithCancel(c.runCtx)
	t.cancel = cancel
	c.wg.Add(1)
	go c.consume(ctx, t)
}

// Untrack stops the reader of callID and waits for it to exit.
func (c *Consumer) Untrack(callID string) {
	c.mu.Lock()
	t, ok := c.topics[callID]
	if ok {
		delete(c.topics, callID)
		c.metrics.SetConsumerTopics(len(c.topics))
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Stop cancels every reader and waits for in-flight commits. Every call
// waits, including ones racing an earlier Stop.
func (c *Consumer) Stop() {
	c.mu.Lock()
	first := !c.stopped
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	if !first {
		return
	}
	c.logger.Info().
		Int64("delivered", c.delivered.Load()).
		Int64("deadLettered", c.deadLettered.Load()).
		Msg("Consumer stopped")
}

// Stats returns current counters.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	n := len(c.topics)
	c.mu.Unlock()
	return Stats{
		Topics:       n,
		Delivered:    c.delivered.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}

func (c *Consumer) release(t *tracked) {
	c.mu.Lock()
	if cur, ok := c.topics[t.callID]; ok && cur == t {
		delete(c.topics, t.callID)
		c.metrics.SetConsumerTopics(len(c.topics))
	}
	c.mu.Unlock()
}

func (c *Consumer) consume(ctx context.Context, t *tracked) {
	defer c.wg.Done()
	defer close(t.done)

	log := logging.WithCall(t.callID, t.tenantID).With().
		Str("topic", t.topic).
		Str("group", c.cfg.Group).
		Logger()

	after, err := c.loadCursor(ctx, t)
	if err != nil {
		if ctx.Err() == nil {
			c.fatal(err)
			log.Error().Err(err).Msg("Cursor unavailable, reader not started")
		}
		c.release(t)
		return
	}

	reader, err := c.open(ctx, t, after)
	if err != nil {
		c.release(t)
		return
	}
	defer reader.Close()

	log.Info().Int64("after", after).Msg("Reader started")

	for {
		entry, err := reader.Fetch(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, events.ErrTopicPurged), errors.Is(err, events.ErrLogClosed):
				log.Info().Err(err).Msg("Reader finished")
				c.release(t)
				return
			}
			log.Warn().Err(err).Msg("Fetch failed, retrying")
			if resilience.Sleep(ctx, c.cfg.Backoff.Delay(0)) != nil {
				return
			}
			continue
		}

		ended, ok := c.handle(ctx, t, entry, log)
		if !ok {
			return
		}
		if ended {
			c.finish(ctx, t, log)
			return
		}
	}
}

func (c *Consumer) loadCursor(ctx context.Context, t *tracked) (int64, error) {
	var after int64
	err := resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: c.cfg.CommitRetries, Backoff: c.cfg.CommitBackoff},
		func(ctx context.Context, _ int) error {
			var err error
			after, err = c.cursors.Get(ctx, c.cfg.Group, t.topic)
			return err
		}, nil)
	return after, err
}

// open retries until the log accepts the reader or ctx ends.
func (c *Consumer) open(ctx context.Context, t *tracked, after int64) (events.Reader, error) {
	for attempt := 0; ; attempt++ {
		r, err := c.log.Open(ctx, t.topic, after)
		if err == nil {
			return r, nil
		}
		if errors.Is(err, events.ErrLogClosed) {
			return nil, err
		}
		wait := c.cfg.Backoff.Delay(attempt)
		c.logger.Warn().Err(err).Str("topic", t.topic).Dur("wait", wait).Msg("Open reader failed, retrying")
		if err := resilience.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// handle processes one entry and commits its offset. ok is false when the
// reader must stop without advancing.
func (c *Consumer) handle(ctx context.Context, t *tracked, entry events.Entry, log zerolog.Logger) (ended, ok bool) {
	var seg models.TranscriptSegment
	if err := json.Unmarshal(entry.Value, &seg); err != nil || seg.CallID == "" {
		if err == nil {
			err = errors.New("segment has no callId")
		}
		if !c.deadLetter(ctx, t, entry, seg, ReasonPoison, err, 0, log) {
			return false, false
		}
		return false, c.commit(ctx, t, entry.Offset, log)
	}

	// not committed: finish deletes the cursor, and a crash before that
	// replays the marker, which is safe to handle twice
	if seg.IsEnd() {
		return true, true
	}

	err := resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: c.cfg.MaxAttempts, Backoff: c.cfg.Backoff},
		func(ctx context.Context, _ int) error {
			return c.deliver(ctx, seg)
		},
		func(attempt int, err error, wait time.Duration) {
			c.metrics.RecordRetry()
			log.Warn().Err(err).
				Int64("seq", seg.Seq).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("Delivery failed, retrying")
		})
	switch {
	case err == nil:
		c.delivered.Add(1)
		c.metrics.RecordDelivery("ok")
	case ctx.Err() != nil:
		// shutting down; the entry is redelivered after restart
		return false, false
	default:
		attempts := 1
		var ae *resilience.AttemptError
		if errors.As(err, &ae) {
			attempts = ae.Attempts
		}
		c.metrics.RecordDelivery("dead_letter")
		if !c.deadLetter(ctx, t, entry, seg, ReasonDeliveryFailed, err, attempts, log) {
			return false, false
		}
	}
	return false, c.commit(ctx, t, entry.Offset, log)
}

func (c *Consumer) deliver(ctx context.Context, seg models.TranscriptSegment) error {
	res, err := c.enricher.Enrich(ctx, enrichment.RequestFromSegment(seg))
	if err != nil {
		return fmt.Errorf("enrich: %w", err)
	}
	if err := c.sink.Publish(models.NewTranscriptEvent(seg, res)); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	return nil
}

// deadLetter writes entry to the dead-letter sink with the commit retry
// budget. When the sink stays down the reader stops without committing,
// so the entry is redelivered after a restart.
func (c *Consumer) deadLetter(ctx context.Context, t *tracked, entry events.Entry, seg models.TranscriptSegment, reason string, cause error, attempts int, log zerolog.Logger) bool {
	dl := events.DeadLetter{
		Topic:    entry.Topic,
		Offset:   entry.Offset,
		CallID:   seg.CallID,
		Seq:      seg.Seq,
		Reason:   reason,
		Error:    cause.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if json.Valid(entry.Value) {
		dl.Payload = json.RawMessage(entry.Value)
	}
	if dl.CallID == "" {
		dl.CallID = entry.Headers[events.HeaderCallID]
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()
	err := resilience.Retry(sctx, resilience.RetryConfig{MaxAttempts: c.cfg.CommitRetries, Backoff: c.cfg.CommitBackoff},
		func(ctx context.Context, _ int) error {
			return c.deadLetters.Send(ctx, dl)
		}, nil)
	if err != nil {
		c.metrics.RecordDeadLetterFailure(reason)
		c.fatal(fmt.Errorf("dead letter %s@%d: %w", entry.Topic, entry.Offset, err))
		log.Error().Err(err).
			Int64("offset", entry.Offset).
			Str("reason", reason).
			Msg("Dead letter could not be written, reader stopped")
		c.release(t)
		return false
	}
	c.deadLettered.Add(1)
	c.metrics.RecordDeadLetter(reason)
	log.Warn().Err(cause).
		Int64("offset", entry.Offset).
		Int64("seq", seg.Seq).
		Str("reason", reason).
		Int("attempts", attempts).
		Msg("Entry dead-lettered")
	return true
}

// commit stores offset with its own retry budget on a context that
// outlives cancellation, so Stop waits for it.
func (c *Consumer) commit(ctx context.Context, t *tracked, offset int64, log zerolog.Logger) bool {
	start := time.Now()
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()

	err := resilience.Retry(cctx, resilience.RetryConfig{MaxAttempts: c.cfg.CommitRetries, Backoff: c.cfg.CommitBackoff},
		func(ctx context.Context, _ int) error {
			return c.cursors.Commit(ctx, c.cfg.Group, t.topic, t.callID, offset)
		}, nil)
	c.metrics.RecordCommit(time.Since(start).Seconds())
	if err != nil {
		c.fatal(fmt.Errorf("commit cursor %s@%d: %w", t.topic, offset, err))
		log.Error().Err(err).Int64("offset", offset).Msg("Cursor commit failed, reader stopped")
		c.release(t)
		return false
	}
	return true
}

// finish releases everything the call still holds once its end marker
// was delivered.
func (c *Consumer) finish(ctx context.Context, t *tracked, log zerolog.Logger) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()

	c.sink.EndCall(t.callID)
	if err := c.cursors.Delete(dctx, c.cfg.Group, t.topic); err != nil {
		log.Warn().Err(err).Msg("Cursor delete failed")
	}
	if c.calls != nil {
		c.calls.Purge(dctx, t.callID)
	}
	if c.cfg.PurgeLog {
		if err := c.log.Purge(dctx, t.topic); err != nil {
			log.Warn().Err(err).Msg("Topic purge failed")
		}
	}
	c.release(t)
	if c.onPurged != nil {
		c.onPurged(t.callID)
	}
	log.Info().Msg("Call purged")
}

func (c *Consumer) fatal(err error) {
	if c.health != nil {
		c.health.MarkFatal("consumer", err)
	}
}
