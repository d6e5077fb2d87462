package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/schema"
	"transcript-relay-service/internal/service/segment"
)

// ErrDuplicate is returned when a caller supplied seq was already published.
var ErrDuplicate = errors.New("duplicate segment")

// ErrStale is returned for a caller supplied seq below the call's
// high-water mark. It matches ErrDuplicate.
var ErrStale = fmt.Errorf("%w: seq behind high-water mark", ErrDuplicate)

// Calls is the part of the call registry the publisher needs.
type Calls interface {
	Activate(ctx context.Context, callID, tenantID string) (models.Call, bool, error)
	Touch(ctx context.Context, callID string, seq int64)
}

// Tracker is told about every topic that starts receiving segments.
type Tracker interface {
	Track(callID, tenantID, topic string)
}

// Config holds publisher configuration.
type Config struct {
	TopicPrefix string
	Principal   string
}

// Result describes a published segment.
type Result struct {
	CallID    string
	Seq       int64
	Topic     string
	Offset    int64
	MessageID string
}

// Publisher assigns seq numbers and appends segments to the per-call log.
// Appends for one call are serialized so log order equals seq order.
type Publisher struct {
	log       Log
	seq       *segment.Sequencer
	calls     Calls
	tracker   Tracker
	prefix    string
	principal string
	metrics   *metrics.Metrics

	locks     sync.Map // callID -> *sync.Mutex
	announced sync.Map // callID -> struct{}
}

// NewPublisher creates a publisher over l. tracker may be nil.
func NewPublisher(cfg Config, l Log, seq *segment.Sequencer, calls Calls, tracker Tracker) *Publisher {
	log.Info().
		Str("topicPrefix", cfg.TopicPrefix).
		Str("principal", cfg.Principal).
		Msg("Transcript publisher initialized")

	return &Publisher{
		log:       l,
		seq:       seq,
		calls:     calls,
		tracker:   tracker,
		prefix:    cfg.TopicPrefix,
		principal: cfg.Principal,
		metrics:   metrics.DefaultMetrics,
	}
}

// SetTracker wires the consumer after construction.
func (p *Publisher) SetTracker(t Tracker) {
	p.tracker = t
}

// Topic returns the topic of a call.
func (p *Publisher) Topic(callID string) string {
	return TopicFor(p.prefix, callID)
}

func (p *Publisher) lock(callID string) *sync.Mutex {
	if m, ok := p.locks.Load(callID); ok {
		return m.(*sync.Mutex)
	}
	m, _ := p.locks.LoadOrStore(callID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Publish appends one segment. A zero Seq is assigned here; a caller
// supplied Seq equal to the call's high-water mark yields ErrDuplicate and
// one below it ErrStale.
func (p *Publisher) Publish(ctx context.Context, seg models.TranscriptSegment) (Result, error) {
	start := time.Now()

	if strings.TrimSpace(seg.CallID) == "" {
		return Result{}, &schema.ValidationError{Field: "callId", Reason: "is required"}
	}
	if strings.TrimSpace(seg.Text) == "" {
		return Result{}, &schema.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if seg.Seq < 0 {
		return Result{}, &schema.ValidationError{Field: "seq", Reason: "must not be negative"}
	}
	seg.Kind = models.KindSegment
	if seg.TS == 0 {
		seg.TS = time.Now().UnixMilli()
	}

	res, err := p.append(ctx, seg)
	p.metrics.RecordPublish(string(models.KindSegment), err, time.Since(start).Seconds())
	if err != nil {
		return res, err
	}

	log.Debug().
		Str("callId", seg.CallID).
		Int64("seq", res.Seq).
		Bool("isFinal", seg.IsFinal).
		Str("messageId", res.MessageID).
		Msg("Segment published")
	return res, nil
}

func (p *Publisher) append(ctx context.Context, seg models.TranscriptSegment) (Result, error) {
	mu := p.lock(seg.CallID)
	mu.Lock()
	defer mu.Unlock()

	c, created, err := p.calls.Activate(ctx, seg.CallID, seg.TenantID)
	if err != nil {
		return Result{}, err
	}
	if created && c.LastSeq > 0 {
		p.seq.Seed(seg.CallID, c.LastSeq)
	}
	if seg.TenantID == "" {
		seg.TenantID = c.TenantID
	}

	topic := p.Topic(seg.CallID)
	if err := p.announce(ctx, seg.CallID, seg.TenantID, topic); err != nil {
		return Result{}, err
	}

	prev := p.seq.Current(seg.CallID)
	if seg.Seq == 0 {
		seg.Seq = p.seq.Next(seg.CallID)
	} else if !p.seq.Observe(seg.CallID, seg.Seq) {
		res := Result{CallID: seg.CallID, Seq: seg.Seq, Topic: topic}
		if seg.Seq < prev {
			return res, ErrStale
		}
		return res, ErrDuplicate
	}

	off, err := p.write(ctx, topic, seg)
	if err != nil {
		p.seq.Rollback(seg.CallID, seg.Seq, prev)
		return Result{}, err
	}
	p.calls.Touch(ctx, seg.CallID, seg.Seq)

	return Result{
		CallID:    seg.CallID,
		Seq:       seg.Seq,
		Topic:     topic,
		Offset:    off,
		MessageID: fmt.Sprintf("%s/%d", topic, off),
	}, nil
}

// announce creates the topic and hands it to the tracker the first time
// this process publishes for a call.
func (p *Publisher) announce(ctx context.Context, callID, tenantID, topic string) error {
	if _, ok := p.announced.Load(callID); ok {
		return nil
	}
	if err := p.log.EnsureTopic(ctx, topic); err != nil {
		if errors.Is(err, ErrLogUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrLogUnavailable, err)
	}
	p.announced.Store(callID, struct{}{})
	if p.tracker != nil {
		p.tracker.Track(callID, tenantID, topic)
	}
	return nil
}

func (p *Publisher) write(ctx context.Context, topic string, seg models.TranscriptSegment) (int64, error) {
	payload, err := json.Marshal(seg)
	if err != nil {
		return 0, fmt.Errorf("marshal segment: %w", err)
	}
	off, err := p.log.Append(ctx, topic, Record{
		Key:   []byte(seg.CallID),
		Value: payload,
		Headers: map[string]string{
			HeaderKind:      string(seg.Kind),
			HeaderPrincipal: p.principal,
			HeaderCallID:    seg.CallID,
			HeaderSeq:       strconv.FormatInt(seg.Seq, 10),
			HeaderTenant:    seg.TenantID,
		},
	})
	if err != nil {
		if errors.Is(err, ErrLogUnavailable) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", ErrLogUnavailable, err)
	}
	return off, nil
}

// Finish appends the end-of-call marker. The consumer ends the call's
// subscribers and purges it once the marker has been delivered.
func (p *Publisher) Finish(ctx context.Context, callID, tenantID string) error {
	start := time.Now()
	mu := p.lock(callID)
	mu.Lock()
	defer mu.Unlock()

	topic := p.Topic(callID)
	if err := p.announce(ctx, callID, tenantID, topic); err != nil {
		p.metrics.RecordPublish(string(models.KindEnd), err, time.Since(start).Seconds())
		return err
	}
	marker := models.TranscriptSegment{
		CallID:   callID,
		TenantID: tenantID,
		Seq:      p.seq.Current(callID),
		TS:       time.Now().UnixMilli(),
		Kind:     models.KindEnd,
	}
	_, err := p.write(ctx, topic, marker)
	p.metrics.RecordPublish(string(models.KindEnd), err, time.Since(start).Seconds())
	if err != nil {
		return err
	}
	log.Info().Str("callId", callID).Int64("lastSeq", marker.Seq).Msg("End of call published")
	return nil
}

// Forget drops per-call state after the call was purged.
func (p *Publisher) Forget(callID string) {
	p.seq.Forget(callID)
	p.announced.Delete(callID)
	p.locks.Delete(callID)
}

// Seed continues numbering of a call restored after a restart and marks
// its topic as already announced.
func (p *Publisher) Seed(callID string, lastSeq int64) {
	p.seq.Seed(callID, lastSeq)
	p.announced.Store(callID, struct{}{})
}
