package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/observability/metrics"
	"transcript-relay-service/internal/resilience"
)

// Session errors.
var (
	ErrNotOpen            = errors.New("stt stream is not open")
	ErrSessionClosed      = errors.New("stt session closed")
	ErrFirstResultTimeout = errors.New("no result from stt provider before timeout")
)

// SocketState is the connection state of the provider stream.
type SocketState int32

const (
	StateConnecting SocketState = iota
	StateOpen
	StateClosed
)

func (s SocketState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// EventType tags session events.
type EventType string

const (
	EventPartial        EventType = "partial"
	EventFinal          EventType = "final"
	EventEndOfUtterance EventType = "end_of_utterance"
	// EventTimeout is emitted when the provider stayed silent after audio
	// was sent. The stream is recycled afterwards.
	EventTimeout EventType = "timeout"
	// EventError reports a recoverable provider error.
	EventError EventType = "error"
	// EventFatal means recycling gave up; the session is unusable.
	EventFatal EventType = "fatal"
)

// Event is one result or notification from a session.
type Event struct {
	Type       EventType
	Text       string
	Confidence float64
	Err        error
}

// SessionConfig controls timeouts and recycling.
type SessionConfig struct {
	Provider           string
	FirstResultTimeout time.Duration
	MaxRecycles        int
	Backoff            resilience.Backoff
	EventBuffer        int
	// DrainTimeout is how long Close waits for late results after the
	// provider stream was closed.
	DrainTimeout time.Duration
}

// Session owns the provider stream of one call. When the provider does not
// answer within FirstResultTimeout after audio was sent, or fails, the
// stream is closed and reopened with backoff. Callbacks from a replaced
// stream are ignored.
type Session struct {
	factory Factory
	stream  StreamConfig
	cfg     SessionConfig
	callID  string

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32
	gen   atomic.Uint64

	mu       sync.Mutex
	adapter  Adapter
	timer    *time.Timer
	awaiting bool
	recycles int
	closing  bool

	emitMu    sync.RWMutex
	closed    bool
	events    chan Event
	closeOnce sync.Once

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewSession creates a session. Call Open to connect.
func NewSession(ctx context.Context, factory Factory, sc StreamConfig, cfg SessionConfig, callID, tenantID string) *Session {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Provider == "" {
		cfg.Provider = "unknown"
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		factory: factory,
		stream:  sc,
		cfg:     cfg,
		callID:  callID,
		ctx:     sctx,
		cancel:  cancel,
		events:  make(chan Event, cfg.EventBuffer),
		log:     logging.WithStream(callID, tenantID, cfg.Provider),
		metrics: metrics.DefaultMetrics,
	}
	s.state.Store(int32(StateClosed))
	return s
}

// Open connects the first provider stream.
func (s *Session) Open() error {
	return s.connect()
}

// Events returns the result channel. It is closed by Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the provider socket state.
func (s *Session) State() SocketState {
	return SocketState(s.state.Load())
}

// Recycles returns the number of consecutive recycles without a result.
func (s *Session) Recycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recycles
}

func (s *Session) connect() error {
	s.state.Store(int32(StateConnecting))
	gen := s.gen.Add(1)

	a, err := s.factory(s.ctx, s.stream)
	if err != nil {
		return fmt.Errorf("create stt adapter: %w", err)
	}
	if err := a.Start(s.ctx, &genCallback{s: s, gen: gen}); err != nil {
		_ = a.Close()
		return fmt.Errorf("start stt stream: %w", err)
	}

	s.mu.Lock()
	if s.closing || s.gen.Load() != gen {
		s.mu.Unlock()
		_ = a.Close()
		return ErrSessionClosed
	}
	s.adapter = a
	s.awaiting = true
	s.stopTimerLocked()
	s.mu.Unlock()

	if l, ok := a.(Listener); ok {
		go l.Listen()
	}
	s.state.Store(int32(StateOpen))
	s.log.Info().Uint64("generation", gen).Msg("STT stream open")
	return nil
}

// SendAudio forwards one frame. Frames sent while the stream is being
// recycled fail with ErrNotOpen and are dropped by the caller.
func (s *Session) SendAudio(ctx context.Context, frame []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if s.State() != StateOpen {
		return ErrNotOpen
	}

	s.mu.Lock()
	a := s.adapter
	gen := s.gen.Load()
	if a == nil {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.awaiting && s.timer == nil && s.cfg.FirstResultTimeout > 0 {
		s.timer = time.AfterFunc(s.cfg.FirstResultTimeout, func() { s.onTimeout(gen) })
	}
	s.mu.Unlock()

	if err := a.SendAudio(ctx, frame); err != nil {
		s.metrics.RecordASRError(s.cfg.Provider, "send")
		go s.recycle(gen, err)
		return fmt.Errorf("send audio: %w", err)
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	return s.closed
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// accept reports whether a callback belongs to the current stream and
// marks the first result as received.
func (s *Session) accept(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen.Load() {
		return false
	}
	s.awaiting = false
	s.recycles = 0
	s.stopTimerLocked()
	return true
}

func (s *Session) onTimeout(gen uint64) {
	s.mu.Lock()
	stale := gen != s.gen.Load() || !s.awaiting || s.closing
	s.timer = nil
	s.mu.Unlock()
	if stale {
		return
	}

	s.metrics.RecordASRTimeout()
	s.log.Warn().
		Dur("timeout", s.cfg.FirstResultTimeout).
		Msg("STT provider sent no result, recycling stream")
	s.emit(Event{Type: EventTimeout, Err: ErrFirstResultTimeout})
	s.recycle(gen, ErrFirstResultTimeout)
}

// recycle replaces the stream of generation gen. The generation is bumped
// first, so concurrent triggers for the same stream recycle it only once.
func (s *Session) recycle(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen.Load() || s.closing {
		s.mu.Unlock()
		return
	}
	old := s.adapter
	s.adapter = nil
	s.awaiting = false
	s.stopTimerLocked()
	// invalidate callbacks of the old stream right away
	s.gen.Add(1)
	s.mu.Unlock()

	s.state.Store(int32(StateConnecting))
	if old != nil {
		_ = old.Close()
	}

	for {
		s.mu.Lock()
		s.recycles++
		n := s.recycles
		closing := s.closing
		s.mu.Unlock()
		if closing {
			return
		}

		if n > s.cfg.MaxRecycles {
			s.state.Store(int32(StateClosed))
			s.metrics.RecordASRError(s.cfg.Provider, "recycles_exhausted")
			err := fmt.Errorf("stt stream failed after %d recycles: %w", n-1, cause)
			s.log.Error().Err(err).Msg("STT session giving up")
			s.emit(Event{Type: EventFatal, Err: err})
			return
		}

		s.metrics.RecordASRRecycle()
		wait := s.cfg.Backoff.Delay(n - 1)
		s.log.Info().
			Int("recycle", n).
			Dur("backoff", wait).
			AnErr("cause", cause).
			Msg("Recycling STT stream")
		if err := resilience.Sleep(s.ctx, wait); err != nil {
			return
		}
		err := s.connect()
		if err == nil {
			return
		}
		if errors.Is(err, ErrSessionClosed) {
			return
		}
		cause = err
		s.log.Warn().Err(err).Int("recycle", n).Msg("STT reconnect failed")
	}
}

func (s *Session) emit(ev Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Close stops the provider stream, waits DrainTimeout for late results
// and closes the event channel. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		a := s.adapter
		s.adapter = nil
		s.stopTimerLocked()
		s.mu.Unlock()

		if a != nil {
			err = a.Close()
			if s.cfg.DrainTimeout > 0 {
				t := time.NewTimer(s.cfg.DrainTimeout)
				select {
				case <-t.C:
				case <-s.ctx.Done():
					t.Stop()
				}
			}
		}

		s.state.Store(int32(StateClosed))
		s.cancel()

		s.emitMu.Lock()
		s.closed = true
		close(s.events)
		s.emitMu.Unlock()

		s.log.Info().Msg("STT session closed")
	})
	return err
}

// genCallback routes provider callbacks into the session, tagged with the
// stream generation they belong to.
type genCallback struct {
	s   *Session
	gen uint64
}

func (c *genCallback) OnPartial(text string) {
	if !c.s.accept(c.gen) {
		return
	}
	if strings.TrimSpace(text) == "" {
		c.s.metrics.RecordASREmpty()
		c.s.log.Debug().Msg("Empty partial from STT provider ignored")
		return
	}
	c.s.metrics.RecordASRResult(c.s.cfg.Provider, false)
	c.s.emit(Event{Type: EventPartial, Text: text})
}

func (c *genCallback) OnFinal(text string, confidence float64) {
	if !c.s.accept(c.gen) {
		return
	}
	if strings.TrimSpace(text) == "" {
		c.s.metrics.RecordASREmpty()
		c.s.log.Warn().Str("anomaly", "empty_transcript").Msg("Empty final from STT provider ignored")
		return
	}
	c.s.metrics.RecordASRResult(c.s.cfg.Provider, true)
	c.s.emit(Event{Type: EventFinal, Text: text, Confidence: confidence})
}

func (c *genCallback) OnEndOfUtterance() {
	if c.gen != c.s.gen.Load() {
		return
	}
	c.s.metrics.RecordUtterance()
	c.s.emit(Event{Type: EventEndOfUtterance})
}

func (c *genCallback) OnError(err error) {
	if c.gen != c.s.gen.Load() {
		return
	}
	c.s.mu.Lock()
	closing := c.s.closing
	c.s.mu.Unlock()
	if closing {
		return
	}
	c.s.metrics.RecordASRError(c.s.cfg.Provider, "stream")
	c.s.log.Warn().Err(err).Msg("STT stream error")
	c.s.emit(Event{Type: EventError, Err: err})
	go c.s.recycle(c.gen, err)
}
