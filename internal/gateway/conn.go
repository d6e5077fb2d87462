package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"transcript-relay-service/internal/events"
	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/observability/logging"
	"transcript-relay-service/internal/resilience"
	"transcript-relay-service/internal/schema"
	"transcript-relay-service/internal/service/call"
	"transcript-relay-service/internal/service/stt"
)

// Close reasons, also used as frame drop reasons where they apply.
const (
	reasonStop          = "stop"
	reasonClientClosed  = "client_closed"
	reasonIdle          = "idle_timeout"
	reasonReadError     = "read_error"
	reasonMaxAudio      = "max_audio_bytes"
	reasonMaxDuration   = "max_duration"
	reasonASRFatal      = "asr_fatal"
	reasonPublishFailed = "publish_failed"
	reasonCallRejected  = "call_rejected"
)

// Frame drop reasons.
const (
	dropBeforeStart   = "before_start"
	dropPublishPaused = "publish_paused"
	dropRecycling     = "asr_recycling"
)

// pumpDrainTimeout bounds how long teardown waits for the last results.
const pumpDrainTimeout = 15 * time.Second

// Conn is one ingest WebSocket connection. It carries at most one call.
type Conn struct {
	id      string
	gw      *Gateway
	dialect Dialect
	ws      *websocket.Conn
	machine connMachine
	opened  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	// set by the read loop on start, read by the pump and teardown
	callID     string
	tenantID   string
	session    *stt.Session
	pumpDone   chan struct{}
	started    time.Time
	audioBytes int64

	paused atomic.Bool
	failed atomic.Bool

	reasonMu sync.Mutex
	reason   string

	closeOnce    sync.Once
	teardownOnce sync.Once

	log zerolog.Logger
}

func newConn(g *Gateway, d Dialect, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	g.metrics.RecordConnectionOpen(d.Name())
	return &Conn{
		id:      id,
		gw:      g,
		dialect: d,
		ws:      ws,
		opened:  time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		log: logging.WithComponent("gateway").With().
			Str("connId", id).
			Str("dialect", d.Name()).
			Logger(),
	}
}

// State returns the connection state.
func (c *Conn) State() ConnState {
	return c.machine.State()
}

func (c *Conn) run() {
	defer c.teardown()
	_ = c.machine.transition(StateAwaitStart)
	c.log.Info().Msg("Ingest connection opened")

	for {
		if c.gw.cfg.IdleTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.gw.cfg.IdleTimeout))
		}
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.setReason(readErrorReason(err))
			if c.closeReason() == reasonReadError {
				c.log.Debug().Err(err).Msg("Ingest read failed")
			}
			return
		}

		var msg Message
		if mt == websocket.BinaryMessage {
			msg = Message{Kind: KindMedia, Audio: data}
		} else {
			msg, err = c.dialect.Decode(data)
			if err != nil {
				c.log.Warn().Err(err).Msg("Malformed ingest message ignored")
				c.reply(c.dialect.ErrorReply(err))
				continue
			}
		}
		if done := c.handle(msg); done {
			return
		}
	}
}

func readErrorReason(err error) string {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return reasonClientClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return reasonIdle
	}
	return reasonReadError
}

// handle processes one message and reports whether the connection is done.
func (c *Conn) handle(msg Message) bool {
	switch msg.Kind {
	case KindIgnore:
		return false
	case KindStart:
		return c.handleStart(msg)
	case KindMedia:
		return c.handleMedia(msg)
	case KindStop:
		c.setReason(reasonStop)
		c.log.Info().Msg("Stop received")
		return true
	}
	return false
}

func (c *Conn) handleStart(msg Message) bool {
	if c.State() == StateStreaming {
		c.log.Debug().Msg("Duplicate start ignored")
		return false
	}
	if msg.Start == nil {
		return false
	}
	info := *msg.Start
	if err := schema.ValidateStart(info); err != nil {
		c.log.Warn().Err(err).Msg("Invalid start rejected")
		c.reply(c.dialect.ErrorReply(err))
		return false
	}

	if _, _, err := c.gw.calls.Activate(c.ctx, info.InteractionID, info.TenantID); err != nil {
		c.log.Warn().Err(err).Str("callId", info.InteractionID).Msg("Call rejected")
		c.reply(c.dialect.ErrorReply(err))
		if errors.Is(err, call.ErrCallEnded) {
			c.setReason(reasonCallRejected)
			return true
		}
		return false
	}
	c.callID = info.InteractionID
	c.tenantID = info.TenantID
	c.log = logging.WithCall(c.callID, c.tenantID).With().
		Str("connId", c.id).
		Str("dialect", c.dialect.Name()).
		Logger()

	sc := c.gw.cfg.Stream
	sc.SampleRateHz = info.SampleRate
	sc.Encoding = info.Encoding
	sess := stt.NewSession(c.ctx, c.gw.factory, sc, c.gw.cfg.Session, c.callID, c.tenantID)
	if err := sess.Open(); err != nil {
		_ = sess.Close()
		c.log.Error().Err(err).Msg("Failed to open STT session")
		c.reply(c.dialect.ErrorReply(fmt.Errorf("speech recognition unavailable: %w", err)))
		c.setReason(reasonASRFatal)
		return true
	}
	c.session = sess
	c.started = time.Now()
	c.pumpDone = make(chan struct{})
	go c.pump(sess)

	if err := c.machine.transition(StateStreaming); err != nil {
		c.log.Error().Err(err).Msg("Connection state")
		return true
	}
	c.log.Info().
		Int("sampleRate", info.SampleRate).
		Str("encoding", info.Encoding).
		Str("streamId", info.StreamID).
		Msg("Call streaming")
	c.reply(c.dialect.StartAck(info))
	return false
}

func (c *Conn) handleMedia(msg Message) bool {
	if c.State() != StateStreaming {
		c.gw.metrics.RecordFrameDropped(dropBeforeStart)
		return false
	}
	if len(msg.Audio) == 0 {
		return false
	}
	if c.paused.Load() {
		c.gw.metrics.RecordFrameDropped(dropPublishPaused)
		return false
	}

	c.audioBytes += int64(len(msg.Audio))
	if limit := c.gw.cfg.MaxAudioBytes; limit > 0 && c.audioBytes > limit {
		c.log.Warn().Int64("bytes", c.audioBytes).Int64("limit", limit).Msg("Audio limit exceeded")
		c.setReason(reasonMaxAudio)
		return true
	}
	if limit := c.gw.cfg.MaxDuration; limit > 0 && time.Since(c.started) > limit {
		c.log.Warn().Dur("limit", limit).Msg("Call duration limit exceeded")
		c.setReason(reasonMaxDuration)
		return true
	}
	c.gw.metrics.RecordAudioReceived(len(msg.Audio))

	if err := c.session.SendAudio(c.ctx, msg.Audio); err != nil {
		switch {
		case errors.Is(err, stt.ErrSessionClosed):
			return true
		case errors.Is(err, stt.ErrNotOpen):
			c.gw.metrics.RecordFrameDropped(dropRecycling)
		default:
			c.log.Debug().Err(err).Msg("Audio frame not delivered")
		}
		return false
	}
	c.reply(c.dialect.MediaAck(msg))
	return false
}

// pump turns session events into published segments until the session's
// event channel is closed.
func (c *Conn) pump(sess *stt.Session) {
	defer close(c.pumpDone)
	for ev := range sess.Events() {
		switch ev.Type {
		case stt.EventPartial, stt.EventFinal:
			if c.failed.Load() {
				continue
			}
			if err := c.publish(ev); err != nil {
				c.failed.Store(true)
				c.log.Error().Err(err).Msg("Publishing failed, closing call")
				c.abort(reasonPublishFailed)
			}
		case stt.EventTimeout:
			c.log.Warn().Msg("No result from speech recognition, stream recycled")
			c.reply(c.dialect.TimeoutReply())
			c.notify(models.EventTimeout)
		case stt.EventError:
			c.log.Debug().Err(ev.Err).Msg("Speech recognition stream error")
		case stt.EventFatal:
			c.log.Error().Err(ev.Err).Msg("Speech recognition failed, closing call")
			c.abort(reasonASRFatal)
		}
	}
}

// publish appends one transcript segment. While the log is unavailable the
// call is paused and incoming audio is dropped.
func (c *Conn) publish(ev stt.Event) error {
	seg := models.TranscriptSegment{
		CallID:   c.callID,
		TenantID: c.tenantID,
		TS:       time.Now().UnixMilli(),
		Text:     ev.Text,
		IsFinal:  ev.Type == stt.EventFinal,
	}
	if seg.IsFinal {
		conf := ev.Confidence
		seg.Confidence = &conf
	}

	var res events.Result
	err := resilience.Retry(c.ctx, c.gw.cfg.Publish, func(ctx context.Context, _ int) error {
		r, err := c.gw.publisher.Publish(ctx, seg)
		if err == nil {
			res = r
			return nil
		}
		if errors.Is(err, events.ErrLogUnavailable) {
			return err
		}
		return resilience.Permanent(err)
	}, func(attempt int, err error, wait time.Duration) {
		if !c.paused.Swap(true) {
			c.log.Warn().Err(err).Msg("Transcript log unavailable, pausing audio")
		}
		c.log.Debug().Int("attempt", attempt).Dur("backoff", wait).Msg("Retrying publish")
	})
	if c.paused.Swap(false) && err == nil {
		c.log.Info().Msg("Transcript log available again, resuming audio")
	}
	if err != nil {
		return err
	}
	c.log.Debug().Int64("seq", res.Seq).Bool("isFinal", seg.IsFinal).Msg("Transcript published")
	return nil
}

func (c *Conn) notify(eventType string) {
	if c.gw.notifier == nil {
		return
	}
	ev := models.EnrichedEvent{
		Type:     eventType,
		CallID:   c.callID,
		TenantID: c.tenantID,
		TS:       time.Now().UnixMilli(),
	}
	if err := c.gw.notifier.Publish(ev); err != nil {
		c.log.Debug().Err(err).Str("type", eventType).Msg("Control event not broadcast")
	}
}

// reply writes v to the client unless it is nil.
func (c *Conn) reply(v any) {
	if v == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		c.log.Debug().Err(err).Msg("Reply not written")
	}
}

func (c *Conn) setReason(reason string) {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if c.reason == "" {
		c.reason = reason
	}
}

func (c *Conn) closeReason() string {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.reason
}

// abort closes the socket from any goroutine. The read loop then fails and
// runs the teardown.
func (c *Conn) abort(reason string) {
	c.setReason(reason)
	c.closeSocket(websocket.CloseGoingAway, reason)
}

func (c *Conn) reject(reason string) {
	c.closeSocket(websocket.CloseTryAgainLater, reason)
	c.gw.metrics.RecordConnectionClosed(0)
}

func (c *Conn) closeSocket(code int, text string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, text)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// teardown runs once per connection: the ASR session is closed and drained,
// the call is ended and its end marker published.
func (c *Conn) teardown() {
	c.teardownOnce.Do(func() {
		_ = c.machine.transition(StateClosing)
		reason := c.closeReason()

		if c.session != nil {
			_ = c.session.Close()
			select {
			case <-c.pumpDone:
			case <-time.After(pumpDrainTimeout):
				c.log.Warn().Msg("Transcript pump did not drain in time")
			}
		}
		c.cancel()

		if c.callID != "" {
			c.finishCall()
		}

		c.closeSocket(closeCode(reason), reason)
		_ = c.machine.transition(StateClosed)
		c.gw.metrics.RecordConnectionClosed(time.Since(c.opened).Seconds())
		c.log.Info().
			Str("reason", reason).
			Int64("audioBytes", c.audioBytes).
			Dur("duration", time.Since(c.opened)).
			Msg("Ingest connection closed")
	})
}

// finishCall ends the call in the registry. Only the caller that ended it
// publishes the end marker.
func (c *Conn) finishCall() {
	ctx, cancel := context.WithTimeout(context.Background(), c.gw.cfg.FinishTimeout)
	defer cancel()

	if !c.gw.calls.End(ctx, c.callID) {
		c.log.Debug().Msg("Call already ended")
		return
	}
	err := resilience.Retry(ctx, c.gw.cfg.Publish, func(ctx context.Context, _ int) error {
		return c.gw.publisher.Finish(ctx, c.callID, c.tenantID)
	}, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to publish end of call")
	}
}

func closeCode(reason string) int {
	switch reason {
	case reasonStop, reasonClientClosed:
		return websocket.CloseNormalClosure
	case reasonMaxAudio, reasonMaxDuration:
		return websocket.ClosePolicyViolation
	case reasonCallRejected:
		return websocket.CloseUnsupportedData
	default:
		return websocket.CloseGoingAway
	}
}
