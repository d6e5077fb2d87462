package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcript-relay-service/internal/events"
	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/resilience"
	"transcript-relay-service/internal/schema"
	"transcript-relay-service/internal/service/call"
	"transcript-relay-service/internal/service/stt"
	"transcript-relay-service/internal/service/stt/mock"
)

func startInfo(callID string) schema.StartInfo {
	return schema.StartInfo{InteractionID: callID, TenantID: "t1", SampleRate: 16000, Encoding: "pcm16"}
}

// echoAdapter answers every audio frame with one final transcript.
type echoAdapter struct {
	mu sync.Mutex
	cb stt.Callback
}

func (a *echoAdapter) Start(_ context.Context, cb stt.Callback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = cb
	return nil
}

func (a *echoAdapter) SendAudio(_ context.Context, audio []byte) error {
	a.mu.Lock()
	cb := a.cb
	a.mu.Unlock()
	cb.OnFinal("heard "+string(audio), 0.9)
	return nil
}

func (a *echoAdapter) Close() error { return nil }

func echoFactory(context.Context, stt.StreamConfig) (stt.Adapter, error) {
	return &echoAdapter{}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	segments []models.TranscriptSegment
	finished []string
	failures int
	attempts int
}

func (p *fakePublisher) Publish(_ context.Context, seg models.TranscriptSegment) (events.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failures > 0 {
		p.failures--
		return events.Result{}, events.ErrLogUnavailable
	}
	seg.Seq = int64(len(p.segments) + 1)
	p.segments = append(p.segments, seg)
	return events.Result{CallID: seg.CallID, Seq: seg.Seq}, nil
}

func (p *fakePublisher) Finish(_ context.Context, callID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = append(p.finished, callID)
	return nil
}

func (p *fakePublisher) published() []models.TranscriptSegment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.TranscriptSegment(nil), p.segments...)
}

func (p *fakePublisher) finishedCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.finished...)
}

type fakeCalls struct {
	mu     sync.Mutex
	active map[string]bool
	ended  map[string]bool
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{active: map[string]bool{}, ended: map[string]bool{}}
}

func (c *fakeCalls) Activate(_ context.Context, callID, tenantID string) (models.Call, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended[callID] {
		return models.Call{}, false, call.ErrCallEnded
	}
	created := !c.active[callID]
	c.active[callID] = true
	return models.Call{ID: callID, TenantID: tenantID, State: models.CallActive}, created, nil
}

func (c *fakeCalls) End(_ context.Context, callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended[callID] || !c.active[callID] {
		return false
	}
	c.ended[callID] = true
	return true
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.EnrichedEvent
}

func (n *fakeNotifier) Publish(ev models.EnrichedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type harness struct {
	gw        *Gateway
	publisher *fakePublisher
	calls     *fakeCalls
	notifier  *fakeNotifier
	url       string
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Publish = resilience.RetryConfig{
		MaxAttempts: 3,
		Backoff:     resilience.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}
	cfg.Session = stt.SessionConfig{Provider: "test", MaxRecycles: 1}
	return cfg
}

func newHarness(t *testing.T, cfg Config, factory stt.Factory) *harness {
	t.Helper()
	h := &harness{
		publisher: &fakePublisher{},
		calls:     newFakeCalls(),
		notifier:  &fakeNotifier{},
	}
	h.gw = New(cfg, factory, h.publisher, h.calls, h.notifier)
	mux := http.NewServeMux()
	mux.Handle("/v1/ingest", h.gw.Handler(Generic{}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ingest"
	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func sendJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

// readEvent reads replies until one with the given event name arrives.
func readEvent(t *testing.T, ws *websocket.Conn, event string) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %q", event)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		if m["event"] == event {
			return m
		}
	}
}

func start(callID string) map[string]any {
	return map[string]any{"event": "start", "interactionId": callID, "tenantId": "t1", "sampleRate": 16000, "encoding": "pcm16"}
}

func media(payload string, ts int64) map[string]any {
	return map[string]any{"event": "media", "payload": []byte(payload), "timestamp": ts}
}

func TestGateway_StreamsTranscripts(t *testing.T) {
	h := newHarness(t, testConfig(), echoFactory)
	ws := h.dial(t)

	// dropped: no start yet
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("early")))

	sendJSON(t, ws, start("call-1"))
	ack := readEvent(t, ws, "started")
	assert.Equal(t, "call-1", ack["interactionId"])

	sendJSON(t, ws, media("one", 20))
	assert.Equal(t, float64(20), readEvent(t, ws, "ack")["timestamp"])
	sendJSON(t, ws, media("two", 40))
	readEvent(t, ws, "ack")

	require.Eventually(t, func() bool { return len(h.publisher.published()) == 2 }, 3*time.Second, 10*time.Millisecond)
	sendJSON(t, ws, map[string]any{"event": "stop"})

	require.Eventually(t, func() bool { return len(h.publisher.finishedCalls()) == 1 }, 3*time.Second, 10*time.Millisecond)
	segs := h.publisher.published()
	assert.Equal(t, "heard one", segs[0].Text)
	assert.Equal(t, "heard two", segs[1].Text)
	for _, seg := range segs {
		assert.Equal(t, "call-1", seg.CallID)
		assert.Equal(t, "t1", seg.TenantID)
		assert.True(t, seg.IsFinal)
		require.NotNil(t, seg.Confidence)
		assert.InDelta(t, 0.9, *seg.Confidence, 1e-9)
	}
	assert.Equal(t, []string{"call-1"}, h.publisher.finishedCalls())
	assert.Eventually(t, func() bool { return h.gw.ActiveConnections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestGateway_InvalidStartKeepsWaiting(t *testing.T) {
	h := newHarness(t, testConfig(), echoFactory)
	ws := h.dial(t)

	bad := start("call-2")
	delete(bad, "tenantId")
	sendJSON(t, ws, bad)
	errMsg := readEvent(t, ws, "error")
	assert.Contains(t, errMsg["message"], "tenantId")

	sendJSON(t, ws, start("call-2"))
	readEvent(t, ws, "started")
	assert.Empty(t, h.publisher.finishedCalls())
}

func TestGateway_EndedCallRejected(t *testing.T) {
	h := newHarness(t, testConfig(), echoFactory)
	h.calls.ended["old"] = true
	ws := h.dial(t)

	sendJSON(t, ws, start("old"))
	readEvent(t, ws, "error")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "got %v", err)
	assert.Empty(t, h.publisher.finishedCalls())
}

func TestGateway_AudioLimitClosesCall(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAudioBytes = 8
	h := newHarness(t, cfg, echoFactory)
	ws := h.dial(t)

	sendJSON(t, ws, start("call-3"))
	readEvent(t, ws, "started")
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("0123456789")))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var err error
	for err == nil {
		_, _, err = ws.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	require.Eventually(t, func() bool { return len(h.publisher.finishedCalls()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.publisher.published())
}

func TestGateway_PublishRetriesWhileLogUnavailable(t *testing.T) {
	h := newHarness(t, testConfig(), echoFactory)
	h.publisher.failures = 2
	ws := h.dial(t)

	sendJSON(t, ws, start("call-4"))
	readEvent(t, ws, "started")
	sendJSON(t, ws, media("retry", 0))

	require.Eventually(t, func() bool { return len(h.publisher.published()) == 1 }, 3*time.Second, 10*time.Millisecond)
	h.publisher.mu.Lock()
	assert.Equal(t, 3, h.publisher.attempts)
	h.publisher.mu.Unlock()
}

func TestGateway_PublishExhaustionClosesCall(t *testing.T) {
	h := newHarness(t, testConfig(), echoFactory)
	h.publisher.failures = 100
	ws := h.dial(t)

	sendJSON(t, ws, start("call-5"))
	readEvent(t, ws, "started")
	sendJSON(t, ws, media("lost", 0))

	require.Eventually(t, func() bool { return len(h.publisher.finishedCalls()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.publisher.published())
}

func TestGateway_ProviderTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Session = stt.SessionConfig{
		Provider:           "mock",
		FirstResultTimeout: 50 * time.Millisecond,
		MaxRecycles:        5,
		Backoff:            resilience.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	}
	h := newHarness(t, cfg, mock.Factory(true))
	ws := h.dial(t)

	sendJSON(t, ws, start("call-6"))
	readEvent(t, ws, "started")
	sendJSON(t, ws, media("silence", 0))

	readEvent(t, ws, "timeout")
	require.Eventually(t, func() bool { return h.notifier.count() > 0 }, time.Second, 10*time.Millisecond)
	h.notifier.mu.Lock()
	ev := h.notifier.events[0]
	h.notifier.mu.Unlock()
	assert.Equal(t, models.EventTimeout, ev.Type)
	assert.Equal(t, "call-6", ev.CallID)
}

func TestGateway_IdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, echoFactory)
	ws := h.dial(t)

	sendJSON(t, ws, start("call-7"))
	readEvent(t, ws, "started")

	require.Eventually(t, func() bool { return len(h.publisher.finishedCalls()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestGateway_Shutdown(t *testing.T) {
	h := newHarness(t, testConfig(), echoFactory)
	ws := h.dial(t)
	sendJSON(t, ws, start("call-8"))
	readEvent(t, ws, "started")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Shutdown(ctx))
	assert.Equal(t, []string{"call-8"}, h.publisher.finishedCalls())
	assert.Equal(t, 0, h.gw.ActiveConnections())
}

func TestGateway_Unauthorized(t *testing.T) {
	g := New(testConfig(), echoFactory, &fakePublisher{}, newFakeCalls(), nil)
	srv := httptest.NewServer(g.Handler(Exotel{AuthMethod: ExotelBasicAuth, Username: "u", Password: "p"}))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
