package stt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"transcript-relay-service/internal/resilience"
)

type fakeAdapter struct {
	mu           sync.Mutex
	cb           Callback
	audio        int
	closed       bool
	finalOnClose string
}

func (f *fakeAdapter) Start(_ context.Context, cb Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
	return nil
}

func (f *fakeAdapter) SendAudio(_ context.Context, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio++
	return nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	f.closed = true
	cb, final := f.cb, f.finalOnClose
	f.mu.Unlock()
	if final != "" {
		go func() {
			time.Sleep(10 * time.Millisecond)
			cb.OnFinal(final, 0.8)
		}()
	}
	return nil
}

func (f *fakeAdapter) callback() Callback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *fakeAdapter) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu           sync.Mutex
	adapters     []*fakeAdapter
	finalOnClose string
}

func (f *fakeFactory) New(_ context.Context, _ StreamConfig) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &fakeAdapter{finalOnClose: f.finalOnClose}
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adapters)
}

func (f *fakeFactory) latest() *fakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adapters[len(f.adapters)-1]
}

func testConfig() SessionConfig {
	return SessionConfig{
		Provider:    "fake",
		MaxRecycles: 3,
		Backoff:     resilience.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
		EventBuffer: 16,
	}
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// waitForAdapters waits until n adapters were created and the stream is open.
func waitForAdapters(t *testing.T, f *fakeFactory, s *Session, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.count() >= n && s.State() == StateOpen {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d adapters with an open stream, got %d (%v)", n, f.count(), s.State())
}

func TestSession_ForwardsResults(t *testing.T) {
	f := &fakeFactory{}
	s := NewSession(context.Background(), f.New, StreamConfig{}, testConfig(), "c1", "t1")
	defer s.Close()

	if err := s.SendAudio(context.Background(), []byte("a")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen before Open, got %v", err)
	}
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.State() != StateOpen {
		t.Errorf("expected OPEN, got %v", s.State())
	}
	if err := s.SendAudio(context.Background(), []byte("a")); err != nil {
		t.Fatalf("send: %v", err)
	}

	cb := f.latest().callback()
	cb.OnPartial("hel")
	cb.OnPartial("   ")
	cb.OnFinal("hello", 0.9)
	cb.OnEndOfUtterance()

	if ev := nextEvent(t, s); ev.Type != EventPartial || ev.Text != "hel" {
		t.Errorf("expected partial 'hel', got %+v", ev)
	}
	if ev := nextEvent(t, s); ev.Type != EventFinal || ev.Text != "hello" || ev.Confidence != 0.9 {
		t.Errorf("expected final 'hello', got %+v", ev)
	}
	if ev := nextEvent(t, s); ev.Type != EventEndOfUtterance {
		t.Errorf("expected end of utterance, got %+v", ev)
	}
}

func TestSession_FirstResultTimeoutRecycles(t *testing.T) {
	f := &fakeFactory{}
	cfg := testConfig()
	cfg.FirstResultTimeout = 20 * time.Millisecond
	s := NewSession(context.Background(), f.New, StreamConfig{}, cfg, "c1", "t1")
	defer s.Close()

	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	first := f.latest()
	_ = s.SendAudio(context.Background(), []byte("a"))

	ev := nextEvent(t, s)
	if ev.Type != EventTimeout || !errors.Is(ev.Err, ErrFirstResultTimeout) {
		t.Fatalf("expected timeout event, got %+v", ev)
	}

	waitForAdapters(t, f, s, 2)
	if !first.isClosed() {
		t.Error("expected the timed out stream to be closed")
	}

	// results of the replaced stream are ignored
	first.callback().OnFinal("stale", 0.5)
	f.latest().callback().OnFinal("fresh", 0.7)

	if ev := nextEvent(t, s); ev.Type != EventFinal || ev.Text != "fresh" {
		t.Errorf("expected only the fresh final, got %+v", ev)
	}
	if s.Recycles() != 0 {
		t.Errorf("expected recycle counter reset after a result, got %d", s.Recycles())
	}
}

func TestSession_GivesUpAfterMaxRecycles(t *testing.T) {
	f := &fakeFactory{}
	cfg := testConfig()
	cfg.MaxRecycles = 2
	s := NewSession(context.Background(), f.New, StreamConfig{}, cfg, "c1", "t1")
	defer s.Close()

	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	boom := errors.New("provider reset")
	for i := 1; i <= 2; i++ {
		f.latest().callback().OnError(boom)
		if ev := nextEvent(t, s); ev.Type != EventError {
			t.Fatalf("expected error event, got %+v", ev)
		}
		waitForAdapters(t, f, s, i+1)
	}

	f.latest().callback().OnError(boom)
	if ev := nextEvent(t, s); ev.Type != EventError {
		t.Fatalf("expected error event, got %+v", ev)
	}
	ev := nextEvent(t, s)
	if ev.Type != EventFatal || !errors.Is(ev.Err, boom) {
		t.Fatalf("expected fatal event wrapping the cause, got %+v", ev)
	}
	if s.State() != StateClosed {
		t.Errorf("expected CLOSED after giving up, got %v", s.State())
	}
	if f.count() != 3 {
		t.Errorf("expected 3 streams in total, got %d", f.count())
	}
}

func TestSession_CloseDrainsLateFinal(t *testing.T) {
	f := &fakeFactory{finalOnClose: "goodbye"}
	cfg := testConfig()
	cfg.DrainTimeout = 100 * time.Millisecond
	s := NewSession(context.Background(), f.New, StreamConfig{}, cfg, "c1", "t1")

	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ev, ok := <-s.Events()
	if !ok || ev.Type != EventFinal || ev.Text != "goodbye" {
		t.Fatalf("expected drained final, got %+v ok=%v", ev, ok)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("expected event channel to be closed")
	}
	if err := s.SendAudio(context.Background(), []byte("a")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	// idempotent
	if err := s.Close(); err != nil {
		t.Errorf("unexpected error on second close: %v", err)
	}
}

func TestSocketState_String(t *testing.T) {
	tests := map[SocketState]string{
		StateConnecting: "CONNECTING",
		StateOpen:       "OPEN",
		StateClosed:     "CLOSED",
		SocketState(9):  "UNKNOWN(9)",
	}
	for st, want := range tests {
		if st.String() != want {
			t.Errorf("expected %s, got %s", want, st.String())
		}
	}
}
