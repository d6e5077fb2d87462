package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"transcript-relay-service/internal/service/stt"
)

// recorder collects callbacks in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []string
	finals []float64
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) OnPartial(text string) { r.add("partial:" + text) }

func (r *recorder) OnFinal(text string, confidence float64) {
	r.mu.Lock()
	r.finals = append(r.finals, confidence)
	r.mu.Unlock()
	r.add("final:" + text)
}

func (r *recorder) OnEndOfUtterance() { r.add("eou") }

func (r *recorder) OnError(err error) { r.add("error:" + err.Error()) }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// waitFor polls until the recorder holds at least n events.
func (r *recorder) waitFor(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev := r.snapshot(); len(ev) >= n {
			return ev
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %v", n, r.snapshot())
	return nil
}

func started(t *testing.T, a *Adapter) *recorder {
	t.Helper()
	r := &recorder{}
	if err := a.Start(context.Background(), r); err != nil {
		t.Fatalf("start: %v", err)
	}
	return r
}

// feed sends n frames, pausing so the delayed callbacks keep their order.
func feed(t *testing.T, a *Adapter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := a.SendAudio(context.Background(), []byte{0x01, 0x02}); err != nil {
			t.Fatalf("send audio: %v", err)
		}
		time.Sleep(120 * time.Millisecond)
	}
}

func TestAdapter_UtteranceShape(t *testing.T) {
	a := New()
	utt := a.utterance
	r := started(t, a)

	feed(t, a, len(utt.Partials)+1)
	got := r.waitFor(t, len(utt.Partials)+2)

	for i, p := range utt.Partials {
		if got[i] != "partial:"+p {
			t.Errorf("event %d = %q, want partial %q", i, got[i], p)
		}
	}
	if got[len(utt.Partials)] != "final:"+utt.Final {
		t.Errorf("expected final %q, got %q", utt.Final, got[len(utt.Partials)])
	}
	if got[len(utt.Partials)+1] != "eou" {
		t.Errorf("expected end of utterance after the final, got %q", got[len(utt.Partials)+1])
	}
	if r.finals[0] != utt.Confidence {
		t.Errorf("confidence = %v, want %v", r.finals[0], utt.Confidence)
	}
}

func TestAdapter_AdvancesToNextUtterance(t *testing.T) {
	a := New()
	first := a.utterance
	r := started(t, a)

	feed(t, a, len(first.Partials)+2)
	r.waitFor(t, len(first.Partials)+3)

	a.mu.Lock()
	next := a.utterance
	a.mu.Unlock()
	if next.Final == first.Final {
		t.Fatalf("adapter stayed on %q", first.Final)
	}
	ev := r.snapshot()
	if last := ev[len(ev)-1]; last != "partial:"+next.Partials[0] {
		t.Errorf("expected the next utterance to start with %q, got %q", next.Partials[0], last)
	}
}

func TestAdapter_CloseFlushesPendingFinal(t *testing.T) {
	a := New()
	utt := a.utterance
	r := started(t, a)

	feed(t, a, 1)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	got := r.waitFor(t, 2)
	if got[1] != "final:"+utt.Final {
		t.Errorf("expected flushed final %q, got %v", utt.Final, got)
	}

	// frames after close are ignored
	feed(t, a, 2)
	if n := len(r.snapshot()); n != 2 {
		t.Errorf("expected no events after close, got %d", n)
	}
}

func TestAdapter_IgnoresAudioBeforeStart(t *testing.T) {
	a := New()
	if err := a.SendAudio(context.Background(), []byte{0x01}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.audioReceived != 0 || a.partialIndex != 0 {
		t.Errorf("audio before start must not advance the script")
	}
}

func TestAdapter_Silent(t *testing.T) {
	a := NewSilent()
	r := started(t, a)

	feed(t, a, 4)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if ev := r.snapshot(); len(ev) != 0 {
		t.Errorf("silent adapter produced %v", ev)
	}
	if a.audioReceived != 4 {
		t.Errorf("audioReceived = %d, want 4", a.audioReceived)
	}
}

func TestAdapter_ConcurrentSenders(t *testing.T) {
	a := New()
	started(t, a)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = a.SendAudio(context.Background(), []byte{0x01})
			}
		}()
	}
	wg.Wait()
	_ = a.Close()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.audioReceived != 80 {
		t.Errorf("audioReceived = %d, want 80", a.audioReceived)
	}
}

func TestDefaultUtterancesAreComplete(t *testing.T) {
	for i, u := range DefaultUtterances {
		if u.Final == "" || len(u.Partials) == 0 {
			t.Errorf("utterance %d is incomplete", i)
		}
		if u.Confidence <= 0 || u.Confidence > 1 {
			t.Errorf("utterance %d confidence %v out of range", i, u.Confidence)
		}
	}
}

func TestFactory(t *testing.T) {
	for _, silent := range []bool{false, true} {
		a, err := Factory(silent)(context.Background(), stt.StreamConfig{SampleRateHz: 8000})
		if err != nil {
			t.Fatalf("factory(%v): %v", silent, err)
		}
		if got := a.(*Adapter).silent; got != silent {
			t.Errorf("factory(%v) built silent=%v", silent, got)
		}
	}
}
