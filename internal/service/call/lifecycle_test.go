package call

import (
	"errors"
	"sync"
	"testing"

	"transcript-relay-service/internal/models"
)

func TestLifecycle_InitialState(t *testing.T) {
	lc := NewLifecycle("call-1")

	if lc.State() != models.CallCreated {
		t.Errorf("expected CREATED, got %v", lc.State())
	}
	if lc.CallID() != "call-1" {
		t.Errorf("expected call-1, got %v", lc.CallID())
	}
	if !lc.AcceptsSegments() {
		t.Error("expected a new call to accept segments")
	}
}

func TestLifecycle_ActivateIsIdempotent(t *testing.T) {
	lc := NewLifecycle("call-1")

	for i := 0; i < 3; i++ {
		if err := lc.Activate(); err != nil {
			t.Fatalf("activate %d: unexpected error: %v", i, err)
		}
	}
	if lc.State() != models.CallActive {
		t.Errorf("expected ACTIVE, got %v", lc.State())
	}
}

func TestLifecycle_EndOnlyOnce(t *testing.T) {
	lc := NewLifecycle("call-1")
	_ = lc.Activate()

	if !lc.End() {
		t.Fatal("expected first End to succeed")
	}
	if lc.End() {
		t.Error("expected second End to be a no-op")
	}
	if lc.AcceptsSegments() {
		t.Error("ended call must not accept segments")
	}
	if err := lc.Activate(); !errors.Is(err, ErrCallEnded) {
		t.Errorf("expected ErrCallEnded, got %v", err)
	}
}

func TestLifecycle_EndFromCreated(t *testing.T) {
	lc := NewLifecycle("call-1")
	if !lc.End() {
		t.Fatal("expected End from CREATED to succeed")
	}
	if lc.State() != models.CallEnded {
		t.Errorf("expected ENDED, got %v", lc.State())
	}
}

func TestLifecycle_Purge(t *testing.T) {
	lc := NewLifecycle("call-1")
	_ = lc.Activate()

	// the consumer may observe the end marker before End is recorded
	if !lc.Purge() {
		t.Fatal("expected Purge from ACTIVE to succeed")
	}
	if lc.Purge() {
		t.Error("expected second Purge to be a no-op")
	}
	if lc.End() {
		t.Error("End after Purge must be a no-op")
	}
	if !lc.State().IsTerminal() {
		t.Errorf("expected terminal state, got %v", lc.State())
	}
}

func TestLifecycle_ConcurrentEnd(t *testing.T) {
	lc := NewLifecycle("call-1")
	_ = lc.Activate()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lc.End() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one End to win, got %d", wins)
	}
}
