package call

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"transcript-relay-service/internal/models"
	"transcript-relay-service/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegistry_ActivateCreatesOnce(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	c, created, err := r.Activate(ctx, "c1", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("expected first Activate to create the call")
	}
	if c.State != models.CallActive {
		t.Errorf("expected ACTIVE, got %v", c.State)
	}

	_, created, err = r.Activate(ctx, "c1", "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected second Activate to reuse the call")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 call, got %d", r.Count())
	}
}

func TestRegistry_EndRejectsNewActivity(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	_, _, _ = r.Activate(ctx, "c1", "t1")
	if !r.End(ctx, "c1") {
		t.Fatal("expected End to succeed")
	}
	if r.End(ctx, "c1") {
		t.Error("expected second End to be a no-op")
	}
	if r.AcceptsSegments("c1") {
		t.Error("ended call must not accept segments")
	}
	if _, _, err := r.Activate(ctx, "c1", "t1"); !errors.Is(err, ErrCallEnded) {
		t.Errorf("expected ErrCallEnded, got %v", err)
	}
	if len(r.Active()) != 0 {
		t.Errorf("expected no active calls, got %d", len(r.Active()))
	}
}

func TestRegistry_PurgeRemovesAndPersists(t *testing.T) {
	s := openStore(t)
	r := NewRegistry(WithStore(s.Calls))
	ctx := context.Background()

	_, _, _ = r.Activate(ctx, "c1", "t1")
	r.Touch(ctx, "c1", 3)
	r.End(ctx, "c1")
	if !r.Purge(ctx, "c1") {
		t.Fatal("expected Purge to succeed")
	}
	if _, ok := r.Get("c1"); ok {
		t.Error("purged call must be dropped from memory")
	}

	persisted, err := s.Calls.GetCall(ctx, "c1")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if persisted.State != models.CallPurged {
		t.Errorf("expected PURGED, got %v", persisted.State)
	}
	if persisted.LastSeq != 3 {
		t.Errorf("expected last seq 3, got %d", persisted.LastSeq)
	}

	// purged ids are never reused
	if _, _, err := r.Activate(ctx, "c1", "t1"); !errors.Is(err, ErrCallEnded) {
		t.Errorf("expected ErrCallEnded for a purged id, got %v", err)
	}
}

func TestRegistry_Restore(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := NewRegistry(WithStore(s.Calls))
	_, _, _ = first.Activate(ctx, "c1", "t1")
	first.Touch(ctx, "c1", 9)
	_, _, _ = first.Activate(ctx, "c2", "t1")
	first.End(ctx, "c2")

	second := NewRegistry(WithStore(s.Calls))
	calls, err := second.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 restored calls, got %d", len(calls))
	}

	c1, ok := second.Get("c1")
	if !ok {
		t.Fatal("expected c1 to be restored")
	}
	if c1.LastSeq != 9 {
		t.Errorf("expected last seq 9, got %d", c1.LastSeq)
	}
	if c1.State != models.CallActive {
		t.Errorf("expected ACTIVE, got %v", c1.State)
	}
	if second.AcceptsSegments("c2") {
		t.Error("restored ended call must not accept segments")
	}
}

func TestRegistry_SweepEndsIdleCalls(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}

	var mu sync.Mutex
	var idled []string
	r := NewRegistry(
		WithClock(clock.Now),
		WithIdleTimeout(time.Minute),
		WithOnIdle(func(_ context.Context, c models.Call) {
			mu.Lock()
			idled = append(idled, c.ID)
			mu.Unlock()
		}),
	)
	ctx := context.Background()

	_, _, _ = r.Activate(ctx, "quiet", "t1")
	_, _, _ = r.Activate(ctx, "busy", "t1")

	clock.Advance(45 * time.Second)
	r.Touch(ctx, "busy", 1)
	clock.Advance(30 * time.Second)

	ended := r.Sweep(ctx)
	if len(ended) != 1 || ended[0] != "quiet" {
		t.Fatalf("expected only quiet to be swept, got %v", ended)
	}
	if len(idled) != 1 || idled[0] != "quiet" {
		t.Errorf("expected idle hook for quiet, got %v", idled)
	}
	if !r.AcceptsSegments("busy") {
		t.Error("busy call must stay active")
	}

	// already ended calls are not swept twice
	clock.Advance(time.Hour)
	ended = r.Sweep(ctx)
	if len(ended) != 1 || ended[0] != "busy" {
		t.Errorf("expected busy to be swept next, got %v", ended)
	}
}

func TestRegistry_SweepDisabled(t *testing.T) {
	r := NewRegistry()
	_, _, _ = r.Activate(context.Background(), "c1", "t1")
	if got := r.Sweep(context.Background()); got != nil {
		t.Errorf("expected nothing swept without idle timeout, got %v", got)
	}
}
