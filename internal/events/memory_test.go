package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLog_OpenAfterOffset(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if _, err := l.Append(ctx, "t", Record{Value: []byte(v)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	r, err := l.Open(ctx, "t", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e, err := r.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if e.Offset != 1 || string(e.Value) != "b" {
		t.Errorf("expected offset 1 value b, got %d %q", e.Offset, e.Value)
	}
}

func TestMemoryLog_FetchBlocksUntilAppend(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	r, err := l.Open(ctx, "t", -1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	got := make(chan Entry, 1)
	go func() {
		e, err := r.Fetch(ctx)
		if err == nil {
			got <- e
		}
	}()

	select {
	case <-got:
		t.Fatal("fetch returned before anything was appended")
	case <-time.After(20 * time.Millisecond):
	}

	_, _ = l.Append(ctx, "t", Record{Value: []byte("x")})
	select {
	case e := <-got:
		if e.Offset != 0 {
			t.Errorf("expected offset 0, got %d", e.Offset)
		}
	case <-time.After(time.Second):
		t.Fatal("fetch did not wake up after append")
	}
}

func TestMemoryLog_FetchHonoursContext(t *testing.T) {
	l := NewMemoryLog()
	r, _ := l.Open(context.Background(), "t", -1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.Fetch(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryLog_PurgeAndClose(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	_, _ = l.Append(ctx, "t", Record{Value: []byte("x")})
	r, _ := l.Open(ctx, "t", 0)

	if err := l.Purge(ctx, "t"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := r.Fetch(ctx); !errors.Is(err, ErrTopicPurged) {
		t.Errorf("expected ErrTopicPurged, got %v", err)
	}

	_ = l.Close()
	if _, err := l.Append(ctx, "t", Record{}); !errors.Is(err, ErrLogClosed) {
		t.Errorf("expected ErrLogClosed, got %v", err)
	}
}

func TestMemoryDeadLetters(t *testing.T) {
	s := NewMemoryDeadLetters()
	_ = s.Send(context.Background(), DeadLetter{CallID: "c1", Seq: 2, Reason: "poison"})
	list := s.List()
	if len(list) != 1 || list[0].Reason != "poison" {
		t.Errorf("unexpected dead letters: %+v", list)
	}
}
