package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcript-relay-service/internal/models"
)

func transcript(callID string, seq int64) models.EnrichedEvent {
	return models.EnrichedEvent{
		Type:   models.EventTranscript,
		CallID: callID,
		Seq:    seq,
		Text:   "hello",
		Intent: models.IntentUnknown,
	}
}

func ptr(v int64) *int64 { return &v }

// queued returns the events currently buffered without waiting for more.
func queued(sub *Subscription) []models.EnrichedEvent {
	var out []models.EnrichedEvent
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func seqs(events []models.EnrichedEvent) []int64 {
	out := make([]int64, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Seq)
	}
	return out
}

func TestBroadcaster_PublishInOrder(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	sub, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, 1, b.SubscriberCount("call-1"))

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, b.Publish(transcript("call-1", seq)))
	}
	require.NoError(t, b.Publish(transcript("call-2", 1)))

	assert.Equal(t, []int64{1, 2, 3}, seqs(queued(sub)))
	assert.Equal(t, 2, b.ActiveCalls())
}

func TestBroadcaster_DropsDuplicates(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()
	sub, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)

	for _, seq := range []int64{1, 2, 2, 1, 3} {
		require.NoError(t, b.Publish(transcript("call-1", seq)))
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs(queued(sub)))
}

func TestBroadcaster_ResumeReplaysFromRing(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, b.Publish(transcript("call-1", seq)))
	}

	sub, err := b.Subscribe("call-1", ptr(3))
	require.NoError(t, err)
	require.NoError(t, b.Publish(transcript("call-1", 6)))

	assert.Equal(t, []int64{4, 5, 6}, seqs(queued(sub)))

	all, err := b.Subscribe("call-1", ptr(0))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, seqs(queued(all)))

	live, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)
	assert.Empty(t, queued(live))
}

func TestBroadcaster_ReplayLargerThanBuffer(t *testing.T) {
	b := New(Config{ReplaySize: 10, SubscriberBuffer: 2, OverflowPolicy: PolicyDisconnect})
	defer b.Close()

	for seq := int64(1); seq <= 8; seq++ {
		require.NoError(t, b.Publish(transcript("call-1", seq)))
	}
	sub, err := b.Subscribe("call-1", ptr(0))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, seqs(queued(sub)))
	assert.Nil(t, sub.Err())
}

func TestBroadcaster_RingWraps(t *testing.T) {
	b := New(Config{ReplaySize: 3, SubscriberBuffer: 8})
	defer b.Close()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, b.Publish(transcript("call-1", seq)))
	}
	sub, err := b.Subscribe("call-1", ptr(0))
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, seqs(queued(sub)))
}

func TestBroadcaster_DropOldest(t *testing.T) {
	b := New(Config{ReplaySize: 16, SubscriberBuffer: 2, OverflowPolicy: PolicyDropOldest})
	defer b.Close()
	sub, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, b.Publish(transcript("call-1", seq)))
	}
	assert.Equal(t, []int64{4, 5}, seqs(queued(sub)))
	assert.Equal(t, 1, b.SubscriberCount("call-1"))
}

func TestBroadcaster_Disconnect(t *testing.T) {
	b := New(Config{ReplaySize: 16, SubscriberBuffer: 2, OverflowPolicy: PolicyDisconnect})
	defer b.Close()
	slow, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)
	fast, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish(transcript("call-1", 1)))
	require.NoError(t, b.Publish(transcript("call-1", 2)))
	assert.Equal(t, []int64{1, 2}, seqs(queued(fast)))
	require.NoError(t, b.Publish(transcript("call-1", 3)))

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not disconnected")
	}
	assert.ErrorIs(t, slow.Err(), ErrSlowSubscriber)
	assert.Equal(t, []int64{1, 2}, seqs(queued(slow)))
	assert.Equal(t, []int64{3}, seqs(queued(fast)))
	assert.Equal(t, 1, b.SubscriberCount("call-1"))
}

func TestBroadcaster_EndCall(t *testing.T) {
	b := New(Config{ReplaySize: 16, SubscriberBuffer: 2})
	defer b.Close()
	sub, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish(transcript("call-1", 1)))
	require.NoError(t, b.Publish(transcript("call-1", 2)))
	b.EndCall("call-1")

	events := queued(sub)
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventCallEnded, events[len(events)-1].Type)
	assert.ErrorIs(t, sub.Err(), ErrCallEnded)
	assert.Equal(t, 0, b.ActiveCalls())

	// late subscribers learn the call ended
	late, err := b.Subscribe("call-1", ptr(0))
	require.NoError(t, err)
	events = queued(late)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventCallEnded, events[0].Type)

	// publishing after the end neither fails nor revives the call
	require.NoError(t, b.Publish(transcript("call-1", 3)))
	assert.Equal(t, 0, b.ActiveCalls())
}

func TestBroadcaster_ControlEventsNotReplayed(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()
	sub, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)

	require.NoError(t, b.Publish(transcript("call-1", 1)))
	require.NoError(t, b.Publish(models.EnrichedEvent{Type: models.EventTimeout, CallID: "call-1"}))
	require.NoError(t, b.Publish(models.EnrichedEvent{Type: models.EventTimeout, CallID: "call-1"}))

	events := queued(sub)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventTimeout, events[2].Type)

	resumed, err := b.Subscribe("call-1", ptr(0))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, seqs(queued(resumed)))
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()
	sub, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)
	other, err := b.Subscribe("call-2", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, b.SubscriptionsCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.ErrorIs(t, sub.Err(), ErrUnsubscribed)
	assert.Equal(t, 1, b.SubscriptionsCount())
	assert.Nil(t, other.Err())
}

func TestBroadcaster_UnsubscribeReleasesIdleChannels(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	for i := 0; i < 1000; i++ {
		sub, err := b.Subscribe(fmt.Sprintf("call-%d", i), nil)
		require.NoError(t, err)
		b.Unsubscribe(sub)
	}
	assert.Equal(t, 0, b.ActiveCalls())
	assert.Equal(t, 0, b.SubscriptionsCount())

	// a call that carried events keeps its ring for resuming clients
	sub, err := b.Subscribe("live", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(transcript("live", 1)))
	b.Unsubscribe(sub)
	assert.Equal(t, 1, b.ActiveCalls())

	again, err := b.Subscribe("live", ptr(0))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, seqs(queued(again)))
}

func TestBroadcaster_SubscribeAfterReap(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Close()

	first, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)
	b.Unsubscribe(first)

	sub, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(transcript("call-1", 1)))
	assert.Equal(t, []int64{1}, seqs(queued(sub)))
	assert.Equal(t, 1, b.ActiveCalls())
}

func TestBroadcaster_Close(t *testing.T) {
	b := New(DefaultConfig())
	sub, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)

	b.Close()
	b.Close()

	assert.ErrorIs(t, sub.Err(), ErrClosed)
	_, err = b.Subscribe("call-1", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(transcript("call-1", 1)), ErrClosed)
}

func TestSubscription_MarkSent(t *testing.T) {
	sub := newSubscription("s", "c", 1, 0)
	sub.MarkSent(5)
	sub.MarkSent(3)
	assert.Equal(t, int64(5), sub.LastSentSeq())
}

func TestBroadcaster_ConcurrentPublishers(t *testing.T) {
	b := New(Config{ReplaySize: 64, SubscriberBuffer: 512})
	defer b.Close()
	sub, err := b.Subscribe("call-1", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := int64(1); seq <= 100; seq++ {
				_ = b.Publish(transcript("call-1", seq))
			}
		}()
	}
	wg.Wait()

	got := seqs(queued(sub))
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
	assert.Equal(t, int64(100), got[len(got)-1])
}
