package events

import (
	"context"
	"sync"
)

type memTopic struct {
	entries []Entry
	notify  chan struct{}
}

// MemoryLog is an in-process Log used when Kafka is disabled and in tests.
// Entries do not survive a restart.
type MemoryLog struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
	done   chan struct{}
}

// NewMemoryLog creates an empty in-process log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		topics: make(map[string]*memTopic),
		done:   make(chan struct{}),
	}
}

func (l *MemoryLog) topic(name string) *memTopic {
	t, ok := l.topics[name]
	if !ok {
		t = &memTopic{notify: make(chan struct{})}
		l.topics[name] = t
	}
	return t
}

// EnsureTopic creates the topic if needed.
func (l *MemoryLog) EnsureTopic(_ context.Context, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}
	l.topic(topic)
	return nil
}

// Append adds a record at the end of the topic.
func (l *MemoryLog) Append(ctx context.Context, topic string, rec Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLogClosed
	}
	t := l.topic(topic)
	off := int64(len(t.entries))
	t.entries = append(t.entries, Entry{
		Topic:   topic,
		Offset:  off,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: rec.Headers,
	})
	close(t.notify)
	t.notify = make(chan struct{})
	return off, nil
}

// Open returns a reader starting after the given offset.
func (l *MemoryLog) Open(_ context.Context, topic string, after int64) (Reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLogClosed
	}
	l.topic(topic)
	if after < -1 {
		after = -1
	}
	return &memReader{log: l, topic: topic, next: after + 1}, nil
}

// Purge drops the topic and wakes its readers.
func (l *MemoryLog) Purge(_ context.Context, topic string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.topics[topic]; ok {
		delete(l.topics, topic)
		close(t.notify)
	}
	return nil
}

// Len returns the number of entries in a topic.
func (l *MemoryLog) Len(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.topics[topic]; ok {
		return len(t.entries)
	}
	return 0
}

// Entries returns a copy of the entries of a topic.
func (l *MemoryLog) Entries(topic string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.topics[topic]
	if !ok {
		return nil
	}
	return append([]Entry(nil), t.entries...)
}

// Close wakes every reader with ErrLogClosed.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

type memReader struct {
	log   *MemoryLog
	topic string
	next  int64
}

func (r *memReader) Fetch(ctx context.Context) (Entry, error) {
	for {
		r.log.mu.Lock()
		if r.log.closed {
			r.log.mu.Unlock()
			return Entry{}, ErrLogClosed
		}
		t, ok := r.log.topics[r.topic]
		if !ok {
			r.log.mu.Unlock()
			return Entry{}, ErrTopicPurged
		}
		if r.next < int64(len(t.entries)) {
			e := t.entries[r.next]
			r.next++
			r.log.mu.Unlock()
			return e, nil
		}
		wait := t.notify
		r.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		case <-r.log.done:
		case <-wait:
		}
	}
}

func (r *memReader) Close() error {
	return nil
}
