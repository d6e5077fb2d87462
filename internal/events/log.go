// Package events carries transcript segments through the durable per-call log.
package events

import (
	"context"
	"errors"
	"strings"
)

// Errors returned by Log implementations.
var (
	ErrLogUnavailable = errors.New("transcript log unavailable")
	ErrLogClosed      = errors.New("transcript log closed")
	ErrTopicPurged    = errors.New("topic purged")
)

// Header keys attached to every record.
const (
	HeaderKind      = "eventType"
	HeaderPrincipal = "principal"
	HeaderCallID    = "callId"
	HeaderSeq       = "seq"
	HeaderTenant    = "tenantId"
)

// Record is one message to append.
type Record struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Entry is a record read back from the log with its position.
type Entry struct {
	Topic   string
	Offset  int64
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Reader streams the entries of one topic in offset order.
type Reader interface {
	// Fetch blocks until the next entry is available or ctx is done.
	Fetch(ctx context.Context) (Entry, error)
	Close() error
}

// Log is an append-only, per-topic ordered log.
type Log interface {
	// EnsureTopic creates the topic if it does not exist yet.
	EnsureTopic(ctx context.Context, topic string) error
	// Append writes a record and returns its offset.
	Append(ctx context.Context, topic string, rec Record) (int64, error)
	// Open returns a reader positioned after the given offset.
	// Pass -1 to read from the beginning.
	Open(ctx context.Context, topic string, after int64) (Reader, error)
	// Purge releases the topic once its call is finished.
	Purge(ctx context.Context, topic string) error
	Close() error
}

// TopicFor returns the topic that holds the segments of a call.
// Characters outside the Kafka topic alphabet are replaced with '_'.
func TopicFor(prefix, callID string) string {
	var b strings.Builder
	b.Grow(len(prefix) + 1 + len(callID))
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteByte('.')
	}
	for _, r := range callID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	topic := b.String()
	// Kafka caps topic names at 249 characters.
	if len(topic) > 249 {
		topic = topic[:249]
	}
	return topic
}
