package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// DeadLetter is an entry the consumer gave up on.
type DeadLetter struct {
	Topic    string          `json:"topic"`
	Offset   int64           `json:"offset"`
	CallID   string          `json:"callId"`
	Seq      int64           `json:"seq"`
	Reason   string          `json:"reason"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	FailedAt time.Time       `json:"failedAt"`
}

// DeadLetterSink receives entries that could not be delivered.
type DeadLetterSink interface {
	Send(ctx context.Context, dl DeadLetter) error
	Close() error
}

// KafkaDeadLetters writes dead letters to a single Kafka topic.
type KafkaDeadLetters struct {
	writer    *kafka.Writer
	principal string
}

// NewKafkaDeadLetters creates a dead-letter writer for topic.
func NewKafkaDeadLetters(brokers []string, topic, principal string) *KafkaDeadLetters {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
		},
	}
	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("Dead-letter writer initialized")
	return &KafkaDeadLetters{writer: w, principal: principal}
}

// Send writes one dead letter keyed by call id.
func (k *KafkaDeadLetters) Send(ctx context.Context, dl DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(dl.CallID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "reason", Value: []byte(dl.Reason)},
			{Key: HeaderPrincipal, Value: []byte(k.principal)},
		},
	})
	if err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaDeadLetters) Close() error {
	return k.writer.Close()
}

// MemoryDeadLetters keeps dead letters in memory.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// NewMemoryDeadLetters creates an empty in-memory sink.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

// Send records the dead letter and logs it.
func (m *MemoryDeadLetters) Send(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	m.letters = append(m.letters, dl)
	m.mu.Unlock()

	log.Warn().
		Str("callId", dl.CallID).
		Int64("seq", dl.Seq).
		Str("topic", dl.Topic).
		Int64("offset", dl.Offset).
		Str("reason", dl.Reason).
		Str("error", dl.Error).
		Msg("Entry dead-lettered")
	return nil
}

// List returns a copy of every dead letter received so far.
func (m *MemoryDeadLetters) List() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.letters...)
}

// Close is a no-op.
func (m *MemoryDeadLetters) Close() error {
	return nil
}
