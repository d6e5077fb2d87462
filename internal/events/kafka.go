package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds the Kafka log configuration.
type KafkaConfig struct {
	Brokers           []string
	ReplicationFactor int
	DeleteOnPurge     bool
}

// KafkaLog stores every call in its own single-partition topic so that
// ordering per call comes from the partition itself.
type KafkaLog struct {
	brokers           []string
	replicationFactor int
	deleteOnPurge     bool

	dialer    *kafka.Dialer
	transport *kafka.Transport
	client    *kafka.Client

	ensured sync.Map // topic -> struct{}
}

// NewKafkaLog creates a Kafka backed Log.
func NewKafkaLog(cfg KafkaConfig) (*KafkaLog, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka log requires at least one broker")
	}
	rf := cfg.ReplicationFactor
	if rf <= 0 {
		rf = 1
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Int("replicationFactor", rf).
		Bool("deleteOnPurge", cfg.DeleteOnPurge).
		Msg("Kafka log initialized")

	return &KafkaLog{
		brokers:           cfg.Brokers,
		replicationFactor: rf,
		deleteOnPurge:     cfg.DeleteOnPurge,
		dialer:            dialer,
		transport:         transport,
		client: &kafka.Client{
			Addr:      kafka.TCP(cfg.Brokers...),
			Timeout:   10 * time.Second,
			Transport: transport,
		},
	}, nil
}

// EnsureTopic creates a single-partition topic. Existing topics are fine.
func (l *KafkaLog) EnsureTopic(ctx context.Context, topic string) error {
	if _, ok := l.ensured.Load(topic); ok {
		return nil
	}
	resp, err := l.client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: l.replicationFactor,
		}},
	})
	if err != nil {
		return fmt.Errorf("%w: create topic %s: %v", ErrLogUnavailable, topic, err)
	}
	if terr := resp.Errors[topic]; terr != nil && !errors.Is(terr, kafka.TopicAlreadyExists) {
		return fmt.Errorf("%w: create topic %s: %v", ErrLogUnavailable, topic, terr)
	}
	l.ensured.Store(topic, struct{}{})
	return nil
}

// Append produces one record to partition 0 and waits for all in-sync replicas.
func (l *KafkaLog) Append(ctx context.Context, topic string, rec Record) (int64, error) {
	headers := make([]kafka.Header, 0, len(rec.Headers))
	for k, v := range rec.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	resp, err := l.client.Produce(ctx, &kafka.ProduceRequest{
		Topic:        topic,
		Partition:    0,
		RequiredAcks: kafka.RequireAll,
		Records: kafka.NewRecordReader(kafka.Record{
			Time:    time.Now(),
			Key:     kafka.NewBytes(rec.Key),
			Value:   kafka.NewBytes(rec.Value),
			Headers: headers,
		}),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: produce to %s: %v", ErrLogUnavailable, topic, err)
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("%w: produce to %s: %v", ErrLogUnavailable, topic, resp.Error)
	}
	return resp.BaseOffset, nil
}

// Open starts a partition reader after the given offset.
func (l *KafkaLog) Open(_ context.Context, topic string, after int64) (Reader, error) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   l.brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   500 * time.Millisecond,
		Dialer:    l.dialer,
	})

	start := kafka.FirstOffset
	if after >= 0 {
		start = after + 1
	}
	if err := r.SetOffset(start); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%w: seek %s to %d: %v", ErrLogUnavailable, topic, start, err)
	}
	return &kafkaReader{r: r}, nil
}

// Purge deletes the topic when configured to, otherwise retention cleans it up.
func (l *KafkaLog) Purge(ctx context.Context, topic string) error {
	l.ensured.Delete(topic)
	if !l.deleteOnPurge {
		return nil
	}
	resp, err := l.client.DeleteTopics(ctx, &kafka.DeleteTopicsRequest{Topics: []string{topic}})
	if err != nil {
		return fmt.Errorf("delete topic %s: %w", topic, err)
	}
	if terr := resp.Errors[topic]; terr != nil && !errors.Is(terr, kafka.UnknownTopicOrPartition) {
		return fmt.Errorf("delete topic %s: %w", topic, terr)
	}
	log.Debug().Str("topic", topic).Msg("Kafka topic deleted")
	return nil
}

// Close releases pooled broker connections.
func (l *KafkaLog) Close() error {
	l.transport.CloseIdleConnections()
	return nil
}

type kafkaReader struct {
	r *kafka.Reader
}

func (k *kafkaReader) Fetch(ctx context.Context) (Entry, error) {
	msg, err := k.r.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Entry{}, ctx.Err()
		}
		return Entry{}, fmt.Errorf("%w: fetch: %v", ErrLogUnavailable, err)
	}
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Entry{
		Topic:   msg.Topic,
		Offset:  msg.Offset,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}, nil
}

func (k *kafkaReader) Close() error {
	return k.r.Close()
}
